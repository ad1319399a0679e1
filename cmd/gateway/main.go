package main

import "universal-gateway/internal/cli"

func main() {
	cli.Execute()
}
