package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"universal-gateway/internal/app"
)

type exportFlags struct {
	from, to  string
	png, csv  string
	maxPoints int
}

var exportArgs exportFlags

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export oracle price samples as CSV and/or PNG chart",
	Long: `Export reads recorded oracle samples from Postgres. --from and --to accept
RFC3339 timestamps, unix seconds, or a negative offset from now such as -24h.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := exportArgs.options(time.Now().UTC())
		if err != nil {
			return err
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func (f exportFlags) options(now time.Time) (app.ExportOptions, error) {
	opts := app.ExportOptions{PNGPath: f.png, CSVPath: f.csv, MaxPoints: f.maxPoints}
	var err error
	if opts.From, err = parseTimestamp("from", f.from, now); err != nil {
		return opts, err
	}
	if opts.To, err = parseTimestamp("to", f.to, now); err != nil {
		return opts, err
	}
	return opts, nil
}

// parseTimestamp returns nil for an empty flag so Export picks its default.
func parseTimestamp(flag, raw string, now time.Time) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "-") {
		if d, err := time.ParseDuration(raw); err == nil {
			ts := now.Add(d)
			return &ts, nil
		}
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		ts := time.Unix(secs, 0).UTC()
		return &ts, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value %q: %w", flag, raw, err)
	}
	return &ts, nil
}

func init() {
	f := exportCmd.Flags()
	f.StringVar(&exportArgs.from, "from", "", "Start (inclusive): RFC3339, unix seconds or -duration")
	f.StringVar(&exportArgs.to, "to", "", "End (exclusive): RFC3339, unix seconds or -duration")
	f.StringVar(&exportArgs.png, "png", "", "Path to write PNG chart")
	f.StringVar(&exportArgs.csv, "csv", "", "Path to write CSV data")
	f.IntVar(&exportArgs.maxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
