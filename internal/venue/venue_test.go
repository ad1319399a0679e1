package venue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"universal-gateway/internal/bridge"
	"universal-gateway/internal/custody"
)

const weth = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"

var usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")

func TestCoWQuoteMissingToken(t *testing.T) {
	q := NewCoW(CoWOptions{}, zerolog.Nop())
	if _, err := q.Quote(context.Background(), usdc, uint256.NewInt(1)); err == nil {
		t.Fatal("缺少 wrapped native 时应返回错误")
	}
}

func TestCoWQuoteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"errorType": "SellAmountDoesNotCoverFee"})
	}))
	defer srv.Close()

	q := NewCoW(CoWOptions{BaseURL: srv.URL, WrappedNative: weth, Timeout: time.Second}, zerolog.Nop())
	if _, err := q.Quote(context.Background(), usdc, uint256.NewInt(1)); err == nil {
		t.Fatal("HTTP 400 应返回错误")
	}
}

func TestCoWQuoteSuccess(t *testing.T) {
	var got quoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != cowQuotePath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"quote": map[string]string{
				"sellAmount": "6000000",
				"buyAmount":  "3000000000000000",
				"feeAmount":  "0",
			},
			"priceQuality": "verified",
		})
	}))
	defer srv.Close()

	q := NewCoW(CoWOptions{BaseURL: srv.URL, PriceQuality: "optimal", WrappedNative: weth, UserAgent: "test"}, zerolog.Nop())
	quote, err := q.Quote(context.Background(), usdc, uint256.NewInt(6_000_000))
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if quote.AmountOut.Uint64() != 3_000_000_000_000_000 {
		t.Fatalf("期望 0.003 native, 实际 %s", quote.AmountOut.Dec())
	}
	if quote.Quality != "verified" {
		t.Fatalf("应返回响应中的 priceQuality")
	}
	if got.SellAmountBeforeFee != "6000000" || got.BuyToken != weth || got.Kind != "sell" {
		t.Fatalf("request = %+v", got)
	}
}

func TestPoolSwapper(t *testing.T) {
	ctx := context.Background()
	trader := common.HexToAddress("0x01")
	pool := common.HexToAddress("0x0b")
	book := custody.NewBook()
	book.Mint(usdc, trader, uint256.NewInt(10_000_000))
	book.Mint(bridge.NativeAsset, pool, uint256.NewInt(1_000_000_000_000_000_000))

	// 1 USDC (6 decimals) buys 0.0005 native.
	rate := uint256.NewInt(500_000_000_000_000_000)
	rate.Mul(rate, uint256.NewInt(1_000_000))
	s := NewPoolSwapper(pool, FixedRate{Rate: rate}, book, zerolog.Nop())

	_, err := s.SwapToNative(ctx, trader, usdc, uint256.NewInt(6_000_000), uint256.NewInt(3_000_000_000_000_001))
	if !errors.Is(err, bridge.ErrSlippageExceeded) {
		t.Fatalf("want slippage error, got %v", err)
	}
	bal, _ := book.BalanceOf(ctx, usdc, trader)
	if bal.Uint64() != 10_000_000 {
		t.Fatal("failed swap must not move tokens")
	}

	out, err := s.SwapToNative(ctx, trader, usdc, uint256.NewInt(6_000_000), uint256.NewInt(3_000_000_000_000_000))
	if err != nil {
		t.Fatalf("SwapToNative: %v", err)
	}
	if out.Uint64() != 3_000_000_000_000_000 {
		t.Fatalf("out = %s", out.Dec())
	}
	native, _ := book.BalanceOf(ctx, bridge.NativeAsset, trader)
	if !native.Eq(out) {
		t.Fatalf("trader native = %s", native.Dec())
	}
}
