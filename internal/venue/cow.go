package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"universal-gateway/internal/bridge"
)

const (
	cowQuotePath   = "/quote"
	zeroAddressHex = "0x0000000000000000000000000000000000000000"
)

// CoWOptions parameterise the CoW Protocol quoter.
type CoWOptions struct {
	BaseURL      string
	PriceQuality string
	Timeout      time.Duration
	UserAgent    string
	// WrappedNative is the token CoW quotes native output in (e.g. WETH).
	WrappedNative string
}

// CoW quotes token to native conversions through the CoW Protocol API.
type CoW struct {
	opts    CoWOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCoW constructs a quoter.
func NewCoW(opts CoWOptions, logger zerolog.Logger) *CoW {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.cow.fi/mainnet/api/v1"
	}

	return &CoW{
		opts:    opts,
		logger:  logger.With().Str("component", "cow_quoter").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Quote asks CoW how much wrapped native amountIn of token buys.
func (c *CoW) Quote(ctx context.Context, token common.Address, amountIn *uint256.Int) (Quote, error) {
	if bridge.OrZero(amountIn).IsZero() {
		return Quote{}, errors.New("sell amount must be greater than zero")
	}
	if c.opts.WrappedNative == "" || !common.IsHexAddress(c.opts.WrappedNative) {
		return Quote{}, errors.New("wrapped native token address required")
	}

	reqPayload := quoteRequest{
		SellToken:           token.Hex(),
		BuyToken:            c.opts.WrappedNative,
		Kind:                "sell",
		From:                zeroAddressHex,
		AppData:             `{"version":"0.7.0","appCode":"universal-gateway","metadata":{}}`,
		PriceQuality:        c.opts.PriceQuality,
		SellAmountBeforeFee: amountIn.Dec(),
		ValidTo:             uint64(time.Now().Add(5 * time.Minute).Unix()),
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return Quote{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+cowQuotePath, bytes.NewReader(body))
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "universal-gateway/1.0")
	}
	req.Header.Set("X-AppId", "universal-gateway")

	resp, err := c.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, parseHTTPError(resp.StatusCode, payloadBytes)
	}

	var quoteRes quoteResponse
	if err := json.Unmarshal(payloadBytes, &quoteRes); err != nil {
		return Quote{}, err
	}
	out, err := uint256.FromDecimal(quoteRes.Quote.BuyAmount)
	if err != nil {
		return Quote{}, fmt.Errorf("parse buy amount: %w", err)
	}
	if out.IsZero() {
		return Quote{}, errors.New("buy amount returned zero")
	}

	quality := quoteRes.PriceQuality
	if quality == "" {
		quality = c.opts.PriceQuality
	}
	c.logger.Debug().Str("token", token.Hex()).Str("amount_in", amountIn.Dec()).Str("native_out", out.Dec()).Msg("quote")
	return Quote{AmountOut: out, Quality: quality, Raw: json.RawMessage(payloadBytes)}, nil
}

type quoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	Kind                string `json:"kind"`
	From                string `json:"from"`
	AppData             string `json:"appData"`
	PriceQuality        string `json:"priceQuality,omitempty"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee"`
	ValidTo             uint64 `json:"validTo"`
}

type quoteResponse struct {
	Quote struct {
		SellAmount string `json:"sellAmount"`
		BuyAmount  string `json:"buyAmount"`
		FeeAmount  string `json:"feeAmount"`
	} `json:"quote"`
	PriceQuality string `json:"priceQuality"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		switch {
		case apiErr.Description != "":
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Description)
		case apiErr.Message != "":
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Message)
		case apiErr.ErrorType != "":
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("cow api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("cow api error (%d)", status)
}

var _ Quoter = (*CoW)(nil)
