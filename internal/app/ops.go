package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"universal-gateway/internal/bridge"
	"universal-gateway/internal/signer"
)

// AdmitOptions describe a one-shot admission from the command line.
type AdmitOptions struct {
	Type            string
	Sender          string
	Recipient       string
	Asset           string
	Amount          string
	NativeValue     string
	Payload         string
	RevertRecipient string
}

// SettleOptions describe one settlement instruction. Either Signature or
// SignKey must be given.
type SettleOptions struct {
	Kind            string
	RequestID       string
	OriginCaller    string
	Asset           string
	Target          string
	Amount          string
	AttachedValue   string
	Payload         string
	RevertRecipient string
	Signature       string
	SignKey         string
}

type admitResult struct {
	TxType    string        `json:"tx_type"`
	Events    []eventResult `json:"events"`
	Unemitted []eventResult `json:"unemitted,omitempty"`
	Warning   string        `json:"warning,omitempty"`
}

type eventResult struct {
	ID        string `json:"id"`
	TxType    string `json:"tx_type"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	USDValue  string `json:"usd_value,omitempty"`
	Recipient string `json:"recipient"`
}

func optionalAddress(field, raw string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not an address", bridge.ErrInvalidInput, field, raw)
	}
	return common.HexToAddress(raw), nil
}

func optionalBytes(field, raw string) ([]byte, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	out, err := hexutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", bridge.ErrInvalidInput, field, err)
	}
	return out, nil
}

func (o AdmitOptions) request() (bridge.Request, error) {
	var req bridge.Request
	var err error
	if req.Type, err = bridge.ParseTxType(o.Type); err != nil {
		return req, err
	}
	if req.Sender, err = optionalAddress("sender", o.Sender); err != nil {
		return req, err
	}
	if req.Recipient, err = optionalAddress("recipient", o.Recipient); err != nil {
		return req, err
	}
	if req.Asset, err = ParseAsset(o.Asset); err != nil {
		return req, err
	}
	if req.Amount, err = bridge.ParseAmount(o.Amount); err != nil {
		return req, err
	}
	if req.NativeValue, err = bridge.ParseAmount(o.NativeValue); err != nil {
		return req, err
	}
	if req.Payload, err = optionalBytes("payload", o.Payload); err != nil {
		return req, err
	}
	if req.Revert.FundRecipient, err = optionalAddress("revert recipient", o.RevertRecipient); err != nil {
		return req, err
	}
	return req, nil
}

// Admit runs one admission through the configured gateway and prints the
// receipt as JSON.
func (a *App) Admit(ctx context.Context, opts AdmitOptions, out io.Writer) error {
	req, err := opts.request()
	if err != nil {
		return err
	}

	rt, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	receipt, err := rt.Router.Admit(ctx, req)
	partial := errors.Is(err, bridge.ErrEmitIncomplete)
	if err != nil && !partial {
		return fmt.Errorf("admit: %w", err)
	}

	res := admitResult{TxType: receipt.TxType.String(), Events: make([]eventResult, 0, len(receipt.Events))}
	for _, ev := range receipt.Events {
		res.Events = append(res.Events, toEventResult(ev))
	}
	for _, ev := range receipt.Unemitted {
		res.Unemitted = append(res.Unemitted, toEventResult(ev))
	}
	if partial {
		res.Warning = err.Error()
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(res); encErr != nil {
		return encErr
	}
	// Value was accepted; report the failure without inviting a retry.
	if partial {
		return fmt.Errorf("admit accepted, do not resubmit: %w", err)
	}
	return nil
}

func toEventResult(ev bridge.Event) eventResult {
	e := eventResult{
		ID:        ev.ID,
		TxType:    ev.TxType.String(),
		Asset:     ev.Asset.Hex(),
		Amount:    bridge.OrZero(ev.Amount).Dec(),
		Recipient: ev.Recipient.Hex(),
	}
	if ev.USDValue != nil {
		e.USDValue = bridge.FormatUSD(ev.USDValue)
	}
	return e
}

func (o SettleOptions) instruction() (bridge.Instruction, error) {
	var in bridge.Instruction
	var err error
	if in.Kind, err = bridge.ParseSettlementKind(o.Kind); err != nil {
		return in, err
	}
	idBytes, err := hexutil.Decode(o.RequestID)
	if err != nil || len(idBytes) != common.HashLength {
		return in, fmt.Errorf("%w: request id must be 32 hex bytes", bridge.ErrInvalidInput)
	}
	in.RequestID = common.BytesToHash(idBytes)
	if in.OriginCaller, err = optionalAddress("origin caller", o.OriginCaller); err != nil {
		return in, err
	}
	if in.Asset, err = ParseAsset(o.Asset); err != nil {
		return in, err
	}
	if in.Target, err = optionalAddress("target", o.Target); err != nil {
		return in, err
	}
	if in.Amount, err = bridge.ParseAmount(o.Amount); err != nil {
		return in, err
	}
	if in.AttachedValue, err = bridge.ParseAmount(o.AttachedValue); err != nil {
		return in, err
	}
	if in.Payload, err = optionalBytes("payload", o.Payload); err != nil {
		return in, err
	}
	if in.Revert.FundRecipient, err = optionalAddress("revert recipient", o.RevertRecipient); err != nil {
		return in, err
	}
	return in, nil
}

// Settle verifies and executes one instruction. With SignKey the instruction
// is signed locally first, which only passes when the key belongs to the
// configured signer.
func (a *App) Settle(ctx context.Context, opts SettleOptions, out io.Writer) error {
	in, err := opts.instruction()
	if err != nil {
		return err
	}

	var sig []byte
	switch {
	case opts.SignKey != "":
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(opts.SignKey, "0x"))
		if err != nil {
			return fmt.Errorf("parse sign key: %w", err)
		}
		if sig, err = signer.Sign(signingDomain(a.Config), in, key); err != nil {
			return fmt.Errorf("sign instruction: %w", err)
		}
	case opts.Signature != "":
		if sig, err = optionalBytes("signature", opts.Signature); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: --signature or --sign-key is required", bridge.ErrInvalidInput)
	}

	rt, err := a.Build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Verifier.Verify(in, sig); err != nil {
		return err
	}
	rec, err := rt.Executor.Settle(ctx, in)
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	fmt.Fprintf(out, "%s %s executed: %s of %s to %s\n",
		rec.Kind, rec.RequestID.Hex(), bridge.OrZero(rec.Amount).Dec(), rec.Asset.Hex(), rec.Target.Hex())
	return nil
}

// Price reads and prints the validated oracle price.
func (a *App) Price(ctx context.Context, out io.Writer) error {
	reader, client, err := a.newOracle(ctx)
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Close()
	}

	quote, err := reader.ReadPrice(ctx)
	if err != nil {
		return fmt.Errorf("read price: %w", err)
	}
	round := "-"
	if quote.RoundID != nil {
		round = quote.RoundID.String()
	}
	fmt.Fprintf(out, "price_usd=%s source_decimals=%d round=%s observed_at=%s\n",
		formatDecimal(bridge.USD(quote.PriceUSD), 6), quote.SourceDecimals, round, quote.ObservedAt.UTC().Format("2006-01-02T15:04:05Z"))
	return nil
}
