package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"universal-gateway/internal/bridge"
	"universal-gateway/internal/gateway"
)

type revertJSON struct {
	FundRecipient string        `json:"fund_recipient"`
	RevertMessage hexutil.Bytes `json:"revert_message,omitempty"`
}

type requestJSON struct {
	Type          string        `json:"type,omitempty"`
	Sender        string        `json:"sender"`
	Recipient     string        `json:"recipient,omitempty"`
	Asset         string        `json:"asset,omitempty"`
	Amount        string        `json:"amount,omitempty"`
	NativeValue   string        `json:"native_value,omitempty"`
	Payload       hexutil.Bytes `json:"payload,omitempty"`
	Revert        revertJSON    `json:"revert"`
	SignatureData hexutil.Bytes `json:"signature_data,omitempty"`
}

type tokenGasJSON struct {
	Sender        string        `json:"sender"`
	Recipient     string        `json:"recipient,omitempty"`
	Token         string        `json:"token"`
	AmountIn      string        `json:"amount_in"`
	MinNativeOut  string        `json:"min_native_out"`
	Payload       hexutil.Bytes `json:"payload,omitempty"`
	Revert        revertJSON    `json:"revert"`
	SignatureData hexutil.Bytes `json:"signature_data,omitempty"`
}

type instructionJSON struct {
	RequestID     string        `json:"request_id"`
	OriginCaller  string        `json:"origin_caller,omitempty"`
	Asset         string        `json:"asset,omitempty"`
	Target        string        `json:"target"`
	Amount        string        `json:"amount"`
	AttachedValue string        `json:"attached_value,omitempty"`
	Payload       hexutil.Bytes `json:"payload,omitempty"`
	Revert        revertJSON    `json:"revert"`
	Signature     hexutil.Bytes `json:"signature"`
}

type eventJSON struct {
	ID            string        `json:"id"`
	TxType        string        `json:"tx_type"`
	Sender        string        `json:"sender"`
	Recipient     string        `json:"recipient"`
	Asset         string        `json:"asset"`
	Amount        string        `json:"amount"`
	USDValue      string        `json:"usd_value,omitempty"`
	Payload       hexutil.Bytes `json:"payload,omitempty"`
	Revert        revertJSON    `json:"revert"`
	SignatureData hexutil.Bytes `json:"signature_data,omitempty"`
	EmittedAt     time.Time     `json:"emitted_at"`
}

type receiptJSON struct {
	TxType    string      `json:"tx_type"`
	Events    []eventJSON `json:"events"`
	Unemitted []eventJSON `json:"unemitted,omitempty"`
	Warning   string      `json:"warning,omitempty"`
}

type settlementJSON struct {
	RequestID    string    `json:"request_id"`
	Kind         string    `json:"kind"`
	OriginCaller string    `json:"origin_caller"`
	Asset        string    `json:"asset"`
	Target       string    `json:"target"`
	Amount       string    `json:"amount"`
	ExecutedAt   time.Time `json:"executed_at"`
}

type capsJSON struct {
	MinUSD         *string `json:"min_usd,omitempty"`
	MaxUSD         *string `json:"max_usd,omitempty"`
	BlockBudgetUSD *string `json:"block_budget_usd,omitempty"`
}

type epochJSON struct {
	Duration string `json:"duration"`
}

type thresholdJSON struct {
	Threshold string `json:"threshold"`
}

type oracleGuardsJSON struct {
	StalePeriod          string `json:"stale_period"`
	SequencerGracePeriod string `json:"sequencer_grace_period"`
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s is not an address", bridge.ErrInvalidInput, field)
	}
	return common.HexToAddress(raw), nil
}

func parseAmounts(raws ...string) ([]*uint256.Int, error) {
	out := make([]*uint256.Int, len(raws))
	for i, raw := range raws {
		v, err := bridge.ParseAmount(raw)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (r revertJSON) decode() (bridge.RevertInstruction, error) {
	to, err := parseAddress("revert.fund_recipient", r.FundRecipient)
	if err != nil {
		return bridge.RevertInstruction{}, err
	}
	return bridge.RevertInstruction{FundRecipient: to, RevertMessage: r.RevertMessage}, nil
}

func (r requestJSON) decode() (bridge.Request, error) {
	var req bridge.Request
	if strings.TrimSpace(r.Type) != "" {
		t, err := bridge.ParseTxType(r.Type)
		if err != nil {
			return req, err
		}
		req.Type = t
	}
	var err error
	if req.Sender, err = parseAddress("sender", r.Sender); err != nil {
		return req, err
	}
	if req.Recipient, err = parseAddress("recipient", r.Recipient); err != nil {
		return req, err
	}
	if req.Asset, err = parseAddress("asset", r.Asset); err != nil {
		return req, err
	}
	amounts, err := parseAmounts(r.Amount, r.NativeValue)
	if err != nil {
		return req, err
	}
	req.Amount, req.NativeValue = amounts[0], amounts[1]
	if req.Revert, err = r.Revert.decode(); err != nil {
		return req, err
	}
	req.Payload = r.Payload
	req.SignatureData = r.SignatureData
	return req, nil
}

func (t tokenGasJSON) decode() (gateway.TokenGasRequest, error) {
	var req gateway.TokenGasRequest
	var err error
	if req.Sender, err = parseAddress("sender", t.Sender); err != nil {
		return req, err
	}
	if req.Recipient, err = parseAddress("recipient", t.Recipient); err != nil {
		return req, err
	}
	if req.Token, err = parseAddress("token", t.Token); err != nil {
		return req, err
	}
	amounts, err := parseAmounts(t.AmountIn, t.MinNativeOut)
	if err != nil {
		return req, err
	}
	req.AmountIn, req.MinNativeOut = amounts[0], amounts[1]
	if req.Revert, err = t.Revert.decode(); err != nil {
		return req, err
	}
	req.Payload = t.Payload
	req.SignatureData = t.SignatureData
	return req, nil
}

func (i instructionJSON) decode(kind bridge.SettlementKind) (bridge.Instruction, error) {
	in := bridge.Instruction{Kind: kind, Payload: i.Payload}
	idBytes, err := hexutil.Decode(strings.TrimSpace(i.RequestID))
	if err != nil || len(idBytes) != common.HashLength {
		return in, fmt.Errorf("%w: request_id must be 32 hex bytes", bridge.ErrInvalidInput)
	}
	in.RequestID = common.BytesToHash(idBytes)
	if in.OriginCaller, err = parseAddress("origin_caller", i.OriginCaller); err != nil {
		return in, err
	}
	if in.Asset, err = parseAddress("asset", i.Asset); err != nil {
		return in, err
	}
	if in.Target, err = parseAddress("target", i.Target); err != nil {
		return in, err
	}
	amounts, err := parseAmounts(i.Amount, i.AttachedValue)
	if err != nil {
		return in, err
	}
	in.Amount, in.AttachedValue = amounts[0], amounts[1]
	if in.Revert, err = i.Revert.decode(); err != nil {
		return in, err
	}
	return in, nil
}

func encodeRevert(r bridge.RevertInstruction) revertJSON {
	return revertJSON{FundRecipient: r.FundRecipient.Hex(), RevertMessage: r.RevertMessage}
}

func encodeEvent(ev bridge.Event) eventJSON {
	e := eventJSON{
		ID:            ev.ID,
		TxType:        ev.TxType.String(),
		Sender:        ev.Sender.Hex(),
		Recipient:     ev.Recipient.Hex(),
		Asset:         ev.Asset.Hex(),
		Amount:        bridge.OrZero(ev.Amount).Dec(),
		Payload:       ev.Payload,
		Revert:        encodeRevert(ev.Revert),
		SignatureData: ev.SignatureData,
		EmittedAt:     ev.EmittedAt,
	}
	if ev.USDValue != nil {
		e.USDValue = bridge.FormatUSD(ev.USDValue)
	}
	return e
}

func encodeReceipt(r gateway.Receipt) receiptJSON {
	out := receiptJSON{TxType: r.TxType.String(), Events: make([]eventJSON, 0, len(r.Events))}
	for _, ev := range r.Events {
		out.Events = append(out.Events, encodeEvent(ev))
	}
	for _, ev := range r.Unemitted {
		out.Unemitted = append(out.Unemitted, encodeEvent(ev))
	}
	return out
}

func encodeSettlement(rec bridge.SettlementRecord) settlementJSON {
	return settlementJSON{
		RequestID:    rec.RequestID.Hex(),
		Kind:         string(rec.Kind),
		OriginCaller: rec.OriginCaller.Hex(),
		Asset:        rec.Asset.Hex(),
		Target:       rec.Target.Hex(),
		Amount:       bridge.OrZero(rec.Amount).Dec(),
		ExecutedAt:   rec.ExecutedAt,
	}
}
