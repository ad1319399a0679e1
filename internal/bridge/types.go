// Package bridge holds the value types shared by the admission and settlement
// paths of the gateway.
package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// NativeAsset is the sentinel identifier for the settlement ledger's own value unit.
var NativeAsset = common.Address{}

// IsNative reports whether asset denotes the native sentinel.
func IsNative(asset common.Address) bool {
	return asset == NativeAsset
}

// TxType classifies an inbound request.
type TxType uint8

const (
	TxTypeUnspecified TxType = iota
	TxTypeGas
	TxTypeGasAndPayload
	TxTypeFunds
	TxTypeFundsAndPayload
)

var txTypeNames = map[TxType]string{
	TxTypeUnspecified:     "UNSPECIFIED",
	TxTypeGas:             "GAS",
	TxTypeGasAndPayload:   "GAS_AND_PAYLOAD",
	TxTypeFunds:           "FUNDS",
	TxTypeFundsAndPayload: "FUNDS_AND_PAYLOAD",
}

func (t TxType) String() string {
	if name, ok := txTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TxType(%d)", uint8(t))
}

// ParseTxType accepts the canonical upper-case names; an empty string yields
// TxTypeUnspecified.
func ParseTxType(raw string) (TxType, error) {
	needle := strings.ToUpper(strings.TrimSpace(raw))
	if needle == "" {
		return TxTypeUnspecified, nil
	}
	for t, name := range txTypeNames {
		if name == needle {
			return t, nil
		}
	}
	return TxTypeUnspecified, fmt.Errorf("%w: %q", ErrInvalidTxType, raw)
}

// RevertInstruction tells the relayer where to refund if the destination side fails.
type RevertInstruction struct {
	FundRecipient common.Address
	RevertMessage []byte
}

// Request is an inbound value-transfer request as seen by the router.
//
// Amount is the funds-leg quantity of Asset. NativeValue is the native value
// attached to the call; for gas-only requests it is the whole request.
type Request struct {
	Type          TxType
	Sender        common.Address
	Recipient     common.Address
	Asset         common.Address
	Amount        *uint256.Int
	NativeValue   *uint256.Int
	Payload       []byte
	Revert        RevertInstruction
	SignatureData []byte
}

// Event is the canonical record a relayer observes for every accepted admission.
type Event struct {
	ID            string
	Sender        common.Address
	Recipient     common.Address
	Asset         common.Address
	Amount        *uint256.Int
	Payload       []byte
	Revert        RevertInstruction
	TxType        TxType
	SignatureData []byte
	USDValue      *uint256.Int
	EmittedAt     time.Time
}

// SettlementKind enumerates the outbound settlement actions.
type SettlementKind string

const (
	SettlementWithdraw SettlementKind = "withdraw"
	SettlementRevert   SettlementKind = "revert"
	SettlementExecute  SettlementKind = "execute"
)

// ParseSettlementKind validates raw against the known kinds.
func ParseSettlementKind(raw string) (SettlementKind, error) {
	switch kind := SettlementKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case SettlementWithdraw, SettlementRevert, SettlementExecute:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown settlement kind %q", ErrInvalidInput, raw)
	}
}

// Instruction is an authorized outbound settlement.
//
// Target is the recipient for withdraw and revert, and the call target for
// execute. AttachedValue is the native value supplied alongside the
// instruction and must equal Amount when Asset is native.
type Instruction struct {
	RequestID     common.Hash
	Kind          SettlementKind
	OriginCaller  common.Address
	Asset         common.Address
	Target        common.Address
	Amount        *uint256.Int
	AttachedValue *uint256.Int
	Payload       []byte
	Revert        RevertInstruction
}

// SettlementRecord is emitted once an instruction has moved value.
type SettlementRecord struct {
	RequestID    common.Hash
	Kind         SettlementKind
	OriginCaller common.Address
	Asset        common.Address
	Target       common.Address
	Amount       *uint256.Int
	ExecutedAt   time.Time
}
