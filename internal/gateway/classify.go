package gateway

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"universal-gateway/internal/bridge"
)

// PayloadPolicy decides whether payload presence must match GAS vs
// GAS_AND_PAYLOAD when the caller declares a type.
type PayloadPolicy string

const (
	// PayloadPermissive accepts GAS with a payload and GAS_AND_PAYLOAD without one.
	PayloadPermissive PayloadPolicy = "permissive"
	// PayloadStrict requires GAS to be payload-free and GAS_AND_PAYLOAD to carry one.
	PayloadStrict PayloadPolicy = "strict"
)

func ParsePayloadPolicy(raw string) (PayloadPolicy, error) {
	switch p := PayloadPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "", PayloadPermissive:
		return PayloadPermissive, nil
	case PayloadStrict:
		return PayloadStrict, nil
	default:
		return "", fmt.Errorf("unknown payload policy %q", raw)
	}
}

// Classify infers the transfer mode from the request's shape.
func Classify(req bridge.Request) bridge.TxType {
	hasPayload := len(req.Payload) > 0
	hasFunds := !bridge.OrZero(req.Amount).IsZero()
	switch {
	case hasFunds && hasPayload:
		return bridge.TxTypeFundsAndPayload
	case hasFunds:
		return bridge.TxTypeFunds
	case hasPayload:
		return bridge.TxTypeGasAndPayload
	default:
		return bridge.TxTypeGas
	}
}

// plan is a validated request broken into the legs it will move.
type plan struct {
	txType bridge.TxType
	// gas is the native value routed through the fast path.
	gas *uint256.Int
	// funds is the rate-limited leg, nil for gas-only requests.
	funds *uint256.Int
}

func (p plan) batched() bool {
	return p.txType == bridge.TxTypeFundsAndPayload && !p.gas.IsZero()
}

// resolveType reconciles a declared type with the inferred one.
func resolveType(req bridge.Request, policy PayloadPolicy) (bridge.TxType, error) {
	inferred := Classify(req)
	declared := req.Type
	if declared == bridge.TxTypeUnspecified || declared == inferred {
		return inferred, nil
	}
	gasFamily := func(t bridge.TxType) bool {
		return t == bridge.TxTypeGas || t == bridge.TxTypeGasAndPayload
	}
	if policy != PayloadStrict && gasFamily(declared) && gasFamily(inferred) {
		return declared, nil
	}
	return bridge.TxTypeUnspecified, fmt.Errorf("%w: declared %s but request shape is %s", bridge.ErrInvalidTxType, declared, inferred)
}

// validate runs the structural checks. It never touches shared state.
func validate(req bridge.Request, policy PayloadPolicy) (plan, error) {
	txType, err := resolveType(req, policy)
	if err != nil {
		return plan{}, err
	}
	if req.Sender == (common.Address{}) {
		return plan{}, fmt.Errorf("%w: sender is required", bridge.ErrInvalidInput)
	}
	if req.Revert.FundRecipient == (common.Address{}) {
		return plan{}, fmt.Errorf("%w: revert fund recipient is required", bridge.ErrInvalidRecipient)
	}

	amount := bridge.OrZero(req.Amount)
	native := bridge.OrZero(req.NativeValue)
	hasPayload := len(req.Payload) > 0
	p := plan{txType: txType, gas: new(uint256.Int)}

	switch txType {
	case bridge.TxTypeGas:
		if native.IsZero() {
			return plan{}, fmt.Errorf("%w: gas request carries no native value", bridge.ErrInvalidAmount)
		}
		p.gas.Set(native)

	case bridge.TxTypeGasAndPayload:
		if !hasPayload && native.IsZero() {
			return plan{}, fmt.Errorf("%w: request carries neither value nor payload", bridge.ErrInvalidAmount)
		}
		if hasPayload && req.Recipient == (common.Address{}) {
			return plan{}, fmt.Errorf("%w: payload requires a recipient", bridge.ErrInvalidRecipient)
		}
		p.gas.Set(native)

	case bridge.TxTypeFunds:
		if hasPayload {
			return plan{}, fmt.Errorf("%w: funds request must not carry a payload", bridge.ErrInvalidTxType)
		}
		if err := checkFundsValue(req.Asset, amount, native, false); err != nil {
			return plan{}, err
		}
		p.funds = new(uint256.Int).Set(amount)

	case bridge.TxTypeFundsAndPayload:
		if !hasPayload {
			return plan{}, fmt.Errorf("%w: payload is required", bridge.ErrInvalidTxType)
		}
		if req.Recipient == (common.Address{}) {
			return plan{}, fmt.Errorf("%w: payload requires a recipient", bridge.ErrInvalidRecipient)
		}
		if err := checkFundsValue(req.Asset, amount, native, true); err != nil {
			return plan{}, err
		}
		p.funds = new(uint256.Int).Set(amount)
		if bridge.IsNative(req.Asset) {
			p.gas.Sub(native, amount)
		} else {
			p.gas.Set(native)
		}

	default:
		return plan{}, fmt.Errorf("%w: %s", bridge.ErrInvalidTxType, txType)
	}
	return p, nil
}

// checkFundsValue enforces how attached native value relates to the funds
// amount. batched allows a native surplus that becomes the gas leg.
func checkFundsValue(asset common.Address, amount, native *uint256.Int, batched bool) error {
	if amount.IsZero() {
		return fmt.Errorf("%w: funds amount is zero", bridge.ErrInvalidAmount)
	}
	if bridge.IsNative(asset) {
		if native.Lt(amount) {
			return fmt.Errorf("%w: native value %s below funds amount %s", bridge.ErrInvalidAmount, native.Dec(), amount.Dec())
		}
		if !batched && !native.Eq(amount) {
			return fmt.Errorf("%w: native value %s must equal funds amount %s", bridge.ErrInvalidAmount, native.Dec(), amount.Dec())
		}
		return nil
	}
	if !batched && !native.IsZero() {
		return fmt.Errorf("%w: token funds request must not attach native value", bridge.ErrInvalidAmount)
	}
	return nil
}
