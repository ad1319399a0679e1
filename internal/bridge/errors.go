package bridge

import "errors"

// Admission errors.
var (
	ErrInvalidInput      = errors.New("bridge: invalid input")
	ErrInvalidTxType     = errors.New("bridge: invalid tx type")
	ErrInvalidAmount     = errors.New("bridge: invalid amount")
	ErrInvalidRecipient  = errors.New("bridge: invalid recipient")
	ErrBelowMinCap       = errors.New("bridge: usd value below min cap")
	ErrAboveMaxCap       = errors.New("bridge: usd value above max cap")
	ErrBudgetExceeded    = errors.New("bridge: window usd budget exceeded")
	ErrNotSupported      = errors.New("bridge: asset not supported")
	ErrStaleEpochConfig  = errors.New("bridge: epoch duration not configured")
	ErrRateLimitExceeded = errors.New("bridge: epoch rate limit exceeded")
	ErrDepositFailed     = errors.New("bridge: deposit failed")
	ErrSlippageExceeded  = errors.New("bridge: swap output below minimum")
	// ErrEmitIncomplete means value was accepted but some events were not
	// published. The request must not be resubmitted.
	ErrEmitIncomplete = errors.New("bridge: value accepted, event emission incomplete")
)

// Oracle errors.
var (
	ErrStaleData    = errors.New("oracle: stale price data")
	ErrInvalidData  = errors.New("oracle: invalid price data")
	ErrUpstreamDown = errors.New("oracle: upstream sequencer down")
)

// Settlement errors.
var (
	ErrAlreadyExecuted = errors.New("settlement: request already executed")
	ErrExecutionFailed = errors.New("settlement: execution failed")
)

// IsAdmissionRejected reports whether err is a synchronous admission rejection
// that the caller must fix before resubmitting.
func IsAdmissionRejected(err error) bool {
	for _, target := range []error{
		ErrInvalidInput, ErrInvalidTxType, ErrInvalidAmount, ErrInvalidRecipient,
		ErrBelowMinCap, ErrAboveMaxCap, ErrBudgetExceeded, ErrNotSupported,
		ErrStaleEpochConfig, ErrRateLimitExceeded, ErrSlippageExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsOracleUnavailable reports whether err means the price could not be trusted.
func IsOracleUnavailable(err error) bool {
	return errors.Is(err, ErrStaleData) || errors.Is(err, ErrInvalidData) || errors.Is(err, ErrUpstreamDown)
}
