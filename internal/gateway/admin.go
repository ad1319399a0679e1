package gateway

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// ErrUnauthorized is returned when an admin capability is missing or wrong.
var ErrUnauthorized = errors.New("gateway: admin capability required")

// CapsAdmin is the mutable surface of the cap enforcer.
type CapsAdmin interface {
	SetCorridor(minUSD, maxUSD *uint256.Int) error
	SetBlockBudget(budget *uint256.Int)
}

// LimiterAdmin is the mutable surface of the epoch rate limiter.
type LimiterAdmin interface {
	SetEpochDuration(d time.Duration)
	SetThreshold(asset common.Address, threshold *uint256.Int) error
}

// OracleAdmin is the mutable surface of the price reader.
type OracleAdmin interface {
	SetStalePeriod(d time.Duration)
	SetSequencerGracePeriod(d time.Duration)
}

// Admin holds the configuration setters behind a bearer capability.
type Admin struct {
	token   string
	caps    CapsAdmin
	limiter LimiterAdmin
	oracle  OracleAdmin
	logger  zerolog.Logger
}

// NewAdmin builds the admin surface. An empty token disables every setter.
func NewAdmin(token string, caps CapsAdmin, limiter LimiterAdmin, oracle OracleAdmin, logger zerolog.Logger) *Admin {
	return &Admin{
		token:   strings.TrimSpace(token),
		caps:    caps,
		limiter: limiter,
		oracle:  oracle,
		logger:  logger.With().Str("component", "admin").Logger(),
	}
}

// Authorize checks a presented bearer token.
func (a *Admin) Authorize(presented string) error {
	if a == nil || a.token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(a.token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func (a *Admin) SetCorridor(token string, minUSD, maxUSD *uint256.Int) error {
	if err := a.Authorize(token); err != nil {
		return err
	}
	return a.caps.SetCorridor(minUSD, maxUSD)
}

func (a *Admin) SetBlockBudget(token string, budget *uint256.Int) error {
	if err := a.Authorize(token); err != nil {
		return err
	}
	a.caps.SetBlockBudget(budget)
	return nil
}

func (a *Admin) SetEpochDuration(token string, d time.Duration) error {
	if err := a.Authorize(token); err != nil {
		return err
	}
	if d < 0 {
		return errors.New("epoch duration must not be negative")
	}
	a.limiter.SetEpochDuration(d)
	return nil
}

func (a *Admin) SetThreshold(token string, asset common.Address, threshold *uint256.Int) error {
	if err := a.Authorize(token); err != nil {
		return err
	}
	return a.limiter.SetThreshold(asset, threshold)
}

func (a *Admin) SetOracleGuards(token string, stale, grace time.Duration) error {
	if err := a.Authorize(token); err != nil {
		return err
	}
	if stale < 0 || grace < 0 {
		return errors.New("oracle periods must not be negative")
	}
	a.oracle.SetStalePeriod(stale)
	a.oracle.SetSequencerGracePeriod(grace)
	a.logger.Info().Dur("stale_period", stale).Dur("grace_period", grace).Msg("oracle guards updated")
	return nil
}
