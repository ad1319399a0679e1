package gateway

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"universal-gateway/internal/bridge"
)

type fakeOracleAdmin struct{ stale, grace time.Duration }

func (f *fakeOracleAdmin) SetStalePeriod(d time.Duration)          { f.stale = d }
func (f *fakeOracleAdmin) SetSequencerGracePeriod(d time.Duration) { f.grace = d }

func TestAdminRequiresToken(t *testing.T) {
	h := newHarness(t, PayloadStrict)
	oracleAdmin := &fakeOracleAdmin{}
	admin := NewAdmin("s3cret", h.caps, h.limiter, oracleAdmin, zerolog.Nop())

	require.ErrorIs(t, admin.SetBlockBudget("wrong", eth(t, "1")), ErrUnauthorized)
	require.ErrorIs(t, admin.SetBlockBudget("", eth(t, "1")), ErrUnauthorized)

	require.NoError(t, admin.SetBlockBudget("s3cret", eth(t, "20")))
	require.Equal(t, "20", bridge.FormatUSD(h.caps.Window().BudgetUSD))

	require.ErrorIs(t, admin.SetCorridor("s3cret", eth(t, "5"), eth(t, "4")), bridge.ErrInvalidInput)
	require.NoError(t, admin.SetCorridor("s3cret", eth(t, "2"), eth(t, "50")))

	require.NoError(t, admin.SetThreshold("s3cret", unlisted, uint256.NewInt(9)))
	require.True(t, h.limiter.IsSupported(unlisted))

	require.NoError(t, admin.SetEpochDuration("s3cret", 0))
	require.Error(t, admin.SetEpochDuration("s3cret", -time.Second))
	require.Equal(t, time.Duration(0), h.limiter.EpochDuration())

	require.NoError(t, admin.SetOracleGuards("s3cret", time.Minute, time.Hour))
	require.Equal(t, time.Minute, oracleAdmin.stale)
	require.Equal(t, time.Hour, oracleAdmin.grace)
}

func TestAdminWithoutTokenIsLocked(t *testing.T) {
	admin := NewAdmin("  ", nil, nil, nil, zerolog.Nop())
	require.ErrorIs(t, admin.Authorize(""), ErrUnauthorized)
	require.ErrorIs(t, admin.Authorize("anything"), ErrUnauthorized)
}

func TestParsePayloadPolicy(t *testing.T) {
	p, err := ParsePayloadPolicy("")
	require.NoError(t, err)
	require.Equal(t, PayloadPermissive, p)
	p, err = ParsePayloadPolicy(" STRICT ")
	require.NoError(t, err)
	require.Equal(t, PayloadStrict, p)
	_, err = ParsePayloadPolicy("lenient")
	require.Error(t, err)
}
