package gateway

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"universal-gateway/internal/bridge"
)

// Emitter publishes canonical events for the relayer.
type Emitter interface {
	Emit(ctx context.Context, ev bridge.Event) error
}

// LogEmitter writes each event as one structured log line.
type LogEmitter struct {
	logger zerolog.Logger
}

func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.With().Str("component", "events").Logger()}
}

func (l *LogEmitter) Emit(ctx context.Context, ev bridge.Event) error {
	l.logger.Info().
		Str("event_id", ev.ID).
		Str("tx_type", ev.TxType.String()).
		Str("sender", ev.Sender.Hex()).
		Str("recipient", ev.Recipient.Hex()).
		Str("asset", ev.Asset.Hex()).
		Str("amount", bridge.OrZero(ev.Amount).Dec()).
		Str("usd", bridge.FormatUSD(ev.USDValue)).
		Str("payload", hex.EncodeToString(ev.Payload)).
		Str("revert_recipient", ev.Revert.FundRecipient.Hex()).
		Msg("universal tx")
	return nil
}

// MultiEmitter fans an event out to every emitter and joins their errors.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, ev bridge.Event) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordingEmitter keeps events in memory. Used by tests and simulations.
type RecordingEmitter struct {
	mu     sync.Mutex
	events []bridge.Event
	Err    error
}

func (r *RecordingEmitter) Emit(ctx context.Context, ev bridge.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything emitted so far.
func (r *RecordingEmitter) Events() []bridge.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bridge.Event(nil), r.events...)
}

var (
	_ Emitter = (*LogEmitter)(nil)
	_ Emitter = MultiEmitter(nil)
	_ Emitter = (*RecordingEmitter)(nil)
)
