package storage

import (
	"context"
	"fmt"
	"time"

	"universal-gateway/internal/bridge"
)

const (
	insertEventSQL = `INSERT INTO gateway_events (
        id,
        tx_type,
        sender,
        recipient,
        asset,
        amount,
        usd_value,
        payload,
        revert_recipient,
        revert_message,
        signature_data,
        emitted_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6::numeric,$7::numeric,$8,$9,$10,$11,$12
    )
    ON CONFLICT (id) DO NOTHING;`

	listPendingEventsSQL = `SELECT
        id,
        tx_type,
        sender,
        recipient,
        asset,
        amount::text,
        usd_value::text,
        payload,
        revert_recipient,
        revert_message,
        signature_data,
        emitted_at,
        published_at
    FROM gateway_events
    WHERE published_at IS NULL
    ORDER BY emitted_at
    LIMIT $1;`

	markEventPublishedSQL = `UPDATE gateway_events SET published_at = $2 WHERE id = $1 AND published_at IS NULL;`
)

// Emit appends ev to the relay outbox.
func (s *Store) Emit(ctx context.Context, ev bridge.Event) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	emitted := ev.EmittedAt
	if emitted.IsZero() {
		emitted = time.Now().UTC()
	}
	if _, execErr := pool.Exec(ctx, insertEventSQL,
		ev.ID,
		ev.TxType.String(),
		ev.Sender.Hex(),
		ev.Recipient.Hex(),
		ev.Asset.Hex(),
		bridge.OrZero(ev.Amount).Dec(),
		bridge.OrZero(ev.USDValue).Dec(),
		ev.Payload,
		ev.Revert.FundRecipient.Hex(),
		ev.Revert.RevertMessage,
		ev.SignatureData,
		emitted,
	); execErr != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, execErr)
	}
	return nil
}

// ListPendingEvents returns unpublished events, oldest first.
func (s *Store) ListPendingEvents(ctx context.Context, limit int) ([]OutboxEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listPendingEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list pending events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]OutboxEvent, 0, limit)
	for rows.Next() {
		var ev OutboxEvent
		if err := rows.Scan(
			&ev.ID,
			&ev.TxType,
			&ev.Sender,
			&ev.Recipient,
			&ev.Asset,
			&ev.Amount,
			&ev.USDValue,
			&ev.Payload,
			&ev.RevertRecipient,
			&ev.RevertMessage,
			&ev.SignatureData,
			&ev.EmittedAt,
			&ev.PublishedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// MarkEventPublished flags an event as relayed.
func (s *Store) MarkEventPublished(ctx context.Context, id string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markEventPublishedSQL, id, at); execErr != nil {
		return fmt.Errorf("mark event %s published: %w", id, execErr)
	}
	return nil
}
