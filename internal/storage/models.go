package storage

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSample is one oracle observation taken by the monitor.
type PriceSample struct {
	Bucket         time.Time
	PriceUSD       decimal.Decimal
	RoundID        string
	SourceDecimals int16
	UpdatedAt      *time.Time
	Status         string
	Error          *string
	CreatedAt      time.Time
}

// Sample statuses.
const (
	SampleOK      = "ok"
	SampleStale   = "stale"
	SampleErrored = "errored"
)

// SampleCSVHeader names the columns written by CSVRecord.
var SampleCSVHeader = []string{"bucket_ts", "price_usd", "round_id", "source_decimals", "updated_at", "status", "error"}

// CSVRecord renders the sample as one export row.
func (s PriceSample) CSVRecord() []string {
	var updated, errMsg string
	if s.UpdatedAt != nil {
		updated = s.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if s.Error != nil {
		errMsg = *s.Error
	}
	return []string{
		s.Bucket.UTC().Format(time.RFC3339),
		s.PriceUSD.String(),
		s.RoundID,
		strconv.Itoa(int(s.SourceDecimals)),
		updated,
		s.Status,
		errMsg,
	}
}

// AlertRecord captures an emitted alert for de-duplication/auditing.
type AlertRecord struct {
	ID        int64
	SampleTS  time.Time
	Kind      string
	Message   string
	Channels  []string
	CreatedAt time.Time
}

// OutboxEvent is a stored canonical event awaiting relay.
type OutboxEvent struct {
	ID              string
	TxType          string
	Sender          string
	Recipient       string
	Asset           string
	Amount          string
	USDValue        string
	Payload         []byte
	RevertRecipient string
	RevertMessage   []byte
	SignatureData   []byte
	EmittedAt       time.Time
	PublishedAt     *time.Time
}
