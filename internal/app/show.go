package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"universal-gateway/internal/bridge"
	"universal-gateway/internal/storage"
)

// Show prints recent samples, alerts, settlements or pending outbox events.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	switch opts.What {
	case "", "samples":
		counts, err := store.CountSamplesByStatus(ctx)
		if err != nil {
			return err
		}
		samples, err := store.ListRecentSamples(ctx, opts.Limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, sampleSummary(counts))
		return printSamples(os.Stdout, samples)
	case "alerts":
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return printAlerts(os.Stdout, alerts)
	case "settlements":
		records, err := store.ListRecentSettlements(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return printSettlements(os.Stdout, records)
	case "events":
		events, err := store.ListPendingEvents(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return printEvents(os.Stdout, events)
	default:
		return fmt.Errorf("unknown table %q (samples, alerts, settlements, events)", opts.What)
	}
}

// sampleSummary renders per-status bucket totals on one line.
func sampleSummary(counts map[string]int64) string {
	var total int64
	for _, n := range counts {
		total += n
	}
	line := fmt.Sprintf("%d samples recorded", total)
	for _, status := range []string{storage.SampleOK, storage.SampleStale, storage.SampleErrored} {
		line += fmt.Sprintf(", %s=%d", status, counts[status])
	}
	return line
}

func printSamples(out io.Writer, samples []storage.PriceSample) error {
	if len(samples) == 0 {
		fmt.Fprintln(out, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPrice USD\tRound\tUpdated\tStatus\tError")
	for _, sample := range samples {
		errMsg := ""
		if sample.Error != nil {
			errMsg = sanitizeInline(*sample.Error)
		}
		updated := "-"
		if sample.UpdatedAt != nil {
			updated = sample.UpdatedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			sample.Bucket.UTC().Format(time.RFC3339),
			formatDecimal(sample.PriceUSD, 4),
			sample.RoundID,
			updated,
			sample.Status,
			errMsg,
		)
	}
	return writer.Flush()
}

func printAlerts(out io.Writer, alerts []storage.AlertRecord) error {
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Sample (UTC)\tKind\tChannels\tMessage")
	for _, alert := range alerts {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			alert.SampleTS.UTC().Format(time.RFC3339),
			alert.Kind,
			strings.Join(alert.Channels, ","),
			sanitizeInline(alert.Message),
		)
	}
	return writer.Flush()
}

func printSettlements(out io.Writer, records []bridge.SettlementRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "no settlements found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Executed (UTC)\tKind\tRequest\tAsset\tTarget\tAmount")
	for _, rec := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ExecutedAt.UTC().Format(time.RFC3339),
			rec.Kind,
			rec.RequestID.Hex(),
			rec.Asset.Hex(),
			rec.Target.Hex(),
			bridge.OrZero(rec.Amount).Dec(),
		)
	}
	return writer.Flush()
}

func printEvents(out io.Writer, events []storage.OutboxEvent) error {
	if len(events) == 0 {
		fmt.Fprintln(out, "no pending events")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Emitted (UTC)\tID\tType\tSender\tAsset\tAmount\tUSD")
	for _, ev := range events {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.EmittedAt.UTC().Format(time.RFC3339),
			ev.ID,
			ev.TxType,
			ev.Sender,
			ev.Asset,
			ev.Amount,
			ev.USDValue,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
