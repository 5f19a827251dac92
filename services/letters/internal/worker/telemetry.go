package worker

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "claimsportal/services/letters/worker"

var (
	entriesClaimed   metric.Int64Counter
	entriesCompleted metric.Int64Counter
	entriesFailed    metric.Int64Counter
	leasesReaped     metric.Int64Counter
	lettersRendered  metric.Int64Counter
	entryDuration    metric.Float64Histogram
)

func init() {
	meter := otel.Meter(meterName)

	var err error
	entriesClaimed, err = meter.Int64Counter(
		"letters.queue.claimed",
		metric.WithDescription("Queue entries claimed by this process"),
	)
	if err != nil {
		log.Fatalf("failed to create letters.queue.claimed counter: %v", err)
	}
	entriesCompleted, err = meter.Int64Counter(
		"letters.queue.completed",
		metric.WithDescription("Queue entries that generated every letter"),
	)
	if err != nil {
		log.Fatalf("failed to create letters.queue.completed counter: %v", err)
	}
	entriesFailed, err = meter.Int64Counter(
		"letters.queue.failed",
		metric.WithDescription("Failed attempts, labelled by the resulting status"),
	)
	if err != nil {
		log.Fatalf("failed to create letters.queue.failed counter: %v", err)
	}
	leasesReaped, err = meter.Int64Counter(
		"letters.queue.leases_reaped",
		metric.WithDescription("InProgress entries recovered after their lease expired"),
	)
	if err != nil {
		log.Fatalf("failed to create letters.queue.leases_reaped counter: %v", err)
	}
	lettersRendered, err = meter.Int64Counter(
		"letters.documents.rendered",
		metric.WithDescription("Letters written and recorded"),
	)
	if err != nil {
		log.Fatalf("failed to create letters.documents.rendered counter: %v", err)
	}
	entryDuration, err = meter.Float64Histogram(
		"letters.queue.entry_duration",
		metric.WithDescription("Time spent generating one queue entry"),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Fatalf("failed to create letters.queue.entry_duration histogram: %v", err)
	}
}

func recordClaimed(ctx context.Context) { entriesClaimed.Add(ctx, 1) }

func recordReaped(ctx context.Context, n int64) { leasesReaped.Add(ctx, n) }

func recordOutcome(ctx context.Context, status string, letters int, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	if status == "Completed" {
		entriesCompleted.Add(ctx, 1)
	} else {
		entriesFailed.Add(ctx, 1, attrs)
	}
	if letters > 0 {
		lettersRendered.Add(ctx, int64(letters))
	}
	entryDuration.Record(ctx, elapsed.Seconds(), attrs)
}
