// Package worker drains the letter queue table.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"claimsportal/pkg/domain"
	"claimsportal/pkg/letters"
	"claimsportal/pkg/store"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultErrorBackoff = 5 * time.Second
)

// Generator produces the letters of one queue entry.
type Generator interface {
	Generate(ctx context.Context, req letters.Request) (letters.Result, error)
}

// Config wires a Worker. Queue and Generator are required.
type Config struct {
	Queue     store.QueueStore
	Generator Generator
	// Hostname is stamped on claimed rows; defaults to os.Hostname.
	Hostname     string
	PollInterval time.Duration
	// ErrorBackoff is the wait after an unexpected loop error.
	ErrorBackoff time.Duration
	MaxTries     int
	// Lease bounds how long a claim is held; zero disables reaping.
	Lease time.Duration
	Now   func() time.Time
	Name  string
}

// Worker polls the queue, generating one entry at a time.
type Worker struct {
	queue        store.QueueStore
	generator    Generator
	hostname     string
	pollInterval time.Duration
	errorBackoff time.Duration
	maxTries     int
	lease        time.Duration
	now          func() time.Time
	log          *slog.Logger
}

func New(cfg Config) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, errors.New("worker: queue store required")
	}
	if cfg.Generator == nil {
		return nil, errors.New("worker: generator required")
	}
	w := &Worker{
		queue:        cfg.Queue,
		generator:    cfg.Generator,
		hostname:     cfg.Hostname,
		pollInterval: cfg.PollInterval,
		errorBackoff: cfg.ErrorBackoff,
		maxTries:     cfg.MaxTries,
		lease:        cfg.Lease,
		now:          cfg.Now,
	}
	if w.hostname == "" {
		if h, err := os.Hostname(); err == nil {
			w.hostname = h
		}
	}
	if w.pollInterval <= 0 {
		w.pollInterval = DefaultPollInterval
	}
	if w.errorBackoff <= 0 {
		w.errorBackoff = DefaultErrorBackoff
	}
	if w.maxTries <= 0 {
		w.maxTries = domain.MaxTries
	}
	if w.now == nil {
		w.now = time.Now
	}
	name := cfg.Name
	if name == "" {
		name = "letters-worker"
	}
	w.log = slog.With("worker", name, "host", w.hostname)
	return w, nil
}

// Run polls until ctx is cancelled. An entry already being generated when
// ctx ends is finished and its status written before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("letter worker started", "poll_interval", w.pollInterval.String(), "lease", w.lease.String())
	defer w.log.Info("letter worker stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		claimed, err := w.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("letter worker loop error", "err", err)
			if !sleep(ctx, w.errorBackoff) {
				return nil
			}
			continue
		}
		if !claimed && !sleep(ctx, w.pollInterval) {
			return nil
		}
	}
}

// Step reaps expired leases, claims the oldest Pending entry and processes
// it. It reports whether an entry was claimed.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	now := w.now().UTC()
	if w.lease > 0 {
		n, err := w.queue.ReapExpiredLeases(ctx, now, w.maxTries)
		if err != nil {
			return false, fmt.Errorf("reap expired leases: %w", err)
		}
		if n > 0 {
			w.log.Warn("reaped expired letter leases", "count", n)
			recordReaped(ctx, n)
		}
	}
	entry, ok, err := w.queue.ClaimNextPending(ctx, store.ClaimRequest{Hostname: w.hostname, Now: now, Lease: w.lease})
	if err != nil {
		return false, fmt.Errorf("claim next pending: %w", err)
	}
	if !ok {
		return false, nil
	}
	recordClaimed(ctx)
	w.process(context.WithoutCancel(ctx), entry)
	return true, nil
}

func (w *Worker) process(ctx context.Context, entry domain.QueueEntry) {
	log := w.log.With("queue_id", entry.ID, "claim_number", entry.ClaimNumber, "tries", entry.Tries)
	log.Info("letter entry claimed")
	start := time.Now()

	id := entry.ID
	res, genErr := w.generator.Generate(ctx, letters.Request{
		ClaimNumber: entry.ClaimNumber,
		RuleIDs:     entry.RuleIDs(),
		QueueID:     &id,
	})
	finished := w.now().UTC()

	if genErr == nil {
		if err := w.queue.Complete(ctx, entry, finished); err != nil {
			logStatusWriteError(log, err)
			return
		}
		log.Info("letter entry completed", "status", domain.QueueCompleted, "letters", len(res.Documents), "matched", res.Matched)
		recordOutcome(ctx, string(domain.QueueCompleted), len(res.Documents), time.Since(start))
		return
	}

	status, err := w.queue.Fail(ctx, entry, finished, genErr.Error(), w.maxTries)
	if err != nil {
		logStatusWriteError(log, err)
		return
	}
	log.Warn("letter entry failed", "status", status, "err", genErr, "letters", len(res.Documents))
	recordOutcome(ctx, string(status), len(res.Documents), time.Since(start))
}

func logStatusWriteError(log *slog.Logger, err error) {
	if errors.Is(err, store.ErrLeaseLost) {
		log.Warn("letter entry no longer held, status not written")
		return
	}
	log.Error("write letter entry status", "err", err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
