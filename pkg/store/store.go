package store

import (
	"context"
	"errors"
	"time"

	"claimsportal/pkg/domain"
)

// ErrLeaseLost is returned when a status write targets an attempt that no
// longer owns the row (it was reaped, requeued or claimed again).
var ErrLeaseLost = errors.New("store: queue entry no longer held by this attempt")

// QueueStore persists letter generation requests.
type QueueStore interface {
	Enqueue(ctx context.Context, e domain.QueueEntry) (domain.QueueEntry, error)
	// ClaimNextPending atomically moves the oldest unlocked Pending row to
	// InProgress, increments tries and returns it. ok is false when empty.
	ClaimNextPending(ctx context.Context, req ClaimRequest) (domain.QueueEntry, bool, error)
	// Complete and Fail finish the attempt identified by e.ID and e.Tries.
	Complete(ctx context.Context, e domain.QueueEntry, at time.Time) error
	Fail(ctx context.Context, e domain.QueueEntry, at time.Time, errText string, maxTries int) (domain.QueueStatus, error)
	Requeue(ctx context.Context, id int64, now time.Time) (domain.QueueEntry, bool, error)
	GetQueueEntry(ctx context.Context, id int64) (domain.QueueEntry, bool, error)
	// ListQueue returns every entry, newest first.
	ListQueue(ctx context.Context) ([]domain.QueueEntry, error)
	// HasPendingFullRun reports a Pending entry for the claim with no rule selection.
	HasPendingFullRun(ctx context.Context, claimNumber string) (bool, error)
	// ReapExpiredLeases returns InProgress rows whose lease ended to Pending,
	// or to Failed when their tries are spent.
	ReapExpiredLeases(ctx context.Context, now time.Time, maxTries int) (int64, error)
}

// ClaimRequest carries the claim-time stamps.
type ClaimRequest struct {
	Hostname string
	Now      time.Time
	// Lease of zero leaves leaseExpiresAt unset.
	Lease time.Duration
}

func (r ClaimRequest) leaseExpiry() *time.Time {
	if r.Lease <= 0 {
		return nil
	}
	t := r.Now.Add(r.Lease)
	return &t
}

// DocumentStore persists generated document metadata.
type DocumentStore interface {
	SaveDocument(ctx context.Context, doc domain.GeneratedDocument) error
	ListDocuments(ctx context.Context, claimNumber string) ([]domain.GeneratedDocument, error)
}

// ClaimReader is the read surface the pipeline needs from claims intake.
type ClaimReader interface {
	GetClaim(ctx context.Context, claimNumber string) (domain.Claim, bool, error)
	ResolveSubClaimID(ctx context.Context, claimNumber string, featureNumber int) (int64, bool, error)
}

// RuleStore is the admin-maintained rule table.
type RuleStore interface {
	ListRules(ctx context.Context) ([]domain.Rule, error)
	SaveRule(ctx context.Context, r domain.Rule) (domain.Rule, error)
	DeleteRule(ctx context.Context, id string) (bool, error)
}
