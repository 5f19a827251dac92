package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"claimsportal/pkg/domain"
)

// ClaimChange is what claims intake reports after saving a claim.
type ClaimChange struct {
	ClaimNumber string `json:"claimNumber"`
	// Created is true for the first save of a new claim.
	Created         bool   `json:"created"`
	SubClaimCount   int    `json:"subClaimCount"`
	FeaturesAdded   int    `json:"featuresAdded"`
	AttorneyChanged bool   `json:"attorneyChanged"`
	RequestedBy     string `json:"requestedBy,omitempty"`
}

// ShouldEnqueue reports whether the change warrants a generation run.
func (c ClaimChange) ShouldEnqueue() bool {
	if c.Created {
		return c.SubClaimCount > 0
	}
	return c.FeaturesAdded > 0 || c.AttorneyChanged
}

// ClaimSaved enqueues an all-rules run when the change calls for one and
// no Pending all-rules entry for the claim is already waiting. enqueued is
// false when nothing was inserted.
func (a *App) ClaimSaved(ctx context.Context, change ClaimChange) (entry domain.QueueEntry, enqueued bool, err error) {
	change.ClaimNumber = strings.TrimSpace(change.ClaimNumber)
	if change.ClaimNumber == "" {
		return domain.QueueEntry{}, false, fmt.Errorf("%w: claimNumber is required", ErrInvalidRequest)
	}
	if !change.ShouldEnqueue() {
		return domain.QueueEntry{}, false, nil
	}
	waiting, err := a.queue.HasPendingFullRun(ctx, change.ClaimNumber)
	if err != nil {
		return domain.QueueEntry{}, false, fmt.Errorf("check pending run: %w", err)
	}
	if waiting {
		slog.Debug("letter run already pending", "claim_number", change.ClaimNumber)
		return domain.QueueEntry{}, false, nil
	}
	requestedBy := change.RequestedBy
	if requestedBy == "" {
		requestedBy = "claim-save"
	}
	entry, err = a.Enqueue(ctx, EnqueueRequest{ClaimNumber: change.ClaimNumber, RequestedBy: requestedBy})
	if err != nil {
		return domain.QueueEntry{}, false, err
	}
	slog.Info("letter run enqueued", "claim_number", entry.ClaimNumber, "queue_id", entry.ID, "created", change.Created)
	return entry, true, nil
}
