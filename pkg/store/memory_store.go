package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"claimsportal/pkg/domain"
)

// MemoryStore is an in-process implementation of every store interface,
// used by tests and single-node development runs.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	queue  map[int64]domain.QueueEntry
	docs   []domain.GeneratedDocument
	claims map[string]domain.Claim
	rules  map[string]domain.Rule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queue:  map[int64]domain.QueueEntry{},
		claims: map[string]domain.Claim{},
		rules:  map[string]domain.Rule{},
	}
}

// PutClaim seeds the claim read model.
func (m *MemoryStore) PutClaim(c domain.Claim) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims[c.ClaimNumber] = c
}

func (m *MemoryStore) Enqueue(_ context.Context, e domain.QueueEntry) (domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	e.Status = domain.QueuePending
	e.Tries = 0
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.queue[e.ID] = e
	return e, nil
}

func (m *MemoryStore) ClaimNextPending(_ context.Context, req ClaimRequest) (domain.QueueEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  domain.QueueEntry
		found bool
	)
	for _, e := range m.queue {
		if e.Status != domain.QueuePending {
			continue
		}
		if !found || e.CreatedAt.Before(best.CreatedAt) || (e.CreatedAt.Equal(best.CreatedAt) && e.ID < best.ID) {
			best, found = e, true
		}
	}
	if !found {
		return domain.QueueEntry{}, false, nil
	}
	now := req.Now.UTC()
	best.Status = domain.QueueInProgress
	best.LastAttemptAt = &now
	best.ProcessingHostname = req.Hostname
	best.Tries++
	best.LeaseExpiresAt = req.leaseExpiry()
	m.queue[best.ID] = best
	return best, true, nil
}

func (m *MemoryStore) holds(e domain.QueueEntry) (domain.QueueEntry, error) {
	cur, ok := m.queue[e.ID]
	if !ok || cur.Tries != e.Tries || cur.Status != domain.QueueInProgress {
		return domain.QueueEntry{}, ErrLeaseLost
	}
	return cur, nil
}

func (m *MemoryStore) Complete(_ context.Context, e domain.QueueEntry, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.holds(e)
	if err != nil {
		return err
	}
	at = at.UTC()
	cur.Status = domain.QueueCompleted
	cur.LastAttemptAt = &at
	cur.LastError = ""
	cur.LeaseExpiresAt = nil
	m.queue[cur.ID] = cur
	return nil
}

func (m *MemoryStore) Fail(_ context.Context, e domain.QueueEntry, at time.Time, errText string, maxTries int) (domain.QueueStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.holds(e)
	if err != nil {
		return "", err
	}
	at = at.UTC()
	cur.Status = domain.QueuePending
	if cur.Tries >= maxTries {
		cur.Status = domain.QueueFailed
	}
	cur.LastAttemptAt = &at
	cur.LastError = errText
	cur.LeaseExpiresAt = nil
	m.queue[cur.ID] = cur
	return cur.Status, nil
}

func (m *MemoryStore) Requeue(_ context.Context, id int64, now time.Time) (domain.QueueEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.queue[id]
	if !ok {
		return domain.QueueEntry{}, false, nil
	}
	cur.Status = domain.QueuePending
	cur.Tries = 0
	cur.LastError = ""
	cur.LeaseExpiresAt = nil
	cur.CreatedAt = now.UTC()
	m.queue[id] = cur
	return cur, true, nil
}

func (m *MemoryStore) GetQueueEntry(_ context.Context, id int64) (domain.QueueEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queue[id]
	return e, ok, nil
}

func (m *MemoryStore) ListQueue(_ context.Context) ([]domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.QueueEntry, 0, len(m.queue))
	for _, e := range m.queue {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) HasPendingFullRun(_ context.Context, claimNumber string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.queue {
		if e.ClaimNumber == claimNumber && e.Status == domain.QueuePending && strings.TrimSpace(e.SelectedRuleIDs) == "" {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ReapExpiredLeases(_ context.Context, now time.Time, maxTries int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.queue {
		if e.Status != domain.QueueInProgress || e.LeaseExpiresAt == nil || !e.LeaseExpiresAt.Before(now) {
			continue
		}
		e.Status = domain.QueuePending
		if e.Tries >= maxTries {
			e.Status = domain.QueueFailed
		}
		host := e.ProcessingHostname
		if host == "" {
			host = "unknown host"
		}
		e.LastError = "lease expired on " + host
		e.LeaseExpiresAt = nil
		m.queue[id] = e
		n++
	}
	return n, nil
}

func (m *MemoryStore) SaveDocument(_ context.Context, doc domain.GeneratedDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if d.ID == doc.ID {
			return fmt.Errorf("document %s already exists", doc.ID)
		}
	}
	doc.FormData = maps.Clone(doc.FormData)
	m.docs = append(m.docs, doc)
	return nil
}

func (m *MemoryStore) ListDocuments(_ context.Context, claimNumber string) ([]domain.GeneratedDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.GeneratedDocument
	for i := len(m.docs) - 1; i >= 0; i-- {
		if claimNumber == "" || m.docs[i].ClaimNumber == claimNumber {
			out = append(out, m.docs[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) GetClaim(_ context.Context, claimNumber string) (domain.Claim, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[claimNumber]
	return c, ok, nil
}

func (m *MemoryStore) ResolveSubClaimID(_ context.Context, claimNumber string, featureNumber int) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sc := range m.claims[claimNumber].SubClaims {
		if sc.FeatureNumber == featureNumber {
			return sc.ID, sc.ID != 0, nil
		}
	}
	return 0, false, nil
}

func (m *MemoryStore) ListRules(_ context.Context) ([]domain.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].DocumentName < out[j].DocumentName
	})
	return out, nil
}

func (m *MemoryStore) SaveRule(_ context.Context, r domain.Rule) (domain.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if cur, ok := m.rules[r.ID]; ok {
		r.CreatedAt, r.CreatedBy = cur.CreatedAt, cur.CreatedBy
	}
	m.rules[r.ID] = r
	return r, nil
}

func (m *MemoryStore) DeleteRule(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rules[id]
	delete(m.rules, id)
	return ok, nil
}

var (
	_ QueueStore    = (*MemoryStore)(nil)
	_ DocumentStore = (*MemoryStore)(nil)
	_ ClaimReader   = (*MemoryStore)(nil)
	_ RuleStore     = (*MemoryStore)(nil)
	_ QueueStore    = (*GormStore)(nil)
	_ DocumentStore = (*GormStore)(nil)
	_ ClaimReader   = (*GormStore)(nil)
	_ RuleStore     = (*GormStore)(nil)
)
