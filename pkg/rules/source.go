package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"claimsportal/pkg/domain"
)

// ErrRuleNotFound is returned when deleting an unknown rule id.
var ErrRuleNotFound = errors.New("rules: rule not found")

// Source yields a rule snapshot. Callers must not mutate the slice.
type Source interface {
	Rules(ctx context.Context) ([]domain.Rule, error)
}

// Editor is a Source that can also be administered.
type Editor interface {
	Source
	Save(ctx context.Context, r domain.Rule) (domain.Rule, error)
	Delete(ctx context.Context, id string) error
}

// FileStore keeps rules in a JSON array on disk, the letterConfig.json
// format maintained by the portal's rule editor.
type FileStore struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// fileRule tolerates entries written before priority and activation existed.
type fileRule struct {
	domain.Rule
	IsActive *bool `json:"isActive,omitempty"`
	Priority *int  `json:"priority,omitempty"`
}

// NewFileStore creates the file with an empty array when it is missing.
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("rules: file path is required")
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("rules: create dir: %w", err)
		}
		if err := os.WriteFile(path, []byte("[]\n"), 0o644); err != nil {
			return nil, fmt.Errorf("rules: init %s: %w", path, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("rules: stat %s: %w", path, err)
	}
	return &FileStore{path: path, now: time.Now}, nil
}

func (f *FileStore) Rules(_ context.Context) ([]domain.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *FileStore) load() ([]domain.Rule, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", f.path, err)
	}
	var raw []fileRule
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("rules: decode %s: %w", f.path, err)
		}
	}
	out := make([]domain.Rule, 0, len(raw))
	for _, fr := range raw {
		r := fr.Rule
		r.IsActive = fr.IsActive == nil || *fr.IsActive
		r.Priority = domain.DefaultRulePriority
		if fr.Priority != nil {
			r.Priority = *fr.Priority
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *FileStore) store(list []domain.Rule) error {
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority < list[j].Priority })
	raw := make([]fileRule, 0, len(list))
	for _, r := range list {
		active, prio := r.IsActive, r.Priority
		raw = append(raw, fileRule{Rule: r, IsActive: &active, Priority: &prio})
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("rules: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, f.path)
}

// Save inserts or replaces the rule with the same id.
func (f *FileStore) Save(_ context.Context, r domain.Rule) (domain.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list, err := f.load()
	if err != nil {
		return domain.Rule{}, err
	}
	now := f.now().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	replaced := false
	for i := range list {
		if list[i].ID == r.ID {
			r.CreatedAt, r.CreatedBy = list[i].CreatedAt, list[i].CreatedBy
			r.UpdatedAt = &now
			list[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		list = append(list, r)
	}
	if err := f.store(list); err != nil {
		return domain.Rule{}, err
	}
	return r, nil
}

func (f *FileStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list, err := f.load()
	if err != nil {
		return err
	}
	for i := range list {
		if list[i].ID == id {
			return f.store(append(list[:i], list[i+1:]...))
		}
	}
	return ErrRuleNotFound
}

// RuleTable reads rules from the admin-maintained database table.
type RuleTable interface {
	ListRules(ctx context.Context) ([]domain.Rule, error)
	SaveRule(ctx context.Context, r domain.Rule) (domain.Rule, error)
	DeleteRule(ctx context.Context, id string) (bool, error)
}

// TableSource adapts a RuleTable to Editor.
type TableSource struct {
	Table RuleTable
	now   func() time.Time
}

func NewTableSource(t RuleTable) *TableSource { return &TableSource{Table: t, now: time.Now} }

func (t *TableSource) Rules(ctx context.Context) ([]domain.Rule, error) { return t.Table.ListRules(ctx) }

func (t *TableSource) Save(ctx context.Context, r domain.Rule) (domain.Rule, error) {
	now := t.now().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
		r.CreatedAt = now
	} else {
		r.UpdatedAt = &now
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
	}
	return t.Table.SaveRule(ctx, r)
}

func (t *TableSource) Delete(ctx context.Context, id string) error {
	ok, err := t.Table.DeleteRule(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRuleNotFound
	}
	return nil
}
