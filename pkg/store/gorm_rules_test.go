package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"claimsportal/pkg/domain"
)

func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost user=letters dbname=letters sslmode=disable"}),
		&gorm.Config{DryRun: true, DisableAutomaticPing: true})
	if err != nil {
		t.Fatalf("open dry run db: %v", err)
	}
	return db
}

func TestUpsertRuleWritesInactiveFlag(t *testing.T) {
	model := ruleToModel(domain.Rule{
		ID: "r1", Coverage: "BI", Claimant: "Driver", HasAttorney: true,
		DocumentName: "Ack", Priority: 5, IsActive: false, CreatedAt: time.Now().UTC(),
	})
	stmt := upsertRule(dryRunDB(t), &model).Statement
	sql := stmt.SQL.String()
	if !strings.Contains(sql, `"is_active"`) || !strings.Contains(sql, `"is_active"="excluded"."is_active"`) {
		t.Fatalf("expected is_active to be inserted and updated, got %s", sql)
	}
	if !strings.Contains(sql, "RETURNING") {
		t.Fatalf("expected stored row to be returned, got %s", sql)
	}
	var falses int
	for _, v := range stmt.Vars {
		if b, ok := v.(bool); ok && !b {
			falses++
		}
	}
	if falses != 1 {
		t.Fatalf("expected is_active=false bound once, vars %v", stmt.Vars)
	}
}

func TestMemorySaveRuleKeepsCreationStamps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	created := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	first, err := s.SaveRule(ctx, domain.Rule{Coverage: "BI", Claimant: "Driver", IsActive: true, CreatedBy: "alice", CreatedAt: created})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	updated, err := s.SaveRule(ctx, domain.Rule{ID: first.ID, Coverage: "BI", Claimant: "Driver", IsActive: false, CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.CreatedAt.Equal(created) || updated.CreatedBy != "alice" || updated.IsActive {
		t.Fatalf("unexpected updated rule %+v", updated)
	}
}

func TestPostgresRuleCanBeDeactivated(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	created := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	id := uuid.NewString()
	t.Cleanup(func() { _, _ = s.DeleteRule(context.Background(), id) })
	if _, err := s.SaveRule(ctx, domain.Rule{ID: id, Coverage: "BI", Claimant: "Driver", DocumentName: "Ack", Priority: 5, IsActive: true, CreatedBy: "alice", CreatedAt: created}); err != nil {
		t.Fatalf("create: %v", err)
	}
	saved, err := s.SaveRule(ctx, domain.Rule{ID: id, Coverage: "BI", Claimant: "Driver", DocumentName: "Ack", Priority: 5, IsActive: false, CreatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if saved.IsActive || !saved.CreatedAt.Equal(created) || saved.CreatedBy != "alice" {
		t.Fatalf("returned rule disagrees with stored row: %+v", saved)
	}
	list, err := s.ListRules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, r := range list {
		if r.ID == id && r.IsActive {
			t.Fatalf("rule %s is still active", id)
		}
	}
}
