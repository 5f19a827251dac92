package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"claimsportal/pkg/domain"
)

const migrateLockID int64 = 41221907

// claimNextSQL selects and flips the oldest unlocked Pending row in one
// statement. SKIP LOCKED keeps concurrent claimants from ever seeing the
// same candidate.
const claimNextSQL = `
UPDATE letter_gen_queue
SET status = 'InProgress',
    last_attempt_at = ?,
    processing_hostname = ?,
    tries = tries + 1,
    lease_expires_at = ?
WHERE queue_id = (
    SELECT queue_id FROM letter_gen_queue
    WHERE status = 'Pending'
    ORDER BY created_at, queue_id
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING *`

// GormStore implements the letters stores on Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and migrates the letters tables.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&QueueModel{}, &GeneratedDocumentModel{}, &RuleModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := advisory(ctx, conn, "SELECT pg_advisory_lock($1)"); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() { _ = advisory(ctx, conn, "SELECT pg_advisory_unlock($1)") }()
	return fn(db.WithContext(ctx))
}

func advisory(ctx context.Context, conn *sql.Conn, query string) error {
	_, err := conn.ExecContext(ctx, query, migrateLockID)
	return err
}

// Enqueue inserts a Pending entry and returns it with its id.
func (s *GormStore) Enqueue(ctx context.Context, e domain.QueueEntry) (domain.QueueEntry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Status = domain.QueuePending
	e.Tries = 0
	model := queueToModel(e)
	model.QueueID = 0
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.QueueEntry{}, err
	}
	return queueFromModel(model), nil
}

// ClaimNextPending runs the skip-locked claim statement.
func (s *GormStore) ClaimNextPending(ctx context.Context, req ClaimRequest) (domain.QueueEntry, bool, error) {
	var model QueueModel
	res := s.db.WithContext(ctx).Raw(claimNextSQL, req.Now.UTC(), req.Hostname, req.leaseExpiry()).Scan(&model)
	if res.Error != nil {
		return domain.QueueEntry{}, false, fmt.Errorf("claim next pending: %w", res.Error)
	}
	if res.RowsAffected == 0 || model.QueueID == 0 {
		return domain.QueueEntry{}, false, nil
	}
	return queueFromModel(model), true, nil
}

// attempt scopes a write to the claim that produced e. tries is bumped on
// every claim so together with the id it names one attempt.
func (s *GormStore) attempt(ctx context.Context, e domain.QueueEntry) *gorm.DB {
	return s.db.WithContext(ctx).Model(&QueueModel{}).
		Where("queue_id = ? AND tries = ? AND status = ?", e.ID, e.Tries, string(domain.QueueInProgress))
}

// Complete marks the attempt successful.
func (s *GormStore) Complete(ctx context.Context, e domain.QueueEntry, at time.Time) error {
	res := s.attempt(ctx, e).Updates(map[string]any{
		"status":           string(domain.QueueCompleted),
		"last_attempt_at":  at.UTC(),
		"last_error":       gorm.Expr("NULL"),
		"lease_expires_at": gorm.Expr("NULL"),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Fail records the error and returns the entry to Pending, or Failed once
// tries reached maxTries.
func (s *GormStore) Fail(ctx context.Context, e domain.QueueEntry, at time.Time, errText string, maxTries int) (domain.QueueStatus, error) {
	next := domain.QueuePending
	if e.Tries >= maxTries {
		next = domain.QueueFailed
	}
	res := s.attempt(ctx, e).Updates(map[string]any{
		"status":           string(next),
		"last_attempt_at":  at.UTC(),
		"last_error":       errText,
		"lease_expires_at": gorm.Expr("NULL"),
	})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return "", ErrLeaseLost
	}
	return next, nil
}

// Requeue resets an entry so it is picked up as if newly created.
func (s *GormStore) Requeue(ctx context.Context, id int64, now time.Time) (domain.QueueEntry, bool, error) {
	var model QueueModel
	res := s.db.WithContext(ctx).Model(&model).
		Clauses(clause.Returning{}).
		Where("queue_id = ?", id).
		Updates(map[string]any{
			"status":           string(domain.QueuePending),
			"tries":            0,
			"last_error":       gorm.Expr("NULL"),
			"lease_expires_at": gorm.Expr("NULL"),
			"created_at":       now.UTC(),
		})
	if res.Error != nil {
		return domain.QueueEntry{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.QueueEntry{}, false, nil
	}
	return queueFromModel(model), true, nil
}

func (s *GormStore) GetQueueEntry(ctx context.Context, id int64) (domain.QueueEntry, bool, error) {
	var model QueueModel
	if err := s.db.WithContext(ctx).First(&model, "queue_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.QueueEntry{}, false, nil
		}
		return domain.QueueEntry{}, false, err
	}
	return queueFromModel(model), true, nil
}

func (s *GormStore) ListQueue(ctx context.Context) ([]domain.QueueEntry, error) {
	var models []QueueModel
	if err := s.db.WithContext(ctx).Order("created_at DESC, queue_id DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.QueueEntry, 0, len(models))
	for _, m := range models {
		out = append(out, queueFromModel(m))
	}
	return out, nil
}

func (s *GormStore) HasPendingFullRun(ctx context.Context, claimNumber string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&QueueModel{}).
		Where("claim_number = ? AND status = ? AND (selected_rule_ids IS NULL OR selected_rule_ids = '')",
			claimNumber, string(domain.QueuePending)).
		Count(&count).Error
	return count > 0, err
}

func (s *GormStore) ReapExpiredLeases(ctx context.Context, now time.Time, maxTries int) (int64, error) {
	res := s.db.WithContext(ctx).Model(&QueueModel{}).
		Where("status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?", string(domain.QueueInProgress), now.UTC()).
		Updates(map[string]any{
			"status":           gorm.Expr("CASE WHEN tries >= ? THEN ? ELSE ? END", maxTries, string(domain.QueueFailed), string(domain.QueuePending)),
			"last_error":       gorm.Expr("'lease expired on ' || COALESCE(processing_hostname, 'unknown host')"),
			"lease_expires_at": gorm.Expr("NULL"),
		})
	return res.RowsAffected, res.Error
}

// SaveDocument inserts a generated document record.
func (s *GormStore) SaveDocument(ctx context.Context, doc domain.GeneratedDocument) error {
	model, err := documentToModel(doc)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

func (s *GormStore) ListDocuments(ctx context.Context, claimNumber string) ([]domain.GeneratedDocument, error) {
	var models []GeneratedDocumentModel
	if err := s.db.WithContext(ctx).
		Where("claim_number = ?", claimNumber).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.GeneratedDocument, 0, len(models))
	for _, m := range models {
		doc, err := documentFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// ListRules returns the admin rule table ordered by priority.
func (s *GormStore) ListRules(ctx context.Context) ([]domain.Rule, error) {
	var models []RuleModel
	if err := s.db.WithContext(ctx).Order("priority ASC, document_name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Rule, 0, len(models))
	for _, m := range models {
		out = append(out, ruleFromModel(m))
	}
	return out, nil
}

// SaveRule upserts a rule by id. created_at and created_by of an existing
// row are kept and the stored row is returned.
func (s *GormStore) SaveRule(ctx context.Context, r domain.Rule) (domain.Rule, error) {
	model := ruleToModel(r)
	if err := upsertRule(s.db.WithContext(ctx), &model).Error; err != nil {
		return domain.Rule{}, err
	}
	return ruleFromModel(model), nil
}

func upsertRule(db *gorm.DB, model *RuleModel) *gorm.DB {
	return db.Clauses(clause.Returning{}, clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"coverage", "claimant", "claimant_role", "has_attorney", "document_name", "template_file",
			"mail_to", "location", "priority", "is_active", "notes", "updated_by", "updated_at",
		}),
	}).Create(model)
}

func (s *GormStore) DeleteRule(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&RuleModel{}, "id = ?", id)
	return res.RowsAffected > 0, res.Error
}

func queueToModel(e domain.QueueEntry) QueueModel {
	return QueueModel{
		QueueID:            e.ID,
		ClaimNumber:        e.ClaimNumber,
		SelectedRuleIDs:    optString(e.SelectedRuleIDs),
		Status:             string(e.Status),
		Tries:              e.Tries,
		CreatedAt:          e.CreatedAt.UTC(),
		LastAttemptAt:      e.LastAttemptAt,
		LastError:          optString(e.LastError),
		ProcessingHostname: optString(e.ProcessingHostname),
		LeaseExpiresAt:     e.LeaseExpiresAt,
		RequestedBy:        optString(e.RequestedBy),
	}
}

func queueFromModel(m QueueModel) domain.QueueEntry {
	return domain.QueueEntry{
		ID:                 m.QueueID,
		ClaimNumber:        m.ClaimNumber,
		SelectedRuleIDs:    deref(m.SelectedRuleIDs),
		Status:             domain.QueueStatus(m.Status),
		Tries:              m.Tries,
		CreatedAt:          m.CreatedAt,
		LastAttemptAt:      m.LastAttemptAt,
		LastError:          deref(m.LastError),
		ProcessingHostname: deref(m.ProcessingHostname),
		LeaseExpiresAt:     m.LeaseExpiresAt,
		RequestedBy:        deref(m.RequestedBy),
	}
}

func documentToModel(d domain.GeneratedDocument) (GeneratedDocumentModel, error) {
	var form []byte
	if len(d.FormData) > 0 {
		var err error
		if form, err = json.Marshal(d.FormData); err != nil {
			return GeneratedDocumentModel{}, fmt.Errorf("encode form data: %w", err)
		}
	}
	return GeneratedDocumentModel{
		ID:                    d.ID,
		RuleID:                optString(d.RuleID),
		QueueID:               d.QueueID,
		ClaimNumber:           d.ClaimNumber,
		SubClaimID:            d.SubClaimID,
		SubClaimFeatureNumber: d.SubClaimFeatureNumber,
		DocumentNumber:        d.DocumentNumber,
		FileName:              d.FileName,
		StorageProvider:       string(d.StorageProvider),
		StoragePath:           d.StoragePath,
		MirrorKey:             optString(d.MirrorKey),
		ContentType:           d.ContentType,
		FileSize:              d.FileSize,
		PageCount:             d.PageCount,
		SHA256Hash:            d.SHA256Hash,
		MailTo:                optString(d.MailTo),
		MailStatus:            optString(string(d.MailStatus)),
		SentAt:                d.SentAt,
		CreatedBy:             optString(d.CreatedBy),
		CreatedAt:             d.CreatedAt.UTC(),
		GenerationType:        string(d.GenerationType),
		FormData:              form,
	}, nil
}

func documentFromModel(m GeneratedDocumentModel) (domain.GeneratedDocument, error) {
	doc := domain.GeneratedDocument{
		ID:                    m.ID,
		RuleID:                deref(m.RuleID),
		QueueID:               m.QueueID,
		ClaimNumber:           m.ClaimNumber,
		SubClaimID:            m.SubClaimID,
		SubClaimFeatureNumber: m.SubClaimFeatureNumber,
		DocumentNumber:        m.DocumentNumber,
		FileName:              m.FileName,
		StorageProvider:       domain.StorageProvider(m.StorageProvider),
		StoragePath:           m.StoragePath,
		MirrorKey:             deref(m.MirrorKey),
		ContentType:           m.ContentType,
		FileSize:              m.FileSize,
		PageCount:             m.PageCount,
		SHA256Hash:            m.SHA256Hash,
		MailTo:                deref(m.MailTo),
		MailStatus:            domain.MailStatus(deref(m.MailStatus)),
		SentAt:                m.SentAt,
		CreatedBy:             deref(m.CreatedBy),
		CreatedAt:             m.CreatedAt,
		GenerationType:        domain.GenerationType(m.GenerationType),
	}
	if len(m.FormData) > 0 {
		if err := json.Unmarshal(m.FormData, &doc.FormData); err != nil {
			return domain.GeneratedDocument{}, fmt.Errorf("decode form data for %s: %w", m.ID, err)
		}
	}
	return doc, nil
}

func ruleToModel(r domain.Rule) RuleModel {
	return RuleModel{
		ID:           r.ID,
		Coverage:     r.Coverage,
		Claimant:     r.Claimant,
		ClaimantRole: string(r.ClaimantRole),
		HasAttorney:  r.HasAttorney,
		DocumentName: r.DocumentName,
		TemplateFile: r.TemplateFile,
		MailTo:       r.MailTo,
		Location:     r.Location,
		Priority:     r.Priority,
		IsActive:     r.IsActive,
		Notes:        r.Notes,
		CreatedBy:    r.CreatedBy,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedBy:    r.UpdatedBy,
		UpdatedAt:    r.UpdatedAt,
	}
}

func ruleFromModel(m RuleModel) domain.Rule {
	return domain.Rule{
		ID:           m.ID,
		Coverage:     m.Coverage,
		Claimant:     m.Claimant,
		ClaimantRole: domain.ClaimantRole(m.ClaimantRole),
		HasAttorney:  m.HasAttorney,
		DocumentName: m.DocumentName,
		TemplateFile: m.TemplateFile,
		MailTo:       m.MailTo,
		Location:     m.Location,
		Priority:     m.Priority,
		IsActive:     m.IsActive,
		Notes:        m.Notes,
		CreatedBy:    m.CreatedBy,
		CreatedAt:    m.CreatedAt,
		UpdatedBy:    m.UpdatedBy,
		UpdatedAt:    m.UpdatedAt,
	}
}

func optString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
