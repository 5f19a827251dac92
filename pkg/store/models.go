package store

import (
	"time"

	"gorm.io/datatypes"
)

// Tables owned by the letters service.

type QueueModel struct {
	QueueID            int64      `gorm:"column:queue_id;primaryKey;autoIncrement"`
	ClaimNumber        string     `gorm:"not null;size:50;index"`
	SelectedRuleIDs    *string    `gorm:"column:selected_rule_ids"`
	Status             string     `gorm:"not null;size:20;default:Pending;index:idx_letter_queue_status_created,priority:1"`
	Tries              int        `gorm:"not null;default:0"`
	CreatedAt          time.Time  `gorm:"not null;index:idx_letter_queue_status_created,priority:2"`
	LastAttemptAt      *time.Time `gorm:"column:last_attempt_at"`
	LastError          *string    `gorm:"type:text"`
	ProcessingHostname *string    `gorm:"size:255"`
	LeaseExpiresAt     *time.Time `gorm:"column:lease_expires_at"`
	RequestedBy        *string    `gorm:"size:255"`
}

func (QueueModel) TableName() string { return "letter_gen_queue" }

type GeneratedDocumentModel struct {
	ID                    string  `gorm:"primaryKey;size:36"`
	RuleID                *string `gorm:"size:64"`
	QueueID               *int64  `gorm:"index"`
	ClaimNumber           string  `gorm:"not null;size:50;index"`
	SubClaimID            *int64
	SubClaimFeatureNumber *int
	DocumentNumber        string `gorm:"size:100"`
	FileName              string `gorm:"not null;size:255"`
	StorageProvider       string `gorm:"not null;size:20"`
	StoragePath           string `gorm:"not null;size:1024"`
	MirrorKey             *string
	ContentType           string `gorm:"not null;size:100"`
	FileSize              int64  `gorm:"not null"`
	PageCount             int
	SHA256Hash            string `gorm:"column:sha256_hash;not null;size:64"`
	MailTo                *string
	MailStatus            *string `gorm:"size:20"`
	SentAt                *time.Time
	CreatedBy             *string
	CreatedAt             time.Time      `gorm:"not null;index"`
	GenerationType        string         `gorm:"not null;size:10"`
	FormData              datatypes.JSON `gorm:"type:jsonb"`
}

func (GeneratedDocumentModel) TableName() string { return "letter_gen_generated_documents" }

type RuleModel struct {
	ID           string `gorm:"primaryKey;size:64"`
	Coverage     string `gorm:"not null;size:20"`
	Claimant     string `gorm:"not null;size:100"`
	ClaimantRole string `gorm:"size:20"`
	HasAttorney  bool   `gorm:"not null"`
	DocumentName string `gorm:"not null;size:255"`
	TemplateFile string `gorm:"size:255"`
	MailTo       string `gorm:"size:100"`
	Location     string `gorm:"size:1024"`
	Priority     int    `gorm:"not null"`
	IsActive     bool   `gorm:"not null"`
	Notes        string `gorm:"type:text"`
	CreatedBy    string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedBy    string
	UpdatedAt    *time.Time
}

func (RuleModel) TableName() string { return "letter_gen_admin_rules" }

// Claims intake tables. Read only, never migrated here.

type fnolRow struct {
	FnolID        int64
	ClaimNumber   string
	PolicyNumber  string
	InsuredName   string
	DateOfLoss    *time.Time
	LossLocation  string
	LossLocation2 string
}

func (fnolRow) TableName() string { return "fnol" }

type subClaimRow struct {
	SubClaimID           int64
	FnolID               int64
	ClaimNumber          string
	FeatureNumber        int
	ClaimantName         string
	ClaimantType         string
	Coverage             string
	AssignedAdjusterName string
}

func (subClaimRow) TableName() string { return "sub_claims" }

// claimantRow is a claimant joined with its main address and attorney vendor.
type claimantRow struct {
	ClaimantID            int64
	ClaimantName          string
	ClaimantType          string
	IsAttorneyRepresented bool
	StreetAddress         string
	Apt                   string
	City                  string
	State                 string
	ZipCode               string
	AttorneyName          *string
	AttorneyFirm          *string
	AttorneyStreet        *string
	AttorneyLine2         *string
	AttorneyCity          *string
	AttorneyState         *string
	AttorneyZip           *string
}
