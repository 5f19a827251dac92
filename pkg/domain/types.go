package domain

import (
	"strings"
	"time"
)

type QueueStatus string

const (
	QueuePending    QueueStatus = "Pending"
	QueueInProgress QueueStatus = "InProgress"
	QueueCompleted  QueueStatus = "Completed"
	QueueFailed     QueueStatus = "Failed"
)

// MaxTries is the number of claims after which a failing entry stops retrying.
const MaxTries = 5

// QueueEntry is one persisted letter-generation request.
type QueueEntry struct {
	ID                 int64       `json:"queueId"`
	ClaimNumber        string      `json:"claimNumber"`
	SelectedRuleIDs    string      `json:"selectedRuleIds,omitempty"`
	Status             QueueStatus `json:"status"`
	Tries              int         `json:"tries"`
	CreatedAt          time.Time   `json:"createdAt"`
	LastAttemptAt      *time.Time  `json:"lastAttemptAt,omitempty"`
	LastError          string      `json:"lastError,omitempty"`
	ProcessingHostname string      `json:"processingHostname,omitempty"`
	LeaseExpiresAt     *time.Time  `json:"leaseExpiresAt,omitempty"`
	RequestedBy        string      `json:"requestedBy,omitempty"`
}

// RuleIDs splits SelectedRuleIDs. Nil means every matching rule applies.
func (q QueueEntry) RuleIDs() []string {
	return SplitRuleIDs(q.SelectedRuleIDs)
}

// SplitRuleIDs parses a comma separated id list, dropping blanks.
func SplitRuleIDs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// ClaimantRole is the explicit role tag carried by rules and sub-claims.
type ClaimantRole string

const (
	RoleUnspecified ClaimantRole = ""
	RoleDriver      ClaimantRole = "driver"
	RolePassenger   ClaimantRole = "passenger"
	RoleThirdParty  ClaimantRole = "third_party"
)

// ParseClaimantRole accepts the tag values and their common spellings.
func ParseClaimantRole(raw string) (ClaimantRole, bool) {
	switch strings.ToLower(strings.NewReplacer(" ", "", "_", "", "-", "").Replace(raw)) {
	case "":
		return RoleUnspecified, true
	case "driver":
		return RoleDriver, true
	case "passenger":
		return RolePassenger, true
	case "thirdparty":
		return RoleThirdParty, true
	}
	return RoleUnspecified, false
}

// Rule maps a claim characteristic to a letter template.
type Rule struct {
	ID           string       `json:"id"`
	Coverage     string       `json:"coverage"`
	Claimant     string       `json:"claimant"`
	ClaimantRole ClaimantRole `json:"claimantRole,omitempty"`
	HasAttorney  bool         `json:"hasAttorney"`
	DocumentName string       `json:"documentName"`
	TemplateFile string       `json:"templateFile,omitempty"`
	MailTo       string       `json:"mailTo,omitempty"`
	Location     string       `json:"location,omitempty"`
	Priority     int          `json:"priority"`
	IsActive     bool         `json:"isActive"`
	Notes        string       `json:"notes,omitempty"`
	CreatedBy    string       `json:"createdBy,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedBy    string       `json:"updatedBy,omitempty"`
	UpdatedAt    *time.Time   `json:"updatedAt,omitempty"`
}

// DefaultRulePriority applies when a rule is saved without one.
const DefaultRulePriority = 100

type StorageProvider string

const (
	StorageFilesystem StorageProvider = "filesystem"
	StorageAzure      StorageProvider = "azure"
	StorageS3         StorageProvider = "s3"
	StorageDB         StorageProvider = "db"
)

type GenerationType string

const (
	GenerationManual GenerationType = "manual"
	GenerationQueued GenerationType = "queued"
)

type MailStatus string

const (
	MailNone    MailStatus = ""
	MailPending MailStatus = "Pending"
	MailSent    MailStatus = "Sent"
)

// GeneratedDocument is the durable record of one rendered letter.
type GeneratedDocument struct {
	ID                    string            `json:"id"`
	RuleID                string            `json:"ruleId,omitempty"`
	QueueID               *int64            `json:"queueId,omitempty"`
	ClaimNumber           string            `json:"claimNumber"`
	SubClaimID            *int64            `json:"subClaimId,omitempty"`
	SubClaimFeatureNumber *int              `json:"subClaimFeatureNumber,omitempty"`
	DocumentNumber        string            `json:"documentNumber"`
	FileName              string            `json:"fileName"`
	StorageProvider       StorageProvider   `json:"storageProvider"`
	StoragePath           string            `json:"storagePath"`
	MirrorKey             string            `json:"mirrorKey,omitempty"`
	ContentType           string            `json:"contentType"`
	FileSize              int64             `json:"fileSize"`
	PageCount             int               `json:"pageCount,omitempty"`
	SHA256Hash            string            `json:"sha256Hash"`
	MailTo                string            `json:"mailTo,omitempty"`
	MailStatus            MailStatus        `json:"mailStatus,omitempty"`
	SentAt                *time.Time        `json:"sentAt,omitempty"`
	CreatedBy             string            `json:"createdBy,omitempty"`
	CreatedAt             time.Time         `json:"createdAt"`
	GenerationType        GenerationType    `json:"generationType"`
	FormData              map[string]string `json:"formData,omitempty"`
}

// Address is a postal address as printed on a letter.
type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
}

// OneLine joins the non-empty parts for a single-line location field.
func (a Address) OneLine() string {
	var parts []string
	for _, p := range []string{a.Line1, a.Line2, a.City, strings.TrimSpace(a.State + " " + a.PostalCode)} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

type Attorney struct {
	Name    string  `json:"name"`
	Firm    string  `json:"firm,omitempty"`
	Address Address `json:"address"`
}

// Party is a person on the claim who can be represented by an attorney.
type Party struct {
	Role        ClaimantRole `json:"role"`
	Name        string       `json:"name"`
	Address     Address      `json:"address"`
	HasAttorney bool         `json:"hasAttorney"`
	Attorney    *Attorney    `json:"attorney,omitempty"`
}

type Adjuster struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// SubClaim is one coverage feature of a claim.
type SubClaim struct {
	ID                   int64        `json:"id"`
	FeatureNumber        int          `json:"featureNumber"`
	Coverage             string       `json:"coverage"`
	ClaimType            string       `json:"claimType"`
	ClaimantName         string       `json:"claimantName"`
	Role                 ClaimantRole `json:"role,omitempty"`
	AssignedAdjusterName string       `json:"assignedAdjusterName,omitempty"`
}

// Claim is the read model the letter pipeline needs from claims intake.
type Claim struct {
	ClaimNumber   string     `json:"claimNumber"`
	PolicyNumber  string     `json:"policyNumber"`
	InsuredName   string     `json:"insuredName"`
	LossDate      *time.Time `json:"lossDate,omitempty"`
	LossLocation  Address    `json:"lossLocation"`
	Adjuster      Adjuster   `json:"adjuster"`
	InsuredDriver *Party     `json:"insuredDriver,omitempty"`
	Passengers    []Party    `json:"passengers,omitempty"`
	ThirdParties  []Party    `json:"thirdParties,omitempty"`
	SubClaims     []SubClaim `json:"subClaims"`
}

// HasAttorney reports whether any party on the claim is represented.
func (c Claim) HasAttorney() bool {
	if c.InsuredDriver != nil && c.InsuredDriver.HasAttorney {
		return true
	}
	for _, p := range c.Passengers {
		if p.HasAttorney {
			return true
		}
	}
	for _, p := range c.ThirdParties {
		if p.HasAttorney {
			return true
		}
	}
	return false
}

// PartyFor finds the party a sub-claim is written for, by name then by role.
func (c Claim) PartyFor(sc SubClaim) *Party {
	all := c.Parties()
	name := strings.TrimSpace(sc.ClaimantName)
	if name != "" {
		for i := range all {
			if strings.EqualFold(strings.TrimSpace(all[i].Name), name) {
				return &all[i]
			}
		}
	}
	if sc.Role != RoleUnspecified {
		for i := range all {
			if all[i].Role == sc.Role {
				return &all[i]
			}
		}
	}
	return nil
}

// Parties lists every party, insured driver first.
func (c Claim) Parties() []Party {
	var out []Party
	if c.InsuredDriver != nil {
		out = append(out, *c.InsuredDriver)
	}
	out = append(out, c.Passengers...)
	out = append(out, c.ThirdParties...)
	return out
}
