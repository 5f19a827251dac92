package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"claimsportal/pkg/domain"
	"claimsportal/pkg/letters"
	"claimsportal/pkg/render"
	"claimsportal/pkg/rules"
	"claimsportal/pkg/storage"
	"claimsportal/pkg/store"
)

// FileLister lists the directory the portal serves letters from.
type FileLister interface {
	List() ([]storage.FileInfo, error)
}

// Config holds the collaborators of the letters application.
type Config struct {
	Queue     store.QueueStore
	Documents store.DocumentStore
	Rules     rules.Editor
	Generator *letters.Generator
	Files     FileLister
	// TemplatesDir is where rule templates live.
	TemplatesDir string
	// PublicBaseURL prefixes download links; blank yields relative links.
	PublicBaseURL string
	Now           func() time.Time
}

// App is the administration surface over the letter pipeline.
type App struct {
	queue         store.QueueStore
	documents     store.DocumentStore
	rules         rules.Editor
	generator     *letters.Generator
	files         FileLister
	templatesDir  string
	publicBaseURL string
	now           func() time.Time
}

// DownloadPrefix is the route generated letters are served under.
const DownloadPrefix = "/generated/"

func New(cfg Config) (*App, error) {
	switch {
	case cfg.Queue == nil:
		return nil, fmt.Errorf("queue store required")
	case cfg.Documents == nil:
		return nil, fmt.Errorf("document store required")
	case cfg.Rules == nil:
		return nil, fmt.Errorf("rule source required")
	case cfg.Generator == nil:
		return nil, fmt.Errorf("generator required")
	case cfg.Files == nil:
		return nil, fmt.Errorf("file lister required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		queue:         cfg.Queue,
		documents:     cfg.Documents,
		rules:         cfg.Rules,
		generator:     cfg.Generator,
		files:         cfg.Files,
		templatesDir:  cfg.TemplatesDir,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"),
		now:           now,
	}, nil
}

// ListQueue returns every queue entry, newest first.
func (a *App) ListQueue(ctx context.Context) ([]domain.QueueEntry, error) {
	return a.queue.ListQueue(ctx)
}

// GetQueueEntry returns one entry.
func (a *App) GetQueueEntry(ctx context.Context, id int64) (domain.QueueEntry, error) {
	e, ok, err := a.queue.GetQueueEntry(ctx, id)
	if err != nil {
		return domain.QueueEntry{}, err
	}
	if !ok {
		return domain.QueueEntry{}, ErrQueueEntryNotFound
	}
	return e, nil
}

// Requeue puts an entry back to Pending with zero tries and a fresh
// createdAt. Requeueing an entry that is already Pending is harmless.
func (a *App) Requeue(ctx context.Context, id int64) (domain.QueueEntry, error) {
	e, ok, err := a.queue.Requeue(ctx, id, a.now().UTC())
	if err != nil {
		return domain.QueueEntry{}, fmt.Errorf("requeue %d: %w", id, err)
	}
	if !ok {
		return domain.QueueEntry{}, ErrQueueEntryNotFound
	}
	return e, nil
}

// EnqueueRequest asks for generation of a claim's letters.
type EnqueueRequest struct {
	ClaimNumber string   `json:"claimNumber"`
	RuleIDs     []string `json:"ruleIds,omitempty"`
	RequestedBy string   `json:"requestedBy,omitempty"`
}

// Enqueue inserts a Pending entry.
func (a *App) Enqueue(ctx context.Context, req EnqueueRequest) (domain.QueueEntry, error) {
	claimNumber := strings.TrimSpace(req.ClaimNumber)
	if claimNumber == "" {
		return domain.QueueEntry{}, fmt.Errorf("%w: claimNumber is required", ErrInvalidRequest)
	}
	var ids []string
	for _, id := range req.RuleIDs {
		if id = strings.TrimSpace(id); id != "" {
			if strings.Contains(id, ",") {
				return domain.QueueEntry{}, fmt.Errorf("%w: rule id %q contains a comma", ErrInvalidRequest, id)
			}
			ids = append(ids, id)
		}
	}
	return a.queue.Enqueue(ctx, domain.QueueEntry{
		ClaimNumber:     claimNumber,
		SelectedRuleIDs: strings.Join(ids, ","),
		Status:          domain.QueuePending,
		CreatedAt:       a.now().UTC(),
		RequestedBy:     strings.TrimSpace(req.RequestedBy),
	})
}

// FileEntry is one downloadable letter.
type FileEntry struct {
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// ListFiles lists the served directory, newest first.
func (a *App) ListFiles(_ context.Context) ([]FileEntry, error) {
	infos, err := a.files.List()
	if err != nil {
		return nil, err
	}
	out := make([]FileEntry, 0, len(infos))
	for _, fi := range infos {
		out = append(out, FileEntry{Name: fi.Name, URL: a.DownloadURL(fi.Name), Size: fi.Size, LastModified: fi.LastModified})
	}
	return out, nil
}

// DownloadURL is the public link for a served file.
func (a *App) DownloadURL(name string) string {
	return a.publicBaseURL + DownloadPrefix + url.PathEscape(name)
}

// ManualResult is a rendered editor letter and where to fetch it.
type ManualResult struct {
	Document domain.GeneratedDocument `json:"document"`
	URL      string                   `json:"url"`
}

// RenderManual renders caller-substituted HTML and records it.
func (a *App) RenderManual(ctx context.Context, req letters.ManualRequest) (ManualResult, error) {
	doc, err := a.generator.RenderManual(ctx, req)
	if err != nil {
		return ManualResult{}, translateGenerateError(err)
	}
	return ManualResult{Document: doc, URL: a.DownloadURL(doc.FileName)}, nil
}

func translateGenerateError(err error) error {
	switch {
	case errors.Is(err, letters.ErrInvalidRequest):
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	case errors.Is(err, render.ErrRendererUnavailable):
		return fmt.Errorf("%w: %v", ErrRendererUnavailable, err)
	default:
		return err
	}
}

// ListDocuments returns the generated-document records of a claim.
func (a *App) ListDocuments(ctx context.Context, claimNumber string) ([]domain.GeneratedDocument, error) {
	claimNumber = strings.TrimSpace(claimNumber)
	if claimNumber == "" {
		return nil, fmt.Errorf("%w: claimNumber is required", ErrInvalidRequest)
	}
	return a.documents.ListDocuments(ctx, claimNumber)
}

// ListRules returns the current rule snapshot.
func (a *App) ListRules(ctx context.Context) ([]domain.Rule, error) {
	return a.rules.Rules(ctx)
}

// RuleInput is a rule as submitted by an administrator. A nil IsActive
// means active for a new rule and keeps the stored flag on update.
type RuleInput struct {
	domain.Rule
	IsActive *bool `json:"isActive,omitempty"`
}

// SaveRule creates or replaces a rule. actor is recorded in the audit fields.
func (a *App) SaveRule(ctx context.Context, in RuleInput, actor string) (domain.Rule, error) {
	r := in.Rule
	active, err := a.ruleActive(ctx, r.ID, in.IsActive)
	if err != nil {
		return domain.Rule{}, err
	}
	r.IsActive = active
	r.Coverage = strings.TrimSpace(r.Coverage)
	r.Claimant = strings.TrimSpace(r.Claimant)
	r.DocumentName = strings.TrimSpace(r.DocumentName)
	r.TemplateFile = strings.TrimSpace(r.TemplateFile)
	if r.Coverage == "" {
		return domain.Rule{}, fmt.Errorf("%w: coverage is required", ErrInvalidRequest)
	}
	role, ok := domain.ParseClaimantRole(string(r.ClaimantRole))
	if !ok {
		return domain.Rule{}, fmt.Errorf("%w: unknown claimantRole %q", ErrInvalidRequest, r.ClaimantRole)
	}
	r.ClaimantRole = role
	if r.Claimant == "" && r.ClaimantRole == domain.RoleUnspecified {
		return domain.Rule{}, fmt.Errorf("%w: claimant or claimantRole is required", ErrInvalidRequest)
	}
	if r.DocumentName == "" && r.TemplateFile == "" {
		return domain.Rule{}, fmt.Errorf("%w: documentName or templateFile is required", ErrInvalidRequest)
	}
	if r.TemplateFile != "" && !validTemplateName(r.TemplateFile) {
		return domain.Rule{}, fmt.Errorf("%w: templateFile must be a file name", ErrInvalidRequest)
	}
	if r.Priority == 0 {
		r.Priority = domain.DefaultRulePriority
	}
	if r.ID == "" {
		r.CreatedBy = actor
	} else {
		r.UpdatedBy = actor
	}
	return a.rules.Save(ctx, r)
}

func (a *App) ruleActive(ctx context.Context, id string, requested *bool) (bool, error) {
	if requested != nil {
		return *requested, nil
	}
	if id == "" {
		return true, nil
	}
	list, err := a.rules.Rules(ctx)
	if err != nil {
		return false, err
	}
	for _, existing := range list {
		if existing.ID == id {
			return existing.IsActive, nil
		}
	}
	return true, nil
}

// DeleteRule removes a rule by id.
func (a *App) DeleteRule(ctx context.Context, id string) error {
	if err := a.rules.Delete(ctx, strings.TrimSpace(id)); err != nil {
		if errors.Is(err, rules.ErrRuleNotFound) {
			return ErrRuleNotFound
		}
		return err
	}
	return nil
}

// TemplateFields lists the distinct placeholder keys of a template.
func (a *App) TemplateFields(_ context.Context, name string) ([]string, error) {
	if !validTemplateName(name) {
		return nil, fmt.Errorf("%w: invalid template name", ErrInvalidRequest)
	}
	tmpl, err := render.LoadTemplate(filepath.Join(a.templatesDir, name))
	if err != nil {
		if errors.Is(err, render.ErrTemplateNotFound) {
			return nil, ErrTemplateNotFound
		}
		return nil, err
	}
	return render.Placeholders(tmpl), nil
}

func validTemplateName(name string) bool {
	name = strings.TrimSpace(name)
	return name != "" && name != "." && name != ".." && filepath.Base(name) == name && !strings.ContainsAny(name, `/\`)
}
