// Package letters turns a claim and its matching rules into rendered,
// stored and recorded PDF letters.
package letters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"

	"claimsportal/pkg/domain"
	"claimsportal/pkg/events"
	"claimsportal/pkg/render"
	"claimsportal/pkg/rules"
	"claimsportal/pkg/storage"
	"claimsportal/pkg/store"
)

var (
	ErrClaimNotFound  = errors.New("letters: claim not found")
	ErrInvalidRequest = errors.New("letters: invalid request")
)

const (
	contentTypePDF   = "application/pdf"
	fileStampLayout  = "20060102150405"
	defaultCreatedBy = "LetterGenerationWorker"
)

// FileWriter lands rendered bytes on disk.
type FileWriter interface {
	Write(dir, name string, data []byte) (storage.Written, error)
}

// Deps are the collaborators of a Generator. Mirror and Events are optional.
type Deps struct {
	Claims    store.ClaimReader
	Documents store.DocumentStore
	Rules     rules.Source
	Matcher   *rules.Matcher
	Renderer  render.Renderer
	Files     FileWriter
	Mirror    storage.Mirror
	Events    events.Publisher
}

// Options tune generation.
type Options struct {
	Policy FailurePolicy
	Office Office
	// CreatedBy is recorded on queued letters.
	CreatedBy string
	Now       func() time.Time
}

// Generator runs the match, render, write and record steps.
type Generator struct {
	deps Deps
	opts Options
}

func NewGenerator(deps Deps, opts Options) (*Generator, error) {
	switch {
	case deps.Claims == nil:
		return nil, errors.New("letters: claim reader is required")
	case deps.Documents == nil:
		return nil, errors.New("letters: document store is required")
	case deps.Rules == nil:
		return nil, errors.New("letters: rule source is required")
	case deps.Matcher == nil:
		return nil, errors.New("letters: matcher is required")
	case deps.Renderer == nil:
		return nil, errors.New("letters: renderer is required")
	case deps.Files == nil:
		return nil, errors.New("letters: file writer is required")
	}
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	if opts.Policy == "" {
		opts.Policy = AbortOnFirstError
	}
	if opts.CreatedBy == "" {
		opts.CreatedBy = defaultCreatedBy
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Generator{deps: deps, opts: opts}, nil
}

// Request asks for every matching letter of a claim.
type Request struct {
	ClaimNumber string
	// RuleIDs restricts generation to these rules; empty means all.
	RuleIDs []string
	QueueID *int64
}

// Result lists the letters that were written.
type Result struct {
	Documents []domain.GeneratedDocument
	Matched   int
}

// Generate renders every matched pair. Under AbortOnFirstError the first
// failure is returned immediately; under ContinueOnError all pairs are tried
// and the failures are returned together.
func (g *Generator) Generate(ctx context.Context, req Request) (Result, error) {
	claim, ok, err := g.deps.Claims.GetClaim(ctx, req.ClaimNumber)
	if err != nil {
		return Result{}, fmt.Errorf("load claim %s: %w", req.ClaimNumber, err)
	}
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrClaimNotFound, req.ClaimNumber)
	}
	snapshot, err := g.deps.Rules.Rules(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load rules: %w", err)
	}
	pairs := g.deps.Matcher.Match(claim, snapshot, req.RuleIDs)

	res := Result{Matched: len(pairs)}
	var errs *multierror.Error
	for _, p := range pairs {
		doc, err := g.generatePair(ctx, claim, p, req.QueueID)
		if errors.Is(err, render.ErrTemplateNotFound) {
			slog.Info("letter template missing, skipped", "claim_number", claim.ClaimNumber, "template", p.TemplateFile)
			continue
		}
		if err != nil {
			err = fmt.Errorf("rule %s feature %d: %w", p.Rule.DocumentName, p.SubClaim.FeatureNumber, err)
			if g.opts.Policy != ContinueOnError {
				return res, err
			}
			errs = multierror.Append(errs, err)
			continue
		}
		res.Documents = append(res.Documents, doc)
	}
	return res, errs.ErrorOrNil()
}

func (g *Generator) generatePair(ctx context.Context, claim domain.Claim, p rules.Pair, queueID *int64) (domain.GeneratedDocument, error) {
	tmpl, err := render.LoadTemplate(p.TemplatePath)
	if err != nil {
		return domain.GeneratedDocument{}, err
	}
	now := g.opts.Now()
	values := Fields(claim, p.SubClaim, p.Rule, p.TemplateFile, now, g.opts.Office)
	pdf, err := g.deps.Renderer.RenderPDF(ctx, render.Substitute(tmpl, values))
	if err != nil {
		return domain.GeneratedDocument{}, fmt.Errorf("render: %w", err)
	}

	docName := p.Rule.DocumentName
	if strings.TrimSpace(docName) == "" {
		docName = strings.TrimSuffix(p.TemplateFile, filepath.Ext(p.TemplateFile))
	}
	feature := p.SubClaim.FeatureNumber
	doc := domain.GeneratedDocument{
		RuleID:                p.Rule.ID,
		QueueID:               queueID,
		ClaimNumber:           claim.ClaimNumber,
		SubClaimFeatureNumber: &feature,
		DocumentNumber:        NewDocumentNumber(now),
		FileName:              FileName(docName, claim.ClaimNumber, now),
		MailTo:                p.Rule.MailTo,
		CreatedBy:             g.opts.CreatedBy,
		GenerationType:        domain.GenerationQueued,
		FormData:              values,
	}
	if id, ok, err := g.deps.Claims.ResolveSubClaimID(ctx, claim.ClaimNumber, feature); err != nil {
		slog.Warn("resolve sub-claim failed", "claim_number", claim.ClaimNumber, "feature", feature, "err", err)
	} else if ok {
		doc.SubClaimID = &id
	}
	return g.store(ctx, doc, p.Rule.Location, pdf, now)
}

// ManualRequest is an already-substituted letter body from the editor.
type ManualRequest struct {
	ClaimNumber    string
	HTML           string
	TemplateName   string
	DocumentNumber string
	RuleID         string
	MailTo         string
	CreatedBy      string
}

// RenderManual converts caller-supplied HTML and records it as a manual letter.
func (g *Generator) RenderManual(ctx context.Context, req ManualRequest) (domain.GeneratedDocument, error) {
	claimNumber := strings.TrimSpace(req.ClaimNumber)
	if claimNumber == "" {
		return domain.GeneratedDocument{}, fmt.Errorf("%w: claimNumber is required", ErrInvalidRequest)
	}
	if err := render.ValidateHTML(req.HTML); err != nil {
		return domain.GeneratedDocument{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	pdf, err := g.deps.Renderer.RenderPDF(ctx, req.HTML)
	if err != nil {
		return domain.GeneratedDocument{}, fmt.Errorf("render: %w", err)
	}
	now := g.opts.Now()
	name := strings.TrimSpace(req.TemplateName)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if name == "" {
		name = "Letter"
	}
	number := strings.TrimSpace(req.DocumentNumber)
	if number == "" {
		number = NewDocumentNumber(now)
	}
	doc := domain.GeneratedDocument{
		RuleID:         strings.TrimSpace(req.RuleID),
		ClaimNumber:    claimNumber,
		DocumentNumber: number,
		FileName:       FileName(name, claimNumber, now),
		MailTo:         strings.TrimSpace(req.MailTo),
		CreatedBy:      firstNonEmpty(req.CreatedBy, "manual"),
		GenerationType: domain.GenerationManual,
	}
	return g.store(ctx, doc, "", pdf, now)
}

// store writes the file, fills the on-disk facts and persists the record.
func (g *Generator) store(ctx context.Context, doc domain.GeneratedDocument, dir string, pdf []byte, now time.Time) (domain.GeneratedDocument, error) {
	written, err := g.deps.Files.Write(dir, doc.FileName, pdf)
	if err != nil {
		return domain.GeneratedDocument{}, fmt.Errorf("write letter: %w", err)
	}
	doc.ID = uuid.NewString()
	doc.StorageProvider = domain.StorageFilesystem
	doc.StoragePath = written.Path
	doc.ContentType = contentTypePDF
	doc.FileSize = written.Size
	doc.SHA256Hash = written.SHA256
	doc.CreatedAt = now.UTC()
	if doc.MailTo != "" {
		doc.MailStatus = domain.MailPending
	}
	if pages, err := render.PageCount(pdf); err != nil {
		slog.Warn("pdf page count failed", "file", doc.FileName, "err", err)
	} else {
		doc.PageCount = pages
	}
	if g.deps.Mirror != nil {
		key := g.deps.Mirror.Key(doc.ClaimNumber, doc.FileName)
		if err := g.deps.Mirror.Put(ctx, key, pdf, contentTypePDF); err != nil {
			slog.Warn("letter mirror failed", "key", key, "err", err)
		} else {
			doc.MirrorKey = key
		}
	}
	if err := g.deps.Documents.SaveDocument(ctx, doc); err != nil {
		return domain.GeneratedDocument{}, fmt.Errorf("save document: %w", err)
	}
	if err := g.deps.Events.PublishDocumentGenerated(ctx, eventFor(doc)); err != nil {
		slog.Warn("publish document event failed", "document_id", doc.ID, "err", err)
	}
	slog.Info("letter generated", "claim_number", doc.ClaimNumber, "file", doc.FileName, "bytes", doc.FileSize)
	return doc, nil
}

func eventFor(doc domain.GeneratedDocument) events.DocumentGenerated {
	return events.DocumentGenerated{
		DocumentID:     doc.ID,
		QueueID:        doc.QueueID,
		ClaimNumber:    doc.ClaimNumber,
		RuleID:         doc.RuleID,
		DocumentNumber: doc.DocumentNumber,
		FileName:       doc.FileName,
		StoragePath:    doc.StoragePath,
		SHA256Hash:     doc.SHA256Hash,
		MailTo:         doc.MailTo,
		GenerationType: string(doc.GenerationType),
		GeneratedAt:    doc.CreatedAt,
	}
}

// FileName is {sanitizedDocumentName}_{claimNumber}_{yyyyMMddHHmmss}.pdf in UTC.
func FileName(documentName, claimNumber string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s.pdf",
		domain.SanitizeFileName(documentName),
		domain.SanitizeFileName(claimNumber),
		at.UTC().Format(fileStampLayout))
}

// NewDocumentNumber returns a sortable LTR- prefixed identifier.
func NewDocumentNumber(at time.Time) string {
	return "LTR-" + ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String()
}
