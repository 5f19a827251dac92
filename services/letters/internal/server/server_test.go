package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"claimsportal/internal/ratelimit"
	"claimsportal/internal/servicetoken"
	"claimsportal/pkg/domain"
	"claimsportal/pkg/letters"
	"claimsportal/pkg/render"
	"claimsportal/pkg/rules"
	"claimsportal/pkg/storage"
	"claimsportal/pkg/store"
	"claimsportal/services/letters/internal/app"
)

// tokenAuth maps bearer tokens to scopes.
type tokenAuth map[string]string

func (a tokenAuth) Authorize(r *http.Request, scope string) (servicetoken.Claims, error) {
	raw, ok := servicetoken.BearerToken(r)
	if !ok {
		return servicetoken.Claims{}, servicetoken.ErrMissingToken
	}
	scopes, ok := a[raw]
	if !ok {
		return servicetoken.Claims{}, jwt.ErrTokenMalformed
	}
	claims := servicetoken.Claims{Scope: scopes, RegisteredClaims: jwt.RegisteredClaims{Subject: "portal-" + raw}}
	if !claims.HasScope(scope) {
		return claims, servicetoken.ErrForbidden
	}
	return claims, nil
}

type harness struct {
	srv       *httptest.Server
	mem       *store.MemoryStore
	templates string
}

func newHarness(t *testing.T, renderLimit int) harness {
	t.Helper()
	return newHarnessWithBodyLimit(t, renderLimit, 0)
}

func newHarnessWithBodyLimit(t *testing.T, renderLimit int, maxRenderBytes int64) harness {
	t.Helper()
	root := t.TempDir()
	templates := filepath.Join(root, "templates")
	served := filepath.Join(root, "served")
	if err := os.MkdirAll(templates, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	files, err := storage.NewFileStore(filepath.Join(root, "out"), served)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	mem := store.NewMemoryStore()
	source := rules.NewTableSource(mem)
	gen, err := letters.NewGenerator(letters.Deps{
		Claims:    mem,
		Documents: mem,
		Rules:     source,
		Matcher:   rules.NewMatcher(templates),
		Renderer: render.RendererFunc(func(_ context.Context, html string) ([]byte, error) {
			return []byte("%PDF-1.4\n" + html), nil
		}),
		Files: files,
	}, letters.Options{})
	if err != nil {
		t.Fatalf("generator: %v", err)
	}
	a, err := app.New(app.Config{Queue: mem, Documents: mem, Rules: source, Generator: gen, Files: files, TemplatesDir: templates})
	if err != nil {
		t.Fatalf("app: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.New(client, "test:render", renderLimit, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}

	s, err := New(Config{
		App:           a,
		Auth:          tokenAuth{"admin": servicetoken.ScopeAdmin, "intake": servicetoken.ScopeEnqueue},
		RenderLimiter:  limiter,
		ServedDir:      served,
		MaxRenderBytes: maxRenderBytes,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return harness{srv: srv, mem: mem, templates: templates}
}

func (h harness) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, 5)
	resp := h.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestAdminRoutesRequireScope(t *testing.T) {
	h := newHarness(t, 5)
	resp := h.do(t, http.MethodGet, "/admin/letters/queue", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if body := decode[errorResponse](t, resp); body.Code != "AUTH_INVALID_TOKEN" || body.RequestID == "" {
		t.Fatalf("unexpected error body %+v", body)
	}
	resp = h.do(t, http.MethodGet, "/admin/letters/queue", "intake", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for enqueue-only token, got %d", resp.StatusCode)
	}
	resp = h.do(t, http.MethodGet, "/admin/letters/queue", "admin", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", resp.StatusCode)
	}
}

func TestEnqueueListAndRequeue(t *testing.T) {
	h := newHarness(t, 5)
	resp := h.do(t, http.MethodPost, "/internal/letters/queue", "intake", map[string]any{"claimNumber": "C26000013", "ruleIds": []string{"a", "b"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue status %d", resp.StatusCode)
	}
	entry := decode[domain.QueueEntry](t, resp)
	if entry.SelectedRuleIDs != "a,b" || entry.RequestedBy != "portal-intake" {
		t.Fatalf("unexpected entry %+v", entry)
	}

	list := decode[struct {
		Items []domain.QueueEntry `json:"items"`
		Count int                 `json:"count"`
	}](t, h.do(t, http.MethodGet, "/admin/letters/queue", "admin", nil))
	if list.Count != 1 || list.Items[0].ID != entry.ID {
		t.Fatalf("unexpected queue list %+v", list)
	}

	resp = h.do(t, http.MethodPost, "/admin/letters/queue/999/requeue", "admin", nil)
	if resp.StatusCode != http.StatusNotFound || decode[errorResponse](t, resp).Code != "LETTER_QUEUE_NOT_FOUND" {
		t.Fatalf("expected LETTER_QUEUE_NOT_FOUND, got %d", resp.StatusCode)
	}
	resp = h.do(t, http.MethodGet, "/admin/letters/queue/1/requeue", "admin", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	resp = h.do(t, http.MethodPost, "/admin/letters/queue/1/requeue", "admin", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("requeue status %d", resp.StatusCode)
	}
	if got := decode[domain.QueueEntry](t, resp); got.Status != domain.QueuePending || got.Tries != 0 {
		t.Fatalf("unexpected requeued entry %+v", got)
	}
}

func TestClaimSavedHook(t *testing.T) {
	h := newHarness(t, 5)
	resp := h.do(t, http.MethodPost, "/internal/claims/C1/saved", "intake", map[string]any{"created": true, "subClaimCount": 1})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	resp = h.do(t, http.MethodPost, "/internal/claims/C1/saved", "intake", map[string]any{"featuresAdded": 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", resp.StatusCode)
	}
	if got := decode[map[string]any](t, resp); got["enqueued"] != false {
		t.Fatalf("expected enqueued=false, got %v", got)
	}
}

func TestRenderRateLimitAndDownload(t *testing.T) {
	h := newHarness(t, 1)
	body := map[string]any{"claimNumber": "C1", "html": "<p>Dear Casey</p>", "templateName": "Hold.html"}
	resp := h.do(t, http.MethodPost, "/letters/render", "admin", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("render status %d", resp.StatusCode)
	}
	res := decode[app.ManualResult](t, resp)
	if !strings.HasPrefix(res.URL, "/generated/Hold_C1_") || res.Document.GenerationType != domain.GenerationManual {
		t.Fatalf("unexpected render result %+v", res)
	}

	resp = h.do(t, http.MethodPost, "/letters/render", "admin", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if decode[errorResponse](t, resp).Code != "LETTER_RATE_LIMITED" {
		t.Fatalf("expected LETTER_RATE_LIMITED")
	}

	dl := h.do(t, http.MethodGet, res.URL, "", nil)
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("download status %d", dl.StatusCode)
	}
	if dl.Header.Get("X-Frame-Options") != "SAMEORIGIN" {
		t.Fatalf("expected SAMEORIGIN framing for downloads")
	}
	if listing := h.do(t, http.MethodGet, "/generated/", "", nil); listing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected directory listing to be hidden, got %d", listing.StatusCode)
	}
}

func TestRenderRejectsEmptyHTML(t *testing.T) {
	h := newHarness(t, 5)
	resp := h.do(t, http.MethodPost, "/letters/render", "admin", map[string]any{"claimNumber": "C1", "html": " "})
	if resp.StatusCode != http.StatusBadRequest || decode[errorResponse](t, resp).Code != "LETTER_INVALID_REQUEST" {
		t.Fatalf("expected LETTER_INVALID_REQUEST, got %d", resp.StatusCode)
	}
}

func TestRulesAndTemplateFields(t *testing.T) {
	h := newHarness(t, 5)
	if err := os.WriteFile(filepath.Join(h.templates, "Ack.html"), []byte("{{ClaimNumber}} {InsuredName}"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	resp := h.do(t, http.MethodPut, "/admin/letters/rules/r1", "admin", map[string]any{
		"coverage": "BI", "claimant": "Driver", "documentName": "Ack", "templateFile": "Ack.html", "isActive": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put rule status %d", resp.StatusCode)
	}
	if got := decode[domain.Rule](t, resp); got.ID != "r1" || got.UpdatedBy != "portal-admin" {
		t.Fatalf("unexpected rule %+v", got)
	}
	resp = h.do(t, http.MethodGet, "/letters/templates/Ack.html/fields", "admin", nil)
	fields := decode[struct {
		Fields []string `json:"fields"`
	}](t, resp)
	if len(fields.Fields) != 2 || fields.Fields[0] != "ClaimNumber" {
		t.Fatalf("unexpected fields %+v", fields)
	}
	resp = h.do(t, http.MethodGet, "/letters/templates/Nope.html/fields", "admin", nil)
	if resp.StatusCode != http.StatusNotFound || decode[errorResponse](t, resp).Code != "LETTER_TEMPLATE_NOT_FOUND" {
		t.Fatalf("expected LETTER_TEMPLATE_NOT_FOUND, got %d", resp.StatusCode)
	}
	resp = h.do(t, http.MethodDelete, "/admin/letters/rules/r1", "admin", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", resp.StatusCode)
	}
	resp = h.do(t, http.MethodDelete, "/admin/letters/rules/r1", "admin", nil)
	if resp.StatusCode != http.StatusNotFound || decode[errorResponse](t, resp).Code != "LETTER_RULE_NOT_FOUND" {
		t.Fatalf("expected LETTER_RULE_NOT_FOUND, got %d", resp.StatusCode)
	}
}

func TestRenderAcceptsLargeBodyUpToLimit(t *testing.T) {
	h := newHarnessWithBodyLimit(t, 5, 3<<19)
	large := "<p>" + strings.Repeat("a", 5<<18) + "</p>"
	resp := h.do(t, http.MethodPost, "/letters/render", "admin", map[string]any{"claimNumber": "C1", "html": large})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected render above the default body limit to succeed, got %d", resp.StatusCode)
	}

	oversized := "<p>" + strings.Repeat("a", 2<<20) + "</p>"
	resp = h.do(t, http.MethodPost, "/letters/render", "admin", map[string]any{"claimNumber": "C1", "html": oversized})
	if resp.StatusCode != http.StatusRequestEntityTooLarge || decode[errorResponse](t, resp).Code != "LETTER_BODY_TOO_LARGE" {
		t.Fatalf("expected LETTER_BODY_TOO_LARGE, got %d", resp.StatusCode)
	}
}

func TestRuleBodiesKeepDefaultLimit(t *testing.T) {
	h := newHarness(t, 5)
	resp := h.do(t, http.MethodPost, "/admin/letters/rules", "admin", map[string]any{
		"coverage": "BI", "claimant": "Driver", "documentName": "Ack", "notes": strings.Repeat("n", 2<<20),
	})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized rule body, got %d", resp.StatusCode)
	}
}

func TestRuleActiveFlagOverAPI(t *testing.T) {
	h := newHarness(t, 5)
	resp := h.do(t, http.MethodPost, "/admin/letters/rules", "admin", map[string]any{
		"coverage": "PD", "claimant": "Driver", "documentName": "Ack",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create rule status %d", resp.StatusCode)
	}
	created := decode[domain.Rule](t, resp)
	if !created.IsActive {
		t.Fatalf("rule created without isActive should be active: %+v", created)
	}

	resp = h.do(t, http.MethodPut, "/admin/letters/rules/"+created.ID, "admin", map[string]any{
		"coverage": "PD", "claimant": "Driver", "documentName": "Ack", "isActive": false,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deactivate status %d", resp.StatusCode)
	}
	if got := decode[domain.Rule](t, resp); got.IsActive || !got.CreatedAt.Equal(created.CreatedAt) || got.CreatedBy != "portal-admin" {
		t.Fatalf("unexpected deactivated rule %+v", got)
	}

	list := decode[struct {
		Items []domain.Rule `json:"items"`
	}](t, h.do(t, http.MethodGet, "/admin/letters/rules", "admin", nil))
	if len(list.Items) != 1 || list.Items[0].IsActive {
		t.Fatalf("expected stored rule to be inactive, got %+v", list.Items)
	}
}

func TestDocumentsRequireClaimNumber(t *testing.T) {
	h := newHarness(t, 5)
	resp := h.do(t, http.MethodGet, "/letters/documents", "admin", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp = h.do(t, http.MethodGet, "/letters/documents?claimNumber=C1", "admin", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
