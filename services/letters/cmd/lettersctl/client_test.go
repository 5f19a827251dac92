package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"

	"claimsportal/internal/servicetoken"
	"claimsportal/pkg/domain"
)

type fakeTokens struct {
	mu     sync.Mutex
	scopes []string
}

func (f *fakeTokens) Sign(audience string, scopes ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scopes = append(f.scopes, strings.Join(scopes, " "))
	return "tok-" + audience, nil
}

func (f *fakeTokens) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.scopes) == 0 {
		return ""
	}
	return f.scopes[len(f.scopes)-1]
}

func runCtl(t *testing.T, srv *httptest.Server, tokens TokenSource, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	root := newRootCmd(&globalOptions{tokens: tokens})

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := root.Execute()
	return out.String(), err
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestQueueListPrintsEntries(t *testing.T) {
	created := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/letters/queue" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-letters" {
			t.Errorf("unexpected authorization %q", got)
		}
		writeJSONResponse(w, http.StatusOK, map[string]any{
			"items": []domain.QueueEntry{
				{ID: 7, ClaimNumber: "C26000013", Status: domain.QueueFailed, Tries: 5, CreatedAt: created, LastError: "chrome crashed"},
				{ID: 6, ClaimNumber: "C26000012", Status: domain.QueueCompleted, Tries: 1, CreatedAt: created},
			},
			"count": 2,
		})
	}))
	defer srv.Close()

	tokens := &fakeTokens{}
	out, err := runCtl(t, srv, tokens, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	for _, want := range []string{"C26000013", "Failed", "chrome crashed", "C26000012", "Completed"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if tokens.last() != servicetoken.ScopeAdmin {
		t.Fatalf("expected admin scope, got %q", tokens.last())
	}

	out, err = runCtl(t, srv, tokens, "queue", "list", "--status", "failed", "--json")
	if err != nil {
		t.Fatalf("queue list json: %v", err)
	}
	var entries []domain.QueueEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode json output: %v\n%s", err, out)
	}
	if len(entries) != 1 || entries[0].ID != 7 {
		t.Fatalf("expected only the failed entry, got %+v", entries)
	}
}

func TestQueueRequeueAndEnqueue(t *testing.T) {
	var enqueued map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/admin/letters/queue/42/requeue":
			writeJSONResponse(w, http.StatusOK, domain.QueueEntry{ID: 42, ClaimNumber: "C1", Status: domain.QueuePending})
		case r.Method == http.MethodPost && r.URL.Path == "/internal/letters/queue":
			if err := json.NewDecoder(r.Body).Decode(&enqueued); err != nil {
				t.Errorf("decode enqueue body: %v", err)
			}
			writeJSONResponse(w, http.StatusCreated, domain.QueueEntry{ID: 43, ClaimNumber: "C2", Status: domain.QueuePending})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tokens := &fakeTokens{}
	out, err := runCtl(t, srv, tokens, "queue", "requeue", "42")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if !strings.Contains(out, "Requeued entry 42 for claim C1 (Pending)") {
		t.Fatalf("unexpected requeue output %q", out)
	}

	out, err = runCtl(t, srv, tokens, "queue", "enqueue", "C2", "--rules", "r1,r2")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !strings.Contains(out, "Queued entry 43 for claim C2 (rules r1,r2)") {
		t.Fatalf("unexpected enqueue output %q", out)
	}
	if tokens.last() != servicetoken.ScopeEnqueue {
		t.Fatalf("expected enqueue scope, got %q", tokens.last())
	}
	ids, _ := enqueued["ruleIds"].([]any)
	if enqueued["claimNumber"] != "C2" || len(ids) != 2 {
		t.Fatalf("unexpected enqueue body %+v", enqueued)
	}

	if _, err := runCtl(t, srv, tokens, "queue", "requeue", "abc"); err == nil {
		t.Fatalf("expected invalid id error")
	}
}

func TestAPIErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusNotFound, map[string]string{
			"error":     "queue entry not found",
			"code":      "LETTER_QUEUE_NOT_FOUND",
			"requestId": "req-1",
		})
	}))
	defer srv.Close()

	_, err := runCtl(t, srv, &fakeTokens{}, "queue", "requeue", "9")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "LETTER_QUEUE_NOT_FOUND" || apiErr.RequestID != "req-1" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestRulesFilesAndDocumentsList(t *testing.T) {
	modified := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/admin/letters/rules":
			writeJSONResponse(w, http.StatusOK, map[string]any{"items": []domain.Rule{
				{ID: "r1", Coverage: "PD", ClaimantRole: domain.RoleThirdParty, DocumentName: "Acknowledgement", Priority: 10, IsActive: true},
			}})
		case "/letters/files":
			writeJSONResponse(w, http.StatusOK, map[string]any{"items": []map[string]any{
				{"name": "Ack_C1_20260501090000.pdf", "url": "https://portal.example.com/generated/Ack_C1_20260501090000.pdf", "size": 2048, "lastModified": modified},
			}})
		case "/letters/documents":
			if r.URL.Query().Get("claimNumber") != "C 1" {
				t.Errorf("unexpected claim query %q", r.URL.RawQuery)
			}
			writeJSONResponse(w, http.StatusOK, map[string]any{"items": []domain.GeneratedDocument{
				{DocumentNumber: "LTR-01", FileName: "Ack.pdf", GenerationType: domain.GenerationQueued, PageCount: 2, CreatedAt: modified},
			}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tokens := &fakeTokens{}
	out, err := runCtl(t, srv, tokens, "rules", "list")
	if err != nil || !strings.Contains(out, "Acknowledgement") || !strings.Contains(out, string(domain.RoleThirdParty)) {
		t.Fatalf("rules list: err=%v out=%s", err, out)
	}
	out, err = runCtl(t, srv, tokens, "files", "list")
	if err != nil || !strings.Contains(out, "Ack_C1_20260501090000.pdf") || !strings.Contains(out, "2048") {
		t.Fatalf("files list: err=%v out=%s", err, out)
	}
	out, err = runCtl(t, srv, tokens, "documents", "list", "C 1")
	if err != nil || !strings.Contains(out, "LTR-01") {
		t.Fatalf("documents list: err=%v out=%s", err, out)
	}
}

func TestNewClientRequiresServer(t *testing.T) {
	if _, err := newClient("  ", "letters", &fakeTokens{}); err == nil {
		t.Fatalf("expected error for empty server url")
	}
	if _, err := newClient("http://localhost:8080", "letters", nil); err == nil {
		t.Fatalf("expected error for missing token source")
	}
}
