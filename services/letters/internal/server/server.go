package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"claimsportal/internal/ratelimit"
	"claimsportal/internal/servicetoken"
	"claimsportal/internal/util"
	"claimsportal/pkg/letters"
	"claimsportal/services/letters/internal/app"
)

const (
	// DefaultMaxRenderBytes bounds a manual render request body.
	DefaultMaxRenderBytes = 5 << 20
	defaultMaxBodyBytes   = 1 << 20
)

// Authorizer checks the caller's service token for a scope.
type Authorizer interface {
	Authorize(r *http.Request, scope string) (servicetoken.Claims, error)
}

// RateLimiter throttles manual renders per client.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	Auth          Authorizer
	RenderLimiter RateLimiter
	// TrustedProxies may forward X-Forwarded-For; nil trusts none.
	TrustedProxies *util.ProxyList
	CORSOrigins    []string
	// ServedDir is exposed read-only under /generated/.
	ServedDir      string
	MaxRenderBytes int64
}

// Server exposes HTTP endpoints for the letters service.
type Server struct {
	app            *app.App
	auth           Authorizer
	limiter        RateLimiter
	proxies        *util.ProxyList
	corsOrigins    []string
	servedDir      string
	maxRenderBytes int64
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("server: authorizer is required")
	}
	if cfg.RenderLimiter == nil {
		return nil, errors.New("server: render rate limiter is required")
	}
	if strings.TrimSpace(cfg.ServedDir) == "" {
		return nil, errors.New("server: served dir is required")
	}
	maxRenderBytes := cfg.MaxRenderBytes
	if maxRenderBytes <= 0 {
		maxRenderBytes = DefaultMaxRenderBytes
	}
	s := &Server{
		app:            cfg.App,
		auth:           cfg.Auth,
		limiter:        cfg.RenderLimiter,
		proxies:        cfg.TrustedProxies,
		corsOrigins:    cfg.CORSOrigins,
		servedDir:      cfg.ServedDir,
		maxRenderBytes: maxRenderBytes,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("letters",
		util.WithSecurityHeaders(app.DownloadPrefix, util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle(app.DownloadPrefix, s.downloads())

	// administration
	s.mux.Handle("/admin/letters/queue", s.withScope(servicetoken.ScopeAdmin, s.handleQueue))
	s.mux.Handle("/admin/letters/queue/", s.withScope(servicetoken.ScopeAdmin, s.handleQueueByID))
	s.mux.Handle("/admin/letters/rules", s.withScope(servicetoken.ScopeAdmin, s.handleRules))
	s.mux.Handle("/admin/letters/rules/", s.withScope(servicetoken.ScopeAdmin, s.handleRuleByID))

	// letters
	s.mux.Handle("/letters/files", s.withScope(servicetoken.ScopeAdmin, s.handleFiles))
	s.mux.Handle("/letters/render", s.withScope(servicetoken.ScopeAdmin, s.handleRender))
	s.mux.Handle("/letters/templates/", s.withScope(servicetoken.ScopeAdmin, s.handleTemplateFields))
	s.mux.Handle("/letters/documents", s.withScope(servicetoken.ScopeAdmin, s.handleDocuments))

	// producers
	s.mux.Handle("/internal/letters/queue", s.withScope(servicetoken.ScopeEnqueue, s.handleEnqueue))
	s.mux.Handle("/internal/claims/", s.withScope(servicetoken.ScopeEnqueue, s.handleClaimSaved))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type scopedHandler func(http.ResponseWriter, *http.Request, servicetoken.Claims)

func (s *Server) withScope(scope string, next scopedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.auth.Authorize(r, scope)
		if err != nil {
			if errors.Is(err, servicetoken.ErrForbidden) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			util.LoggerFromContext(r.Context()).Debug("service token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, claims)
	})
}

// downloads serves generated letters without directory listings.
func (s *Server) downloads() http.Handler {
	files := http.StripPrefix(strings.TrimSuffix(app.DownloadPrefix, "/"), http.FileServer(http.Dir(s.servedDir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			methodNotAllowed(w)
			return
		}
		name := strings.TrimPrefix(r.URL.Path, app.DownloadPrefix)
		if name == "" || strings.HasSuffix(name, "/") || strings.HasPrefix(name, ".") {
			notFound(w, "not found")
			return
		}
		files.ServeHTTP(w, r)
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request, _ servicetoken.Claims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	entries, err := s.app.ListQueue(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": entries,
		"count": len(entries),
	})
}

// /admin/letters/queue/{id} or /admin/letters/queue/{id}/requeue
func (s *Server) handleQueueByID(w http.ResponseWriter, r *http.Request, _ servicetoken.Claims) {
	path := strings.TrimPrefix(r.URL.Path, "/admin/letters/queue/")
	parts := strings.Split(path, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		notFound(w, "queue entry not found")
		return
	}
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		entry, err := s.app.GetQueueEntry(r.Context(), id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case len(parts) == 2 && parts[1] == "requeue":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		entry, err := s.app.Requeue(r.Context(), id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		util.LoggerFromContext(r.Context()).Info("letter entry requeued", "queue_id", id)
		writeJSON(w, http.StatusOK, entry)
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request, claims servicetoken.Claims) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.app.ListRules(r.Context())
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": list,
			"count": len(list),
		})
	case http.MethodPost:
		var rule app.RuleInput
		if !decodeJSON(w, r, &rule, defaultMaxBodyBytes) {
			return
		}
		rule.ID = ""
		saved, err := s.app.SaveRule(r.Context(), rule, claims.Subject)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	default:
		methodNotAllowed(w)
	}
}

// /admin/letters/rules/{id}
func (s *Server) handleRuleByID(w http.ResponseWriter, r *http.Request, claims servicetoken.Claims) {
	id := strings.TrimPrefix(r.URL.Path, "/admin/letters/rules/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodPut:
		var rule app.RuleInput
		if !decodeJSON(w, r, &rule, defaultMaxBodyBytes) {
			return
		}
		rule.ID = id
		saved, err := s.app.SaveRule(r.Context(), rule, claims.Subject)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	case http.MethodDelete:
		if err := s.app.DeleteRule(r.Context(), id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, _ servicetoken.Claims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	files, err := s.app.ListFiles(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": files,
		"count": len(files),
	})
}

type renderRequest struct {
	ClaimNumber    string `json:"claimNumber"`
	HTML           string `json:"html"`
	TemplateName   string `json:"templateName"`
	DocumentNumber string `json:"documentNumber"`
	RuleID         string `json:"ruleId"`
	MailTo         string `json:"mailTo"`
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request, claims servicetoken.Claims) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	decision, err := s.limiter.Allow(r.Context(), util.ClientIP(r, s.proxies))
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("render rate limiter unavailable", "err", err)
		writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
		return
	}
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	var req renderRequest
	if !decodeJSON(w, r, &req, s.maxRenderBytes) {
		return
	}
	res, err := s.app.RenderManual(r.Context(), letters.ManualRequest{
		ClaimNumber:    req.ClaimNumber,
		HTML:           req.HTML,
		TemplateName:   req.TemplateName,
		DocumentNumber: req.DocumentNumber,
		RuleID:         req.RuleID,
		MailTo:         req.MailTo,
		CreatedBy:      claims.Subject,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// /letters/templates/{name}/fields
func (s *Server) handleTemplateFields(w http.ResponseWriter, r *http.Request, _ servicetoken.Claims) {
	path := strings.TrimPrefix(r.URL.Path, "/letters/templates/")
	name, action, ok := strings.Cut(path, "/")
	if !ok || action != "fields" || name == "" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	fields, err := s.app.TemplateFields(r.Context(), name)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"template": name,
		"fields":   fields,
	})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, _ servicetoken.Claims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	docs, err := s.app.ListDocuments(r.Context(), r.URL.Query().Get("claimNumber"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": docs,
		"count": len(docs),
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, claims servicetoken.Claims) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req app.EnqueueRequest
	if !decodeJSON(w, r, &req, defaultMaxBodyBytes) {
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = claims.Subject
	}
	entry, err := s.app.Enqueue(r.Context(), req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// /internal/claims/{claimNumber}/saved
func (s *Server) handleClaimSaved(w http.ResponseWriter, r *http.Request, claims servicetoken.Claims) {
	path := strings.TrimPrefix(r.URL.Path, "/internal/claims/")
	claimNumber, action, ok := strings.Cut(path, "/")
	if !ok || action != "saved" || claimNumber == "" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var change app.ClaimChange
	if !decodeJSON(w, r, &change, defaultMaxBodyBytes) {
		return
	}
	change.ClaimNumber = claimNumber
	if change.RequestedBy == "" {
		change.RequestedBy = claims.Subject
	}
	entry, enqueued, err := s.app.ClaimSaved(r.Context(), change)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if !enqueued {
		writeJSON(w, http.StatusOK, map[string]any{"enqueued": false})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"enqueued": true, "entry": entry})
}

// decodeJSON reads at most limit bytes of r's body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, limit int64) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrQueueEntryNotFound):
		notFound(w, "queue entry not found")
	case errors.Is(err, app.ErrRuleNotFound):
		notFound(w, "rule not found")
	case errors.Is(err, app.ErrTemplateNotFound):
		notFound(w, "template not found")
	case errors.Is(err, app.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrRendererUnavailable):
		writeError(w, http.StatusServiceUnavailable, "pdf renderer unavailable")
	default:
		util.LoggerFromContext(r.Context()).Error("letters request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForLetters(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

func errorCodeForLetters(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "AUTH_FORBIDDEN"
	case message == "queue entry not found":
		return "LETTER_QUEUE_NOT_FOUND"
	case message == "rule not found":
		return "LETTER_RULE_NOT_FOUND"
	case message == "template not found":
		return "LETTER_TEMPLATE_NOT_FOUND"
	case message == "too many requests":
		return "LETTER_RATE_LIMITED"
	case message == "pdf renderer unavailable":
		return "LETTER_RENDERER_UNAVAILABLE"
	case message == "request body too large":
		return "LETTER_BODY_TOO_LARGE"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "LETTER_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "AUTH_FORBIDDEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusTooManyRequests:
		return "LETTER_RATE_LIMITED"
	default:
		return "SYSTEM_INTERNAL_ERROR"
	}
}
