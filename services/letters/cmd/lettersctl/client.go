package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"claimsportal/internal/servicetoken"
	"claimsportal/pkg/domain"
	"claimsportal/services/letters/internal/app"
)

// TokenSource mints bearer tokens for the letters service.
type TokenSource interface {
	Sign(audience string, scopes ...string) (string, error)
}

// APIError is a non-2xx response from the letters service.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("letters api %d", e.Status)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	return msg
}

type client struct {
	baseURL  string
	audience string
	tokens   TokenSource
	http     *http.Client
}

func newClient(baseURL, audience string, tokens TokenSource) (*client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("server url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if tokens == nil {
		return nil, errors.New("token source is required")
	}
	return &client{
		baseURL:  baseURL,
		audience: audience,
		tokens:   tokens,
		http:     &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func (c *client) ListQueue(ctx context.Context) ([]domain.QueueEntry, error) {
	var out listResponse[domain.QueueEntry]
	err := c.do(ctx, http.MethodGet, "/admin/letters/queue", servicetoken.ScopeAdmin, nil, &out)
	return out.Items, err
}

func (c *client) Requeue(ctx context.Context, id int64) (domain.QueueEntry, error) {
	var out domain.QueueEntry
	err := c.do(ctx, http.MethodPost, "/admin/letters/queue/"+strconv.FormatInt(id, 10)+"/requeue", servicetoken.ScopeAdmin, nil, &out)
	return out, err
}

func (c *client) Enqueue(ctx context.Context, req app.EnqueueRequest) (domain.QueueEntry, error) {
	var out domain.QueueEntry
	err := c.do(ctx, http.MethodPost, "/internal/letters/queue", servicetoken.ScopeEnqueue, req, &out)
	return out, err
}

func (c *client) ListRules(ctx context.Context) ([]domain.Rule, error) {
	var out listResponse[domain.Rule]
	err := c.do(ctx, http.MethodGet, "/admin/letters/rules", servicetoken.ScopeAdmin, nil, &out)
	return out.Items, err
}

func (c *client) ListFiles(ctx context.Context) ([]app.FileEntry, error) {
	var out listResponse[app.FileEntry]
	err := c.do(ctx, http.MethodGet, "/letters/files", servicetoken.ScopeAdmin, nil, &out)
	return out.Items, err
}

func (c *client) ListDocuments(ctx context.Context, claimNumber string) ([]domain.GeneratedDocument, error) {
	var out listResponse[domain.GeneratedDocument]
	path := "/letters/documents?claimNumber=" + url.QueryEscape(claimNumber)
	err := c.do(ctx, http.MethodGet, path, servicetoken.ScopeAdmin, nil, &out)
	return out.Items, err
}

func (c *client) do(ctx context.Context, method, path, scope string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	token, err := c.tokens.Sign(c.audience, scope)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error     string `json:"error"`
			Code      string `json:"code"`
			RequestID string `json:"requestId"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Error
			apiErr.RequestID = payload.RequestID
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
