// Package api is the JSON client for the CRM backend consumed by the call
// pipeline: recordings, call logs, lead mutations and lead search.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const HeaderIdempotencyKey = "Idempotency-Key"

// TokenSource supplies bearer credentials. Invalidate is called with a token
// the server rejected so the next CurrentToken call refreshes it.
type TokenSource interface {
	CurrentToken(ctx context.Context) (string, error)
	Invalidate(token string)
}

type Config struct {
	// BaseURL is the backend root (e.g. "https://crm.example.com").
	BaseURL string

	// Tokens is required for every authenticated endpoint.
	Tokens TokenSource

	// HTTPClient is optional. If nil, a client with Timeout is used.
	HTTPClient *http.Client

	// Timeout defaults to 30 seconds.
	Timeout time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("api: BaseURL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		tokens:  cfg.Tokens,
		client:  httpClient,
	}, nil
}

// SetTokenSource attaches the credential provider after construction; the
// provider itself needs a client for login and refresh.
func (c *Client) SetTokenSource(tokens TokenSource) { c.tokens = tokens }

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

func (c *Client) Login(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	var resp TokenPair
	if err := c.send(ctx, http.MethodPost, "/api/auth/login", req, "", false, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	var resp TokenPair
	if err := c.send(ctx, http.MethodPost, "/api/auth/refresh", RefreshRequest{RefreshToken: refreshToken}, "", false, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Recordings
// ---------------------------------------------------------------------------

// InitRecording registers recording metadata and returns where to PUT the audio.
func (c *Client) InitRecording(ctx context.Context, req InitRecordingRequest) (*RecordingInit, error) {
	var resp RecordingInit
	if err := c.post(ctx, "/api/recordings/init", req, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadRecording PUTs raw audio to the URL returned by InitRecording.
// Relative URLs are resolved against BaseURL. The URL is pre-authorized, so
// no bearer token is attached.
func (c *Client) UploadRecording(ctx context.Context, uploadURL, contentType string, body io.Reader, size int64) (*UploadResult, error) {
	target := uploadURL
	if strings.HasPrefix(target, "/") {
		target = c.baseURL + target
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, body)
	if err != nil {
		return nil, fmt.Errorf("api: create request: %w", err)
	}
	req.ContentLength = size
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out UploadResult
	if err := handleResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CompleteRecording(ctx context.Context, id int64, req CompleteRecordingRequest) error {
	if req.Status == "" {
		req.Status = RecordingStatusUploaded
	}
	return c.post(ctx, "/api/recordings/"+strconv.FormatInt(id, 10)+"/complete", req, "", nil)
}

// ---------------------------------------------------------------------------
// Call logs
// ---------------------------------------------------------------------------

func (c *Client) SyncCallLog(ctx context.Context, req CallLogRequest) (*CallLogResponse, error) {
	var resp CallLogResponse
	if err := c.post(ctx, "/api/call-logs", req, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Leads
// ---------------------------------------------------------------------------

func (c *Client) SearchLeads(ctx context.Context, query string) ([]Lead, error) {
	params := url.Values{}
	params.Set("search", query)
	var resp []Lead
	if err := c.send(ctx, http.MethodGet, "/api/leads?"+params.Encode(), nil, "", true, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) AddNote(ctx context.Context, leadID int64, req NoteRequest) error {
	return c.post(ctx, leadPath(leadID, "notes"), req, req.IdempotencyKey, nil)
}

func (c *Client) UpdateStatus(ctx context.Context, leadID int64, req StatusRequest) error {
	return c.post(ctx, leadPath(leadID, "status"), req, req.IdempotencyKey, nil)
}

func (c *Client) AddFollowup(ctx context.Context, leadID int64, req FollowupRequest) error {
	return c.post(ctx, leadPath(leadID, "followups"), req, req.IdempotencyKey, nil)
}

func leadPath(id int64, sub string) string {
	return "/api/leads/" + strconv.FormatInt(id, 10) + "/" + sub
}

// ---------------------------------------------------------------------------
// HTTP plumbing
// ---------------------------------------------------------------------------

func (c *Client) post(ctx context.Context, path string, body any, idemKey string, dest any) error {
	return c.send(ctx, http.MethodPost, path, body, idemKey, true, dest)
}

// send performs one request. Authenticated requests rejected with 401 are
// retried once after invalidating the token.
func (c *Client) send(ctx context.Context, method, path string, body any, idemKey string, authed bool, dest any) error {
	var encoded []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal request body: %w", err)
		}
		encoded = b
	}

	attempts := 1
	if authed {
		attempts = 2
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("api: create request: %w", err)
		}
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if idemKey != "" {
			req.Header.Set(HeaderIdempotencyKey, idemKey)
		}

		var token string
		if authed {
			if c.tokens == nil {
				return fmt.Errorf("api: no token source configured")
			}
			token, err = c.tokens.CurrentToken(ctx)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		lastErr = c.do(req, dest)
		if authed && IsUnauthorized(lastErr) {
			c.tokens.Invalidate(token)
			continue
		}
		return lastErr
	}
	return lastErr
}

func (c *Client) do(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil || len(bodyBytes) == 0 {
		return nil
	}

	// Unwrap the { "data": ... } envelope when present.
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(bodyBytes, &envelope); err == nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		if err := json.Unmarshal(envelope.Data, dest); err != nil {
			return fmt.Errorf("api: decode response: %w", err)
		}
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
