package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"medigate/internal/domain"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "medigate"
	clientVersion   = "1.0.0"

	sessionHeader   = "Mcp-Session-Id"
	maxResponseBody = 10 * 1024 * 1024 // 10 MB
	retryDelay      = time.Second
)

// Session is the state needed to continue a protocol conversation with one
// backend. ID may be empty: some backends complete the handshake without
// assigning a session identifier (degraded mode).
type Session struct {
	Backend string
	ID      string
}

// Client speaks streamable-HTTP JSON-RPC to a single backend. A session is
// cached per process and re-created after the backend is deemed unreachable;
// session mutation is serialized by the client's mutex so concurrent queries
// never race to re-initialize.
type Client struct {
	backend domain.Backend
	http    *http.Client
	logger  *slog.Logger

	// requestID is atomic so request numbering never touches mu: post runs
	// both with and without the session mutex held (initialize vs call).
	requestID atomic.Int64

	mu      sync.Mutex
	session *Session
}

// NewClient creates a client for one configured backend.
func NewClient(backend domain.Backend, logger *slog.Logger) *Client {
	return &Client{
		backend: backend,
		http:    newHTTPClient(backend.Timeout),
		logger:  logger,
	}
}

// newHTTPClient builds an *http.Client with a pooled transport and timeouts
// bounded by the backend's configured per-attempt timeout.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   30,
			IdleConnTimeout:       90 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: timeout,
	}
}

// Backend returns the descriptor this client was built from.
func (c *Client) Backend() domain.Backend { return c.backend }

// Session returns the cached session, initializing one if needed.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}
	return c.initializeLocked(ctx)
}

// Initialize forces a fresh handshake, replacing any cached session.
func (c *Client) Initialize(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
	return c.initializeLocked(ctx)
}

// Invalidate drops the cached session so the next call re-initializes.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

// initializeLocked performs the two-step handshake: an initialize request
// capturing the session identifier from the response header or the first
// decoded frame, then a fire-and-forget initialized notification. Callers
// hold c.mu.
func (c *Client) initializeLocked(ctx context.Context) (*Session, error) {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
		"capabilities": map[string]any{},
	}

	replies, header, err := c.post(ctx, "initialize", params, "")
	if err != nil {
		return nil, domain.NewDomainError("Session.Initialize", domain.ErrHandshake,
			fmt.Sprintf("backend %s: %v", c.backend.Name, err))
	}

	sessionID := header.Get(sessionHeader)
	if sessionID == "" {
		sessionID = sessionIDFromReplies(replies)
	}
	if _, err := FirstPayload(c.backend.Name, replies); err != nil {
		return nil, domain.NewDomainError("Session.Initialize", domain.ErrHandshake, err.Error())
	}

	session := &Session{Backend: c.backend.Name, ID: sessionID}

	// The notification is best-effort: a failure is logged, not fatal.
	if err := c.notify(ctx, "notifications/initialized", map[string]any{}, session.ID); err != nil {
		c.logger.Warn("initialized notification failed", "backend", c.backend.Name, "error", err)
	}

	if session.ID == "" {
		c.logger.Debug("backend assigned no session id, continuing without one",
			"backend", c.backend.Name)
	}

	c.session = session
	c.logger.Info("mcp session initialized", "backend", c.backend.Name, "has_session_id", session.ID != "")
	return session, nil
}

// sessionIDFromReplies looks for an inline session identifier in the first
// frame's result, for backends that embed it instead of using the header.
func sessionIDFromReplies(replies []Reply) string {
	if len(replies) == 0 {
		return ""
	}
	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(replies[0].Result, &result); err != nil {
		return ""
	}
	return result.SessionID
}

// CallTool invokes a named tool with retry per the backend's policy.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	return c.callWithRetry(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
}

// ReadResource fetches a resource by URI with retry per the backend's policy.
func (c *Client) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	return c.callWithRetry(ctx, "resources/read", map[string]any{"uri": uri})
}

// callWithRetry runs an RPC up to the backend's configured attempt count.
// Protocol errors from the backend are not retried; transport failures are,
// and invalidate the cached session first.
func (c *Client) callWithRetry(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if !c.backend.Enabled {
		return nil, domain.NewDomainError("Client.call", domain.ErrBackendDisabled, c.backend.Name)
	}

	attempts := c.backend.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := c.call(ctx, method, params)
		if err == nil {
			return result, nil
		}
		var pe *domain.ProtocolError
		if errors.As(err, &pe) {
			return nil, err
		}
		lastErr = err
		c.Invalidate()

		if attempt < attempts {
			c.logger.Warn("backend call failed, retrying",
				"backend", c.backend.Name,
				"method", method,
				"attempt", attempt,
				"error", err,
			)
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (c *Client) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	session, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}

	replies, header, err := c.post(ctx, method, params, session.ID)
	if err != nil {
		return nil, err
	}
	c.adoptSessionID(header)

	return FirstPayload(c.backend.Name, replies)
}

// adoptSessionID refreshes the cached session identifier when a response
// carries one, matching backends that rotate ids mid-conversation.
func (c *Client) adoptSessionID(header http.Header) {
	id := header.Get(sessionHeader)
	if id == "" {
		return
	}
	c.mu.Lock()
	if c.session != nil && c.session.ID != id {
		c.session.ID = id
	}
	c.mu.Unlock()
}

// post sends one JSON-RPC request and parses the reply frames.
func (c *Client) post(ctx context.Context, method string, params map[string]any, sessionID string) ([]Reply, http.Header, error) {
	id := c.requestID.Add(1)

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      id,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, respBody, err := c.doPost(ctx, body, sessionID)
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("backend %s returned status %d: %s",
			c.backend.Name, resp.StatusCode, truncate(respBody, 512))
	}

	replies, err := ParseResponse(c.backend.Name, resp.Header.Get("Content-Type"), respBody, c.logger)
	if err != nil {
		return nil, nil, err
	}
	return replies, resp.Header, nil
}

// notify sends a fire-and-forget notification (no id, no reply expected).
func (c *Client) notify(ctx context.Context, method string, params map[string]any, sessionID string) error {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	resp, respBody, err := c.doPost(ctx, body, sessionID)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}
	return nil
}

func (c *Client) doPost(ctx context.Context, body []byte, sessionID string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.backend.URL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	if c.backend.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.backend.BearerToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
