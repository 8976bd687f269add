// Package cmsapi is the console's client for the CMS REST backend. Every
// authenticated call goes through Do, which attaches the stored access token
// and recovers from a single 401 by reissuing the token pair.
package cmsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/al-bashkir/cms-console/internal/auth"
	"github.com/al-bashkir/cms-console/internal/logsanitize"
	"github.com/al-bashkir/cms-console/internal/tokenstore"
)

const (
	// RequestIDHeader correlates an outbound call and its replay.
	RequestIDHeader = "X-Request-ID"

	maxBodySize = 1 << 20 // 1 MiB
)

// Options configures a Client.
type Options struct {
	// BaseURL is the backend base URL including the API prefix.
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	RolePrefix string
}

// Client talks to the CMS backend on behalf of the console's single session.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      tokenstore.Store
	rolePrefix string

	reissue singleflight.Group

	mu        sync.RWMutex
	onExpired func(ctx context.Context)
}

// New creates a backend client that reads and writes tokens through store.
func New(opts Options, store tokenstore.Store) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	prefix := opts.RolePrefix
	if prefix == "" {
		prefix = auth.DefaultRolePrefix
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: hc,
		store:      store,
		rolePrefix: prefix,
	}
}

// OnSessionExpired registers the handler called when a 401 cannot be recovered.
func (c *Client) OnSessionExpired(fn func(ctx context.Context)) {
	c.mu.Lock()
	c.onExpired = fn
	c.mu.Unlock()
}

// URL resolves a backend path against the base URL.
func (c *Client) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// attempt is one logical call through the pipeline.
type attempt struct {
	req     *http.Request
	token   string // access token the request carried, empty when sent bare
	retried bool
}

// Do sends req with the stored access token. A 401 triggers at most one token
// reissue followed by exactly one replay; the replay's response is returned as
// is. Any other response is returned unchanged. Transport failures wrap
// auth.ErrNetwork, unrecoverable 401s return auth.ErrSessionExpired.
//
// Requests with a body must set GetBody so the body can be replayed.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if req.Header.Get(RequestIDHeader) == "" {
		req.Header.Set(RequestIDHeader, uuid.NewString())
	}

	a := &attempt{req: req}

	// 1. Attach the stored token
	if err := c.attach(ctx, a); err != nil {
		return nil, err
	}

	// 2. Send
	resp, err := c.send(a)
	if err != nil {
		return nil, err
	}

	// 3. Classify
	if resp.StatusCode != http.StatusUnauthorized || a.retried {
		return resp, nil
	}
	drain(resp)

	// 4. Recover once and replay
	a.retried = true
	if err := c.recover(ctx, a); err != nil {
		return nil, err
	}

	slog.Debug("replaying request after token reissue",
		"method", a.req.Method,
		"path", logsanitize.Sanitize(a.req.URL.Path),
		"request_id", a.req.Header.Get(RequestIDHeader))

	return c.send(a)
}

func (c *Client) attach(ctx context.Context, a *attempt) error {
	rec, err := c.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to read token store: %w", err)
	}
	if rec == nil {
		a.req.Header.Del("Authorization")
		a.token = ""
		return nil
	}
	rec.Tokens.OAuth2().SetAuthHeader(a.req)
	a.token = rec.Tokens.AccessToken
	return nil
}

func (c *Client) send(a *attempt) (*http.Response, error) {
	resp, err := c.httpClient.Do(a.req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", auth.ErrNetwork, err)
	}
	return resp, nil
}

// recover gets a usable token pair for the replay and re-arms the request.
func (c *Client) recover(ctx context.Context, a *attempt) error {
	rec, err := c.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to read token store: %w", err)
	}

	// Another caller already rotated the pair
	if rec != nil && rec.Tokens.AccessToken != a.token {
		return c.rearm(a, rec.Tokens)
	}

	if rec == nil || rec.Tokens.RefreshToken == "" {
		c.expire(ctx, "no refresh token")
		return auth.ErrSessionExpired
	}

	pair, err := c.refresh(ctx, rec.Tokens)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return err
		}
		c.expire(ctx, err.Error())
		return fmt.Errorf("%w: %v", auth.ErrSessionExpired, err)
	}
	return c.rearm(a, pair)
}

// refresh reissues the pair once per refresh token, however many callers ask
// concurrently. The new pair is persisted before any caller is released.
func (c *Client) refresh(ctx context.Context, current auth.TokenPair) (auth.TokenPair, error) {
	ch := c.reissue.DoChan(current.RefreshToken, func() (any, error) {
		rctx := context.WithoutCancel(ctx)

		pair, err := c.Reissue(rctx, current.RefreshToken)
		if err != nil {
			return nil, err
		}
		if err := c.store.Set(rctx, pair, nil); err != nil {
			return nil, fmt.Errorf("failed to persist reissued tokens: %w", err)
		}
		slog.Info("access token reissued", "access_token", logsanitize.Mask(pair.AccessToken))
		return pair, nil
	})

	select {
	case <-ctx.Done():
		return auth.TokenPair{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return auth.TokenPair{}, res.Err
		}
		return res.Val.(auth.TokenPair), nil
	}
}

// rearm prepares the request for its replay with pair.
func (c *Client) rearm(a *attempt, pair auth.TokenPair) error {
	next := a.req.Clone(a.req.Context())
	if a.req.Body != nil && a.req.Body != http.NoBody {
		if a.req.GetBody == nil {
			return fmt.Errorf("cannot replay %s %s: request body is not rewindable", a.req.Method, a.req.URL.Path)
		}
		body, err := a.req.GetBody()
		if err != nil {
			return fmt.Errorf("failed to rewind request body: %w", err)
		}
		next.Body = body
	}
	pair.OAuth2().SetAuthHeader(next)

	a.req = next
	a.token = pair.AccessToken
	return nil
}

// expire clears the store and escalates to the registered handler.
func (c *Client) expire(ctx context.Context, reason string) {
	slog.Warn("session expired", "reason", logsanitize.Sanitize(reason))

	if err := c.store.Clear(ctx); err != nil {
		slog.Error("failed to clear token store", "error", err)
	}

	c.mu.RLock()
	fn := c.onExpired
	c.mu.RUnlock()
	if fn != nil {
		fn(ctx)
	}
}

// GetJSON performs an authenticated GET and decodes the response envelope into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

// PostJSON performs an authenticated POST with a JSON body.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, in, out)
}

// PutJSON performs an authenticated PUT with a JSON body.
func (c *Client) PutJSON(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPut, path, in, out)
}

// PatchJSON performs an authenticated PATCH with a JSON body.
func (c *Client) PatchJSON(ctx context.Context, path string, in, out any) error {
	return c.doJSON(ctx, http.MethodPatch, path, in, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	req, err := newJSONRequest(ctx, method, c.URL(path), in)
	if err != nil {
		return err
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)

	body, err := readBody(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return backendError(resp.StatusCode, body, statusKind(resp.StatusCode))
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	return decodeEnvelope(resp.StatusCode, body, out)
}

func newJSONRequest(ctx context.Context, method, url string, in any) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// envelope is the backend's standard response wrapper.
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// decodeEnvelope decodes the envelope's data into out, or the whole body when
// it is not wrapped. An envelope with success=false is an error.
func decodeEnvelope(status int, body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Success != nil && !*env.Success {
			return &auth.BackendError{StatusCode: status, Message: env.Message}
		}
		if len(env.Data) > 0 && string(env.Data) != "null" {
			body = env.Data
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode backend response: %w", err)
	}
	return nil
}

// backendError builds a BackendError from a failed response, picking up the
// envelope message when there is one.
func backendError(status int, body []byte, kind error) *auth.BackendError {
	be := &auth.BackendError{StatusCode: status, Kind: kind}
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		be.Message = env.Message
	}
	return be
}

func statusKind(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return auth.ErrSessionExpired
	case status == http.StatusForbidden:
		return auth.ErrAuthorizationDenied
	default:
		return nil
	}
}

func readBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %w", auth.ErrNetwork, err)
	}
	return body, nil
}

// drain discards the rest of the body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
	_ = resp.Body.Close()
}
