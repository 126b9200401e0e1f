// Package vk talks to the VK messaging API: method calls, paginated history
// fetches, record parsing and the long-poll notification channel.
package vk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/vksync/internal/message"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Common API error codes.
const (
	CodeAuthFailed      = 5
	CodeTooManyRequests = 6
)

const maxResponseBytes = 16 << 20

// APIError is an error envelope returned by the API.
type APIError struct {
	Code    int64
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vk api error %d: %s", e.Code, e.Message)
}

// IsAuthError reports whether err means the access token was rejected.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeAuthFailed
}

// Caller invokes an API method and returns the "response" member.
type Caller interface {
	Call(ctx context.Context, method string, params url.Values) (gjson.Result, error)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL           string
	Token             string
	Version           string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	MaxDownloadBytes  int64
}

// Client is an API client. Method calls share one request budget.
type Client struct {
	http        *http.Client
	baseURL     string
	token       string
	version     string
	limiter     *rate.Limiter
	maxDownload int64
	logger      *zap.Logger
}

// NewClient creates a client.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		http:        &http.Client{Timeout: cfg.Timeout},
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		token:       cfg.Token,
		version:     cfg.Version,
		limiter:     rate.NewLimiter(limit, burst),
		maxDownload: cfg.MaxDownloadBytes,
		logger:      logger,
	}
}

// Call invokes method with params, waiting for the rate limiter first.
func (c *Client) Call(ctx context.Context, method string, params url.Values) (gjson.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return gjson.Result{}, fmt.Errorf("%s: rate limit: %w", method, err)
	}

	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("access_token", c.token)
	form.Set("v", c.version)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, strings.NewReader(form.Encode()))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	body, err := fetch(c.http, req, maxResponseBytes)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", method, err)
	}
	c.logger.Debug("api call", zap.String("method", method), zap.Duration("took", time.Since(start)))

	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%s: invalid json response", method)
	}
	if e := gjson.GetBytes(body, "error"); e.Exists() {
		return gjson.Result{}, &APIError{Code: e.Get("error_code").Int(), Message: e.Get("error_msg").String()}
	}
	resp := gjson.GetBytes(body, "response")
	if !resp.Exists() {
		return gjson.Result{}, fmt.Errorf("%s: response missing", method)
	}
	return resp, nil
}

// Download fetches an arbitrary URL such as a thumbnail. Downloads do not
// count against the API request budget.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	limit := c.maxDownload
	if limit <= 0 {
		limit = maxResponseBytes
	}
	return fetch(c.http, req, limit)
}

// fetch performs req and reads at most limit bytes of a 2xx response body.
func fetch(hc *http.Client, req *http.Request, limit int64) ([]byte, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response exceeds %d bytes", limit)
	}
	return body, nil
}

// MarkAsRead marks the given messages as read on the server.
func (c *Client) MarkAsRead(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.Call(ctx, "messages.markAsRead", url.Values{"message_ids": {joinIDs(ids)}})
	return err
}

// Send posts text to peer and returns the id of the new message. randomID
// makes retries of the same send idempotent on the server.
func (c *Client) Send(ctx context.Context, peer message.Peer, text string, randomID int32) (uint64, error) {
	peerID := peer.ID
	if peer.IsGroup() {
		peerID += chatPeerOffset
	}
	resp, err := c.Call(ctx, "messages.send", url.Values{
		"peer_id":   {strconv.FormatUint(peerID, 10)},
		"message":   {text},
		"random_id": {strconv.FormatInt(int64(randomID), 10)},
	})
	if err != nil {
		return 0, err
	}
	if resp.Uint() == 0 {
		return 0, fmt.Errorf("messages.send: unexpected response %s", resp.Raw)
	}
	return resp.Uint(), nil
}

// User is a profile returned by users.get.
type User struct {
	ID         uint64
	FirstName  string
	LastName   string
	ScreenName string
}

// Users fetches profiles for ids.
func (c *Client) Users(ctx context.Context, ids []uint64) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	resp, err := c.Call(ctx, "users.get", url.Values{
		"user_ids": {joinIDs(ids)},
		"fields":   {"screen_name"},
	})
	if err != nil {
		return nil, err
	}
	var users []User
	for _, u := range resp.Array() {
		users = append(users, User{
			ID:         u.Get("id").Uint(),
			FirstName:  u.Get("first_name").String(),
			LastName:   u.Get("last_name").String(),
			ScreenName: u.Get("screen_name").String(),
		})
	}
	return users, nil
}

func joinIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, ",")
}
