// Package stream binds the agent subsystem to Stream Chat.
//
// Client talks to the REST API with the server credential (user upserts,
// membership, token issuance) and opens per-bot websocket connections.
// A Conn is one bot's authenticated session; Channel is the bot's view of
// one watched channel, with a local cache of recent messages kept current
// by websocket events.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/conversate/conversate/ai-server/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://chat.stream-io-api.com"
	DefaultWSURL   = "wss://chat.stream-io-api.com/connect"

	userAgent = "conversate-ai-go"
)

// APIError is a non-2xx answer from the Stream API.
type APIError struct {
	StatusCode int    `json:"StatusCode"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("StreamChat error code %d: %s", e.Code, e.Message)
}

// Client is the server-side Stream client. It implements
// contracts.ChatAdmin and contracts.ChatDialer.
type Client struct {
	apiKey  string
	signer  *Signer
	baseURL string
	wsURL   string
	http    *http.Client
	limiter *rate.Limiter

	serverToken    string
	healthInterval time.Duration
	maxDialRetries uint64
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets the REST endpoint (e.g. for a regional edge or tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithWSURL sets the websocket connect endpoint.
func WithWSURL(u string) Option {
	return func(c *Client) { c.wsURL = u }
}

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit throttles REST calls to rps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithHealthInterval sets how often live connections send health checks.
func WithHealthInterval(d time.Duration) Option {
	return func(c *Client) { c.healthInterval = d }
}

// WithMaxDialRetries bounds websocket dial retries.
func WithMaxDialRetries(n uint64) Option {
	return func(c *Client) { c.maxDialRetries = n }
}

// NewClient creates a client for the given credentials.
func NewClient(apiKey, apiSecret string, opts ...Option) (*Client, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("stream API key and secret are required")
	}
	c := &Client{
		apiKey:         apiKey,
		signer:         NewSigner(apiSecret),
		baseURL:        DefaultBaseURL,
		wsURL:          DefaultWSURL,
		http:           &http.Client{Timeout: 30 * time.Second},
		limiter:        rate.NewLimiter(rate.Inf, 0),
		healthInterval: 25 * time.Second,
		maxDialRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}

	token, err := c.signer.ServerToken()
	if err != nil {
		return nil, err
	}
	c.serverToken = token
	return c, nil
}

// CreateToken issues a user token for userID.
func (c *Client) CreateToken(userID string) (string, error) {
	token, err := c.signer.UserToken(userID)
	if err != nil {
		return "", err
	}
	log.Debug().Str("user_id", userID).Msg("Stream token generated")
	return token, nil
}

// UpsertUser creates or updates a user.
func (c *Client) UpsertUser(ctx context.Context, user models.User) error {
	body := map[string]any{
		"users": map[string]models.User{user.ID: user},
	}
	if err := c.do(ctx, http.MethodPost, "/users", nil, c.serverToken, body, nil); err != nil {
		return fmt.Errorf("upsert user %s: %w", user.ID, err)
	}
	log.Debug().Str("user_id", user.ID).Msg("Stream user upserted")
	return nil
}

// AddMembers adds users to a channel.
func (c *Client) AddMembers(ctx context.Context, channelType, channelID string, userIDs []string) error {
	body := map[string]any{"add_members": userIDs}
	return c.do(ctx, http.MethodPost, channelPath(channelType, channelID), nil, c.serverToken, body, nil)
}

// RemoveMembers removes users from a channel.
func (c *Client) RemoveMembers(ctx context.Context, channelType, channelID string, userIDs []string) error {
	body := map[string]any{"remove_members": userIDs}
	return c.do(ctx, http.MethodPost, channelPath(channelType, channelID), nil, c.serverToken, body, nil)
}

func channelPath(channelType, channelID string) string {
	return "/channels/" + url.PathEscape(channelType) + "/" + url.PathEscape(channelID)
}

// do performs one authenticated REST call. in is JSON-encoded when non-nil;
// out is decoded from a 2xx body when non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("api_key", c.apiKey)
	endpoint := c.baseURL + path + "?" + q.Encode()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)
	req.Header.Set("Stream-Auth-Type", "jwt")
	req.Header.Set("X-Stream-Client", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
