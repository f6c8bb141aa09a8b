package auditclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/cwpaudit/internal/model"
)

const (
	authenticatePath = "/api/v1/authenticate"
	downloadPath     = "/api/v1/audits/runtime/container/download"

	maxTokenResponseSize = 1 << 20
)

// Config holds the audit service endpoint and credentials. It is built once
// at startup and handed to New.
type Config struct {
	BaseURL            string
	Identity           string
	Secret             string
	Limit              int
	Timeout            time.Duration
	InsecureSkipVerify bool

	// MaxPayloadSize caps a downloaded payload, model.DefaultMaxPayloadSize
	// when zero.
	MaxPayloadSize int64
}

// Client talks to the runtime audit API: it exchanges an access key for a
// session token and downloads audits as CSV.
type Client struct {
	base   *url.URL
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New validates cfg and creates a client. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("auditclient: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("auditclient: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("auditclient: base url must use http or https, got %q", cfg.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("auditclient: base url %q has no host", cfg.BaseURL)
	}
	if cfg.Identity == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("auditclient: identity and secret are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = model.DefaultFetchTimeout
	}
	if cfg.Limit <= 0 {
		cfg.Limit = model.DefaultAuditLimit
	}
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = model.DefaultMaxPayloadSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via config
	}

	return &Client{
		base: base,
		cfg:  cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		logger: logger.With(zap.String("component", "auditclient")),
	}, nil
}

// BaseURL returns the normalized service URL.
func (c *Client) BaseURL() string { return c.base.String() }

// Authenticate exchanges the configured identity and secret for a session
// token. Any non-200 answer is an *AuthenticationError.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"username": c.cfg.Identity,
		"password": c.cfg.Secret,
	})
	if err != nil {
		return "", &AuthenticationError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(authenticatePath, nil), bytes.NewReader(body))
	if err != nil {
		return "", &AuthenticationError{Err: err}
	}
	setJSONHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("authentication request failed", zap.Error(err))
		return "", &AuthenticationError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return "", &AuthenticationError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("unable to acquire token", zap.Int("status", resp.StatusCode))
		return "", &AuthenticationError{StatusCode: resp.StatusCode, Body: snippet(respBody)}
	}

	var tokenResp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return "", &AuthenticationError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tokenResp.Token == "" {
		return "", &AuthenticationError{StatusCode: resp.StatusCode, Err: fmt.Errorf("token response has no token")}
	}

	c.logger.Info("token acquired")
	return tokenResp.Token, nil
}

// Fetch downloads runtime container audits as CSV using a session token.
// Any non-200 answer or transport failure is a *FetchError.
func (c *Client) Fetch(ctx context.Context, token string) (string, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(c.cfg.Limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(downloadPath, query), nil)
	if err != nil {
		return "", &FetchError{Err: err}
	}
	setJSONHeaders(req)
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("audit download failed", zap.Error(err))
		return "", &FetchError{Err: err}
	}
	defer resp.Body.Close()

	// One byte past the cap marks an oversized payload.
	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxPayloadSize+1))
	if err != nil {
		return "", &FetchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("audit download rejected", zap.Int("status", resp.StatusCode))
		return "", &FetchError{StatusCode: resp.StatusCode, Body: snippet(payload)}
	}
	if int64(len(payload)) > c.cfg.MaxPayloadSize {
		c.logger.Error("audit download too large", zap.Int64("max_bytes", c.cfg.MaxPayloadSize))
		return "", &FetchError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w (%d bytes)", model.ErrPayloadTooLarge, c.cfg.MaxPayloadSize),
		}
	}

	c.logger.Info("audits downloaded",
		zap.Int("bytes", len(payload)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return string(payload), nil
}

// Download authenticates and then fetches. Fetch is never attempted when
// authentication fails.
func (c *Client) Download(ctx context.Context) (string, error) {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return "", err
	}
	return c.Fetch(ctx, token)
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func setJSONHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json; charset=UTF-8")
	req.Header.Set("Content-Type", "application/json")
}

func snippet(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
