package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/saifsoub/smartpicks-trader-sub000/utilities"
)

// Credentials is the opaque API key pair. Existence is a precondition for any
// authenticated call; the secret is never logged or transmitted in full.
type Credentials struct {
	APIKey    string
	APISecret string
}

// IsSet reports whether both halves of the key pair are present.
func (c Credentials) IsSet() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// Fingerprint returns an obfuscated form of the secret suitable for the proxy
// header and for logs: first and last four characters with the middle elided.
func (c Credentials) Fingerprint() string {
	s := c.APISecret
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

const (
	maxProxyAttempts  = 3
	maxDirectAttempts = 3
	reconnectDelayCap = 30 * time.Second
)

// publicReadEndpoints is the allow-list of read-only endpoints eligible for a
// one-shot direct fallback when the proxied path is exhausted.
var publicReadEndpoints = map[string]bool{
	"ping":         true,
	"time":         true,
	"ticker/price": true,
	"ticker/24hr":  true,
	"klines":       true,
}

// signedEndpoints require an HMAC signature and the API key header on the
// direct path.
var signedEndpoints = map[string]bool{
	"account":               true,
	"order":                 true,
	"myTrades":              true,
	"openOrders":            true,
	"allOrders":             true,
	"capital/config/getall": true,
	"userDataStream":        false, // key header only, no signature
}

// Client owns credentials, request signing, the dual-path transport and the
// connection lifecycle against the exchange.
type Client struct {
	cfg        utilities.ExchangeConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *utilities.Logger

	credsMu sync.RWMutex
	creds   Credentials

	connMu             sync.Mutex
	status             ConnectionStatus
	directReachable    bool
	reconnectN         int
	reconnectExhausted bool
	reconnectTimer     *time.Timer
	onStatusChange     func(old, new ConnectionStatus)

	permMu    sync.Mutex
	perms     Permissions
	permFresh time.Time

	// sleep is swapped out in tests to avoid real delays.
	sleep func(time.Duration)
}

// NewClient builds a Client from configuration. A nil HTTP client or logger
// falls back to defaults, matching the rest of the codebase.
func NewClient(cfg utilities.ExchangeConfig, httpClient *http.Client, logger *utilities.Logger) *Client {
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
		logger.LogWarn("exchange.NewClient: logger fallback used")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.RequestTimeoutSec) * time.Second}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
		logger:     logger,
		creds:      Credentials{APIKey: cfg.APIKey, APISecret: cfg.APISecret},
		status:     StatusUnknown,
		sleep:      time.Sleep,
	}
}

// SetCredentials replaces the stored key pair. Reads observe either the old or
// the new complete pair, never a partial update.
func (c *Client) SetCredentials(creds Credentials) {
	c.credsMu.Lock()
	c.creds = creds
	c.credsMu.Unlock()
	c.logger.LogInfo("exchange: credentials updated (key fingerprint %s)", creds.Fingerprint())
}

// Credentials returns a snapshot of the stored key pair.
func (c *Client) Credentials() Credentials {
	c.credsMu.RLock()
	defer c.credsMu.RUnlock()
	return c.creds
}

// HasCredentials reports whether a complete key pair is configured.
func (c *Client) HasCredentials() bool {
	return c.Credentials().IsSet()
}

// Sign computes the hex HMAC-SHA256 signature of the query string using the
// secret key. Fails with ErrNoCredentials if the pair is unset.
func (c *Client) Sign(query string) (string, error) {
	creds := c.Credentials()
	if !creds.IsSet() {
		return "", ErrNoCredentials
	}
	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// endpointPath maps a logical endpoint name onto its REST path.
func endpointPath(endpoint string) string {
	if endpoint == "capital/config/getall" {
		return "/sapi/v1/capital/config/getall"
	}
	return "/api/v3/" + endpoint
}

// Request performs a call against the exchange, choosing the proxied or the
// direct transport based on the configured mode, and decodes the JSON body
// into target (which may be nil for calls where only success matters).
func (c *Client) Request(ctx context.Context, endpoint string, params url.Values, method string, target interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: limiter: %v", ErrNetworkUnreachable, err)
	}
	if c.cfg.UseProxy {
		return c.requestProxied(ctx, endpoint, params, method, target)
	}
	return c.requestDirect(ctx, endpoint, params, method, target)
}

// requestProxied tries the proxy transport up to three times with a linearly
// increasing delay. On total failure it falls back to the direct path exactly
// once, but only for allow-listed read endpoints and only when direct access
// was previously confirmed reachable.
func (c *Client) requestProxied(ctx context.Context, endpoint string, params url.Values, method string, target interface{}) error {
	baseDelay := time.Duration(c.cfg.RetryBaseDelayMs) * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= maxProxyAttempts; attempt++ {
		err := c.doOnce(ctx, c.cfg.ProxyBaseURL, endpoint, params, method, true, target)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsNetworkClass(err) {
			return err
		}
		if attempt < maxProxyAttempts {
			c.sleep(time.Duration(attempt) * baseDelay)
		}
	}

	if publicReadEndpoints[endpoint] && c.DirectReachable() {
		c.logger.LogWarn("exchange: proxy exhausted for %s, falling back to direct transport once", endpoint)
		if err := c.doOnce(ctx, c.cfg.BaseURL, endpoint, params, method, false, target); err == nil {
			return nil
		}
	}
	return lastErr
}

// requestDirect tries the direct transport up to three times with a fixed
// delay between attempts. Any non-2xx response is a failure.
func (c *Client) requestDirect(ctx context.Context, endpoint string, params url.Values, method string, target interface{}) error {
	delay := time.Duration(c.cfg.RetryBaseDelayMs) * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= maxDirectAttempts; attempt++ {
		err := c.doOnce(ctx, c.cfg.BaseURL, endpoint, params, method, false, target)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsNetworkClass(err) {
			return err
		}
		if attempt < maxDirectAttempts {
			c.sleep(delay)
		}
	}
	return lastErr
}

// doOnce performs a single HTTP exchange over one transport.
func (c *Client) doOnce(ctx context.Context, baseURL, endpoint string, params url.Values, method string, proxied bool, target interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	// Map value says whether a signature is required; presence alone means the
	// endpoint still needs the API key header (userDataStream).
	isSigned, needsKey := signedEndpoints[endpoint]
	creds := c.Credentials()

	query := params.Encode()
	if needsKey && !creds.IsSet() {
		return ErrNoCredentials
	}
	if isSigned && !proxied {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		query = params.Encode()
		sig, err := c.Sign(query)
		if err != nil {
			return err
		}
		query += "&signature=" + sig
	}

	fullURL := baseURL + endpointPath(endpoint)
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		if query != "" {
			fullURL += "?" + query
		}
	} else {
		body = strings.NewReader(query)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return fmt.Errorf("exchange: build request for %s: %w", endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("User-Agent", "SmartPicksBot/1.0")
	if proxied {
		// The proxy authenticates with the key and an obfuscated secret
		// fingerprint instead of a full signature.
		if creds.IsSet() {
			req.Header.Set("X-API-Key", creds.APIKey)
			req.Header.Set("X-Key-Fingerprint", creds.Fingerprint())
		}
	} else if needsKey {
		req.Header.Set("X-MBX-APIKEY", creds.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrNetworkUnreachable, method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return fmt.Errorf("%w: read body for %s: %v", ErrNetworkUnreachable, endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(raw)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return classifyStatus(resp.StatusCode, snippet)
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrInvalidResponse, endpoint, err)
	}
	return nil
}

// Ping checks the given transport with the unauthenticated ping endpoint.
func (c *Client) ping(ctx context.Context, direct bool) error {
	baseURL := c.cfg.ProxyBaseURL
	proxied := true
	if direct {
		baseURL = c.cfg.BaseURL
		proxied = false
	}
	return c.doOnce(ctx, baseURL, "ping", nil, http.MethodGet, proxied, nil)
}
