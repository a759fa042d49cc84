package exchange

import (
	"context"
	"math"
	"net/http"
	"time"
)

// ConnectionStatus is the externally observable connection state. Exactly one
// value is current at any time.
type ConnectionStatus int

const (
	StatusUnknown ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Status returns the current connection state.
func (c *Client) Status() ConnectionStatus {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.status
}

// DirectReachable reports whether the direct transport has been confirmed
// reachable by a previous probe. Gate for the allow-list fallback.
func (c *Client) DirectReachable() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.directReachable
}

// OnStatusChange registers a callback invoked (outside the lock) whenever the
// connection state transitions. Used by the composition root to publish
// connection lifecycle events.
func (c *Client) OnStatusChange(fn func(old, new ConnectionStatus)) {
	c.connMu.Lock()
	c.onStatusChange = fn
	c.connMu.Unlock()
}

func (c *Client) setStatus(next ConnectionStatus) {
	c.connMu.Lock()
	prev := c.status
	c.status = next
	fn := c.onStatusChange
	c.connMu.Unlock()
	if prev != next && fn != nil {
		fn(prev, next)
	}
}

// Probe tests both transports. Success on either marks the client connected
// and resets the reconnection counter; failure on both marks it disconnected
// and schedules a reconnection attempt.
func (c *Client) Probe(ctx context.Context) bool {
	c.setStatus(StatusConnecting)

	directErr := c.ping(ctx, true)
	var proxyErr error
	if c.cfg.ProxyBaseURL != "" {
		proxyErr = c.ping(ctx, false)
	} else {
		proxyErr = ErrNetworkUnreachable
	}

	c.connMu.Lock()
	c.directReachable = directErr == nil
	c.connMu.Unlock()

	if directErr == nil || proxyErr == nil {
		c.connMu.Lock()
		c.reconnectN = 0
		c.reconnectExhausted = false
		c.connMu.Unlock()
		c.setStatus(StatusConnected)
		c.logger.LogInfo("exchange: probe ok (direct=%v proxy=%v)", directErr == nil, proxyErr == nil)
		return true
	}

	c.setStatus(StatusDisconnected)
	c.logger.LogWarn("exchange: probe failed on both transports: direct=%v proxy=%v", directErr, proxyErr)
	c.scheduleReconnect(ctx)
	return false
}

// ConnectionError returns ErrReconnectExhausted once the automatic
// reconnection schedule has given up; a later successful probe clears it.
func (c *Client) ConnectionError() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.reconnectExhausted {
		return ErrReconnectExhausted
	}
	return nil
}

// ReconnectDelay returns the backoff delay for the given 1-based attempt:
// base × factor^(attempt−1), capped at 30 seconds.
func (c *Client) ReconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(c.cfg.ReconnectBaseDelayMs) * time.Millisecond
	d := time.Duration(float64(base) * math.Pow(c.cfg.ReconnectFactor, float64(attempt-1)))
	if d > reconnectDelayCap || d < 0 {
		return reconnectDelayCap
	}
	return d
}

// scheduleReconnect arms a one-shot timer for the next probe. After the
// configured maximum attempt count it gives up and waits for external
// intervention rather than retrying silently forever.
func (c *Client) scheduleReconnect(ctx context.Context) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.reconnectTimer != nil {
		// A reconnect is already pending.
		return
	}
	c.reconnectN++
	if c.reconnectN > c.cfg.MaxReconnectAttempts {
		c.reconnectExhausted = true
		c.logger.LogError("exchange: giving up after %d reconnect attempts; manual reconnect required", c.cfg.MaxReconnectAttempts)
		return
	}
	delay := c.ReconnectDelay(c.reconnectN)
	attempt := c.reconnectN
	c.logger.LogWarn("exchange: reconnect attempt %d scheduled in %s", attempt, delay)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.connMu.Lock()
		c.reconnectTimer = nil
		c.connMu.Unlock()
		if ctx.Err() != nil {
			return
		}
		c.Probe(ctx)
	})
}

// StopReconnect cancels a pending reconnection attempt. Idempotent; releases
// the timer resource.
func (c *Client) StopReconnect() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// Permissions holds the probed API key capabilities, cached for a cooldown
// window so the exchange is not hammered with account calls.
type Permissions struct {
	CanRead   bool      `json:"can_read"`
	CanTrade  bool      `json:"can_trade"`
	CheckedAt time.Time `json:"checked_at"`
}

// ProbePermissions determines read and trading permission for the configured
// key pair. Read permission is a precondition for the trading probe. Results
// are cached for the configured TTL (at least 60 seconds).
func (c *Client) ProbePermissions(ctx context.Context) (Permissions, error) {
	c.permMu.Lock()
	ttl := time.Duration(c.cfg.PermissionTTLSec) * time.Second
	if !c.permFresh.IsZero() && time.Since(c.permFresh) < ttl {
		cached := c.perms
		c.permMu.Unlock()
		return cached, nil
	}
	c.permMu.Unlock()

	if !c.HasCredentials() {
		return Permissions{}, ErrNoCredentials
	}

	perms := Permissions{CheckedAt: time.Now()}
	if err := c.Request(ctx, "account", nil, http.MethodGet, nil); err == nil {
		perms.CanRead = true
	} else if IsNetworkClass(err) {
		return Permissions{}, err
	}

	if perms.CanRead {
		if err := c.Request(ctx, "openOrders", nil, http.MethodGet, nil); err == nil {
			perms.CanTrade = true
		} else if IsNetworkClass(err) {
			return Permissions{}, err
		}
	}

	c.permMu.Lock()
	c.perms = perms
	c.permFresh = time.Now()
	c.permMu.Unlock()
	c.logger.LogInfo("exchange: permission probe: read=%v trade=%v", perms.CanRead, perms.CanTrade)
	return perms, nil
}

// InvalidatePermissions drops the cached probe result, forcing the next call
// to re-check. Used after the user replaces credentials.
func (c *Client) InvalidatePermissions() {
	c.permMu.Lock()
	c.permFresh = time.Time{}
	c.permMu.Unlock()
}
