package exchange

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saifsoub/smartpicks-trader-sub000/utilities"
)

const (
	streamStaleAfter   = 60 * time.Second
	streamWriteTimeout = 10 * time.Second
)

// StreamMessage is one payload from the combined stream, keyed by
// "symbol@streamName".
type StreamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// StreamClient maintains a combined-stream WebSocket connection with capped
// exponential-backoff reconnects and a staleness watchdog: if no message
// arrives within 60 seconds the connection is forcibly re-established.
type StreamClient struct {
	baseURL string
	streams []string
	logger  *utilities.Logger

	baseDelay time.Duration
	factor    float64

	mu      sync.Mutex
	conn    *websocket.Conn
	lastMsg time.Time

	out      chan StreamMessage
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// NewStreamClient builds a stream client for the given symbol@stream keys,
// e.g. "btcusdt@kline_1m".
func NewStreamClient(cfg utilities.ExchangeConfig, streams []string, logger *utilities.Logger) *StreamClient {
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
	}
	return &StreamClient{
		baseURL:   cfg.StreamURL,
		streams:   streams,
		logger:    logger,
		baseDelay: time.Duration(cfg.ReconnectBaseDelayMs) * time.Millisecond,
		factor:    cfg.ReconnectFactor,
		out:       make(chan StreamMessage, 256),
	}
}

// Messages returns the channel of decoded stream payloads. The channel is
// closed when the client stops.
func (s *StreamClient) Messages() <-chan StreamMessage {
	return s.out
}

// Start connects and runs the read loop with reconnection until the context
// is cancelled or Stop is called.
func (s *StreamClient) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop tears down the connection and closes the message channel. Idempotent.
func (s *StreamClient) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	})
}

func (s *StreamClient) url() string {
	return s.baseURL + "/stream?streams=" + strings.Join(s.streams, "/")
}

func (s *StreamClient) run(ctx context.Context) {
	defer close(s.out)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url(), nil)
		if err != nil {
			attempt++
			delay := backoffDelay(s.baseDelay, s.factor, attempt)
			s.logger.LogWarn("stream: dial failed (attempt %d): %v; retrying in %s", attempt, err, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
		s.mu.Lock()
		s.conn = conn
		s.lastMsg = time.Now()
		s.mu.Unlock()
		s.logger.LogInfo("stream: connected to %d stream(s)", len(s.streams))

		watchdogDone := make(chan struct{})
		go s.watchdog(ctx, conn, watchdogDone)
		s.readLoop(ctx, conn)
		close(watchdogDone)
		_ = conn.Close()
	}
}

// watchdog forces a reconnect when the stream goes silent.
func (s *StreamClient) watchdog(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := time.Since(s.lastMsg) > streamStaleAfter
			s.mu.Unlock()
			if stale {
				s.logger.LogWarn("stream: no message for %s, forcing reconnect", streamStaleAfter)
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *StreamClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})
	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.LogWarn("stream: read error: %v", err)
			}
			return
		}
		s.mu.Lock()
		s.lastMsg = time.Now()
		s.mu.Unlock()

		var msg StreamMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Stream == "" {
			continue
		}
		select {
		case s.out <- msg:
		default:
			// Drop rather than block the read loop when the consumer lags.
		}
	}
}

// backoffDelay computes base × factor^(attempt−1) capped at 30s.
func backoffDelay(base time.Duration, factor float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(factor, float64(attempt-1)))
	if d > reconnectDelayCap || d < 0 {
		return reconnectDelayCap
	}
	return d
}
