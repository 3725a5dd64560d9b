package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"hpwhdash/internal/types"
)

const (
	liveWriteWait   = 10 * time.Second
	dialAttempts    = 5
	dialBackoffBase = 100 * time.Millisecond
	dialBackoffMax  = 2 * time.Second
)

// DefaultRelayURL is the relay's own listener.
const DefaultRelayURL = "ws://localhost:8600"

// Handler receives inbound relay messages.
type Handler func(ctx context.Context, msg types.Message)

// Live is the dashboard's connection to the relay. A failed send relaunches
// the relay through /launch_ws, redials and retries once.
type Live struct {
	url    string
	client *Client
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewLive(wsURL string, client *Client, logger zerolog.Logger) *Live {
	return &Live{
		url:    wsURL,
		client: client,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// Send writes msg to the relay. Without a connection it dials first; the
// relay is only relaunched when that dial or the write fails.
func (l *Live) Send(ctx context.Context, msg types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
		if err != nil {
			l.logger.Debug().Err(err).Msg("relay dial")
		} else {
			l.conn = conn
		}
	}
	if l.conn != nil {
		err := l.write(data)
		if err == nil {
			return nil
		}
		l.logger.Warn().Err(err).Str("dest", msg.Dest).Msg("relay send failed, relaunching")
	}
	if err := l.relaunch(ctx); err != nil {
		return err
	}
	if err := l.write(data); err != nil {
		l.dropLocked()
		return fmt.Errorf("relay send: %w", err)
	}
	return nil
}

func (l *Live) write(data []byte) error {
	_ = l.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (l *Live) relaunch(ctx context.Context) error {
	l.dropLocked()
	if err := l.client.Call(ctx, "launch_ws", nil); err != nil {
		return fmt.Errorf("launch relay: %w", err)
	}
	conn, err := l.dial(ctx)
	if err != nil {
		return err
	}
	l.conn = conn
	return nil
}

// dial retries with capped exponential backoff; a relaunched relay may
// take a moment to accept connections.
func (l *Live) dial(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(backoff(attempt-1, dialBackoffBase, dialBackoffMax))
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		l.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("relay dial")
	}
	return nil, fmt.Errorf("dial relay %s: %w", l.url, lastErr)
}

func backoff(attempt int, base, max time.Duration) time.Duration {
	d := base << attempt
	if d <= 0 || d > max {
		return max
	}
	return d
}

func (l *Live) dropLocked() {
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
}

func (l *Live) current(ctx context.Context) (*websocket.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn, nil
	}
	conn, err := l.dial(ctx)
	if err != nil {
		if err := l.relaunch(ctx); err != nil {
			return nil, err
		}
		return l.conn, nil
	}
	l.conn = conn
	return conn, nil
}

func (l *Live) forget(conn *websocket.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == conn {
		l.dropLocked()
	}
}

// Listen reads relay messages until ctx is done, reconnecting when the
// relay goes away. Messages that are not JSON objects are skipped.
func (l *Live) Listen(ctx context.Context, handle Handler) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for attempt := 0; ; {
		conn, err := l.current(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.forget(conn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn().Err(err).Msg("relay connection lost")
			t := time.NewTimer(backoff(attempt, dialBackoffBase, dialBackoffMax))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			attempt++
			continue
		}
		attempt = 0
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Debug().Err(err).Msg("skipping relay message")
			continue
		}
		handle(ctx, msg)
	}
}

// Close drops the connection.
func (l *Live) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropLocked()
}

// ErrNoLive is returned by a Session without a live channel.
var ErrNoLive = errors.New("no relay connection")
