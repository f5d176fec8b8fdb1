package syncws

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultKeepAliveInterval = 30 * time.Second
	defaultKeepAliveTimeout  = 20 * time.Second
)

// PersistentConn wraps a Conn with keep-alive pings and automatic
// reconnection.
type PersistentConn struct {
	mu      sync.Mutex
	conn    *Conn
	url     string
	tlsConf *tls.Config
	headers http.Header
	closed  atomic.Bool

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	keepAliveCallback func(rtt time.Duration)

	// pendingPing tracks the ID of an outstanding ping.
	pendingPing atomic.Uint64
	pingSentAt  atomic.Int64  // UnixMilli when the ping was sent
	pongRecv    chan struct{} // signaled when the pong arrives

	cancel context.CancelFunc // cancels the keep-alive goroutine
}

// Option configures a PersistentConn.
type Option func(*PersistentConn)

// WithKeepAliveInterval sets the interval between pings.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.keepAliveInterval = d }
}

// WithKeepAliveTimeout sets how long to wait for a pong before
// reconnecting.
func WithKeepAliveTimeout(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.keepAliveTimeout = d }
}

// WithKeepAliveCallback sets a function called on each ping round-trip.
func WithKeepAliveCallback(fn func(rtt time.Duration)) Option {
	return func(pc *PersistentConn) { pc.keepAliveCallback = fn }
}

// WithHeaders sets HTTP headers for the WebSocket upgrade request.
func WithHeaders(h http.Header) Option {
	return func(pc *PersistentConn) { pc.headers = h }
}

// DialPersistent dials a WebSocket and returns a PersistentConn with
// keep-alive and reconnect.
func DialPersistent(ctx context.Context, url string, tlsConf *tls.Config, opts ...Option) (*PersistentConn, error) {
	pc := &PersistentConn{
		url:               url,
		tlsConf:           tlsConf,
		keepAliveInterval: defaultKeepAliveInterval,
		keepAliveTimeout:  defaultKeepAliveTimeout,
		pongRecv:          make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(pc)
	}

	conn, err := Dial(ctx, url, tlsConf, pc.headers)
	if err != nil {
		return nil, err
	}
	pc.conn = conn

	kaCtx, kaCancel := context.WithCancel(context.Background())
	pc.cancel = kaCancel
	go pc.keepAliveLoop(kaCtx)

	return pc, nil
}

// ReadMessage reads the next frame, filtering out pongs. On read error,
// it attempts to reconnect and retry.
func (pc *PersistentConn) ReadMessage(ctx context.Context) (*Message, error) {
	for {
		pc.mu.Lock()
		conn := pc.conn
		pc.mu.Unlock()

		if conn == nil {
			if pc.closed.Load() {
				return nil, fmt.Errorf("syncws: persistent conn closed")
			}
			if err := pc.reconnect(ctx); err != nil {
				return nil, err
			}
			continue
		}

		msg, err := conn.ReadMessage(ctx)
		if err != nil {
			if pc.closed.Load() {
				return nil, err
			}
			if reconnErr := pc.reconnect(ctx); reconnErr != nil {
				return nil, reconnErr
			}
			continue
		}

		if msg.Type == TypePong {
			pendingID := pc.pendingPing.Load()
			if pendingID != 0 && msg.ID == pendingID {
				pc.handlePong()
			}
			continue
		}

		return msg, nil
	}
}

// WriteMessage writes a frame to the current connection.
func (pc *PersistentConn) WriteMessage(ctx context.Context, msg *Message) error {
	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("syncws: no active connection")
	}
	return conn.WriteMessage(ctx, msg)
}

// Ack acknowledges an events frame.
func (pc *PersistentConn) Ack(ctx context.Context, nextBatch string) error {
	return pc.WriteMessage(ctx, &Message{Type: TypeEvents, NextBatch: nextBatch})
}

// Close stops keep-alive and closes the connection. No further
// reconnects will happen.
func (pc *PersistentConn) Close() error {
	if pc.closed.Swap(true) {
		return nil // already closed
	}
	pc.cancel()
	pc.mu.Lock()
	conn := pc.conn
	pc.conn = nil
	pc.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (pc *PersistentConn) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(pc.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pc.closed.Load() {
				return
			}
			if err := pc.sendPing(ctx); err != nil {
				// Connection may be broken; reconnect happens on the
				// next ReadMessage.
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-pc.pongRecv:
				// Got the pong, all good.
			case <-time.After(pc.keepAliveTimeout):
				if !pc.closed.Load() {
					_ = pc.reconnect(ctx)
				}
			}
		}
	}
}

func (pc *PersistentConn) sendPing(ctx context.Context) error {
	id := uint64(time.Now().UnixMilli())
	pc.pendingPing.Store(id)

	// Drain any stale pong.
	select {
	case <-pc.pongRecv:
	default:
	}

	pc.pingSentAt.Store(time.Now().UnixMilli())

	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("syncws: no active connection")
	}
	return conn.WriteMessage(ctx, &Message{Type: TypePing, ID: id})
}

func (pc *PersistentConn) handlePong() {
	if pc.keepAliveCallback != nil {
		sentAt := pc.pingSentAt.Load()
		if sentAt > 0 {
			rtt := time.Duration(time.Now().UnixMilli()-sentAt) * time.Millisecond
			pc.keepAliveCallback(rtt)
		}
	}
	pc.pendingPing.Store(0)
	select {
	case pc.pongRecv <- struct{}{}:
	default:
	}
}

func (pc *PersistentConn) reconnect(ctx context.Context) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.closed.Load() {
		return fmt.Errorf("syncws: persistent conn closed")
	}

	if pc.conn != nil {
		pc.conn.CloseNow()
		pc.conn = nil
	}

	conn, err := Dial(ctx, pc.url, pc.tlsConf, pc.headers)
	if err != nil {
		return fmt.Errorf("syncws: reconnect: %w", err)
	}
	pc.conn = conn
	return nil
}
