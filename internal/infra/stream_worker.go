package infra

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamHandler supplies the venue-specific half of a StreamWorker.
// OnUp fires after every successful (re)connect, OnDown after every
// connection loss. The order engine uses those hooks to trigger
// reconciliation when a private stream gaps.
type StreamHandler interface {
	ID() string
	URL() string
	OnUp(ctx context.Context, conn *websocket.Conn) error
	OnMessage(ctx context.Context, msg []byte)
	OnPing(ctx context.Context, conn *websocket.Conn) error
	OnDown(ctx context.Context, err error)
}

// StreamWorker owns one WebSocket connection for its whole lifetime:
// dial, read loop, keepalive pings, and reconnect with backoff.
// Writes are serialized; reads happen on a single goroutine so
// handlers never see concurrent OnMessage calls.
type StreamWorker struct {
	handler StreamHandler
	retry   RetryPolicy

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	ReadTimeout  time.Duration
	PingInterval time.Duration
}

// NewStreamWorker creates a worker driving the given handler. The retry
// policy controls reconnect backoff.
func NewStreamWorker(handler StreamHandler, retry RetryPolicy) *StreamWorker {
	return &StreamWorker{
		handler:      handler,
		retry:        retry,
		ReadTimeout:  60 * time.Second,
		PingInterval: 20 * time.Second,
	}
}

// Start launches the connection loop. It returns immediately.
func (w *StreamWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

// Stop tears the connection down and waits for the loop to exit.
func (w *StreamWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.close()
	w.wg.Wait()
}

// Connected reports whether the worker currently holds a live connection.
func (w *StreamWorker) Connected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.conn != nil
}

// Write sends one frame on the current connection. Safe for concurrent use.
func (w *StreamWorker) Write(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()

	if c == nil {
		return fmt.Errorf("stream %s: not connected", w.handler.ID())
	}
	return c.WriteMessage(msgType, data)
}

func (w *StreamWorker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			delay := w.retry.Backoff(attempt)
			attempt++
			slog.Warn("stream connect failed",
				slog.String("id", w.handler.ID()),
				slog.Any("err", err),
				slog.Duration("backoff", delay))

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		err := w.readLoop(ctx)
		w.close()
		w.handler.OnDown(ctx, err)
	}
}

func (w *StreamWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.handler.URL(), nil)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if err := w.handler.OnUp(ctx, conn); err != nil {
		w.close()
		return fmt.Errorf("stream up hook: %w", err)
	}

	if w.PingInterval > 0 {
		go w.pingLoop(ctx, conn)
	}

	slog.Info("stream connected", slog.String("id", w.handler.ID()))
	return nil
}

func (w *StreamWorker) readLoop(ctx context.Context) error {
	for {
		w.mu.RLock()
		c := w.conn
		w.mu.RUnlock()
		if c == nil {
			return fmt.Errorf("stream %s: connection closed", w.handler.ID())
		}

		c.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			slog.Warn("stream read error",
				slog.String("id", w.handler.ID()),
				slog.Any("err", err))
			return err
		}

		w.handler.OnMessage(ctx, msg)
	}
}

// pingLoop keeps one connection alive. It is bound to the connection it
// was started for: once a reconnect installs a new conn, this loop exits
// and the reconnect's own loop takes over.
func (w *StreamWorker) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			current := w.conn
			w.mu.RUnlock()
			if current != conn {
				return
			}
			if err := w.handler.OnPing(ctx, conn); err != nil {
				slog.Warn("stream ping error",
					slog.String("id", w.handler.ID()),
					slog.Any("err", err))
				w.close()
				return
			}
		}
	}
}

func (w *StreamWorker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}
