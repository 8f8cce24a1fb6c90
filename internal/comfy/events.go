package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/maauso/genrelay/internal/job"
	"github.com/maauso/genrelay/internal/metrics"
)

// Event types emitted on the ComfyUI /ws stream.
const (
	EventStatus          = "status"
	EventExecutionStart  = "execution_start"
	EventExecuting       = "executing"
	EventProgress        = "progress"
	EventExecuted        = "executed"
	EventExecutionCached = "execution_cached"
	EventExecutionOK     = "execution_success"
	EventExecutionError  = "execution_error"
)

// Event is one decoded text message from the stream.
type Event struct {
	Type     string
	PromptID string
	// Node is nil when an executing message reports the prompt finished.
	Node             *string
	ExceptionMessage string
	QueueRemaining   int
	Value            int
	Max              int
}

// Signal maps the event to a ledger signal. Events that carry no job transition
// report false.
func (e Event) Signal() (job.Signal, bool) {
	if e.PromptID == "" {
		return job.Signal{}, false
	}
	switch e.Type {
	case EventExecutionStart, EventProgress:
		return job.Signal{Kind: job.SignalStarted, Handle: e.PromptID}, true
	case EventExecuting:
		if e.Node == nil {
			return job.Signal{Kind: job.SignalFinished, Handle: e.PromptID}, true
		}
		return job.Signal{Kind: job.SignalStarted, Handle: e.PromptID}, true
	case EventExecutionOK:
		return job.Signal{Kind: job.SignalFinished, Handle: e.PromptID}, true
	case EventExecutionError:
		return job.Signal{Kind: job.SignalFailed, Handle: e.PromptID, Message: e.ExceptionMessage}, true
	default:
		return job.Signal{}, false
	}
}

type wireMessage struct {
	Type string `json:"type"`
	Data struct {
		PromptID         string           `json:"prompt_id"`
		Node             *json.RawMessage `json:"node"`
		ExceptionMessage string           `json:"exception_message"`
		Value            int              `json:"value"`
		Max              int              `json:"max"`
		Status           *struct {
			ExecInfo struct {
				QueueRemaining int `json:"queue_remaining"`
			} `json:"exec_info"`
		} `json:"status"`
	} `json:"data"`
}

// ParseEvent decodes one text frame.
func ParseEvent(raw []byte) (Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, fmt.Errorf("comfy: decode event: %w", err)
	}
	ev := Event{
		Type:             msg.Type,
		PromptID:         msg.Data.PromptID,
		ExceptionMessage: msg.Data.ExceptionMessage,
		Value:            msg.Data.Value,
		Max:              msg.Data.Max,
	}
	if msg.Data.Node != nil {
		var node string
		if err := json.Unmarshal(*msg.Data.Node, &node); err != nil {
			node = string(*msg.Data.Node)
		}
		ev.Node = &node
	}
	if msg.Data.Status != nil {
		ev.QueueRemaining = msg.Data.Status.ExecInfo.QueueRemaining
	}
	return ev, nil
}

// ConnState is the listener's connection state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventHandler receives every decoded event in arrival order.
type EventHandler func(ctx context.Context, ev Event)

// DefaultStableAfter is the uptime after which a dropped connection no longer
// counts towards the reconnect backoff.
const DefaultStableAfter = 30 * time.Second

// Listener keeps a connection to the engine's event stream, reconnecting with
// exponential backoff after failures.
type Listener struct {
	wsURL          string
	dialer         *websocket.Dialer
	handler        EventHandler
	initialBackoff time.Duration
	maxBackoff     time.Duration
	readTimeout    time.Duration
	stableAfter    time.Duration
	logger         *slog.Logger
	sleep          func(ctx context.Context, d time.Duration) error

	mu    sync.RWMutex
	state ConnState
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithReconnectBackoff sets the first and maximum delay between reconnect attempts.
func WithReconnectBackoff(initial, maxDelay time.Duration) ListenerOption {
	return func(l *Listener) {
		if initial > 0 {
			l.initialBackoff = initial
		}
		if maxDelay >= l.initialBackoff {
			l.maxBackoff = maxDelay
		}
	}
}

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) ListenerOption {
	return func(l *Listener) {
		if d != nil {
			l.dialer = d
		}
	}
}

// WithReadTimeout sets how long the connection may stay silent before it is recycled.
func WithReadTimeout(d time.Duration) ListenerOption {
	return func(l *Listener) {
		l.readTimeout = d
	}
}

// WithStableAfter sets how long a connection must stay up before the reconnect
// backoff starts again from the initial delay.
func WithStableAfter(d time.Duration) ListenerOption {
	return func(l *Listener) {
		if d > 0 {
			l.stableAfter = d
		}
	}
}

// WithListenerLogger sets the logger.
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithReconnectSleeper replaces the context-aware sleep between attempts.
func WithReconnectSleeper(fn func(ctx context.Context, d time.Duration) error) ListenerOption {
	return func(l *Listener) {
		if fn != nil {
			l.sleep = fn
		}
	}
}

// NewListener creates a Listener for the engine at baseURL using clientID.
func NewListener(baseURL, clientID string, handler EventHandler, opts ...ListenerOption) (*Listener, error) {
	wsURL, err := EventsURL(baseURL, clientID)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		handler = func(context.Context, Event) {}
	}
	l := &Listener{
		wsURL:          wsURL,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		handler:        handler,
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
		stableAfter:    DefaultStableAfter,
		logger:         slog.Default(),
		sleep:          sleepContext,
		state:          StateDisconnected,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// EventsURL derives the ws(s)://host/ws?clientId= URL from the engine base URL.
func EventsURL(baseURL, clientID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("comfy: invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("comfy: unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	q := url.Values{}
	q.Set("clientId", clientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// State returns the current connection state.
func (l *Listener) State() ConnState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Connected reports whether the stream is currently connected.
func (l *Listener) Connected() bool {
	return l.State() == StateConnected
}

func (l *Listener) setState(s ConnState) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()

	if prev == s {
		return
	}
	if s == StateConnected {
		metrics.EventStreamConnected.Set(1)
	} else if prev == StateConnected {
		metrics.EventStreamConnected.Set(0)
	}
	l.logger.Debug("event stream state", slog.String("from", prev.String()), slog.String("to", s.String()))
}

// Backoff returns the delay before reconnect attempt n (n >= 1).
func (l *Listener) Backoff(n int) time.Duration {
	d := l.initialBackoff
	for i := 1; i < n && d < l.maxBackoff; i++ {
		d *= 2
	}
	if d > l.maxBackoff {
		d = l.maxBackoff
	}
	return d
}

// Run connects and reads events until ctx is done. It never returns early on
// connection errors; it moves disconnected → connecting → connected and backs
// off between failed attempts.
func (l *Listener) Run(ctx context.Context) {
	failures := 0
	for {
		if ctx.Err() != nil {
			l.setState(StateDisconnected)
			return
		}

		l.setState(StateConnecting)
		conn, _, err := l.dialer.DialContext(ctx, l.wsURL, nil)
		if err != nil {
			l.setState(StateDisconnected)
			failures++
			delay := l.Backoff(failures)
			l.logger.Warn("event stream connect failed",
				slog.String("url", l.wsURL),
				slog.Int("attempt", failures),
				slog.Duration("retry_in", delay),
				slog.String("error", err.Error()),
			)
			if l.sleep(ctx, delay) != nil {
				return
			}
			continue
		}

		connectedAt := time.Now()
		l.setState(StateConnected)
		l.logger.Info("event stream connected", slog.String("url", l.wsURL))

		err = l.read(ctx, conn)
		l.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}

		// Only a connection that stayed up resets the backoff, so an engine that
		// accepts and drops right away is redialed at a growing interval.
		uptime := time.Since(connectedAt)
		if uptime >= l.stableAfter {
			failures = 0
		}
		failures++
		delay := l.Backoff(failures)
		l.logger.Warn("event stream disconnected",
			slog.Duration("uptime", uptime),
			slog.Int("attempt", failures),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
		if l.sleep(ctx, delay) != nil {
			return
		}
	}
}

// read consumes frames until the connection breaks or ctx is done.
func (l *Listener) read(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
			_ = conn.Close()
		}
	}()

	conn.SetReadLimit(8 << 20)
	if l.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(l.readTimeout))
		})
	}

	for {
		kind, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if l.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))
		}
		// Binary frames are live previews.
		if kind != websocket.TextMessage {
			continue
		}

		ev, err := ParseEvent(raw)
		if err != nil {
			l.logger.Debug("ignoring malformed event", slog.String("error", err.Error()))
			continue
		}
		if ev.Type == EventStatus {
			metrics.EngineQueueRemaining.Set(float64(ev.QueueRemaining))
		}
		l.handler(ctx, ev)
	}
}

var errStopped = errors.New("comfy: listener stopped")

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errStopped
	case <-t.C:
		return nil
	}
}
