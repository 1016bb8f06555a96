package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrStreamClosed is returned when sending on a stream that is not open
var ErrStreamClosed = errors.New("event stream closed")

// Handler receives decoded events. Events of one stream are delivered
// serially, in arrival order.
type Handler func(Event)

// Conn is the subset of a websocket connection the stream uses
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens the push-event connection
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketDialer dials the engine's websocket endpoint
type WebSocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
}

// NewWebSocketDialer derives the stream URL from the engine's HTTP base URL
func NewWebSocketDialer(baseURL, path string) (*WebSocketDialer, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse engine URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported engine URL scheme: %s", u.Scheme)
	}
	if path == "" {
		path = "/ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return &WebSocketDialer{URL: u.String(), Dialer: websocket.DefaultDialer}, nil
}

// Dial implements Dialer
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	conn, _, err := d.Dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event stream: %w", err)
	}
	return conn, nil
}

// Stream is one open push-event session
type Stream struct {
	conn    Conn
	handler Handler
	logger  *slog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
}

func newStream(conn Conn, handler Handler, logger *slog.Logger) *Stream {
	st := &Stream{
		conn:    conn,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go st.dispatch()
	return st
}

func (s *Stream) dispatch() {
	defer close(s.done)

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if !s.isClosed() {
				s.logger.Warn("event stream ended", slog.Any("error", err))
			}
			return
		}

		ev, err := Decode(frame)
		if err != nil {
			s.logger.Debug("dropping stream message", slog.Any("error", err))
			continue
		}
		if s.isClosed() {
			return
		}
		s.handler(ev)
	}
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Send writes a JSON message to the engine
func (s *Stream) Send(v interface{}) error {
	if s.isClosed() {
		return ErrStreamClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("failed to send stream message: %w", err)
	}
	return nil
}

// Close closes the connection without waiting for the dispatcher.
// It is safe to call from within the stream's own handler.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.conn.Close()
}

// Done is closed once the dispatcher has delivered its last event
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// StreamSlot holds the single process-wide event stream. Opening a new
// stream closes the previous one and waits for its dispatcher to exit, so
// handlers of two streams never run concurrently.
type StreamSlot struct {
	dialer Dialer
	logger *slog.Logger

	// openMu serializes Open and Close; mu guards the fields below and is
	// never held while waiting on a dispatcher
	openMu   sync.Mutex
	mu       sync.Mutex
	current  *Stream
	draining *Stream
}

// NewStreamSlot creates an empty slot
func NewStreamSlot(dialer Dialer, logger *slog.Logger) *StreamSlot {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamSlot{dialer: dialer, logger: logger}
}

// Open replaces the current stream with a new one delivering to handler.
// It must not be called from a stream handler.
func (s *StreamSlot) Open(ctx context.Context, handler Handler) (*Stream, error) {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.shutdown()

	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	st := newStream(conn, handler, s.logger)

	s.mu.Lock()
	s.current = st
	s.mu.Unlock()
	return st, nil
}

// Current returns the open stream, nil when none
func (s *StreamSlot) Current() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Send writes to the open stream
func (s *StreamSlot) Send(v interface{}) error {
	st := s.Current()
	if st == nil {
		return ErrStreamClosed
	}
	return st.Send(v)
}

// Close closes the open stream and waits for its dispatcher.
// It must not be called from a stream handler.
func (s *StreamSlot) Close() {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	s.shutdown()
}

// Release closes st if it is still the open stream, without waiting.
// Safe to call from st's handler.
func (s *StreamSlot) Release(st *Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st != nil && s.current == st {
		st.Close()
		s.current = nil
		s.draining = st
	}
}

// shutdown closes the current stream and waits for every dispatcher to
// exit. Callers hold openMu.
func (s *StreamSlot) shutdown() {
	s.mu.Lock()
	old, draining := s.current, s.draining
	s.current, s.draining = nil, nil
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Debug("closing event stream", slog.Any("error", err))
		}
		<-old.Done()
	}
	if draining != nil {
		<-draining.Done()
	}
}
