package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tcmartin/flowconsole/pkg/recovery"
	"github.com/tcmartin/flowconsole/pkg/store"
)

const (
	feedBuffer   = 256
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// FeedMessage is one message of the change feed
type FeedMessage struct {
	Type      string             `json:"type"` // "snapshot", "change", "pong"
	Timestamp time.Time          `json:"timestamp"`
	Change    *store.Change      `json:"change,omitempty"`
	State     *store.Snapshot    `json:"state,omitempty"`
	Recovery  *recovery.Snapshot `json:"recovery,omitempty"`
}

// ClientMessage is a message a feed client may send
type ClientMessage struct {
	Type string `json:"type"` // "ping", "snapshot"
}

// ChangeFeed pushes store changes to websocket clients. Each client gets a
// full snapshot on connect, then one message per change.
type ChangeFeed struct {
	upgrader websocket.Upgrader
	store    *store.Store
	recovery *recovery.Coordinator
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[*feedConn]bool
	closed bool
}

type feedConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *feedConn) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *feedConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// NewChangeFeed creates a change feed over the store
func NewChangeFeed(st *store.Store, rec *recovery.Coordinator, logger *slog.Logger) *ChangeFeed {
	return &ChangeFeed{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		store:    st,
		recovery: rec,
		logger:   logger,
		conns:    make(map[*feedConn]bool),
	}
}

// ServeHTTP upgrades the connection and streams changes until the client leaves
func (f *ChangeFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	c := &feedConn{conn: ws}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		ws.Close()
		return
	}
	f.conns[c] = true
	f.mu.Unlock()

	changes, cancel := f.store.Subscribe(feedBuffer)
	done := make(chan struct{})

	defer func() {
		close(done)
		cancel()
		f.mu.Lock()
		delete(f.conns, c)
		f.mu.Unlock()
		ws.Close()
		f.logger.Debug("change feed client left")
	}()

	if err := c.send(f.snapshot()); err != nil {
		return
	}
	go f.forward(c, changes, done)

	for {
		var msg ClientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.logger.Debug("change feed read failed", slog.Any("error", err))
			}
			return
		}

		switch msg.Type {
		case "ping":
			c.send(FeedMessage{Type: "pong", Timestamp: time.Now()})
		case "snapshot":
			c.send(f.snapshot())
		}
	}
}

// forward writes changes and periodic pings until the client goes away
func (f *ChangeFeed) forward(c *feedConn, changes <-chan store.Change, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			msg := FeedMessage{Type: "change", Timestamp: time.Now(), Change: &change}
			if change.Kind == store.ChangeExecution {
				snap := f.recovery.Snapshot()
				msg.Recovery = &snap
			}
			if err := c.send(msg); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func (f *ChangeFeed) snapshot() FeedMessage {
	state := f.store.Snapshot()
	rec := f.recovery.Snapshot()
	return FeedMessage{Type: "snapshot", Timestamp: time.Now(), State: &state, Recovery: &rec}
}

// Clients returns the number of connected clients
func (f *ChangeFeed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Close disconnects every client and refuses new ones
func (f *ChangeFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	for c := range f.conns {
		c.conn.Close()
	}
}
