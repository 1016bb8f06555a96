// Package enginetest provides a fake remote engine for tests: canned HTTP
// command responses and a websocket stream the test drives.
package enginetest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// Reply produces the HTTP status and JSON body for a command
type Reply func(body []byte) (int, interface{})

// Server is a fake engine
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu       sync.Mutex
	replies  map[string]Reply
	calls    map[string][][]byte
	order    []string
	conns    []*websocket.Conn
	dialed   int
	received []map[string]interface{}
}

// New starts a fake engine that answers every command with {"status":"ok"}
func New(t testing.TB) *Server {
	s := &Server{
		replies: make(map[string]Reply),
		calls:   make(map[string][][]byte),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Close shuts down the server and every stream connection
func (s *Server) Close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	s.Server.Close()
}

// Reply sets the response for a command path
func (s *Server) Reply(path string, reply Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[path] = reply
}

// ReplyJSON sets a fixed 200 response for a command path
func (s *Server) ReplyJSON(path string, body interface{}) {
	s.Reply(path, func([]byte) (int, interface{}) { return http.StatusOK, body })
}

// Calls returns the request bodies received on path
func (s *Server) Calls(path string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte{}, s.calls[path]...)
}

// Order returns every command path and stream connect ("/ws") in arrival order
func (s *Server) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.order...)
}

// Dialed returns how many stream connections were accepted
func (s *Server) Dialed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialed
}

// OpenConns returns the stream connections the engine still considers open
func (s *Server) OpenConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// WaitConns blocks until n stream connections are open
func (s *Server) WaitConns(t testing.TB, n int) {
	require.Eventually(t, func() bool { return s.OpenConns() == n }, 2*time.Second, 5*time.Millisecond)
}

// Received returns the messages clients sent over the stream
func (s *Server) Received() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]interface{}{}, s.received...)
}

// WaitReceived blocks until at least n client messages arrived
func (s *Server) WaitReceived(t testing.TB, n int) []map[string]interface{} {
	require.Eventually(t, func() bool { return len(s.Received()) >= n }, 2*time.Second, 5*time.Millisecond)
	return s.Received()
}

// Push sends a raw message to every open stream connection
func (s *Server) Push(t testing.TB, msg interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conns {
		require.NoError(t, c.WriteJSON(msg))
	}
}

// PushRaw sends a raw text frame to every open stream connection
func (s *Server) PushRaw(t testing.TB, frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conns {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(frame)))
	}
}

// Log pushes a log line
func (s *Server) Log(t testing.TB, level, message string) {
	s.Push(t, map[string]interface{}{"type": "log", "level": level, "message": message})
}

// Status pushes a status event
func (s *Server) Status(t testing.TB, status string, data map[string]interface{}) {
	msg := map[string]interface{}{"type": "status", "status": status}
	if data != nil {
		msg["data"] = data
	}
	s.Push(t, msg)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/ws" {
		s.serveStream(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.calls[r.URL.Path] = append(s.calls[r.URL.Path], body)
	s.order = append(s.order, r.URL.Path)
	reply, ok := s.replies[r.URL.Path]
	s.mu.Unlock()

	code, resp := http.StatusOK, interface{}(map[string]string{"status": "ok"})
	if ok {
		code, resp = reply(body)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	// recorded before the handshake completes so Order is deterministic
	s.mu.Lock()
	s.order = append(s.order, "/ws")
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.dialed++
	s.mu.Unlock()

	defer s.drop(conn)
	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()
	}
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	conn.Close()
}
