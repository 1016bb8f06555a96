package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/r3labs/sse/v2"
	"github.com/tcmartin/flowconsole/pkg/store"
)

// LogStream is the server-sent events stream carrying operator log entries
const LogStream = "logs"

// Event names on the log stream
const (
	eventLog     = "log"
	eventCleared = "cleared"
)

// LogEvents republishes the operator log buffer as server-sent events on
// the "logs" stream
type LogEvents struct {
	server *sse.Server
	store  *store.Store
	logger *slog.Logger
	cancel func()
	done   chan struct{}
}

// NewLogEvents starts relaying store log changes
func NewLogEvents(st *store.Store, logger *slog.Logger) *LogEvents {
	server := sse.New()
	server.AutoReplay = false
	server.CreateStream(LogStream)

	changes, cancel := st.Subscribe(feedBuffer)
	e := &LogEvents{
		server: server,
		store:  st,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go e.relay(changes)
	return e
}

func (e *LogEvents) relay(changes <-chan store.Change) {
	defer close(e.done)

	for change := range changes {
		switch change.Kind {
		case store.ChangeLog:
			if change.Log == nil {
				continue
			}
			data, err := json.Marshal(change.Log)
			if err != nil {
				e.logger.Error("failed to encode log event", slog.Any("error", err))
				continue
			}
			// no event id: the server expects numeric Last-Event-ID headers
			e.server.Publish(LogStream, &sse.Event{Event: []byte(eventLog), Data: data})
		case store.ChangeLogsClear:
			e.server.Publish(LogStream, &sse.Event{Event: []byte(eventCleared), Data: []byte("{}")})
		}
	}
}

// ServeHTTP serves the event stream. Clients select it with ?stream=logs;
// the stream is chosen for them when the parameter is missing.
func (e *LogEvents) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("stream") == "" {
		q := r.URL.Query()
		q.Set("stream", LogStream)
		r.URL.RawQuery = q.Encode()
	}
	e.server.ServeHTTP(w, r)
}

// Close ends the relay and disconnects every client
func (e *LogEvents) Close() {
	e.cancel()
	<-e.done
	e.server.Close()
}
