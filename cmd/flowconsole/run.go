package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/r3labs/sse/v2"
	"github.com/spf13/cobra"
	"github.com/tcmartin/flowconsole/pkg/api"
	"github.com/tcmartin/flowconsole/pkg/models"
	"github.com/tcmartin/flowconsole/pkg/recovery"
	"github.com/tcmartin/flowconsole/pkg/store"
)

func newRunCmd() *cobra.Command {
	var (
		from   int
		detach bool
	)

	cmd := &cobra.Command{
		Use:   "run [flow]",
		Short: "Run a flow and resolve step failures interactively",
		Long: "Runs the given flow, or the active flow when none is named. Unless --detach is set the " +
			"command streams the run's log and prompts for a decision whenever a step fails.",
		Args: cobra.MaximumNArgs(1),
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			if len(args) == 1 {
				f, err := resolveFlow(c, args[0])
				if err != nil {
					return err
				}
				if err := c.do(http.MethodPut, "/active-flow", map[string]string{"id": f.ID}, nil); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("from") {
				if err := c.do(http.MethodPut, "/start-step", map[string]int{"index": from}, nil); err != nil {
					return err
				}
			}

			if detach {
				var resp map[string]string
				if err := c.do(http.MethodPost, "/run", nil, &resp); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Run started (status: %s)\n", resp["status"])
				return nil
			}

			w, err := dialFeed(c)
			if err != nil {
				return err
			}
			defer w.close()

			if err := c.do(http.MethodPost, "/run", nil, nil); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return w.watch(ctx, c, bufio.NewReader(cmd.InOrStdin()), cmd.OutOrStdout())
		}),
	}
	cmd.Flags().IntVar(&from, "from", 0, "Enabled-step index to start from")
	cmd.Flags().BoolVar(&detach, "detach", false, "Start the run and return immediately")
	return cmd
}

// runWatcher follows a run over the change feed. The feed answers snapshot
// requests in order, so counting them tells which snapshots predate a
// decision the operator already made.
type runWatcher struct {
	conn *websocket.Conn
	msgs chan api.FeedMessage
	errs chan error

	requested int
	answered  int
	staleUpTo int
}

func dialFeed(c *apiClient) (*runWatcher, error) {
	wsURL := "ws" + strings.TrimPrefix(c.url("/ws"), "http")
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to change feed: %w", err)
	}

	w := &runWatcher{
		conn: conn,
		msgs: make(chan api.FeedMessage, 64),
		errs: make(chan error, 1),
	}
	go w.read()
	return w, nil
}

func (w *runWatcher) read() {
	for {
		var msg api.FeedMessage
		if err := w.conn.ReadJSON(&msg); err != nil {
			w.errs <- err
			return
		}
		w.msgs <- msg
	}
}

func (w *runWatcher) close() {
	w.conn.Close()
}

func (w *runWatcher) requestSnapshot() error {
	if err := w.conn.WriteJSON(api.ClientMessage{Type: "snapshot"}); err != nil {
		return err
	}
	w.requested++
	return nil
}

// watch prints log lines, prompts on failures and returns when the run
// reaches a terminal status
func (w *runWatcher) watch(ctx context.Context, c *apiClient, in *bufio.Reader, out io.Writer) error {
	// The feed's first message predates the run; ask for a fresh one
	if err := w.requestSnapshot(); err != nil {
		return fmt.Errorf("failed to request snapshot: %w", err)
	}

	initial := true
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "Detached; the run continues on the console")
			return nil
		case err := <-w.errs:
			return fmt.Errorf("change feed closed: %w", err)
		case msg := <-w.msgs:
			switch msg.Type {
			case "change":
				if msg.Change == nil {
					continue
				}
				if msg.Change.Kind == store.ChangeLog && msg.Change.Log != nil {
					printLog(out, *msg.Change.Log)
				}
				if msg.Change.Kind == store.ChangeExecution {
					if err := w.requestSnapshot(); err != nil {
						return fmt.Errorf("failed to request snapshot: %w", err)
					}
				}
			case "snapshot":
				if msg.State == nil {
					continue
				}
				if initial {
					initial = false
					continue
				}
				w.answered++
				if w.answered <= w.staleUpTo {
					continue
				}

				if msg.Recovery != nil && msg.Recovery.Failure != nil {
					// Another console may already be editing the selector
					if msg.Recovery.State != recovery.StateNone {
						continue
					}
					if err := resolveFailure(c, *msg.Recovery.Failure, in, out); err != nil {
						return err
					}
					w.staleUpTo = w.requested
					if err := w.requestSnapshot(); err != nil {
						return fmt.Errorf("failed to request snapshot: %w", err)
					}
					continue
				}

				status := msg.State.Status
				if status.Terminal() {
					fmt.Fprintf(out, "Run finished: %s\n", status)
					if status == models.StatusError {
						return errors.New("run failed")
					}
					return nil
				}
			}
		}
	}
}

// resolveFailure asks the operator what to do about a failed step and
// submits the decision
func resolveFailure(c *apiClient, f models.StepFailureInfo, in *bufio.Reader, out io.Writer) error {
	fmt.Fprintf(out, "\nStep %d failed: %s\n", f.StepIndex+1, f.StepDescription)
	fmt.Fprintf(out, "  error: %s\n", f.Error)
	if f.SelectorValue != "" {
		fmt.Fprintf(out, "  selector: %s=%s\n", f.SelectorType, f.SelectorValue)
	}

	for {
		fmt.Fprint(out, "[r]etry, [e]dit selector and retry, [s]kip, [x] stop: ")
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read decision: %w", err)
		}

		var action string
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "r", "retry":
			action = "retry"
		case "s", "skip":
			action = "skip"
		case "x", "stop":
			action = "stop"
		case "e", "edit":
			if err := editSelector(c, f, in, out); err != nil {
				fmt.Fprintf(out, "Edit failed: %v\n", err)
				continue
			}
			action = "retry"
		default:
			continue
		}

		err = c.do(http.MethodPost, "/recovery/"+action, nil, nil)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			fmt.Fprintln(out, "The failure was already resolved")
			return nil
		}
		return err
	}
}

func editSelector(c *apiClient, f models.StepFailureInfo, in *bufio.Reader, out io.Writer) error {
	if err := c.do(http.MethodPost, "/recovery/edit", nil, nil); err != nil {
		return err
	}

	selType := f.SelectorType
	if selType == "" {
		selType = string(models.SelectorName)
	}
	fmt.Fprintf(out, "Selector type [%s]: ", selType)
	line, _ := in.ReadString('\n')
	if v := strings.TrimSpace(line); v != "" {
		selType = v
	}

	fmt.Fprint(out, "Selector value: ")
	line, _ = in.ReadString('\n')
	value := strings.TrimSpace(line)

	err := c.do(http.MethodPost, "/recovery/confirm", map[string]string{"selectorType": selType, "selectorValue": value}, nil)
	if err != nil {
		c.do(http.MethodPost, "/recovery/cancel", nil, nil)
	}
	return err
}

func newLogsCmd() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the operator log",
		Args:  cobra.NoArgs,
		RunE: clientRunE(func(cmd *cobra.Command, c *apiClient, args []string) error {
			var entries []models.LogEntry
			if err := c.do(http.MethodGet, "/logs", nil, &entries); err != nil {
				return err
			}
			for _, e := range entries {
				printLog(cmd.OutOrStdout(), e)
			}
			if !follow {
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return tailLogs(ctx, c, cmd.OutOrStdout())
		}),
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream new entries")
	return cmd
}

// tailLogs prints entries from the server-sent log stream until ctx ends
func tailLogs(ctx context.Context, c *apiClient, out io.Writer) error {
	client := sse.NewClient(c.url("/events"))
	if c.token != "" {
		client.Headers["Authorization"] = "Bearer " + c.token
	}

	err := client.SubscribeWithContext(ctx, api.LogStream, func(ev *sse.Event) {
		switch string(ev.Event) {
		case "log":
			var entry models.LogEntry
			if err := json.Unmarshal(ev.Data, &entry); err == nil {
				printLog(out, entry)
			}
		case "cleared":
			fmt.Fprintln(out, "-- log cleared --")
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("log stream failed: %w", err)
	}
	return nil
}

func printLog(out io.Writer, e models.LogEntry) {
	fmt.Fprintf(out, "%s %-7s %s\n", e.Timestamp.Local().Format("15:04:05"), strings.ToUpper(string(e.Level)), e.Message)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
