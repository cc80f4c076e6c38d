// Package dashscopetest provides a fake synthesis upstream for tests. It
// accepts WebSocket connections and hands each one to a scripted handler that
// speaks the duplex task grammar.
package dashscopetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/gorilla/websocket"
)

// Command is a decoded outbound control envelope as received by the fake
// upstream.
type Command struct {
	Header struct {
		Action    string `json:"action"`
		TaskID    string `json:"task_id"`
		Streaming string `json:"streaming"`
	} `json:"header"`
	Payload struct {
		Model      string          `json:"model"`
		Parameters json.RawMessage `json:"parameters"`
		Input      struct {
			Text string `json:"text"`
		} `json:"input"`
	} `json:"payload"`
}

// Conn wraps one upstream-side connection with protocol helpers.
type Conn struct {
	WS *websocket.Conn
}

// ReadCommand blocks for the next control message from the sidecar.
func (c *Conn) ReadCommand() (Command, error) {
	var cmd Command
	for {
		mt, data, err := c.WS.ReadMessage()
		if err != nil {
			return cmd, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		if err := json.Unmarshal(data, &cmd); err != nil {
			return cmd, err
		}
		return cmd, nil
	}
}

// SendEvent emits a control event envelope.
func (c *Conn) SendEvent(event, taskID string) error {
	return c.WS.WriteJSON(map[string]any{
		"header": map[string]any{
			"event":   event,
			"task_id": taskID,
		},
		"payload": map[string]any{},
	})
}

// SendTaskFailed emits a task-failed envelope with error details.
func (c *Conn) SendTaskFailed(taskID, code, message string) error {
	return c.WS.WriteJSON(map[string]any{
		"header": map[string]any{
			"event":         "task-failed",
			"task_id":       taskID,
			"error_code":    code,
			"error_message": message,
		},
		"payload": map[string]any{},
	})
}

// SendAudio emits one binary audio frame.
func (c *Conn) SendAudio(chunk []byte) error {
	return c.WS.WriteMessage(websocket.BinaryMessage, chunk)
}

// SendRaw emits an arbitrary text frame, for malformed-payload tests.
func (c *Conn) SendRaw(payload string) error {
	return c.WS.WriteMessage(websocket.TextMessage, []byte(payload))
}

// Close tears down the upstream side of the connection.
func (c *Conn) Close() error {
	return c.WS.Close()
}

// Upstream is a fake synthesis service bound to an httptest server.
type Upstream struct {
	srv *httptest.Server

	// URL is the ws:// endpoint to dial.
	URL string
}

// New starts a fake upstream. handler runs once per accepted connection, on
// its own goroutine.
func New(handler func(c *Conn)) *Upstream {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(&Conn{WS: ws})
	}))
	return &Upstream{
		srv: srv,
		URL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// Close shuts the fake upstream down.
func (u *Upstream) Close() {
	u.srv.Close()
}

// Synthesize returns a handler that speaks the happy path for any number of
// consecutive tasks on one connection: task-started on run-task, then the
// given audio chunks followed by task-finished once finish-task arrives.
func Synthesize(chunks ...[]byte) func(c *Conn) {
	return func(c *Conn) {
		for {
			cmd, err := c.ReadCommand()
			if err != nil {
				return
			}
			switch cmd.Header.Action {
			case "run-task":
				if err := c.SendEvent("task-started", cmd.Header.TaskID); err != nil {
					return
				}
			case "finish-task":
				for _, chunk := range chunks {
					if err := c.SendAudio(chunk); err != nil {
						return
					}
				}
				if err := c.SendEvent("task-finished", cmd.Header.TaskID); err != nil {
					return
				}
			}
		}
	}
}

// Idle returns a handler that accepts the connection and consumes commands
// without ever answering, for pool and timeout tests.
func Idle() func(c *Conn) {
	return func(c *Conn) {
		for {
			if _, err := c.ReadCommand(); err != nil {
				return
			}
		}
	}
}
