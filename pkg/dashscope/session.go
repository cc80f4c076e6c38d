package dashscope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const defaultHandshakeTimeout = 10 * time.Second

// SessionState tracks the lifecycle of a duplex connection.
type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionOpen
	SessionClosed
	SessionErrored
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionOpen:
		return "open"
	case SessionClosed:
		return "closed"
	case SessionErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Handler receives inbound traffic from a session. Exactly one handler is
// bound per lease; traffic arriving with no handler bound is dropped.
type Handler interface {
	// OnAudio delivers one binary audio frame, in arrival order.
	OnAudio(chunk []byte)

	// OnEvent delivers one parsed control event.
	OnEvent(ev Event)

	// OnClosed reports that the underlying socket closed or errored.
	OnClosed(err error)
}

// SessionConfig holds the parameters for dialing a session.
type SessionConfig struct {
	// URL is the WebSocket endpoint. Defaults to DefaultEndpoint.
	URL string

	// APIKey is the DashScope credential sent as a bearer token.
	APIKey string

	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration
}

// Session is a persistent duplex connection to the synthesis service. It is
// reusable across tasks but owned by at most one task at a time.
type Session struct {
	id   string
	conn *websocket.Conn

	state atomic.Int32

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handler   Handler

	// onTerminate is invoked exactly once, before the handler is notified,
	// when the read loop exits. The pool uses it to evict the session.
	onTerminate func(*Session, error)
}

// Dial establishes a session and starts its read loop. The returned session
// is open; onTerminate fires when the socket later closes or errors.
func Dial(ctx context.Context, cfg SessionConfig, onTerminate func(*Session, error)) (*Session, error) {
	endpoint := cfg.URL
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := cfg.HandshakeTimeout
	if timeout == 0 {
		timeout = defaultHandshakeTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	header := http.Header{}
	header.Set("Authorization", "bearer "+cfg.APIKey)
	header.Set("X-DashScope-DataInspection", "enable")

	conn, _, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	s := &Session{
		id:          uuid.NewString(),
		conn:        conn,
		onTerminate: onTerminate,
	}
	s.state.Store(int32(SessionOpen))

	go s.readLoop()

	return s, nil
}

// ID returns the session identity.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Open reports whether the session can still carry a task.
func (s *Session) Open() bool {
	return s.State() == SessionOpen
}

// Bind attaches a handler for the duration of one lease.
func (s *Session) Bind(h Handler) {
	s.handlerMu.Lock()
	s.handler = h
	s.handlerMu.Unlock()
}

// Unbind detaches h if it is the currently bound handler. A handler that was
// already replaced by a later lease is left alone.
func (s *Session) Unbind(h Handler) {
	s.handlerMu.Lock()
	if s.handler == h {
		s.handler = nil
	}
	s.handlerMu.Unlock()
}

// Close tears down the socket. The read loop observes the closure and runs
// the terminate path.
func (s *Session) Close() error {
	s.state.CompareAndSwap(int32(SessionOpen), int32(SessionClosed))
	return s.conn.Close()
}

func (s *Session) sendCommand(msg commandMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Header.Action, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Header.Action, err)
	}
	return nil
}

func (s *Session) currentHandler() Handler {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	return s.handler
}

var eventMarker = []byte(`"event"`)

// readLoop classifies inbound messages as binary audio or control events and
// dispatches them to the bound handler until the socket closes or errors.
func (s *Session) readLoop() {
	for {
		mt, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.terminate(err)
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			if h := s.currentHandler(); h != nil {
				h.OnAudio(payload)
			}

		case websocket.TextMessage:
			// Cheap pre-check before structured parsing.
			if !bytes.Contains(payload, eventMarker) {
				continue
			}
			var msg eventMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				// Malformed control payloads are ignored, not fatal.
				continue
			}
			if msg.Header.Event == "" {
				continue
			}
			if h := s.currentHandler(); h != nil {
				h.OnEvent(Event{
					Type:         msg.Header.Event,
					TaskID:       msg.Header.TaskID,
					ErrorCode:    msg.Header.ErrorCode,
					ErrorMessage: msg.Header.ErrorMessage,
				})
			}
		}
	}
}

// terminate runs once when the read loop exits. The pool's eviction hook is
// invoked before the handler so a removed session is never re-added to the
// idle set by a late release.
func (s *Session) terminate(err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		s.State() == SessionClosed {
		s.state.Store(int32(SessionClosed))
	} else {
		s.state.Store(int32(SessionErrored))
		log.Printf("[Session] %s read error: %v", s.id, err)
	}
	_ = s.conn.Close()

	if s.onTerminate != nil {
		s.onTerminate(s, err)
	}
	if h := s.currentHandler(); h != nil {
		h.OnClosed(err)
	}
}
