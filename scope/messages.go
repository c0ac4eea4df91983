package scope

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/always-cache/intercept"
)

const maxMessageSize = 1 << 20

// ServeMessages delivers messages to the message listeners.
// Over a websocket, every text message is an event whose reply port writes JSON back
// to the same connection. A plain POST delivers its body as a single event without ports.
func (s *Server) ServeMessages(w http.ResponseWriter, r *http.Request) {
	// event lifetimes outlive the connection
	ctx := context.WithoutCancel(r.Context())

	if s.isClosing() {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		if r.Method != http.MethodPost {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		if !s.checkOrigin(r) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.dispatchMessage(ctx, data, nil)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Could not upgrade message connection")
		return
	}
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)
	conn.SetReadLimit(maxMessageSize)

	port := &replyPort{conn: conn}
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("Message connection closed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.dispatchMessage(ctx, data, []intercept.ReplyPort{port})
	}
}

func (s *Server) dispatchMessage(ctx context.Context, data []byte, ports []intercept.ReplyPort) {
	if s.isClosing() {
		s.log.Debug().Msg("Shutting down, dropping message")
		return
	}
	event := &messageEvent{
		event: event{
			ctx:    ctx,
			server: s,
			log:    s.log.With().Str("event", uuid.NewString()).Logger(),
		},
		data:  data,
		ports: ports,
	}
	event.log.Trace().Int("size", len(data)).Msg("Message received")

	s.mu.RLock()
	listeners := s.messages
	s.mu.RUnlock()
	for _, listener := range listeners {
		s.deliver(listener, event)
	}
}

func (s *Server) deliver(listener func(intercept.MessageEvent), event *messageEvent) {
	defer func() {
		if err := recover(); err != nil {
			event.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in message listener")
		}
	}()
	listener(event)
}

type messageEvent struct {
	event
	data  []byte
	ports []intercept.ReplyPort
}

func (e *messageEvent) Data() []byte {
	return e.data
}

func (e *messageEvent) Ports() []intercept.ReplyPort {
	return e.ports
}

type replyPort struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// PostMessage writes v as JSON to the connection.
// Gorilla connections support one concurrent writer.
func (p *replyPort) PostMessage(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(v)
}

// checkOrigin accepts requests without an Origin header
// and requests from the scope host, or the requested host if there is no scope.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := r.Host
	if s.scope != nil {
		host = s.scope.Host
	}
	return strings.EqualFold(u.Host, host)
}

func (s *Server) isClosing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closing
}

// track registers an open connection. It returns false when shutting down.
func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}
