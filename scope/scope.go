// Package scope is an HTTP platform for the intercept router.
// Every request to the server is delivered to the fetch listeners;
// requests nobody responds to are passed through to the origin.
// Structured messages arrive over a websocket and are delivered to the message listeners.
package scope

import (
	"context"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/intercept"
)

type Config struct {
	// Externally visible base URL of the server.
	// Request URLs are made absolute with its scheme and host.
	Scope *url.URL
	// Origin requests are passed through to when not responded to.
	Origin url.URL
	// Host header to send to the origin, the origin host if empty.
	OriginHost string
	Transport  http.RoundTripper
	Logger     *zerolog.Logger
}

// Server implements intercept.Platform.
type Server struct {
	scope        *url.URL
	origin       url.URL
	reverseproxy httputil.ReverseProxy
	upgrader     websocket.Upgrader

	mu       sync.RWMutex
	fetch    []func(intercept.FetchEvent)
	messages []func(intercept.MessageEvent)
	// open message connections
	conns map[*websocket.Conn]struct{}
	// set by Shutdown, no lifetimes are extended after that
	closing bool

	// lifetimes extended with WaitUntil
	pending sync.WaitGroup

	log zerolog.Logger
}

func New(config Config) *Server {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	s := &Server{
		scope:  config.Scope,
		origin: config.Origin,
		conns:  make(map[*websocket.Conn]struct{}),
		log:    logger.With().Str("component", "scope").Logger(),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	s.reverseproxy = httputil.ReverseProxy{
		Director:  createDirector(config.Origin.Scheme, config.Origin.Host, config.OriginHost),
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Error().Err(err).Str("url", r.URL.String()).Msg("Error connecting to origin")
			http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		},
	}
	return s
}

func (s *Server) OnFetch(listener func(intercept.FetchEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetch = append(s.fetch, listener)
}

func (s *Server) OnMessage(listener func(intercept.MessageEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, listener)
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	event := s.newFetchEvent(r)
	defer s.recover(w, r, event)

	s.mu.RLock()
	listeners := s.fetch
	s.mu.RUnlock()
	for _, listener := range listeners {
		listener(event)
	}

	f := event.response()
	if f == nil {
		event.log.Trace().Msg("Request not responded to, passing through to origin")
		s.escapeHatch(w, r)
		return
	}
	res, err := f.Wait(r.Context())
	if r.Context().Err() != nil {
		event.log.Debug().Msg("Client went away")
		return
	}
	if err != nil || res == nil {
		event.log.Warn().Err(err).Msg("Response failed")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	s.writeResponse(w, res, event.log)
}

// recover recovers from panics in listeners and sends the request to the escape hatch
// if no response has been chosen.
func (s *Server) recover(w http.ResponseWriter, r *http.Request, event *fetchEvent) {
	if err := recover(); err != nil {
		event.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in fetch listener")
		if event.response() == nil {
			s.escapeHatch(w, r)
		} else {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	}
}

// escapeHatch proxies the request to the origin.
func (s *Server) escapeHatch(w http.ResponseWriter, r *http.Request) {
	if s.origin.Host == "" {
		http.NotFound(w, r)
		return
	}
	s.reverseproxy.ServeHTTP(w, r)
}

func (s *Server) writeResponse(w http.ResponseWriter, res *http.Response, logger zerolog.Logger) {
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	defer res.Body.Close()
	if _, err := io.Copy(w, res.Body); err != nil {
		logger.Error().Err(err).Msg("Error writing to client")
	}
	logger.Debug().Int("status", res.StatusCode).Msg("Responded")
}

// Shutdown stops accepting messages, closes the open message connections
// and waits until every event lifetime extended with WaitUntil has ended, or ctx is done.
// It is called after the http.Server serving s has been shut down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// absoluteURL returns the URL of the request as seen from the outside.
func (s *Server) absoluteURL(r *http.Request) *url.URL {
	u := *r.URL
	switch {
	case s.scope != nil:
		u.Scheme = s.scope.Scheme
		u.Host = s.scope.Host
	case u.Host == "":
		u.Host = r.Host
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	return &u
}

type event struct {
	ctx    context.Context
	server *Server
	log    zerolog.Logger
}

func (e *event) Context() context.Context {
	return e.ctx
}

func (e *event) WaitUntil(done <-chan struct{}) {
	e.server.mu.RLock()
	defer e.server.mu.RUnlock()
	if e.server.closing {
		e.log.Warn().Msg("Shutting down, not waiting for event")
		return
	}
	e.server.pending.Add(1)
	go func() {
		defer e.server.pending.Done()
		<-done
	}()
}

type fetchEvent struct {
	event
	req *http.Request

	mu     sync.Mutex
	future *intercept.Future
}

func (s *Server) newFetchEvent(r *http.Request) *fetchEvent {
	id := uuid.NewString()
	req := r.Clone(r.Context())
	req.URL = s.absoluteURL(r)
	return &fetchEvent{
		event: event{
			ctx:    r.Context(),
			server: s,
			log: s.log.With().
				Str("event", id).
				Str("method", r.Method).
				Str("url", req.URL.String()).
				Logger(),
		},
		req: req,
	}
}

func (e *fetchEvent) Request() *http.Request {
	return e.req
}

// RespondWith sets the response of the request. Only the first call counts.
func (e *fetchEvent) RespondWith(f *intercept.Future) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.future != nil {
		e.log.Warn().Msg("Request already responded to")
		return
	}
	e.future = f
}

func (e *fetchEvent) response() *intercept.Future {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.future
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		} else {
			req.Host = host
		}
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
