package intercept

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Event is a platform event whose lifetime can be extended.
type Event interface {
	// Context of the event.
	Context() context.Context
	// WaitUntil keeps the event alive until done is closed.
	WaitUntil(done <-chan struct{})
}

// FetchEvent is delivered for every request the platform intercepts.
type FetchEvent interface {
	Event
	Request() *http.Request
	// RespondWith makes the future's outcome the response to the request.
	// If it is never called, the platform handles the request itself.
	RespondWith(f *Future)
}

// ReplyPort is a channel for answering a message.
type ReplyPort interface {
	PostMessage(v any) error
}

// MessageEvent is delivered for every structured message sent to the platform.
type MessageEvent interface {
	Event
	// JSON encoded message.
	Data() []byte
	// Reply channels sent along with the message, possibly none.
	Ports() []ReplyPort
}

// Platform delivers events to listeners.
type Platform interface {
	OnFetch(listener func(FetchEvent))
	OnMessage(listener func(MessageEvent))
}

// CacheURLsMessageType is the type of messages asking to handle a list of URLs ahead of time.
const CacheURLsMessageType = "CACHE_URLS"

// Message is the envelope of structured messages.
type Message struct {
	Type    string          `json:"type"`
	Meta    string          `json:"meta,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CacheURLsPayload lists the URLs of a CACHE_URLS message.
type CacheURLsPayload struct {
	URLsToCache []URLEntry `json:"urlsToCache"`
}

// URLEntry is a URL to request, either a bare URL or a [URL, options] pair.
type URLEntry struct {
	URL  string
	Init RequestInit
}

// RequestInit holds the options of a URLEntry.
type RequestInit struct {
	Method  string            `json:"method,omitempty"`
	Mode    string            `json:"mode,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

func (e *URLEntry) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &e.URL)
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("url entry must be a string or an array: %w", err)
	}
	if len(pair) == 0 || len(pair) > 2 {
		return fmt.Errorf("url entry array must have one or two elements, has %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.URL); err != nil {
		return fmt.Errorf("url entry url: %w", err)
	}
	if len(pair) == 2 {
		if err := json.Unmarshal(pair[1], &e.Init); err != nil {
			return fmt.Errorf("url entry options: %w", err)
		}
	}
	return nil
}

func (e URLEntry) MarshalJSON() ([]byte, error) {
	if e.Init.Method == "" && e.Init.Mode == "" && len(e.Init.Headers) == 0 && e.Init.Body == "" {
		return json.Marshal(e.URL)
	}
	return json.Marshal([]any{e.URL, e.Init})
}

// Request creates the request for the entry, resolving relative URLs against base.
func (e URLEntry) Request(ctx context.Context, base *url.URL) (*http.Request, error) {
	u, err := url.Parse(e.URL)
	if err != nil {
		return nil, err
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	var body io.Reader
	if e.Init.Body != "" {
		body = strings.NewReader(e.Init.Body)
	}
	req, err := http.NewRequestWithContext(ctx, normalizeMethod(e.Init.Method), u.String(), body)
	if err != nil {
		return nil, err
	}
	for name, value := range e.Init.Headers {
		req.Header.Set(name, value)
	}
	if e.Init.Mode != "" {
		req.Header.Set("Sec-Fetch-Mode", e.Init.Mode)
	}
	return req, nil
}

// AddFetchListener makes the router respond to the platform's fetch events.
// Requests the router does not handle are left to the platform.
func (r *Router) AddFetchListener(p Platform) {
	p.OnFetch(func(event FetchEvent) {
		f := r.HandleRequest(event.Context(), event.Request(), event)
		if f == nil {
			return
		}
		event.RespondWith(f)
		event.WaitUntil(f.Done())
	})
}

// AddCacheListener makes the router handle the URLs of CACHE_URLS messages.
// The message is replied to with true on its first port once every request has settled.
func (r *Router) AddCacheListener(p Platform) {
	p.OnMessage(func(event MessageEvent) {
		var msg Message
		if err := json.Unmarshal(event.Data(), &msg); err != nil || msg.Type != CacheURLsMessageType {
			return
		}
		var payload CacheURLsPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			r.log.Warn().Err(err).Msg("Could not read URLs to cache")
			return
		}
		r.log.Debug().Int("count", len(payload.URLsToCache)).Msg("Caching URLs from message")

		done := make(chan struct{})
		event.WaitUntil(done)
		go func() {
			defer close(done)
			r.cacheURLs(event.Context(), payload.URLsToCache)
			if ports := event.Ports(); len(ports) > 0 {
				if err := ports[0].PostMessage(true); err != nil {
					r.log.Warn().Err(err).Msg("Could not acknowledge message")
				}
			}
		}()
	})
}

// cacheURLs handles a request for every entry and waits until all of them have settled.
// A failed request does not stop the others. Entries outside the scope are skipped.
func (r *Router) cacheURLs(ctx context.Context, entries []URLEntry) {
	var g errgroup.Group
	for _, entry := range entries {
		req, err := entry.Request(ctx, r.scope)
		if err != nil {
			r.log.Warn().Err(err).Str("url", entry.URL).Msg("Could not create request to cache")
			continue
		}
		if !r.inScope(req.URL) {
			r.log.Warn().Str("url", req.URL.String()).Msg("Not caching URL outside of scope")
			continue
		}
		f := r.HandleRequest(ctx, req, nil)
		if f == nil {
			continue
		}
		g.Go(func() error {
			if _, err := f.Result(); err != nil {
				return fmt.Errorf("%s: %w", req.URL, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Warn().Err(err).Msg("Could not cache all URLs")
	}
}

// inScope reports whether u is below the scope URL. Everything is in scope without one.
func (r *Router) inScope(u *url.URL) bool {
	if r.scope == nil {
		return true
	}
	return strings.EqualFold(u.Scheme, r.scope.Scheme) &&
		strings.EqualFold(u.Host, r.scope.Host) &&
		strings.HasPrefix(u.Path, r.scope.Path)
}
