// Package handlers contains the handlers the intercept binary routes requests to:
// the origin over the network, stored responses and a static fallback.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/always-cache/intercept"
	responsetransformer "github.com/always-cache/intercept/pkg/response-transformer"
	tee "github.com/always-cache/intercept/pkg/response-writer-tee"
)

var (
	ErrNoOrigin    = errors.New("no origin configured")
	ErrCrossOrigin = errors.New("cross-origin request not allowed")
)

type NetworkConfig struct {
	// Requests for the scope origin are sent here.
	// Cross-origin requests are sent to their own origin if AllowedHosts lists it,
	// and refused with ErrCrossOrigin otherwise.
	Origin url.URL
	// Scope the requests come from, every request is sent to Origin if nil.
	Scope *url.URL
	// Host header to send to the origin, the origin host if empty.
	OriginHost string
	// Hosts, with port if not the default, cross-origin requests may be sent to.
	AllowedHosts []string
	Transport    http.RoundTripper
	// Rules applied to the headers of origin responses.
	Rules responsetransformer.Rules
	// Consecutive failures after which requests fail fast for BreakerTimeout.
	// No circuit breaker is used if zero.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Logger          *zerolog.Logger
}

// Network fetches responses from the origin using a reverse proxy.
type Network struct {
	origin       url.URL
	scope        *url.URL
	allowedHosts []string
	reverseproxy httputil.ReverseProxy
	breaker      *gobreaker.CircuitBreaker
	log          zerolog.Logger
}

type proxyErrorKey struct{}

type proxyError struct {
	err error
}

func NewNetwork(config NetworkConfig) *Network {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	n := &Network{
		origin:       config.Origin,
		scope:        config.Scope,
		allowedHosts: config.AllowedHosts,
		log:          logger.With().Str("handler", "network").Logger(),
	}
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	n.reverseproxy = httputil.ReverseProxy{
		Director:       createDirector(config.Origin.Scheme, config.Origin.Host, config.OriginHost),
		Transport:      transport,
		ModifyResponse: config.Rules.Modifier(n.log),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if pe, ok := r.Context().Value(proxyErrorKey{}).(*proxyError); ok {
				pe.err = err
			}
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	if config.BreakerFailures > 0 {
		n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    config.Origin.Host,
			Timeout: config.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= config.BreakerFailures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				n.log.Info().Str("from", from.String()).Str("to", to.String()).Msg("Origin circuit breaker state change")
			},
		})
	}
	return n
}

func (n *Network) Handle(opts intercept.HandlerOptions) (*http.Response, error) {
	if n.origin.Host == "" {
		return nil, ErrNoOrigin
	}
	if !n.forOrigin(opts.URL) && !n.allowed(opts.URL) {
		n.log.Warn().Str("url", opts.URL.String()).Msg("Refusing cross-origin request")
		return nil, fmt.Errorf("%w: %s", ErrCrossOrigin, opts.URL.Host)
	}
	if n.breaker == nil {
		return n.fetch(opts)
	}
	res, err := n.breaker.Execute(func() (interface{}, error) {
		return n.fetch(opts)
	})
	if err != nil {
		return nil, err
	}
	return res.(*http.Response), nil
}

func (n *Network) fetch(opts intercept.HandlerOptions) (*http.Response, error) {
	pe := &proxyError{}
	ctx := context.WithValue(opts.Context, proxyErrorKey{}, pe)
	req := opts.Request.Clone(ctx)
	req.URL = opts.URL
	if !n.forOrigin(opts.URL) {
		req.Host = opts.URL.Host
		req.Header.Set(crossOriginHeader, "1")
	}

	saver := tee.NewResponseSaver(nil)
	n.log.Trace().Str("method", req.Method).Str("url", req.URL.String()).Msg("Fetching from origin")
	n.reverseproxy.ServeHTTP(saver, req)
	if pe.err != nil {
		n.log.Debug().Err(pe.err).Str("url", opts.URL.String()).Msg("Origin request failed")
		return nil, fmt.Errorf("fetch %s: %w", opts.URL, pe.err)
	}
	n.log.Debug().Int("status", saver.StatusCode()).Str("url", opts.URL.String()).Msg("Got origin response")
	return saver.Response(opts.Request), nil
}

// crossOriginHeader tells the director to keep the URL host of the request.
// It is removed before the request is sent.
const crossOriginHeader = "Intercept-Cross-Origin"

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		if req.Header.Get(crossOriginHeader) != "" {
			req.Header.Del(crossOriginHeader)
			return
		}
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		} else {
			req.Host = host
		}
	}
}

func (n *Network) forOrigin(u *url.URL) bool {
	if n.scope == nil || u.Host == "" {
		return true
	}
	return strings.EqualFold(u.Scheme, n.scope.Scheme) && strings.EqualFold(u.Host, n.scope.Host)
}

func (n *Network) allowed(u *url.URL) bool {
	for _, host := range n.allowedHosts {
		if strings.EqualFold(host, u.Host) {
			return true
		}
	}
	return false
}
