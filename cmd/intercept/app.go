package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/always-cache/intercept"
	"github.com/always-cache/intercept/cache"
	"github.com/always-cache/intercept/handlers"
	"github.com/always-cache/intercept/metrics"
	cachekey "github.com/always-cache/intercept/pkg/cache-key"
	"github.com/always-cache/intercept/scope"
)

// internal endpoints live under this prefix, everything else is intercepted
const internalPrefix = "/.intercept"

type application struct {
	router   *intercept.Router
	scope    *scope.Server
	store    *handlers.Store
	provider cache.Provider
	handler  http.Handler
}

func newApplication(config Config, logger zerolog.Logger, reg prometheus.Registerer) (*application, error) {
	origin, err := url.Parse(config.Origin)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	scopeURL, err := url.Parse(config.Scope)
	if err != nil {
		return nil, fmt.Errorf("scope: %w", err)
	}
	if config.Scope == "" {
		scopeURL = &url.URL{Scheme: "http", Host: fmt.Sprintf("localhost:%d", config.Port), Path: "/"}
	}

	var provider cache.Provider
	if config.Store == "map" {
		provider = cache.NewMemory()
	} else if provider, err = cache.NewSQLite(config.Store); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	network := handlers.NewNetwork(handlers.NetworkConfig{
		Origin:          *origin,
		Scope:           scopeURL,
		OriginHost:      config.Host,
		AllowedHosts:    config.AllowedHosts,
		Rules:           config.Rules,
		BreakerFailures: config.Breaker.Failures,
		BreakerTimeout:  config.Breaker.Timeout,
		Logger:          &logger,
	})
	keyer := cachekey.NewCacheKeyer(scopeURL.String())
	store := handlers.NewStore(handlers.StoreConfig{
		Cache:  provider,
		Keyer:  keyer,
		Next:   network,
		TTL:    config.TTL,
		Logger: &logger,
	})
	cacheOnly := handlers.NewStore(handlers.StoreConfig{
		Cache:  provider,
		Keyer:  keyer,
		Logger: &logger,
	})

	router := intercept.New(intercept.Config{
		Scope:       scopeURL,
		Logger:      &logger,
		Diagnostics: config.Diagnostics,
		Tracer: intercept.MultiTracer{
			intercept.LogTracer{Logger: logger.With().Str("component", "trace").Logger()},
			metrics.NewTracer(reg),
		},
	})
	err = configureRouter(config, router, map[string]intercept.Handler{
		"network":    network,
		"store":      store,
		"cache-only": cacheOnly,
	}, &logger)
	if err != nil {
		provider.Close()
		return nil, err
	}

	srv := scope.New(scope.Config{
		Scope:      scopeURL,
		Origin:     *origin,
		OriginHost: config.Host,
		Logger:     &logger,
	})
	router.AddFetchListener(srv)
	router.AddCacheListener(srv)

	app := &application{
		router:   router,
		scope:    srv,
		store:    store,
		provider: provider,
	}

	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	mux := chi.NewRouter()
	mux.Route(internalPrefix, func(r chi.Router) {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		r.HandleFunc("/messages", srv.ServeMessages)
		r.Get("/stored", app.serveStored)
	})
	mux.Handle("/*", srv)
	app.handler = mux

	return app, nil
}

// serveStored lists the URLs of the stored responses.
func (a *application) serveStored(w http.ResponseWriter, r *http.Request) {
	urls, err := a.store.URLs()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(urls)
}
