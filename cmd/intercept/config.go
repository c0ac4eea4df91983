package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/always-cache/intercept"
	"github.com/always-cache/intercept/handlers"
	responsetransformer "github.com/always-cache/intercept/pkg/response-transformer"
	"github.com/always-cache/intercept/routes"
)

type Config struct {
	Port   int    `yaml:"port"`
	Origin string `yaml:"origin"`
	Host   string `yaml:"host"`
	// Hosts other than the scope host that requests may be sent to.
	AllowedHosts []string `yaml:"allowedHosts"`
	// Externally visible URL, http://localhost:<port>/ if empty.
	Scope       string `yaml:"scope"`
	Diagnostics bool   `yaml:"diagnostics"`
	// Cache db file name, "memory" for an in-memory db or "map" for the map-backed cache.
	Store string `yaml:"store"`
	// Lifetime of stored responses without explicit freshness.
	TTL     time.Duration             `yaml:"ttl"`
	Breaker ConfigBreaker             `yaml:"breaker"`
	Rules   responsetransformer.Rules `yaml:"rules"`
	Routes  []ConfigRoute             `yaml:"routes"`
	Default string                    `yaml:"default"`
	Catch   *ConfigStatic             `yaml:"catch"`
}

// ConfigRoute needs exactly one of URL, RegExp, Pattern and Navigation.
type ConfigRoute struct {
	Method     string            `yaml:"method"`
	URL        string            `yaml:"url"`
	RegExp     string            `yaml:"regexp"`
	Pattern    string            `yaml:"pattern"`
	Navigation *ConfigNavigation `yaml:"navigation"`
	Handler    string            `yaml:"handler"`
	Catch      *ConfigStatic     `yaml:"catch"`
}

// ConfigBreaker makes origin requests fail fast after consecutive failures.
type ConfigBreaker struct {
	Failures uint32        `yaml:"failures"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ConfigNavigation struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

type ConfigStatic struct {
	Status      int    `yaml:"status"`
	ContentType string `yaml:"contentType"`
	Body        string `yaml:"body"`
}

func (s ConfigStatic) handler() handlers.Static {
	header := http.Header{}
	if s.ContentType != "" {
		header.Set("Content-Type", s.ContentType)
	}
	return handlers.Static{Status: s.Status, Header: header, Body: []byte(s.Body)}
}

var errUnknownHandler = errors.New("unknown handler")

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// configureRouter registers the configured routes, default and catch handlers.
// Handler names are looked up in named.
func configureRouter(config Config, router *intercept.Router, named map[string]intercept.Handler, logger *zerolog.Logger) error {
	for i, cr := range config.Routes {
		route, err := cr.route(named, logger)
		if err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
		if err := router.RegisterRoute(route); err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
	}
	if config.Default != "" {
		handler, ok := named[config.Default]
		if !ok {
			return fmt.Errorf("default: %w: %s", errUnknownHandler, config.Default)
		}
		router.SetDefaultHandler(handler)
	}
	if config.Catch != nil {
		router.SetCatchHandler(config.Catch.handler())
	}
	return nil
}

func (cr ConfigRoute) route(named map[string]intercept.Handler, logger *zerolog.Logger) (*intercept.Route, error) {
	handler, ok := named[cr.Handler]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownHandler, cr.Handler)
	}
	var route *intercept.Route
	var err error
	set := 0
	if cr.URL != "" {
		set++
		route, err = routes.NewURLRoute(cr.URL, handler, cr.Method)
	}
	if cr.RegExp != "" {
		set++
		route, err = routes.NewRegExpRoute(cr.RegExp, handler, cr.Method, logger)
	}
	if cr.Pattern != "" {
		set++
		route, err = routes.NewPatternRoute(cr.Pattern, handler, cr.Method)
	}
	if cr.Navigation != nil {
		set++
		route, err = routes.NewNavigationRoute(handler, cr.Navigation.Allow, cr.Navigation.Deny, logger)
	}
	if set != 1 {
		return nil, fmt.Errorf("exactly one of url, regexp, pattern and navigation is required, got %d", set)
	}
	if err != nil {
		return nil, err
	}
	if cr.Catch != nil {
		route.SetCatchHandler(cr.Catch.handler())
	}
	return route, nil
}
