package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	hostFlag           string
	scopeFlag          string
	dbFilenameFlag     string
	ttlFlag            time.Duration
	diagnosticsFlag    bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "YAML config file with routes and rules")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (default 8080)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to fetch from and pass unhandled requests to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.StringVar(&scopeFlag, "scope", "", "Externally visible URL of this server")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db, 'map' for map-backed cache)")
	flag.DurationVar(&ttlFlag, "ttl", 0, "Lifetime of stored responses without explicit freshness")
	flag.BoolVar(&diagnosticsFlag, "diagnostics", false, "Validate routes when registering them")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var config Config
	if configFilenameFlag != "" {
		var err error
		if config, err = getConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Str("file", configFilenameFlag).Msg("Could not read config")
		}
	}
	applyFlags(&config)
	if config.Origin == "" {
		log.Warn().Msg("No origin specified, unhandled requests will not be found")
	}

	app, err := newApplication(config, log.Logger, prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up")
	}
	defer app.provider.Close()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: app.handler,
	}
	go func() {
		log.Info().Msgf("Intercepting port %v for origin '%s'", config.Port, config.Origin)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Could not stop server gracefully")
	}
	// close message connections and let cache priming and other extended event lifetimes finish
	if err := app.scope.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Pending events did not finish")
	}
}

// applyFlags overrides the config with the flags that were set.
func applyFlags(config *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			config.Port = portFlag
		case "origin":
			config.Origin = originFlag
		case "host":
			config.Host = hostFlag
		case "scope":
			config.Scope = scopeFlag
		case "db":
			config.Store = dbFilenameFlag
		case "ttl":
			config.TTL = ttlFlag
		case "diagnostics":
			config.Diagnostics = diagnosticsFlag
		}
	})
	if config.Port == 0 {
		config.Port = 8080
	}
	if config.Store == "" {
		config.Store = "cache.db"
	}
}
