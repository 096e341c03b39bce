package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rttracer/internal/config"
	"rttracer/internal/logger"
	"rttracer/internal/metrics"
	"rttracer/internal/trace"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	version = "0.1.0"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		// Clean exit (config generation).
		return
	}

	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure loggers: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		log.Fatal().Msg("No command to trace; usage: rttracer [flags] -- command [args...]")
	}

	log.Info().
		Str("version", version).
		Str("listen_address", cfg.Server.ListenAddress).
		Str("trace_dir", cfg.Tracer.TraceDir).
		Strs("command", args).
		Msg("Starting tracer")

	if cfg.Server.PprofEnabled {
		go func() {
			log.Info().Msg("Starting pprof HTTP server on localhost:6060")
			http.ListenAndServe("localhost:6060", nil)
		}()
	}

	// Context for graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	registry := prometheus.NewRegistry()
	recorder := metrics.NewPromRecorder(registry)
	log.Debug().Msg("- Metrics initialized")

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
            <head><title>rttracer</title></head>
            <body>
            <h1>rttracer v` + version + `</h1>
            <p><a href="` + cfg.Server.MetricsPath + `">Metrics</a></p>
            </body>
            </html>`))
	})

	srv := &http.Server{Addr: cfg.Server.ListenAddress, Handler: mux}
	go func() {
		log.Info().Str("address", cfg.Server.ListenAddress).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	tracer, err := trace.Launch(cfg.Tracer, recorder, args)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to launch tracee")
	}
	log.Debug().Msg("- Tracee launched")

	runErr := tracer.Run(ctx)

	// Tracing finished (or was cancelled); shut the HTTP server down.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	if runErr != nil && runErr != context.Canceled {
		log.Fatal().Err(runErr).Msg("Tracing failed")
	}
	log.Info().Msg("Tracer stopped gracefully")
}
