package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brunobiangulo/kgrag"
	"github.com/brunobiangulo/kgrag/logging"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML or JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(logging.New(os.Stdout, "json", logging.ParseLevel(*logLevel)))

	cfg, err := kgrag.LoadConfig(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	// Fallback: check well-known provider env vars for API keys.
	for _, lc := range []*struct{ provider, key *string }{
		{&cfg.Chat.Provider, &cfg.Chat.APIKey},
		{&cfg.Embedding.Provider, &cfg.Embedding.APIKey},
	} {
		if *lc.key != "" {
			continue
		}
		switch *lc.provider {
		case "openai":
			*lc.key = os.Getenv("OPENAI_API_KEY")
		case "deepseek":
			*lc.key = os.Getenv("DEEPSEEK_API_KEY")
		}
	}

	apiKey := os.Getenv("KGRAG_API_KEY")
	corsOrigins := os.Getenv("KGRAG_CORS_ORIGINS")

	engine, err := kgrag.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	srv := &http.Server{
		Addr:         *addr,
		Handler:      newServer(engine, apiKey, corsOrigins, prometheus.NewRegistry()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // answer streams and builds can be long
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// newServer wires the routes and the middleware chain.
func newServer(engine kgrag.Engine, apiKey, corsOrigins string, reg *prometheus.Registry) http.Handler {
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := newMetrics(reg)
	h := newHandler(engine, m)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /ask", h.handleAsk)
	mux.HandleFunc("POST /route", h.handleRoute)
	mux.HandleFunc("POST /documents/{id}/chunks", h.handleIngest)
	mux.HandleFunc("POST /documents/{id}/build", h.handleBuild)
	mux.HandleFunc("GET /documents/{id}/stats", h.handleStats)
	mux.HandleFunc("GET /documents/{id}/knowledge", h.handleKnowledge)
	mux.HandleFunc("DELETE /documents/{id}", h.handleDeleteDocument)
	mux.HandleFunc("GET /documents", h.handleListDocuments)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(m, handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)
	return handler
}
