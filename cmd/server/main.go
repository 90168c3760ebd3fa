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

	"github.com/go-chi/chi/v5"

	"github.com/docquery/docquery"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (yaml or json)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := docquery.New(ctx, cfg)
	if err != nil {
		slog.Error("creating app", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	h := newHandler(app)

	r := chi.NewRouter()
	r.Use(recoveryMiddleware)
	r.Use(logMiddleware)

	r.Get("/health", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware)

		r.Post("/query", h.handleQuery)
		r.Post("/query/stream", h.handleQueryStream)
		r.Post("/search", h.handleSearch)

		r.Post("/documents", h.handleUpload)
		r.Get("/documents", h.handleListDocuments)
		r.Get("/documents/{id}", h.handleGetDocument)
		r.Get("/documents/{id}/chunks", h.handleGetChunks)
		r.Delete("/documents/{id}", h.handleDeleteDocument)
		r.Post("/documents/{id}/retry", h.handleRetryDocument)

		r.Get("/cache/stats", h.handleCacheStats)
	})

	srv := &http.Server{
		Addr:         *addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	slog.Info("server stopped")
}
