package main

import (
	"context"
	"errors"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"

	"advault/internal/config"
	"advault/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local mirror tree over HTTP",
	Long: `serve exposes the content-addressed object store read-only, so the
configured public base URL can point at a deployment of this process instead
of a static file host.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveMirror()
	},
}

func serveMirror() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return exitWith(exitUsage, err)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return exitWith(exitUsage, err)
	}
	defer log.Sync() //nolint:errcheck

	if _, err := os.Stat(cfg.ObjectStore.LocalRoot); err != nil {
		return exitWith(exitUsage, err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})
	r.Get("/debug/vars", expvar.Handler().ServeHTTP)

	fs := http.FileServer(http.Dir(cfg.ObjectStore.LocalRoot))
	r.Handle("/*", fs)

	srv := &http.Server{
		Addr:         cfg.Serve.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  time.Minute,
	}

	shutdown := make(chan error)
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		s := <-quit

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		log.Infow("signal caught, shutting down", "signal", s.String())
		shutdown <- srv.Shutdown(ctx)
	}()

	log.Infow("mirror server started", "addr", cfg.Serve.Addr, "root", cfg.ObjectStore.LocalRoot)
	err = srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return exitWith(exitUsage, err)
	}
	if err := <-shutdown; err != nil {
		return exitWith(exitUsage, err)
	}
	log.Infow("mirror server stopped")
	return nil
}
