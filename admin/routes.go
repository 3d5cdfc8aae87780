package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/hemlock-io/relay/telemetry"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()

	// Health is unauthenticated so load balancers can probe it
	r.Get("/health", handlers.handleHealth)

	r.Route("/deadletters", func(r chi.Router) {
		r.Use(AuthMiddleware)
		r.Get("/", handlers.handleListDeadLetters)
		r.Get("/{eventID}", handlers.handleGetDeadLetter)
		r.Post("/{eventID}/replay", handlers.handleReplayDeadLetter)
		r.Delete("/{eventID}", handlers.handlePurgeDeadLetter)
	})

	r.With(AuthMiddleware).Get("/cursors", handlers.handleCursors)
	r.With(AuthMiddleware).Get("/cache/stats", handlers.handleCacheStats)

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	if metricsHandler := telemetry.GetMetricsHandler(); metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// pathParam reads a chi URL parameter
func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// Serve runs the admin listener until ctx is cancelled
func Serve(ctx context.Context, bindAddress string, port int, handlers *AdminHandlers) error {
	mux := http.NewServeMux()
	RegisterRoutes(mux, handlers)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", bindAddress, port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	log.Info().Str("addr", server.Addr).Msg("Admin API listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
