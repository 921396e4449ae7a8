package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/rpattn/journaled/internal/entityloader"
	"github.com/rpattn/journaled/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
)

// RouterConfig carries the transport-level collaborators of NewRouter.
type RouterConfig struct {
	AllowedOrigins []string
	Logger         *slog.Logger
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Versions backs the per-request version loader.
	Versions entityloader.VersionFetcher
}

// NewRouter wires every endpoint behind CORS, request logging and actor
// extraction.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.LoggingMiddleware(logger))
	r.Use(middleware.ActorMiddleware)
	if cfg.Versions != nil {
		r.Use(middleware.DataLoaderMiddleware(cfg.Versions))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	h.Register(r)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", middleware.ActorHeader},
		AllowCredentials: true,
	})
	return c.Handler(r)
}
