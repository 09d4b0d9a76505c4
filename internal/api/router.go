package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/rpattn/importer/internal/auth"
	"github.com/rpattn/importer/internal/middleware"
	"github.com/rpattn/importer/internal/repository"
)

// BasePath is where the import API is mounted.
const BasePath = "/api/data-import"

// RouterConfig carries the cross-cutting HTTP settings.
type RouterConfig struct {
	AllowedOrigins []string
}

// NewRouter mounts the handler under BasePath with health checks, request
// logging, caller identity, per-request process loading and CORS.
func NewRouter(h *Handler, processes repository.ProcessRepository, cfg RouterConfig) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet)

	sub := router.PathPrefix(BasePath).Subrouter()
	sub.Use(middleware.PrincipalMiddleware)
	sub.Use(middleware.DataLoaderMiddleware(processes))
	h.Register(sub)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", auth.HeaderUserID, auth.HeaderElevated},
		ExposedHeaders:   []string{"Content-Disposition"},
	})

	return corsHandler.Handler(middleware.LoggingMiddleware(router))
}
