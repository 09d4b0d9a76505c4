package middleware

import (
	"net/http"

	"github.com/rpattn/importer/internal/processloader"
	"github.com/rpattn/importer/internal/repository"
)

// DataLoaderMiddleware attaches a fresh process loader to every request context
func DataLoaderMiddleware(repo repository.ProcessRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loader := processloader.NewProcessLoader(repo)
			ctx := processloader.WithLoader(r.Context(), loader)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
