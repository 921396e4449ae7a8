package middleware

import (
	"context"
	"net/http"

	"github.com/rpattn/journaled/internal/entityloader"
)

type ctxKey string

const versionLoaderKey ctxKey = "versionLoader"

// DataLoaderMiddleware attaches a fresh version loader to every request
func DataLoaderMiddleware(fetch entityloader.VersionFetcher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loader := entityloader.NewVersionLoader(fetch)
			ctx := context.WithValue(r.Context(), versionLoaderKey, loader)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// VersionLoaderFromContext retrieves the version loader from context
func VersionLoaderFromContext(ctx context.Context) *entityloader.VersionLoader {
	if l, ok := ctx.Value(versionLoaderKey).(*entityloader.VersionLoader); ok {
		return l
	}
	return nil
}
