package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rpattn/journaled/internal/auth"
	"github.com/rpattn/journaled/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingMiddlewareRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/entities/issue", nil))

	assert.Contains(t, buf.String(), "status=418")
	assert.Contains(t, buf.String(), "path=/entities/issue")
}

func TestActorMiddleware(t *testing.T) {
	var seen domain.Actor
	handler := ActorMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.ActorFromContext(r.Context())
	}))

	id := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, id.String())
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, domain.ActorFromID(id), seen)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, seen.IsAnonymous())

	bad := httptest.NewRequest(http.MethodGet, "/", nil)
	bad.Header.Set(ActorHeader, "not-a-uuid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDataLoaderMiddleware(t *testing.T) {
	ref := domain.NewEntityRef(domain.KindIssue, uuid.New())
	fetch := func(context.Context, []domain.EntityRef) (map[domain.EntityRef]int64, error) {
		return map[domain.EntityRef]int64{ref: 5}, nil
	}
	var version int64
	handler := DataLoaderMiddleware(fetch)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loader := VersionLoaderFromContext(r.Context())
		require.NotNil(t, loader)
		v, err := loader.Load(r.Context(), ref)
		require.NoError(t, err)
		version = v
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, int64(5), version)
	assert.Nil(t, VersionLoaderFromContext(context.Background()))
}
