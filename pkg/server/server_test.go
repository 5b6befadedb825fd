package server_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectfs/reconstructord/pkg/server"
)

type fakeHealth struct{ err error }

func (f fakeHealth) Healthy() error { return f.err }

func TestHealthzOK(t *testing.T) {
	t.Parallel()

	s := server.New(fakeHealth{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHealthzUnhealthy(t *testing.T) {
	t.Parallel()

	s := server.New(fakeHealth{err: http.ErrBodyNotAllowed})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMetricsServed(t *testing.T) {
	t.Parallel()

	s := server.New(fakeHealth{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}
