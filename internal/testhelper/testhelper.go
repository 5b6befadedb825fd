// Package testhelper collects fixture builders shared across package
// tests: a discard-logger context (grounded on the teacher's
// pkg/storage/local/local_test.go newContext helper), device fixtures
// parsed out of an httptest.Server URL, and a ready-to-use fragment
// store rooted in a t.TempDir().
package testhelper

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/reconstructord/pkg/fragmentstore"
	"github.com/objectfs/reconstructord/pkg/job"
	"github.com/objectfs/reconstructord/pkg/lock/local"
)

// NewContext returns a background context carrying a discard logger, so
// package code that pulls a logger via zerolog.Ctx(ctx) never panics in
// tests that don't care about log output.
func NewContext() context.Context {
	return zerolog.New(io.Discard).WithContext(context.Background())
}

// DeviceFromURL parses an httptest.Server's URL into a job.Device whose
// ReplicationIP/ReplicationPort point back at the server, with device set
// to the given name.
func DeviceFromURL(t *testing.T, rawURL, device string) job.Device {
	t.Helper()

	u, err := url.Parse(rawURL)
	require.NoError(t, err)

	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return job.Device{ReplicationIP: host, ReplicationPort: port, Device: device}
}

// NewPeerServer starts an httptest.Server running handler and returns both
// the server and a job.Device addressing it under the given device name.
// Callers are responsible for closing the returned server.
func NewPeerServer(t *testing.T, device string, handler http.HandlerFunc) (*httptest.Server, job.Device) {
	t.Helper()

	srv := httptest.NewServer(handler)

	return srv, DeviceFromURL(t, srv.URL, device)
}

// NewFragmentStore builds a fragmentstore.Store rooted in a fresh
// t.TempDir(), using the local (single-process) lock implementation.
func NewFragmentStore(t *testing.T) *fragmentstore.Store {
	t.Helper()

	store, err := fragmentstore.New(context.Background(), t.TempDir(), local.NewRWLocker())
	require.NoError(t, err)

	return store
}
