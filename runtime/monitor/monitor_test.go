package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, resources ...Resource) *Monitor {
	t.Helper()
	m, err := New(Options{Resources: resources})
	require.NoError(t, err)
	return m
}

func TestStartsChecking(t *testing.T) {
	m := newTestMonitor(t, Resource{Name: "anthropic", APIKey: "sk-test"})

	snap, ok := m.Snapshot("anthropic")
	require.True(t, ok)
	assert.Equal(t, StateChecking, snap.State)
	assert.False(t, m.IsAvailable("anthropic"))
}

func TestCredentialProbe(t *testing.T) {
	m := newTestMonitor(t,
		Resource{Name: "anthropic", APIKey: "sk-test"},
		Resource{Name: "unconfigured"},
	)
	m.CheckNow(context.Background())

	assert.True(t, m.IsAvailable("anthropic"))

	snap, ok := m.Snapshot("unconfigured")
	require.True(t, ok)
	assert.Equal(t, StateOffline, snap.State)
	assert.Equal(t, "credential not configured", snap.Detail)
}

func TestHTTPProbeOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"models":[{"name":"qwen2.5-coder:14b"},{"name":"llama3:latest"}]}`))
	}))
	defer srv.Close()

	m := newTestMonitor(t, Resource{
		Name:           "local",
		HealthURL:      srv.URL + "/api/tags",
		RequiredModels: []string{"qwen2.5-coder:14b"},
	})
	m.CheckNow(context.Background())

	require.True(t, m.IsAvailable("local"))
	snap, _ := m.Snapshot("local")
	assert.Equal(t, StateOnline, snap.State)
	assert.Contains(t, snap.Models, "llama3:latest")
}

func TestHTTPProbeDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama3:latest"}]}`))
	}))
	defer srv.Close()

	m := newTestMonitor(t, Resource{
		Name:           "local",
		HealthURL:      srv.URL + "/api/tags",
		RequiredModels: []string{"qwen2.5-coder:14b"},
	})
	m.CheckNow(context.Background())

	// Reachable but missing the required model counts as unavailable.
	assert.False(t, m.IsAvailable("local"))
	snap, _ := m.Snapshot("local")
	assert.Equal(t, StateDegraded, snap.State)
	assert.Equal(t, "missing model qwen2.5-coder:14b", snap.Detail)
}

func TestHTTPProbeModelTagMatching(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama3:latest"}]}`))
	}))
	defer srv.Close()

	// The base name before the tag satisfies the requirement.
	m := newTestMonitor(t, Resource{
		Name:           "local",
		HealthURL:      srv.URL + "/api/tags",
		RequiredModels: []string{"llama3"},
	})
	m.CheckNow(context.Background())
	assert.True(t, m.IsAvailable("local"))
}

func TestHTTPProbeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := newTestMonitor(t, Resource{Name: "local", HealthURL: srv.URL})
	m.CheckNow(context.Background())

	assert.False(t, m.IsAvailable("local"))
	snap, _ := m.Snapshot("local")
	assert.Equal(t, StateOffline, snap.State)
}

func TestHTTPProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	m := newTestMonitor(t, Resource{Name: "local", HealthURL: srv.URL})
	m.CheckNow(context.Background())

	assert.False(t, m.IsAvailable("local"))
	snap, _ := m.Snapshot("local")
	assert.Equal(t, StateOffline, snap.State)
	assert.NotEmpty(t, snap.Detail)
}

func TestTCPFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()
	addr := srv.Listener.Addr().String()

	// The health URL fails but the TCP dial succeeds.
	m := newTestMonitor(t, Resource{
		Name:      "local",
		HealthURL: "http://127.0.0.1:1/api/tags",
		TCPAddr:   addr,
	})
	m.CheckNow(context.Background())
	assert.True(t, m.IsAvailable("local"))
}

func TestSnapshots(t *testing.T) {
	m := newTestMonitor(t,
		Resource{Name: "anthropic", APIKey: "sk-test"},
		Resource{Name: "unconfigured"},
	)
	m.CheckNow(context.Background())

	all := m.Snapshots()
	require.Len(t, all, 2)
	assert.Equal(t, StateOnline, all["anthropic"].State)
	assert.Equal(t, StateOffline, all["unconfigured"].State)
}
