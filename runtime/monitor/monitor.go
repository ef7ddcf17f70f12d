// Package monitor tracks provider availability with a background probe loop.
// Each resource is checked by credential presence, an HTTP health endpoint,
// or a TCP dial, in that order of preference; results are cached so the
// dispatch path reads availability in O(1).
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"waveline.dev/waveline/telemetry"
)

type (
	// State is a resource's probed availability.
	State string

	// Resource describes one probed dependency. Exactly one probe strategy
	// applies: APIKey presence when set, otherwise HealthURL, otherwise
	// TCPAddr.
	Resource struct {
		// Name identifies the resource, e.g. "anthropic" or "local".
		Name string
		// APIKey marks the resource online when non-empty. Hosted APIs are
		// not probed over the network; a configured credential is the
		// readiness signal.
		APIKey string
		// HealthURL is probed with GET; any 2xx counts as reachable.
		HealthURL string
		// TCPAddr is the "host:port" dial fallback.
		TCPAddr string
		// RequiredModels lists model names that must appear in the health
		// response for the resource to be fully online. Reachable hosts
		// missing one are DEGRADED.
		RequiredModels []string
	}

	// Snapshot is one resource's cached probe result.
	Snapshot struct {
		Name      string
		State     State
		Detail    string
		Models    []string
		CheckedAt time.Time
	}

	// Options configures the monitor.
	Options struct {
		// Resources to track. Required.
		Resources []Resource
		// Interval between probe sweeps. Defaults to 30s.
		Interval time.Duration
		// ProbeTimeout bounds each individual probe. Defaults to 5s.
		ProbeTimeout time.Duration
		// HTTPClient defaults to a client with ProbeTimeout.
		HTTPClient *http.Client
		// Logger defaults to the no-op logger.
		Logger telemetry.Logger
	}

	// Monitor runs the probe loop and caches results.
	Monitor struct {
		resources []Resource
		interval  time.Duration
		timeout   time.Duration
		client    *http.Client
		log       telemetry.Logger

		mu     sync.RWMutex
		states map[string]Snapshot
	}
)

const (
	StateOnline   State = "online"
	StateOffline  State = "offline"
	StateDegraded State = "degraded"
	StateChecking State = "checking"
)

// New constructs a Monitor. All resources start in the CHECKING state until
// the first sweep completes.
func New(opts Options) (*Monitor, error) {
	if len(opts.Resources) == 0 {
		return nil, errors.New("monitor: at least one resource is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.ProbeTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	m := &Monitor{
		resources: opts.Resources,
		interval:  opts.Interval,
		timeout:   opts.ProbeTimeout,
		client:    opts.HTTPClient,
		log:       opts.Logger,
		states:    make(map[string]Snapshot, len(opts.Resources)),
	}
	for _, r := range opts.Resources {
		m.states[r.Name] = Snapshot{Name: r.Name, State: StateChecking}
	}
	return m, nil
}

// Run probes immediately, then on every interval until the context is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.CheckNow(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow probes every resource once and updates the cache.
func (m *Monitor) CheckNow(ctx context.Context) {
	for _, r := range m.resources {
		snap := m.probe(ctx, r)
		m.mu.Lock()
		prev := m.states[r.Name]
		m.states[r.Name] = snap
		m.mu.Unlock()
		if prev.State != snap.State && prev.State != StateChecking {
			m.log.Info(ctx, "resource state changed", "resource", r.Name,
				"from", string(prev.State), "to", string(snap.State), "detail", snap.Detail)
		}
	}
}

// IsAvailable reports whether the resource is fully online. DEGRADED counts
// as unavailable: the host answers but cannot serve the required models.
func (m *Monitor) IsAvailable(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[name].State == StateOnline
}

// Snapshot returns the cached result for one resource.
func (m *Monitor) Snapshot(name string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[name]
	return s, ok
}

// Snapshots returns all cached results keyed by resource name.
func (m *Monitor) Snapshots() map[string]Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Snapshot, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out
}

func (m *Monitor) probe(ctx context.Context, r Resource) Snapshot {
	snap := Snapshot{Name: r.Name, CheckedAt: time.Now().UTC()}
	switch {
	case r.APIKey != "" || (r.HealthURL == "" && r.TCPAddr == ""):
		if r.APIKey == "" {
			snap.State = StateOffline
			snap.Detail = "credential not configured"
			return snap
		}
		snap.State = StateOnline
		return snap
	case r.HealthURL != "":
		return m.probeHTTP(ctx, r, snap)
	default:
		return m.probeTCP(r, snap)
	}
}

func (m *Monitor) probeHTTP(ctx context.Context, r Resource, snap Snapshot) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.HealthURL, nil)
	if err != nil {
		snap.State = StateOffline
		snap.Detail = err.Error()
		return snap
	}
	resp, err := m.client.Do(req)
	if err != nil {
		if r.TCPAddr != "" {
			return m.probeTCP(r, snap)
		}
		snap.State = StateOffline
		snap.Detail = err.Error()
		return snap
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snap.State = StateOffline
		snap.Detail = resp.Status
		return snap
	}
	snap.State = StateOnline
	if len(r.RequiredModels) > 0 {
		var body struct {
			Models []struct {
				Name string `json:"name"`
			} `json:"models"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
			for _, mdl := range body.Models {
				snap.Models = append(snap.Models, mdl.Name)
			}
			for _, want := range r.RequiredModels {
				if !hasModel(snap.Models, want) {
					snap.State = StateDegraded
					snap.Detail = "missing model " + want
					break
				}
			}
		}
	}
	return snap
}

func (m *Monitor) probeTCP(r Resource, snap Snapshot) Snapshot {
	conn, err := net.DialTimeout("tcp", r.TCPAddr, m.timeout)
	if err != nil {
		snap.State = StateOffline
		snap.Detail = err.Error()
		return snap
	}
	conn.Close()
	snap.State = StateOnline
	return snap
}

// hasModel matches exactly or on the base name before the first ':' tag, so
// "llama3" satisfies a server advertising "llama3:latest".
func hasModel(models []string, want string) bool {
	for _, m := range models {
		if m == want || strings.SplitN(m, ":", 2)[0] == strings.SplitN(want, ":", 2)[0] {
			return true
		}
	}
	return false
}
