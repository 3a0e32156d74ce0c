package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"medigate/internal/domain"
	"medigate/internal/infra/config"
)

// Monitor probes each backend's health endpoint on a fixed interval and on
// demand, recording outcomes in the registry. Probes are plain HTTP GETs
// against the backend's health path, bounded by the configured timeout, so a
// hung backend cannot stall the schedule.
type Monitor struct {
	registry *Registry
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewMonitor builds a monitor over the registry's backends.
func NewMonitor(registry *Registry, cfg config.HealthConfig, logger *slog.Logger) *Monitor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		registry: registry,
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Start schedules periodic probes and runs one immediately so the registry
// has fresh flags before the first query arrives.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return nil
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %s", m.interval)
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout*2)
		defer cancel()
		m.ProbeAll(ctx)
	}); err != nil {
		return fmt.Errorf("schedule health probes: %w", err)
	}
	c.Start()
	m.cron = c

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout*2)
		defer cancel()
		m.ProbeAll(ctx)
	}()
	return nil
}

// Stop halts the probe schedule. In-flight probes finish on their own.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		m.cron.Stop()
		m.cron = nil
	}
}

// ProbeAll checks every enabled backend concurrently and returns the
// resulting states keyed by backend name. Disabled backends are reported as
// unknown without being probed.
func (m *Monitor) ProbeAll(ctx context.Context) map[string]domain.HealthState {
	snapshot := m.registry.Snapshot()

	results := make(map[string]domain.HealthState, len(snapshot))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, status := range snapshot {
		if !status.Enabled {
			mu.Lock()
			results[status.Name] = domain.HealthUnknown
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			state := m.Probe(ctx, name)
			mu.Lock()
			results[name] = state
			mu.Unlock()
		}(status.Name)
	}
	wg.Wait()

	return results
}

// Probe checks one backend and records the outcome in the registry.
func (m *Monitor) Probe(ctx context.Context, name string) domain.HealthState {
	backend, err := m.registry.Get(name)
	if err != nil {
		return domain.HealthUnknown
	}

	state := domain.HealthUnhealthy
	if err := m.probeURL(ctx, backend); err != nil {
		m.logger.Warn("health probe failed", "backend", name, "error", err)
	} else {
		state = domain.HealthHealthy
	}

	m.registry.MarkHealth(name, state)
	return state
}

func (m *Monitor) probeURL(ctx context.Context, backend domain.Backend) error {
	target, err := healthURL(backend)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	if backend.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+backend.BearerToken)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}

// healthURL derives the probe target from the backend's endpoint URL and its
// configured health path.
func healthURL(backend domain.Backend) (string, error) {
	u, err := url.Parse(backend.URL)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	path := backend.HealthPath
	if path == "" {
		path = "/health"
	}
	u.Path = path
	u.RawQuery = ""
	return u.String(), nil
}
