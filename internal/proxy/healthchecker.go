package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/memory-router/internal/metrics"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// readinessComponent is the one component that must be reachable for the
// process to accept traffic.
const readinessComponent = "postgres"

// Probe checks one backing component. Returning an error marks it down.
type Probe func(ctx context.Context) error

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes against the configured backing
// components (postgres, redis, clickhouse, embedder) and exposes the latest
// results. Components with no registered probe do not appear.
type HealthChecker struct {
	probes   map[string]Probe
	statuses map[string]*componentStatus

	baseCtx context.Context
	metrics *metrics.Registry

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background probes.
func NewHealthChecker(ctx context.Context, probes map[string]Probe, met *metrics.Registry) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		probes:    probes,
		statuses:  make(map[string]*componentStatus, len(probes)),
		baseCtx:   ctx,
		metrics:   met,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	for name := range probes {
		hc.statuses[name] = &componentStatus{}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the GET /health payload.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	Version       string            `json:"version,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Components    map[string]string `json:"components"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"
	components := make(map[string]string, len(hc.statuses))
	for name, s := range hc.statuses {
		st := s.get()
		components[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}
	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Components:    components,
	}
}

// ReadinessOK reports whether the relational store is reachable (used by
// GET /readiness for Kubernetes probes). Optional components only degrade
// health, never readiness.
func (hc *HealthChecker) ReadinessOK() bool {
	s, ok := hc.statuses[readinessComponent]
	if !ok {
		return true
	}
	return s.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for name, p := range hc.probes {
		name, p := name, p
		s := hc.statuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := p(ctx) == nil
			if ok {
				s.set("ok")
			} else {
				s.set("down")
			}
			if hc.metrics != nil {
				hc.metrics.SetComponentHealth(name, ok)
			}
		}()
	}
	wg.Wait()
}
