package client

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openjproxy/ojp/internal/wire"
	log "github.com/sirupsen/logrus"
)

// Endpoint identifies one proxy node. Identity is host:port.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

type endpointState struct {
	ep           Endpoint
	healthy      bool
	lastProbeAt  time.Time
	failureCount int
}

// Prober is probed by the registry's background recovery loop. The
// dispatcher supplies an implementation that issues a cheap no-op RPC
// against one endpoint.
type Prober interface {
	Probe(ctx context.Context, ep Endpoint) error
}

// Registry tracks per-endpoint health with a background recovery prober:
// mutex-guarded state and a monitor goroutine reacting to observed
// failures, generalized from a single connection's liveness to N
// independent endpoints.
type Registry struct {
	mu            sync.RWMutex
	order         []Endpoint // preserves URL order, duplicates allowed
	states        map[Endpoint]*endpointState
	probeInterval time.Duration
	prober        Prober

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	onChange func() // notifies the topology change handler
}

// ParseEndpoints parses "host1:p1,host2:p2,...".
func ParseEndpoints(raw string) ([]Endpoint, error) {
	parts := strings.Split(raw, ",")
	out := make([]Endpoint, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		idx := strings.LastIndexByte(p, ':')
		if idx < 0 {
			return nil, wire.NewError(wire.KindConfiguration, "endpoint %q missing port", p)
		}
		port, err := strconv.Atoi(p[idx+1:])
		if err != nil {
			return nil, wire.NewError(wire.KindConfiguration, "endpoint %q has invalid port: %v", p, err)
		}
		out = append(out, Endpoint{Host: p[:idx], Port: port})
	}
	if len(out) == 0 {
		return nil, wire.NewError(wire.KindConfiguration, "no endpoints parsed from %q", raw)
	}
	return out, nil
}

// NewRegistry builds a Registry over the given endpoints, all initially
// healthy (an endpoint only becomes unhealthy after an observed failure).
func NewRegistry(endpoints []Endpoint, probeInterval time.Duration, prober Prober) *Registry {
	r := &Registry{
		order:         append([]Endpoint(nil), endpoints...),
		states:        make(map[Endpoint]*endpointState, len(endpoints)),
		probeInterval: probeInterval,
		prober:        prober,
		stopCh:        make(chan struct{}),
	}
	for _, ep := range endpoints {
		if _, exists := r.states[ep]; !exists {
			r.states[ep] = &endpointState{ep: ep, healthy: true}
		}
	}
	return r
}

// OnChange registers a callback invoked (outside the registry's lock)
// whenever any endpoint's health flips. Used to wire the topology change
// handler.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Endpoints returns the URL-ordered endpoint list (duplicates preserved).
func (r *Registry) Endpoints() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Endpoint(nil), r.order...)
}

// HealthySet returns the currently-healthy subset, in URL order.
func (r *Registry) HealthySet() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, 0, len(r.order))
	for _, ep := range r.order {
		if st := r.states[ep]; st != nil && st.healthy {
			out = append(out, ep)
		}
	}
	return out
}

// IsHealthy reports ep's current health.
func (r *Registry) IsHealthy(ep Endpoint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := r.states[ep]
	return st != nil && st.healthy
}

// MarkUnhealthy transitions ep to unhealthy — only ever called for
// connection-class failures (see internal/wire.IsConnectionLevel).
func (r *Registry) MarkUnhealthy(ep Endpoint, cause error) {
	r.mu.Lock()
	st := r.states[ep]
	if st == nil {
		st = &endpointState{ep: ep}
		r.states[ep] = st
	}
	wasHealthy := st.healthy
	st.healthy = false
	st.failureCount++
	r.mu.Unlock()

	if wasHealthy {
		log.Warnf("client: endpoint %s marked unhealthy: %v", ep, cause)
		r.notify()
	}
}

// MarkHealthy flips ep back to healthy and resets failureCount.
func (r *Registry) MarkHealthy(ep Endpoint) {
	r.mu.Lock()
	st := r.states[ep]
	if st == nil {
		st = &endpointState{ep: ep}
		r.states[ep] = st
	}
	wasHealthy := st.healthy
	st.healthy = true
	st.failureCount = 0
	st.lastProbeAt = time.Now()
	r.mu.Unlock()

	if !wasHealthy {
		log.Infof("client: endpoint %s recovered", ep)
		r.notify()
	}
}

func (r *Registry) notify() {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// ForEach iterates every known endpoint in URL order.
func (r *Registry) ForEach(fn func(ep Endpoint, healthy bool)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ep := range r.order {
		st := r.states[ep]
		fn(ep, st != nil && st.healthy)
	}
}

// HealthView builds the ClusterHealthView to piggyback on the next request.
func (r *Registry) HealthView() wire.ClusterHealthView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]wire.HealthEntry, 0, len(r.order))
	seen := make(map[Endpoint]bool, len(r.order))
	for _, ep := range r.order {
		if seen[ep] {
			continue
		}
		seen[ep] = true
		st := r.states[ep]
		status := wire.StatusDown
		if st != nil && st.healthy {
			status = wire.StatusUp
		}
		entries = append(entries, wire.HealthEntry{Host: ep.Host, Port: ep.Port, Status: status})
	}
	return wire.ClusterHealthView{Entries: entries}
}

// StartRecoveryProbe runs a background loop retrying unhealthy endpoints on
// probeInterval, grounded on client/reconnect.go's monitorConnection loop.
func (r *Registry) StartRecoveryProbe(ctx context.Context) {
	if r.prober == nil || r.probeInterval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.probeUnhealthy(ctx)
			}
		}
	}()
}

func (r *Registry) probeUnhealthy(ctx context.Context) {
	r.mu.RLock()
	var down []Endpoint
	for _, ep := range r.order {
		if st := r.states[ep]; st != nil && !st.healthy {
			down = append(down, ep)
		}
	}
	r.mu.RUnlock()

	for _, ep := range down {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := r.prober.Probe(probeCtx, ep)
		cancel()
		if err == nil {
			r.MarkHealthy(ep)
		}
	}
}

// Stop terminates the recovery probe loop.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
