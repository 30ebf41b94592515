// Package registry tracks agents, their declared dependency DAG, and rolling
// execution health. Execution order is a topological sort of the DAG; a cycle
// is a startup error.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/otrix/occam-agents/pkg/types"
)

// Config configures the registry.
type Config struct {
	// PanicBudget demotes an agent to error status after this many
	// consecutive failures inside PanicWindow.
	PanicBudget  int           `yaml:"panic_budget"`
	PanicWindow  time.Duration `yaml:"panic_window"`
	RecoveryTime time.Duration `yaml:"recovery_time"`
}

// DefaultConfig returns registry defaults.
func DefaultConfig() Config {
	return Config{
		PanicBudget:  3,
		PanicWindow:  5 * time.Minute,
		RecoveryTime: time.Minute,
	}
}

type entry struct {
	agent   types.Agent
	status  types.AgentStatus
	health  types.AgentHealth
	breaker *gobreaker.CircuitBreaker
}

// Registry is the in-process agent registry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // cached topological order, rebuilt on registration
	cfg     Config
	logger  *zap.Logger
}

// New creates an empty registry.
func New(cfg Config, logger *zap.Logger) *Registry {
	if cfg.PanicBudget <= 0 {
		cfg.PanicBudget = 3
	}
	if cfg.PanicWindow <= 0 {
		cfg.PanicWindow = 5 * time.Minute
	}
	if cfg.RecoveryTime <= 0 {
		cfg.RecoveryTime = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*entry),
		cfg:     cfg,
		logger:  logger,
	}
}

// Register adds an agent. Every declared dependency must already be
// registered, and the resulting dependency graph must stay acyclic.
func (r *Registry) Register(agent types.Agent) error {
	manifest := agent.Manifest()
	if err := manifest.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[manifest.ID]; exists {
		return types.E(types.KindValidation, "registry.register", "agent %s is already registered", manifest.ID)
	}
	for _, dep := range manifest.Dependencies {
		if _, ok := r.entries[dep]; !ok {
			return types.E(types.KindValidation, "registry.register", "agent %s depends on unknown agent %s", manifest.ID, dep)
		}
	}

	e := &entry{agent: agent, status: types.AgentActive}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     manifest.ID,
		Interval: r.cfg.PanicWindow,
		Timeout:  r.cfg.RecoveryTime,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(r.cfg.PanicBudget)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.onBreakerChange(name, from, to)
		},
	})
	r.entries[manifest.ID] = e

	order, err := r.topoSortLocked()
	if err != nil {
		delete(r.entries, manifest.ID)
		return err
	}
	r.order = order

	r.logger.Info("agent registered",
		zap.String("agent_id", manifest.ID),
		zap.String("type", manifest.Type),
		zap.String("version", manifest.Version),
		zap.Strings("dependencies", manifest.Dependencies),
	)
	return nil
}

func (r *Registry) onBreakerChange(name string, from, to gobreaker.State) {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		switch to {
		case gobreaker.StateOpen:
			e.status = types.AgentError
		case gobreaker.StateClosed:
			e.status = types.AgentActive
		case gobreaker.StateHalfOpen:
			e.status = types.AgentInitializing
		}
	}
	r.mu.Unlock()

	r.logger.Warn("agent breaker state changed",
		zap.String("agent_id", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// Get returns a registered agent.
func (r *Registry) Get(id string) (types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "registry.get", "agent %s not found", id)
	}
	return e.agent, nil
}

// Status returns the agent's lifecycle status.
func (r *Registry) Status(id string) (types.AgentStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return "", types.E(types.KindNotFound, "registry.status", "agent %s not found", id)
	}
	return e.status, nil
}

// SetStatus overrides an agent's status, for operator intervention.
func (r *Registry) SetStatus(id string, status types.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return types.E(types.KindNotFound, "registry.status", "agent %s not found", id)
	}
	e.status = status
	return nil
}

// ExecutionOrder returns agent IDs in dependency order.
func (r *Registry) ExecutionOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Dependencies returns the agents that must run before the given agent.
func (r *Registry) Dependencies(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "registry.dependencies", "agent %s not found", id)
	}
	manifest := e.agent.Manifest()
	out := make([]string, len(manifest.Dependencies))
	copy(out, manifest.Dependencies)
	return out, nil
}

// Dependents returns the agents that declare the given agent as a dependency.
func (r *Registry) Dependents(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.entries[id]; !ok {
		return nil, types.E(types.KindNotFound, "registry.dependents", "agent %s not found", id)
	}

	var out []string
	for otherID, e := range r.entries {
		for _, dep := range e.agent.Manifest().Dependencies {
			if dep == id {
				out = append(out, otherID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Health returns the rolling execution record for an agent.
func (r *Registry) Health(id string) (types.AgentHealth, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return types.AgentHealth{}, types.E(types.KindNotFound, "registry.health", "agent %s not found", id)
	}
	return e.health, nil
}

// RecordExecution folds one execution into the agent's health and its panic
// budget. The rolling mean uses avg' = avg + (latency - avg)/total.
func (r *Registry) RecordExecution(id string, success bool, latency time.Duration) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return types.E(types.KindNotFound, "registry.record", "agent %s not found", id)
	}

	e.health.TotalExecutions++
	if success {
		e.health.SuccessfulExecutions++
	} else {
		e.health.FailedExecutions++
	}
	ms := float64(latency.Milliseconds())
	e.health.AvgLatencyMs += (ms - e.health.AvgLatencyMs) / float64(e.health.TotalExecutions)
	breaker := e.breaker
	r.mu.Unlock()

	// Feed the breaker outside the lock; its state-change hook re-acquires it.
	_, _ = breaker.Execute(func() (interface{}, error) {
		if !success {
			return nil, types.E(types.KindTransient, "registry.record", "agent %s execution failed", id)
		}
		return nil, nil
	})
	return nil
}

// AgentsForStage returns active agents declaring the stage, in dependency
// order.
func (r *Registry) AgentsForStage(stage types.Stage) []types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.Agent
	for _, id := range r.order {
		e := r.entries[id]
		if e.status != types.AgentActive {
			continue
		}
		if e.agent.Manifest().HandlesStage(stage) {
			out = append(out, e.agent)
		}
	}
	return out
}

// Manifests returns every registered manifest, in dependency order.
func (r *Registry) Manifests() []types.AgentManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.AgentManifest, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].agent.Manifest())
	}
	return out
}

// topoSortLocked runs Kahn's algorithm over the dependency DAG. Ties are
// broken lexicographically so the order is deterministic.
func (r *Registry) topoSortLocked() ([]string, error) {
	indegree := make(map[string]int, len(r.entries))
	dependents := make(map[string][]string, len(r.entries))
	for id, e := range r.entries {
		deps := e.agent.Manifest().Dependencies
		indegree[id] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(r.entries))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		next := dependents[id]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(r.entries) {
		return nil, types.E(types.KindValidation, "registry.topo", "dependency cycle detected among agents")
	}
	return order, nil
}
