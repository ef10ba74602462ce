// Package registry tracks the worker agents connected to the orchestrator:
// identity, capabilities, reported load, liveness, and per-agent circuit
// breaker state. The in-memory map is authoritative while the process runs;
// every mutation is mirrored to the store so a restart rebuilds the same
// view.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chorushq/chorus/internal/common/config"
	"github.com/chorushq/chorus/internal/common/logger"
	"github.com/chorushq/chorus/internal/store"
	v1 "github.com/chorushq/chorus/pkg/api/v1"
	"github.com/chorushq/chorus/pkg/wire"
)

// ErrUnknownAgent is returned for operations on an agent ID that was never
// registered or has been forgotten.
var ErrUnknownAgent = errors.New("agent is not registered")

// AgentEntry is the registry's runtime view of one worker agent. Load and
// breaker fields change on every heartbeat and task outcome; treat entries
// returned by the registry as point-in-time snapshots.
type AgentEntry struct {
	ID                  string
	Type                string
	Capabilities        []string
	TokenHash           string
	DeclaredCapacity    int
	FreeCapacityPercent int
	ActiveTaskCount     int
	MemoryFreeMB        int64
	LastHeartbeat       time.Time
	Available           bool
	Breaker             v1.BreakerState
	ConsecutiveFailures int
	CooldownUntil       *time.Time

	// probeInFlight guards the half-open state: exactly one dispatch may
	// probe a recovering agent before its result decides the breaker.
	probeInFlight bool
}

// HasCapability reports whether the agent advertises the given capability.
func (e *AgentEntry) HasCapability(capability string) bool {
	for _, c := range e.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// ToAPI converts the entry to its API representation.
func (e *AgentEntry) ToAPI() *v1.Agent {
	return &v1.Agent{
		ID:                  e.ID,
		Type:                e.Type,
		Capabilities:        e.Capabilities,
		LastHeartbeat:       e.LastHeartbeat,
		DeclaredCapacity:    e.DeclaredCapacity,
		FreeCapacityPercent: e.FreeCapacityPercent,
		ActiveTaskCount:     e.ActiveTaskCount,
		Breaker:             e.Breaker,
		CooldownUntil:       e.CooldownUntil,
		Available:           e.Available,
	}
}

// clone returns a copy safe to hand to callers outside the registry lock.
func (e *AgentEntry) clone() *AgentEntry {
	out := *e
	out.Capabilities = append([]string(nil), e.Capabilities...)
	if e.CooldownUntil != nil {
		t := *e.CooldownUntil
		out.CooldownUntil = &t
	}
	return &out
}

// Registry manages the set of known worker agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentEntry

	store            *store.Store
	heartbeatTTL     time.Duration
	breakerThreshold int
	breakerCooldown  time.Duration
	logger           *logger.Logger
}

// New creates a registry backed by the given store.
func New(st *store.Store, cfg config.OrchestratorConfig, log *logger.Logger) *Registry {
	return &Registry{
		agents:           make(map[string]*AgentEntry),
		store:            st,
		heartbeatTTL:     cfg.HeartbeatTTL(),
		breakerThreshold: cfg.BreakerConsecutiveFailures,
		breakerCooldown:  cfg.BreakerCooldown(),
		logger:           log.WithComponent("registry"),
	}
}

// Load rebuilds the in-memory registry from the store. Agents whose last
// heartbeat predates the TTL come back unavailable; half-open probes do not
// survive a restart, so a recovering agent may be probed again.
func (r *Registry) Load(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to load agents from store: %w", err)
	}

	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents = make(map[string]*AgentEntry, len(agents))
	for _, a := range agents {
		r.agents[a.ID] = &AgentEntry{
			ID:                  a.ID,
			Type:                a.Type,
			Capabilities:        a.Capabilities,
			TokenHash:           a.TokenHash,
			DeclaredCapacity:    a.DeclaredCapacity,
			FreeCapacityPercent: a.FreeCapacityPercent,
			ActiveTaskCount:     a.ActiveTaskCount,
			LastHeartbeat:       a.LastHeartbeat,
			Available:           now.Sub(a.LastHeartbeat) <= r.heartbeatTTL,
			Breaker:             a.Breaker,
			ConsecutiveFailures: a.ConsecutiveFailures,
			CooldownUntil:       a.CooldownUntil,
		}
	}

	r.logger.Info("Registry loaded from store", zap.Int("agents", len(r.agents)))
	return nil
}

// Register adds a worker agent or refreshes an existing registration. The
// bearer token is stored as a SHA-256 hash and never in the clear.
// Re-registering an ID resets its breaker.
func (r *Registry) Register(ctx context.Context, req *v1.RegisterAgentRequest) (*v1.Agent, error) {
	if err := validateRegistration(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entry := &AgentEntry{
		ID:                  req.ID,
		Type:                req.Type,
		Capabilities:        append([]string(nil), req.Capabilities...),
		TokenHash:           wire.TokenHash(req.Token),
		DeclaredCapacity:    req.DeclaredCapacity,
		FreeCapacityPercent: 100,
		LastHeartbeat:       now,
		Available:           true,
		Breaker:             v1.BreakerClosed,
	}
	if entry.DeclaredCapacity <= 0 {
		entry.DeclaredCapacity = 1
	}

	if err := r.store.UpsertAgent(ctx, &store.Agent{
		ID:                  entry.ID,
		Type:                entry.Type,
		Capabilities:        entry.Capabilities,
		TokenHash:           entry.TokenHash,
		DeclaredCapacity:    entry.DeclaredCapacity,
		FreeCapacityPercent: entry.FreeCapacityPercent,
		LastHeartbeat:       entry.LastHeartbeat,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist agent %s: %w", entry.ID, err)
	}

	r.mu.Lock()
	_, replaced := r.agents[entry.ID]
	r.agents[entry.ID] = entry
	r.mu.Unlock()

	r.logger.WithAgentID(entry.ID).Info("Agent registered",
		zap.String("type", entry.Type),
		zap.Strings("capabilities", entry.Capabilities),
		zap.Int("declared_capacity", entry.DeclaredCapacity),
		zap.Bool("replaced", replaced),
	)
	return entry.ToAPI(), nil
}

// Heartbeat records a liveness report and the agent's current load.
func (r *Registry) Heartbeat(ctx context.Context, id string, metrics *v1.AgentMetrics) error {
	now := time.Now().UTC()

	r.mu.Lock()
	entry, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("heartbeat from %s: %w", id, ErrUnknownAgent)
	}
	wasAvailable := entry.Available
	entry.LastHeartbeat = now
	entry.FreeCapacityPercent = metrics.FreeCapacityPercent
	entry.ActiveTaskCount = metrics.ActiveTaskCount
	entry.MemoryFreeMB = metrics.MemoryFreeMB
	entry.Available = true
	r.mu.Unlock()

	if !wasAvailable {
		r.logger.WithAgentID(id).Info("Agent available again")
	}
	return r.store.UpdateAgentMetrics(ctx, id, metrics.FreeCapacityPercent, metrics.ActiveTaskCount, now)
}

// Forget removes an agent from the registry and the store.
func (r *Registry) Forget(ctx context.Context, id string) error {
	r.mu.Lock()
	_, ok := r.agents[id]
	delete(r.agents, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("forget %s: %w", id, ErrUnknownAgent)
	}

	if err := r.store.DeleteAgent(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	r.logger.WithAgentID(id).Info("Agent forgotten")
	return nil
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(id string) (*AgentEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrUnknownAgent)
	}
	return entry.clone(), nil
}

// Snapshot returns the API view of every known agent, ordered by ID.
func (r *Registry) Snapshot() []*v1.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*v1.Agent, 0, len(r.agents))
	for _, entry := range r.agents {
		out = append(out, entry.ToAPI())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Select picks the agent to run a task of the given work type, or nil when
// none qualifies. Candidates must advertise the work type as a capability,
// have a fresh heartbeat, and not sit behind an open breaker. An open
// breaker whose cooldown has lapsed is allowed one probe: selecting the
// agent flips it to half-open and the task outcome settles the state.
// Among candidates the lowest active task count wins, then the most recent
// heartbeat.
func (r *Registry) Select(ctx context.Context, workType string, hints v1.SchedulingHints) *AgentEntry {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	var best *AgentEntry
	for _, entry := range r.agents {
		if now.Sub(entry.LastHeartbeat) > r.heartbeatTTL {
			continue
		}
		if !entry.HasCapability(workType) {
			continue
		}
		if !r.breakerAdmits(entry, now) {
			continue
		}
		if hints.MaxMemoryMB > 0 && entry.MemoryFreeMB > 0 && entry.MemoryFreeMB < int64(hints.MaxMemoryMB) {
			continue
		}
		if best == nil || preferred(entry, best) {
			best = entry
		}
	}
	if best == nil {
		return nil
	}

	if best.Breaker != v1.BreakerClosed {
		r.beginProbe(ctx, best)
	}
	return best.clone()
}

// breakerAdmits reports whether the breaker lets this entry take a task.
// Half-open admits only while no probe is in flight.
func (r *Registry) breakerAdmits(entry *AgentEntry, now time.Time) bool {
	switch entry.Breaker {
	case v1.BreakerOpen:
		return entry.CooldownUntil != nil && !now.Before(*entry.CooldownUntil)
	case v1.BreakerHalfOpen:
		return !entry.probeInFlight
	default:
		return true
	}
}

// preferred reports whether a should be selected over b.
func preferred(a, b *AgentEntry) bool {
	if a.ActiveTaskCount != b.ActiveTaskCount {
		return a.ActiveTaskCount < b.ActiveTaskCount
	}
	return a.LastHeartbeat.After(b.LastHeartbeat)
}

// beginProbe marks the entry's single half-open probe as taken. Caller
// holds the write lock.
func (r *Registry) beginProbe(ctx context.Context, entry *AgentEntry) {
	if entry.Breaker == v1.BreakerOpen {
		entry.Breaker = v1.BreakerHalfOpen
		entry.CooldownUntil = nil
		r.logger.WithAgentID(entry.ID).Info("Agent breaker half-open, probing",
			zap.Int("consecutive_failures", entry.ConsecutiveFailures),
		)
	}
	entry.probeInFlight = true

	if err := r.store.UpdateAgentBreaker(ctx, entry.ID, entry.Breaker, entry.ConsecutiveFailures, nil); err != nil {
		r.logger.WithAgentID(entry.ID).WithError(err).Warn("Failed to persist breaker probe")
	}
}

// NoteDispatch bumps the agent's active task count ahead of its next
// heartbeat so consecutive selections spread across agents. The next
// heartbeat overwrites the count with the agent's own report.
func (r *Registry) NoteDispatch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.agents[id]; ok {
		entry.ActiveTaskCount++
	}
}

// RecordSuccess resets the agent's failure streak and closes its breaker.
func (r *Registry) RecordSuccess(ctx context.Context, id string) {
	r.mu.Lock()
	entry, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	prior := entry.Breaker
	priorFailures := entry.ConsecutiveFailures
	entry.Breaker = v1.BreakerClosed
	entry.ConsecutiveFailures = 0
	entry.CooldownUntil = nil
	entry.probeInFlight = false
	if entry.ActiveTaskCount > 0 {
		entry.ActiveTaskCount--
	}
	r.mu.Unlock()

	if prior == v1.BreakerClosed && priorFailures == 0 {
		return
	}
	if prior != v1.BreakerClosed {
		r.logger.WithAgentID(id).Info("Agent breaker closed")
	}
	if err := r.store.UpdateAgentBreaker(ctx, id, v1.BreakerClosed, 0, nil); err != nil {
		r.logger.WithAgentID(id).WithError(err).Warn("Failed to persist breaker reset")
	}
}

// RecordFailure counts a task failure against the agent. The breaker opens
// at the configured consecutive-failure threshold; a failed half-open probe
// reopens it for another cooldown window.
func (r *Registry) RecordFailure(ctx context.Context, id string) {
	now := time.Now().UTC()

	r.mu.Lock()
	entry, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.ConsecutiveFailures++
	entry.probeInFlight = false
	if entry.ActiveTaskCount > 0 {
		entry.ActiveTaskCount--
	}

	opened := false
	switch {
	case entry.Breaker == v1.BreakerHalfOpen:
		opened = true
	case entry.Breaker == v1.BreakerClosed && entry.ConsecutiveFailures >= r.breakerThreshold:
		opened = true
	}
	if opened {
		until := now.Add(r.breakerCooldown)
		entry.Breaker = v1.BreakerOpen
		entry.CooldownUntil = &until
	}
	state := entry.Breaker
	failures := entry.ConsecutiveFailures
	cooldown := entry.CooldownUntil
	r.mu.Unlock()

	if opened {
		r.logger.WithAgentID(id).Warn("Agent breaker opened",
			zap.Int("consecutive_failures", failures),
			zap.Time("cooldown_until", *cooldown),
		)
	}
	if err := r.store.UpdateAgentBreaker(ctx, id, state, failures, cooldown); err != nil {
		r.logger.WithAgentID(id).WithError(err).Warn("Failed to persist breaker failure")
	}
}

// Start runs the liveness sweeper until the context is cancelled. Selection
// checks heartbeat freshness directly; the sweeper exists to flip the
// Available flag for API consumers and to log the transition once.
func (r *Registry) Start(ctx context.Context) {
	interval := r.heartbeatTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// sweep marks agents with lapsed heartbeats unavailable.
func (r *Registry) sweep() {
	now := time.Now().UTC()
	var lapsed []string

	r.mu.Lock()
	for id, entry := range r.agents {
		if entry.Available && now.Sub(entry.LastHeartbeat) > r.heartbeatTTL {
			entry.Available = false
			lapsed = append(lapsed, id)
		}
	}
	r.mu.Unlock()

	for _, id := range lapsed {
		r.logger.WithAgentID(id).Warn("Agent heartbeat lapsed, marking unavailable",
			zap.Duration("ttl", r.heartbeatTTL),
		)
	}
}

func validateRegistration(req *v1.RegisterAgentRequest) error {
	if req.ID == "" {
		return fmt.Errorf("agent ID is required")
	}
	if req.Type == "" {
		return fmt.Errorf("agent type is required")
	}
	if len(req.Capabilities) == 0 {
		return fmt.Errorf("agent must declare at least one capability")
	}
	if req.Token == "" {
		return fmt.Errorf("agent token is required")
	}
	return nil
}
