// Package orchestrator provides the request lifecycle service that ties the
// other components together. It owns:
//
//   - Request intake and asynchronous planning via the Planner
//   - Plan approval, rejection, and modification
//   - Dispatch kickoff through the Scheduler
//   - Cancellation fan-out through the Supervisor
//   - The audit query view over finished work
//
// The service is the only layer the HTTP gateway talks to; everything below
// it communicates over the store, the bus, and the event broker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chorushq/chorus/internal/audit"
	"github.com/chorushq/chorus/internal/common/logger"
	"github.com/chorushq/chorus/internal/fanout"
	"github.com/chorushq/chorus/internal/planner"
	"github.com/chorushq/chorus/internal/registry"
	"github.com/chorushq/chorus/internal/scheduler"
	"github.com/chorushq/chorus/internal/store"
	"github.com/chorushq/chorus/internal/supervisor"
	v1 "github.com/chorushq/chorus/pkg/api/v1"
)

// Common errors
var (
	ErrServiceAlreadyRunning = errors.New("service is already running")
	ErrServiceNotRunning     = errors.New("service is not running")
)

// Planner produces a validated plan draft for a request. Satisfied by
// *planner.Planner; tests substitute a canned implementation.
type Planner interface {
	Plan(ctx context.Context, req *store.Request) (*planner.Draft, error)
}

// Service coordinates the request lifecycle from intake to audit.
type Service struct {
	store      *store.Store
	planner    Planner
	scheduler  *scheduler.Scheduler
	supervisor *supervisor.Supervisor
	registry   *registry.Registry
	events     *fanout.Broker
	audit      *audit.Writer
	flusher    *audit.Flusher
	logger     *logger.Logger

	// baseCtx outlives individual API requests; planning goroutines and the
	// background loops hang off it.
	baseCtx  context.Context
	cancel   context.CancelFunc
	planning sync.WaitGroup

	// Service state
	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// Status contains orchestrator status information
type Status struct {
	Running       bool      `json:"running"`
	ActiveAgents  int       `json:"active_agents"`
	Subscribers   int       `json:"subscribers"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	StartedAt     time.Time `json:"started_at"`
}

// NewService creates a new orchestrator service
func NewService(
	st *store.Store,
	pl Planner,
	sched *scheduler.Scheduler,
	sup *supervisor.Supervisor,
	reg *registry.Registry,
	events *fanout.Broker,
	aw *audit.Writer,
	flusher *audit.Flusher,
	log *logger.Logger,
) *Service {
	return &Service{
		store:      st,
		planner:    pl,
		scheduler:  sched,
		supervisor: sup,
		registry:   reg,
		events:     events,
		audit:      aw,
		flusher:    flusher,
		logger:     log.WithComponent("orchestrator"),
	}
}

// Start verifies the audit chain, loads persisted agents, starts the
// background components, and reconciles work interrupted by the previous
// shutdown. A hash-chain divergence is unrecoverable and aborts startup.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServiceAlreadyRunning
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("Starting orchestrator service")

	fail := func(err error) error {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	commits, err := s.audit.Verify(ctx)
	if err != nil {
		return fail(fmt.Errorf("audit chain verification failed: %w", err))
	}
	s.logger.Info("Audit chain verified", zap.Int("commits", commits))

	if err := s.registry.Load(ctx); err != nil {
		return fail(fmt.Errorf("failed to load agent registry: %w", err))
	}

	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	// Inbound consumers first, so nothing dispatched by reconciliation can
	// report to a deaf orchestrator.
	if err := s.supervisor.Start(s.baseCtx); err != nil {
		s.cancel()
		return fail(err)
	}
	s.scheduler.Start(s.baseCtx)
	s.registry.Start(s.baseCtx)
	s.flusher.Start(s.baseCtx)

	s.reconcile(s.baseCtx)

	s.logger.Info("Orchestrator service started")
	return nil
}

// Stop stops all orchestrator components
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServiceNotRunning
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping orchestrator service")

	// Stop components in reverse order: detach from the bus, then cancel the
	// background loops, then wait out in-flight planning calls.
	s.supervisor.Stop()
	s.cancel()
	s.planning.Wait()

	s.logger.Info("Orchestrator service stopped")
	return nil
}

// Status returns a point-in-time view of the service.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Running:      s.running,
		ActiveAgents: len(s.registry.Snapshot()),
		Subscribers:  s.events.SubscriberCount(),
	}
	if s.running {
		st.StartedAt = s.startedAt
		st.UptimeSeconds = int64(time.Since(s.startedAt).Seconds())
	}
	return st
}

// reconcile resumes work interrupted by the previous shutdown. Approved
// tasks are simply re-offered to the scheduler; Dispatch leaves plans with
// in-flight work alone. Requests caught mid-planning are failed rather than
// re-planned, so a crash loop cannot bill the same request repeatedly.
func (s *Service) reconcile(ctx context.Context) {
	tasks, err := s.store.ListTasksByStatus(ctx, v1.TaskStatusApproved)
	if err != nil {
		s.logger.WithError(err).Error("Reconciliation could not list approved tasks")
	} else if len(tasks) > 0 {
		plans := make(map[string]bool, len(tasks))
		for _, task := range tasks {
			plans[task.PlanID] = true
		}
		s.logger.Info("Reconciling interrupted plans", zap.Int("plans", len(plans)))
		for planID := range plans {
			if _, err := s.scheduler.Dispatch(ctx, planID); err != nil {
				s.logger.WithPlanID(planID).WithError(err).Error("Reconciliation dispatch failed")
			}
		}
	}

	stuck, err := s.store.ListRequestsByState(ctx, v1.RequestStatePlanning)
	if err != nil {
		s.logger.WithError(err).Error("Reconciliation could not list planning requests")
		return
	}
	for _, req := range stuck {
		failure := &v1.Failure{Message: "orchestrator_restarted_during_planning"}
		if err := s.store.SetRequestFailure(ctx, req.ID, v1.RequestStateFailed, failure); err != nil {
			s.logger.WithRequestID(req.ID).WithError(err).Error("Failed to fail interrupted request")
			continue
		}
		s.logger.WithRequestID(req.ID).Warn("Failed request interrupted mid-planning")
	}
}
