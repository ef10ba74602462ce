package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chorushq/chorus/internal/bus"
	"github.com/chorushq/chorus/internal/common/config"
	"github.com/chorushq/chorus/internal/common/logger"
	"github.com/chorushq/chorus/internal/db"
	"github.com/chorushq/chorus/internal/fanout"
	"github.com/chorushq/chorus/internal/registry"
	"github.com/chorushq/chorus/internal/store"
	v1 "github.com/chorushq/chorus/pkg/api/v1"
	"github.com/chorushq/chorus/pkg/wire"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	return log
}

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	pool, err := db.Connect(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	s, err := store.New(pool)
	if err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	return s
}

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		HeartbeatTTLSeconds:           30,
		PauseCapacityThresholdPercent: 20,
		PauseResumeIntervalSeconds:    10,
		BreakerConsecutiveFailures:    5,
		BreakerCooldownSeconds:        60,
		RetryMaxAttempts:              3,
		RetryBackoffSeconds:           []int{1, 2, 4},
		DefaultTaskDeadlineSeconds:    900,
	}
}

type schedFixture struct {
	sched  *Scheduler
	store  *store.Store
	reg    *registry.Registry
	bus    *bus.MemoryBus
	events *fanout.Broker
}

func newFixture(t *testing.T) *schedFixture {
	t.Helper()
	log := newTestLogger(t)
	st := createTestStore(t)
	mb := bus.NewMemoryBus(log)
	t.Cleanup(mb.Close)
	reg := registry.New(st, testConfig(), log)
	ev := fanout.NewBroker(log)
	return &schedFixture{
		sched:  New(mb, st, reg, ev, testConfig(), log),
		store:  st,
		reg:    reg,
		bus:    mb,
		events: ev,
	}
}

func registerAgent(t *testing.T, reg *registry.Registry, id string, freePercent int) {
	t.Helper()
	ctx := context.Background()
	_, err := reg.Register(ctx, &v1.RegisterAgentRequest{
		ID:               id,
		Type:             "shell",
		Capabilities:     []string{wire.WorkTypeShellCommand},
		Token:            "secret-token-" + id,
		DeclaredCapacity: 4,
	})
	if err != nil {
		t.Fatalf("failed to register %s: %v", id, err)
	}
	if err := reg.Heartbeat(ctx, id, &v1.AgentMetrics{FreeCapacityPercent: freePercent}); err != nil {
		t.Fatalf("failed to heartbeat %s: %v", id, err)
	}
}

// createApprovedPlan stores a request with one shell task per command and
// approves the plan, so every task starts out approved.
func createApprovedPlan(t *testing.T, st *store.Store, commands ...string) (*store.Plan, []*store.Task) {
	t.Helper()
	ctx := context.Background()

	req := &store.Request{Requester: "operator", Text: "run maintenance"}
	if err := st.CreateRequest(ctx, req); err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	plan := &store.Plan{RequestID: req.ID, Summary: "maintenance pass", RiskLevel: v1.RiskLevelLow}
	tasks := make([]*store.Task, 0, len(commands))
	for _, cmd := range commands {
		tasks = append(tasks, &store.Task{
			WorkType:   wire.WorkTypeShellCommand,
			Parameters: map[string]interface{}{"command": cmd},
			Hints:      v1.SchedulingHints{MaxDurationSeconds: 600},
		})
	}
	if err := st.CreatePlan(ctx, plan, tasks); err != nil {
		t.Fatalf("failed to create plan: %v", err)
	}
	if err := st.ApprovePlan(ctx, plan.ID, "operator"); err != nil {
		t.Fatalf("failed to approve plan: %v", err)
	}

	approved, err := st.GetPlanTasks(ctx, plan.ID)
	if err != nil {
		t.Fatalf("failed to reload tasks: %v", err)
	}
	return plan, approved
}

// busCapture records every envelope published to agent subjects. Delivery
// from the memory bus is asynchronous, so assertions poll via waitFor.
type busCapture struct {
	mu       sync.Mutex
	subjects []string
	envs     []*wire.Envelope
}

func (c *busCapture) handle(_ context.Context, subject string, data []byte) error {
	env, err := wire.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	c.envs = append(c.envs, env)
	return nil
}

func (c *busCapture) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *busCapture) at(i int) (string, *wire.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subjects[i], c.envs[i]
}

func (f *schedFixture) captureBus(t *testing.T) *busCapture {
	t.Helper()
	c := &busCapture{}
	if _, err := f.bus.QueueSubscribe("agent.>", "capture", c.handle); err != nil {
		t.Fatalf("failed to subscribe capture: %v", err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func expectEvent(t *testing.T, ch <-chan v1.Event, want v1.EventType) v1.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("event channel closed while waiting for %s", want)
		}
		if ev.Type != want {
			t.Fatalf("got event %s, want %s", ev.Type, want)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s event", want)
	}
	return v1.Event{}
}

func TestScheduler_DispatchSendsWorkRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	capture := f.captureBus(t)
	registerAgent(t, f.reg, "shell-01", 100)
	plan, tasks := createApprovedPlan(t, f.store, "uptime")

	sent, err := f.sched.Dispatch(ctx, plan.ID)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if !sent {
		t.Fatal("expected dispatch to send the task")
	}

	task, err := f.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("failed to reload task: %v", err)
	}
	if task.Status != v1.TaskStatusDispatched {
		t.Errorf("task status = %s, want dispatched", task.Status)
	}
	if task.AgentID == nil || *task.AgentID != "shell-01" {
		t.Errorf("task agent = %v, want shell-01", task.AgentID)
	}
	if task.DispatchedAt == nil {
		t.Error("expected dispatched_at to be set")
	}

	waitFor(t, "work request on the bus", func() bool { return capture.len() == 1 })
	subject, env := capture.at(0)
	if subject != "agent.shell.shell-01" {
		t.Errorf("subject = %s, want agent.shell.shell-01", subject)
	}
	if env.Type != wire.MessageTypeWorkRequest {
		t.Errorf("envelope type = %s, want %s", env.Type, wire.MessageTypeWorkRequest)
	}
	if env.FromAgent != wire.AgentOrchestrator || env.ToAgent != "shell-01" {
		t.Errorf("envelope addressing = %s -> %s", env.FromAgent, env.ToAgent)
	}
	if env.TraceID != plan.ID {
		t.Errorf("trace id = %s, want plan id %s", env.TraceID, plan.ID)
	}
	if env.RequestID != task.IdempotencyKey {
		t.Errorf("request id = %s, want idempotency key %s", env.RequestID, task.IdempotencyKey)
	}

	wr, err := env.WorkRequest()
	if err != nil {
		t.Fatalf("failed to decode work request: %v", err)
	}
	if wr.TaskID != task.ID || wr.WorkType != wire.WorkTypeShellCommand {
		t.Errorf("work request = %s/%s, want %s/%s", wr.TaskID, wr.WorkType, task.ID, wire.WorkTypeShellCommand)
	}
	if wr.Parameters["command"] != "uptime" {
		t.Errorf("command = %v, want uptime", wr.Parameters["command"])
	}
	if wr.Hints.MaxDurationSeconds != 600 {
		t.Errorf("max duration hint = %d, want 600", wr.Hints.MaxDurationSeconds)
	}
}

func TestScheduler_DispatchParksOnLowCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	capture := f.captureBus(t)
	registerAgent(t, f.reg, "shell-01", 10)
	plan, tasks := createApprovedPlan(t, f.store, "uptime")
	events := f.events.Subscribe("ui", plan.ID)

	sent, err := f.sched.Dispatch(ctx, plan.ID)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if sent {
		t.Fatal("expected dispatch to park, not send")
	}

	task, err := f.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("failed to reload task: %v", err)
	}
	if task.Status != v1.TaskStatusPaused {
		t.Errorf("task status = %s, want paused", task.Status)
	}

	entries, err := f.store.ListParked(ctx, time.Now().UTC().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("failed to list pause queue: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("pause queue length = %d, want 1", len(entries))
	}
	if entries[0].TaskID != task.ID {
		t.Errorf("parked task = %s, want %s", entries[0].TaskID, task.ID)
	}
	if !strings.Contains(entries[0].Reason, "free capacity") {
		t.Errorf("park reason = %q, want a capacity reason", entries[0].Reason)
	}

	var wr wire.WorkRequest
	if err := json.Unmarshal(entries[0].Payload, &wr); err != nil {
		t.Fatalf("pause payload does not decode: %v", err)
	}
	if wr.TaskID != task.ID {
		t.Errorf("payload task = %s, want %s", wr.TaskID, task.ID)
	}

	expectEvent(t, events, v1.EventPaused)
	if capture.len() != 0 {
		t.Errorf("expected no bus traffic, got %d messages", capture.len())
	}
}

func TestScheduler_DispatchAdmitsAtThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registerAgent(t, f.reg, "shell-01", 20)
	plan, _ := createApprovedPlan(t, f.store, "uptime")

	sent, err := f.sched.Dispatch(ctx, plan.ID)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if !sent {
		t.Fatal("capacity exactly at the threshold should admit")
	}
}

func TestScheduler_DispatchParksWithoutEligibleAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan, tasks := createApprovedPlan(t, f.store, "uptime")

	sent, err := f.sched.Dispatch(ctx, plan.ID)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if sent {
		t.Fatal("expected dispatch to park with no agents registered")
	}

	task, err := f.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("failed to reload task: %v", err)
	}
	if task.Status != v1.TaskStatusPaused {
		t.Errorf("task status = %s, want paused", task.Status)
	}

	entries, err := f.store.ListParked(ctx, time.Now().UTC().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("failed to list pause queue: %v", err)
	}
	if len(entries) != 1 || !strings.Contains(entries[0].Reason, "no eligible agent") {
		t.Fatalf("pause queue = %+v, want one no-eligible-agent entry", entries)
	}
}

func TestScheduler_DispatchIsLinear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	capture := f.captureBus(t)
	registerAgent(t, f.reg, "shell-01", 100)
	plan, tasks := createApprovedPlan(t, f.store, "uptime", "df -h")

	sent, err := f.sched.Dispatch(ctx, plan.ID)
	if err != nil || !sent {
		t.Fatalf("first dispatch = (%v, %v), want (true, nil)", sent, err)
	}
	waitFor(t, "first work request", func() bool { return capture.len() == 1 })

	// The first task is in flight; a second pass must not send task two.
	sent, err = f.sched.Dispatch(ctx, plan.ID)
	if err != nil {
		t.Fatalf("second dispatch failed: %v", err)
	}
	if sent {
		t.Fatal("dispatch sent a second task while the first was in flight")
	}

	if _, err := f.store.TransitionTask(ctx, tasks[0].ID, v1.TaskStatusDispatched, v1.TaskStatusRunning, nil); err != nil {
		t.Fatalf("failed to mark task running: %v", err)
	}
	if _, err := f.store.TransitionTask(ctx, tasks[0].ID, v1.TaskStatusRunning, v1.TaskStatusSuccess,
		&store.TaskMutation{Outcome: &v1.Outcome{ExitCode: 0}}); err != nil {
		t.Fatalf("failed to complete task: %v", err)
	}

	sent, err = f.sched.Dispatch(ctx, plan.ID)
	if err != nil || !sent {
		t.Fatalf("dispatch after completion = (%v, %v), want (true, nil)", sent, err)
	}
	waitFor(t, "second work request", func() bool { return capture.len() == 2 })

	_, env := capture.at(1)
	wr, err := env.WorkRequest()
	if err != nil {
		t.Fatalf("failed to decode work request: %v", err)
	}
	if wr.TaskID != tasks[1].ID {
		t.Errorf("second dispatch carried task %s, want %s", wr.TaskID, tasks[1].ID)
	}
}

func TestScheduler_ResumePassRedispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	capture := f.captureBus(t)
	registerAgent(t, f.reg, "shell-01", 10)
	plan, tasks := createApprovedPlan(t, f.store, "uptime")
	events := f.events.Subscribe("ui", plan.ID)

	if sent, err := f.sched.Dispatch(ctx, plan.ID); err != nil || sent {
		t.Fatalf("dispatch = (%v, %v), want parked", sent, err)
	}
	expectEvent(t, events, v1.EventPaused)

	// Agent frees up; the next resume pass should send the parked task.
	if err := f.reg.Heartbeat(ctx, "shell-01", &v1.AgentMetrics{FreeCapacityPercent: 95}); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	f.sched.resumePass(ctx)

	task, err := f.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("failed to reload task: %v", err)
	}
	if task.Status != v1.TaskStatusDispatched {
		t.Errorf("task status = %s, want dispatched", task.Status)
	}

	count, err := f.store.CountParked(ctx)
	if err != nil {
		t.Fatalf("failed to count pause queue: %v", err)
	}
	if count != 0 {
		t.Errorf("pause queue length = %d, want 0", count)
	}

	waitFor(t, "resumed work request", func() bool { return capture.len() == 1 })
	expectEvent(t, events, v1.EventResumed)
}

func TestScheduler_ResumeStaysParkedWhileBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	capture := f.captureBus(t)
	registerAgent(t, f.reg, "shell-01", 10)
	plan, tasks := createApprovedPlan(t, f.store, "uptime")

	if sent, err := f.sched.Dispatch(ctx, plan.ID); err != nil || sent {
		t.Fatalf("dispatch = (%v, %v), want parked", sent, err)
	}

	f.sched.resumePass(ctx)

	task, err := f.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("failed to reload task: %v", err)
	}
	if task.Status != v1.TaskStatusPaused {
		t.Errorf("task status = %s, want paused", task.Status)
	}
	count, err := f.store.CountParked(ctx)
	if err != nil {
		t.Fatalf("failed to count pause queue: %v", err)
	}
	if count != 1 {
		t.Errorf("pause queue length = %d, want 1", count)
	}
	if capture.len() != 0 {
		t.Errorf("expected no bus traffic, got %d messages", capture.len())
	}
}

func TestScheduler_RetryRequeuesAfterBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	capture := f.captureBus(t)
	registerAgent(t, f.reg, "shell-01", 100)
	plan, tasks := createApprovedPlan(t, f.store, "uptime")

	var mu sync.Mutex
	var delays []time.Duration
	f.sched.after = func(d time.Duration) <-chan time.Time {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}

	if sent, err := f.sched.Dispatch(ctx, plan.ID); err != nil || !sent {
		t.Fatalf("dispatch = (%v, %v), want (true, nil)", sent, err)
	}
	waitFor(t, "initial work request", func() bool { return capture.len() == 1 })
	if _, err := f.store.TransitionTask(ctx, tasks[0].ID, v1.TaskStatusDispatched, v1.TaskStatusRunning, nil); err != nil {
		t.Fatalf("failed to mark task running: %v", err)
	}

	task, err := f.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("failed to reload task: %v", err)
	}
	requeued, err := f.sched.HandleTaskFailure(ctx, task, "shell-01", wire.CodeTimeout, "agent timed out")
	if err != nil {
		t.Fatalf("failure handling errored: %v", err)
	}
	if !requeued {
		t.Fatal("timeout should be requeued on the first attempt")
	}

	waitFor(t, "redispatch after backoff", func() bool {
		reloaded, err := f.store.GetTask(ctx, tasks[0].ID)
		return err == nil && reloaded.Status == v1.TaskStatusDispatched && reloaded.RetryCount == 1
	})
	waitFor(t, "retried work request", func() bool { return capture.len() == 2 })

	mu.Lock()
	gotDelay := delays[0]
	mu.Unlock()
	if gotDelay != time.Second {
		t.Errorf("first backoff = %s, want 1s", gotDelay)
	}

	steps, err := f.store.ListSteps(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("failed to list steps: %v", err)
	}
	found := false
	for _, step := range steps {
		if step.Status == "retry_scheduled" && step.Action == "timeout" && step.Ordinal == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("steps = %+v, want a retry_scheduled timeout step at ordinal 1", steps)
	}

	entry, err := f.reg.Get("shell-01")
	if err != nil {
		t.Fatalf("failed to read agent entry: %v", err)
	}
	if entry.ConsecutiveFailures != 1 {
		t.Errorf("agent failure streak = %d, want 1", entry.ConsecutiveFailures)
	}
}

func TestScheduler_RetryDeclinesNonRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registerAgent(t, f.reg, "shell-01", 100)
	plan, tasks := createApprovedPlan(t, f.store, "uptime")

	if sent, err := f.sched.Dispatch(ctx, plan.ID); err != nil || !sent {
		t.Fatalf("dispatch = (%v, %v), want (true, nil)", sent, err)
	}
	if _, err := f.store.TransitionTask(ctx, tasks[0].ID, v1.TaskStatusDispatched, v1.TaskStatusRunning, nil); err != nil {
		t.Fatalf("failed to mark task running: %v", err)
	}

	task, err := f.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("failed to reload task: %v", err)
	}
	requeued, err := f.sched.HandleTaskFailure(ctx, task, "shell-01", wire.CodeInvalidMessage, "malformed parameters")
	if err != nil {
		t.Fatalf("failure handling errored: %v", err)
	}
	if requeued {
		t.Fatal("invalid-message must not be retried")
	}

	reloaded, err := f.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("failed to reload task: %v", err)
	}
	if reloaded.Status != v1.TaskStatusRunning || reloaded.RetryCount != 0 {
		t.Errorf("task = %s retry %d, want untouched running/0", reloaded.Status, reloaded.RetryCount)
	}

	// The agent still takes the breaker hit even when the task is done for.
	entry, err := f.reg.Get("shell-01")
	if err != nil {
		t.Fatalf("failed to read agent entry: %v", err)
	}
	if entry.ConsecutiveFailures != 1 {
		t.Errorf("agent failure streak = %d, want 1", entry.ConsecutiveFailures)
	}
}

func TestScheduler_RetryStopsAtBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registerAgent(t, f.reg, "shell-01", 100)
	plan, tasks := createApprovedPlan(t, f.store, "uptime")

	if sent, err := f.sched.Dispatch(ctx, plan.ID); err != nil || !sent {
		t.Fatalf("dispatch = (%v, %v), want (true, nil)", sent, err)
	}

	task, err := f.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("failed to reload task: %v", err)
	}

	// Two requeues already happened; this failure is the third attempt.
	task.RetryCount = 2
	requeued, err := f.sched.HandleTaskFailure(ctx, task, "shell-01", wire.CodeTimeout, "agent timed out")
	if err != nil {
		t.Fatalf("failure handling errored: %v", err)
	}
	if requeued {
		t.Fatal("a budget of 3 attempts must make the third failure terminal")
	}
}

func TestScheduler_RetryAbandonsCancelledTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	capture := f.captureBus(t)
	registerAgent(t, f.reg, "shell-01", 100)
	plan, tasks := createApprovedPlan(t, f.store, "uptime")

	fire := make(chan time.Time)
	f.sched.after = func(time.Duration) <-chan time.Time { return fire }

	if sent, err := f.sched.Dispatch(ctx, plan.ID); err != nil || !sent {
		t.Fatalf("dispatch = (%v, %v), want (true, nil)", sent, err)
	}
	waitFor(t, "initial work request", func() bool { return capture.len() == 1 })
	if _, err := f.store.TransitionTask(ctx, tasks[0].ID, v1.TaskStatusDispatched, v1.TaskStatusRunning, nil); err != nil {
		t.Fatalf("failed to mark task running: %v", err)
	}

	task, err := f.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("failed to reload task: %v", err)
	}
	requeued, err := f.sched.HandleTaskFailure(ctx, task, "shell-01", wire.CodeTimeout, "agent timed out")
	if err != nil || !requeued {
		t.Fatalf("failure handling = (%v, %v), want (true, nil)", requeued, err)
	}

	// Operator cancels while the backoff timer is pending.
	if _, err := f.store.TransitionTask(ctx, tasks[0].ID, v1.TaskStatusApproved, v1.TaskStatusCancelled, nil); err != nil {
		t.Fatalf("failed to cancel task: %v", err)
	}
	fire <- time.Time{}

	time.Sleep(100 * time.Millisecond)
	reloaded, err := f.store.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("failed to reload task: %v", err)
	}
	if reloaded.Status != v1.TaskStatusCancelled {
		t.Errorf("task status = %s, want cancelled", reloaded.Status)
	}
	if capture.len() != 1 {
		t.Errorf("bus messages = %d, want 1 (no redispatch after cancel)", capture.len())
	}
}

func TestScheduler_BackoffSchedule(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{7, 4 * time.Second},
	}
	for _, tc := range cases {
		if got := f.sched.backoffFor(tc.retryCount); got != tc.want {
			t.Errorf("backoffFor(%d) = %s, want %s", tc.retryCount, got, tc.want)
		}
	}

	f.sched.backoff = nil
	if got := f.sched.backoffFor(0); got != time.Second {
		t.Errorf("backoffFor with empty schedule = %s, want 1s", got)
	}
}

// failingBus refuses every publish, standing in for a broker outage.
type failingBus struct{}

func (failingBus) Publish(context.Context, string, string, []byte) error {
	return errors.New("broker down")
}

func (failingBus) QueueSubscribe(string, string, bus.Handler) (bus.Subscription, error) {
	return nil, errors.New("broker down")
}

func (failingBus) Close() {}

func (failingBus) IsConnected() bool { return false }

func TestScheduler_PublishFailureParks(t *testing.T) {
	ctx := context.Background()
	log := newTestLogger(t)
	st := createTestStore(t)
	reg := registry.New(st, testConfig(), log)
	sched := New(failingBus{}, st, reg, fanout.NewBroker(log), testConfig(), log)

	registerAgent(t, reg, "shell-01", 100)
	plan, tasks := createApprovedPlan(t, st, "uptime")

	sent, err := sched.Dispatch(ctx, plan.ID)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if sent {
		t.Fatal("expected dispatch to park after the publish failed")
	}

	task, err := st.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("failed to reload task: %v", err)
	}
	if task.Status != v1.TaskStatusPaused {
		t.Errorf("task status = %s, want paused", task.Status)
	}

	entries, err := st.ListParked(ctx, time.Now().UTC().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("failed to list pause queue: %v", err)
	}
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Reason, "publish failed") {
		t.Fatalf("pause queue = %+v, want one publish-failed entry", entries)
	}
}
