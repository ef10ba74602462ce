// Package main implements a mock worker agent for local development and
// end-to-end testing. It registers with the orchestrator over HTTP, sends
// heartbeats, consumes its work subject on NATS, and replays a named
// scenario for every work request it receives.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chorushq/chorus/internal/bus"
	"github.com/chorushq/chorus/internal/common/config"
	"github.com/chorushq/chorus/internal/common/logger"
	v1 "github.com/chorushq/chorus/pkg/api/v1"
	"github.com/chorushq/chorus/pkg/wire"
)

// Scenario names. Each one exercises a different orchestrator code path.
const (
	scenarioSuccess = "success" // two steps, clean exit
	scenarioFlaky   = "flaky"   // timeout (5001) on the first attempt, success on retry
	scenarioBroken  = "broken"  // agent-unavailable (5002) on every attempt
	scenarioChunky  = "chunky"  // 600 KiB step output delivered as a chunk sequence
	scenarioSilent  = "silent"  // accepts work and never reports back
)

var (
	idFlag        = flag.String("id", "mock-shell-01", "agent id")
	typeFlag      = flag.String("type", "shell", "agent type")
	tokenFlag     = flag.String("token", "mock-agent-secret-token", "bearer token presented on every envelope")
	apiFlag       = flag.String("api", "http://localhost:8080", "orchestrator base URL")
	natsFlag      = flag.String("nats", "nats://localhost:4222", "NATS server URL")
	scenarioFlag  = flag.String("scenario", scenarioSuccess, "scenario to replay: success, flaky, broken, chunky, silent")
	capacityFlag  = flag.Int("capacity", 4, "declared task capacity")
	freeFlag      = flag.Int("free", 80, "free capacity percent reported in heartbeats")
	heartbeatFlag = flag.Int("heartbeat", 10, "heartbeat interval in seconds")
	stepDelayFlag = flag.Duration("step-delay", 150*time.Millisecond, "simulated work time per step")
	logLevelFlag  = flag.String("log-level", "info", "log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      *logLevelFlag,
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	switch *scenarioFlag {
	case scenarioSuccess, scenarioFlaky, scenarioBroken, scenarioChunky, scenarioSilent:
	default:
		fmt.Fprintf(os.Stderr, "Unknown scenario %q\n", *scenarioFlag)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgBus, err := bus.NewJetStreamBus(config.NATSConfig{
		URL:                    *natsFlag,
		Name:                   "mock-agent-" + *idFlag,
		MaxReconnects:          10,
		Stream:                 "CHORUS",
		AckWaitSeconds:         30,
		MaxDeliver:             5,
		DuplicateWindowSeconds: 120,
		MessageMaxAgeHours:     24,
	}, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer msgBus.Close()

	agent := &mockAgent{
		id:        *idFlag,
		agentType: *typeFlag,
		token:     *tokenFlag,
		scenario:  *scenarioFlag,
		stepDelay: *stepDelayFlag,
		bus:       msgBus,
		logger:    log.WithComponent("mock-agent"),
		attempts:  make(map[string]int),
		cancelled: make(map[string]bool),
	}

	if err := agent.register(ctx); err != nil {
		log.Fatal("Failed to register with orchestrator", zap.Error(err))
	}
	log.Info("Registered with orchestrator",
		zap.String("agent_id", agent.id),
		zap.String("scenario", agent.scenario))

	// Direct subject for work addressed to this agent, plus the shared
	// per-type queue that any one agent of the type may drain.
	direct := bus.DirectSubject(agent.agentType, agent.id)
	directSub, err := msgBus.QueueSubscribe(direct, bus.QueueFor(direct), agent.handleWork)
	if err != nil {
		log.Fatal("Failed to subscribe to work subject", zap.Error(err))
	}
	defer directSub.Unsubscribe()

	shared := bus.WorkSubject(agent.agentType)
	sharedSub, err := msgBus.QueueSubscribe(shared, bus.QueueFor(shared), agent.handleWork)
	if err != nil {
		log.Fatal("Failed to subscribe to shared work queue", zap.Error(err))
	}
	defer sharedSub.Unsubscribe()
	log.Info("Consuming work",
		zap.String("direct", direct),
		zap.String("shared", shared))

	go agent.heartbeatLoop(ctx, time.Duration(*heartbeatFlag)*time.Second)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down mock agent")
	cancel()
}

// mockAgent holds per-task scenario state. attempts counts deliveries per
// task id so the flaky scenario can fail exactly once.
type mockAgent struct {
	id        string
	agentType string
	token     string
	scenario  string
	stepDelay time.Duration
	bus       bus.Bus
	logger    *logger.Logger

	mu        sync.Mutex
	attempts  map[string]int
	cancelled map[string]bool
	active    int
}

// register announces the agent to the orchestrator, retrying while the
// daemon comes up.
func (a *mockAgent) register(ctx context.Context) error {
	body := v1.RegisterAgentRequest{
		ID:               a.id,
		Type:             a.agentType,
		Capabilities:     []string{wire.WorkTypeShellCommand, wire.WorkTypeRunPlaybook, wire.WorkTypeDiscoverPlaybooks},
		Token:            a.token,
		DeclaredCapacity: *capacityFlag,
	}
	var lastErr error
	for attempt := 1; attempt <= 10; attempt++ {
		lastErr = postJSON(ctx, *apiFlag+"/api/v1/agents", body)
		if lastErr == nil {
			return nil
		}
		a.logger.Warn("Registration attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return lastErr
}

// heartbeatLoop reports capacity on a fixed interval until the context ends.
func (a *mockAgent) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	url := fmt.Sprintf("%s/api/v1/agents/%s/heartbeat", *apiFlag, a.id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := v1.AgentMetrics{
				FreeCapacityPercent: *freeFlag,
				ActiveTaskCount:     a.activeTasks(),
			}
			if err := postJSON(ctx, url, metrics); err != nil {
				a.logger.Warn("Heartbeat failed", zap.Error(err))
			}
		}
	}
}

// handleWork is the bus consumer. It acks every delivery and runs the
// scenario in its own goroutine so slow scenarios cannot stall the consumer.
func (a *mockAgent) handleWork(ctx context.Context, subject string, data []byte) error {
	env, err := wire.Decode(data)
	if err != nil {
		a.logger.Warn("Dropping undecodable message", zap.Error(err))
		return nil
	}
	if env.Type != wire.MessageTypeWorkRequest {
		a.logger.Debug("Ignoring message",
			zap.String("type", string(env.Type)),
			zap.String("message_id", env.MessageID))
		return nil
	}
	wr, err := env.WorkRequest()
	if err != nil {
		a.logger.Warn("Dropping malformed work request", zap.Error(err))
		return nil
	}

	if wr.Cancel {
		a.markCancelled(wr.TaskID)
		a.logger.Info("Cancel received", zap.String("task_id", wr.TaskID))
		return nil
	}

	attempt := a.nextAttempt(wr.TaskID)
	a.logger.Info("Work request received",
		zap.String("task_id", wr.TaskID),
		zap.String("work_type", wr.WorkType),
		zap.Int("attempt", attempt))

	a.addActive(1)
	go func() {
		defer a.addActive(-1)
		a.run(context.Background(), env, wr, attempt)
	}()
	return nil
}

// run replays the configured scenario for one work request.
func (a *mockAgent) run(ctx context.Context, env *wire.Envelope, wr *wire.WorkRequest, attempt int) {
	switch a.scenario {
	case scenarioSilent:
		a.sendStatus(ctx, env, &wire.WorkStatus{TaskID: wr.TaskID, Status: wire.StatusRunning, ProgressPercent: 5})
		a.logger.Info("Going silent", zap.String("task_id", wr.TaskID))
		return
	case scenarioBroken:
		a.sendError(ctx, env, wr.TaskID, wire.CodeAgentUnavailable, "simulated agent outage")
		return
	case scenarioFlaky:
		if attempt == 1 {
			a.sendError(ctx, env, wr.TaskID, wire.CodeTimeout, "simulated timeout on first attempt")
			return
		}
	}

	start := time.Now()
	a.sendStatus(ctx, env, &wire.WorkStatus{TaskID: wr.TaskID, Status: wire.StatusRunning, ProgressPercent: 10})
	time.Sleep(a.stepDelay)
	if a.isCancelled(wr.TaskID) {
		a.logger.Info("Abandoning cancelled task", zap.String("task_id", wr.TaskID))
		return
	}

	output := "ok\n"
	if a.scenario == scenarioChunky {
		output = buildOutput(600 * 1024)
	}
	envs, err := wire.StatusEnvelopes(a.id, wire.AgentOrchestrator, env.TraceID, env.RequestID,
		wr.TaskID, 1, stepName(wr), output)
	if err != nil {
		a.logger.Error("Failed to build status envelopes", zap.Error(err))
		return
	}
	for _, statusEnv := range envs {
		a.publish(ctx, bus.SubjectStatus, statusEnv)
	}
	time.Sleep(a.stepDelay)
	if a.isCancelled(wr.TaskID) {
		a.logger.Info("Abandoning cancelled task", zap.String("task_id", wr.TaskID))
		return
	}

	result := &wire.WorkResult{
		TaskID:   wr.TaskID,
		Status:   wire.ResultSuccess,
		ExitCode: 0,
		ResourcesUsed: wire.ResourcesUsed{
			DurationSeconds: time.Since(start).Seconds(),
			CPUTimeMS:       time.Since(start).Milliseconds(),
		},
	}
	if a.scenario != scenarioChunky {
		// Chunked output already travelled in the status sequence.
		result.Output = output
	}
	if svc, ok := wr.Parameters["service"].(string); ok && svc != "" {
		result.ServicesTouched = []string{svc}
	}
	resultEnv, err := wire.NewEnvelope(wire.MessageTypeWorkResult, a.id, wire.AgentOrchestrator,
		env.TraceID, env.RequestID, result)
	if err != nil {
		a.logger.Error("Failed to build result envelope", zap.Error(err))
		return
	}
	a.publish(ctx, bus.SubjectResults, resultEnv)
	a.logger.Info("Task finished",
		zap.String("task_id", wr.TaskID),
		zap.Int("attempt", attempt))
}

// sendStatus publishes one work_status envelope.
func (a *mockAgent) sendStatus(ctx context.Context, inbound *wire.Envelope, status *wire.WorkStatus) {
	env, err := wire.NewEnvelope(wire.MessageTypeWorkStatus, a.id, wire.AgentOrchestrator,
		inbound.TraceID, inbound.RequestID, status)
	if err != nil {
		a.logger.Error("Failed to build status envelope", zap.Error(err))
		return
	}
	a.publish(ctx, bus.SubjectStatus, env)
}

// sendError publishes a protocol error for a task.
func (a *mockAgent) sendError(ctx context.Context, inbound *wire.Envelope, taskID string, code int, message string) {
	env, err := wire.NewEnvelope(wire.MessageTypeError, a.id, wire.AgentOrchestrator,
		inbound.TraceID, inbound.RequestID, &wire.ErrorPayload{
			ErrorCode:    code,
			ErrorMessage: message,
			TaskID:       taskID,
		})
	if err != nil {
		a.logger.Error("Failed to build error envelope", zap.Error(err))
		return
	}
	a.publish(ctx, bus.SubjectStatus, env)
	a.logger.Info("Reported error",
		zap.String("task_id", taskID),
		zap.Int("error_code", code))
}

// publish signs and sends one envelope.
func (a *mockAgent) publish(ctx context.Context, subject string, env *wire.Envelope) {
	env.Sign(a.token)
	data, err := env.Encode()
	if err != nil {
		a.logger.Error("Failed to encode envelope", zap.Error(err))
		return
	}
	if err := a.bus.Publish(ctx, subject, env.MessageID, data); err != nil {
		a.logger.Error("Publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func (a *mockAgent) nextAttempt(taskID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts[taskID]++
	return a.attempts[taskID]
}

func (a *mockAgent) markCancelled(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled[taskID] = true
}

func (a *mockAgent) isCancelled(taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled[taskID]
}

func (a *mockAgent) addActive(delta int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active += delta
}

func (a *mockAgent) activeTasks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// stepName labels the single simulated step from the work type.
func stepName(wr *wire.WorkRequest) string {
	if cmd, ok := wr.Parameters["command"].(string); ok && cmd != "" {
		return cmd
	}
	return wr.WorkType
}

// buildOutput produces size bytes of line-structured text.
func buildOutput(size int) string {
	line := "mock step output: everything is fine on this host right now\n"
	var b strings.Builder
	b.Grow(size + len(line))
	for b.Len() < size {
		b.WriteString(line)
	}
	return b.String()[:size]
}

// postJSON posts a JSON body and fails on any non-2xx response.
func postJSON(ctx context.Context, url string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
