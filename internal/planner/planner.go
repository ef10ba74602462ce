// Package planner turns a natural-language request into a validated,
// persistable plan of agent tasks.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/chorushq/chorus/internal/catalog"
	"github.com/chorushq/chorus/internal/common/config"
	"github.com/chorushq/chorus/internal/common/logger"
	"github.com/chorushq/chorus/internal/llm"
	"github.com/chorushq/chorus/internal/store"
	v1 "github.com/chorushq/chorus/pkg/api/v1"
	"github.com/chorushq/chorus/pkg/wire"
)

// Planning failure reasons, recorded on the request when no valid plan can
// be produced.
const (
	ReasonLLMUnavailable  = "llm_unavailable"
	ReasonInvalidJSON     = "invalid_plan_json"
	ReasonInvalidPlan     = "invalid_plan"
	ReasonUnknownWorkType = "unknown_work_type"
	ReasonUnknownService  = "unknown_service"
)

// Plan shape bounds enforced on every draft.
const (
	maxTasksPerPlan        = 10
	maxSummaryLength       = 500
	maxParameterBytes      = 16 * 1024
	maxTaskDurationSeconds = 14400
	maxPlanDurationSeconds = 86400
)

// Error is a planning failure with a machine-readable reason.
type Error struct {
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("planning failed (%s): %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Draft is a validated plan ready for store.CreatePlan. Intent is the parsed
// shape of the request, recorded on the request row.
type Draft struct {
	Plan   *store.Plan
	Tasks  []*store.Task
	Intent map[string]interface{}
}

// Planner drives one LLM planning call per request and validates the result.
type Planner struct {
	client         llm.Client
	index          *catalog.Index
	matchThreshold float64
	logger         *logger.Logger
}

// New builds a planner over the LLM gateway and the playbook index.
func New(client llm.Client, index *catalog.Index, cfg config.CatalogConfig, log *logger.Logger) *Planner {
	return &Planner{
		client:         client,
		index:          index,
		matchThreshold: cfg.MatchThreshold,
		logger:         log.WithComponent("planner"),
	}
}

// Plan asks the model for a task breakdown of the request, validates it, and
// resolves deploy_service tasks to concrete playbooks. Failures return
// *Error with the reason the request should be failed under.
func (p *Planner) Plan(ctx context.Context, req *store.Request) (*Draft, error) {
	resp, err := p.client.Complete(ctx, llm.Request{
		Messages:    buildMessages(req, p.deployableServices()),
		Temperature: 0.1,
		JSONMode:    true,
	})
	if err != nil {
		return nil, &Error{Reason: ReasonLLMUnavailable, Message: "no provider produced a plan", Err: err}
	}

	draft, err := parseDraft(resp.Content)
	if err != nil {
		p.logger.WithRequestID(req.ID).WithError(err).Warn("Model returned an unparseable plan",
			zap.String("provider", resp.Provider),
		)
		return nil, &Error{Reason: ReasonInvalidJSON, Message: "model output is not a valid plan document", Err: err}
	}

	if perr := validateDraft(draft); perr != nil {
		p.logger.WithRequestID(req.ID).Warn("Model returned an invalid plan",
			zap.String("reason", perr.Reason),
			zap.String("detail", perr.Message),
		)
		return nil, perr
	}

	if perr := p.resolveDeployments(ctx, draft); perr != nil {
		return nil, perr
	}

	out := assemble(req, draft)
	p.logger.WithRequestID(req.ID).Info("Plan drafted",
		zap.String("provider", resp.Provider),
		zap.Bool("cached", resp.Cached),
		zap.Int("tasks", len(out.Tasks)),
		zap.String("risk", string(out.Plan.RiskLevel)),
	)
	return out, nil
}

// deployableServices lists the catalogue entry names for the prompt, in
// catalogue order.
func (p *Planner) deployableServices() []string {
	entries := p.index.List()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

// planDraft mirrors the JSON schema the prompt demands.
type planDraft struct {
	Summary                  string      `json:"summary"`
	ComplexityLevel          int         `json:"complexity_level"`
	EstimatedDurationSeconds int         `json:"estimated_duration_seconds"`
	Budget                   draftBudget `json:"budget"`
	Services                 []string    `json:"services"`
	Tasks                    []draftTask `json:"tasks"`
}

type draftBudget struct {
	MaxParallelTasks        int `json:"max_parallel_tasks"`
	MaxTotalDurationSeconds int `json:"max_total_duration_seconds"`
	MaxMemoryMB             int `json:"max_memory_mb"`
}

type draftTask struct {
	WorkType           string                 `json:"work_type"`
	Description        string                 `json:"description"`
	Parameters         map[string]interface{} `json:"parameters"`
	MaxDurationSeconds int                    `json:"max_duration_seconds"`
	MaxMemoryMB        int                    `json:"max_memory_mb"`
	Services           []string               `json:"services"`
}

// parseDraft decodes the model output strictly: unknown fields and trailing
// content are rejected. Models occasionally fence their JSON despite the
// instructions, so fences are stripped first.
func parseDraft(content string) (*planDraft, error) {
	text := stripFences(content)
	if !strings.HasPrefix(text, "{") {
		return nil, fmt.Errorf("output does not start with a JSON object")
	}

	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	var draft planDraft
	if err := dec.Decode(&draft); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing content after plan object")
	}
	return &draft, nil
}

func stripFences(s string) string {
	text := strings.TrimSpace(s)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[idx+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func validateDraft(d *planDraft) *Error {
	switch {
	case strings.TrimSpace(d.Summary) == "":
		return &Error{Reason: ReasonInvalidPlan, Message: "plan has no summary"}
	case len(d.Summary) > maxSummaryLength:
		return &Error{Reason: ReasonInvalidPlan, Message: "plan summary is too long"}
	case d.ComplexityLevel < 1 || d.ComplexityLevel > 5:
		return &Error{Reason: ReasonInvalidPlan, Message: fmt.Sprintf("complexity_level %d is outside 1..5", d.ComplexityLevel)}
	case d.EstimatedDurationSeconds <= 0 || d.EstimatedDurationSeconds > maxPlanDurationSeconds:
		return &Error{Reason: ReasonInvalidPlan, Message: fmt.Sprintf("estimated_duration_seconds %d is outside 1..%d", d.EstimatedDurationSeconds, maxPlanDurationSeconds)}
	case len(d.Tasks) == 0:
		return &Error{Reason: ReasonInvalidPlan, Message: "plan has no tasks"}
	case len(d.Tasks) > maxTasksPerPlan:
		return &Error{Reason: ReasonInvalidPlan, Message: fmt.Sprintf("plan has %d tasks, limit is %d", len(d.Tasks), maxTasksPerPlan)}
	}

	for i, t := range d.Tasks {
		if !wire.KnownWorkType(t.WorkType) {
			return &Error{Reason: ReasonUnknownWorkType, Message: fmt.Sprintf("task %d has unknown work_type %q", i+1, t.WorkType)}
		}
		if strings.TrimSpace(t.Description) == "" {
			return &Error{Reason: ReasonInvalidPlan, Message: fmt.Sprintf("task %d has no description", i+1)}
		}
		if t.MaxDurationSeconds < 0 || t.MaxDurationSeconds > maxTaskDurationSeconds {
			return &Error{Reason: ReasonInvalidPlan, Message: fmt.Sprintf("task %d max_duration_seconds %d is outside 0..%d", i+1, t.MaxDurationSeconds, maxTaskDurationSeconds)}
		}
		if size := parameterSize(t.Parameters); size > maxParameterBytes {
			return &Error{Reason: ReasonInvalidPlan, Message: fmt.Sprintf("task %d parameters are %d bytes, limit is %d", i+1, size, maxParameterBytes)}
		}
		if t.WorkType == wire.WorkTypeDeployService {
			if name, _ := t.Parameters["service"].(string); strings.TrimSpace(name) == "" {
				return &Error{Reason: ReasonInvalidPlan, Message: fmt.Sprintf("task %d deploys a service but names none", i+1)}
			}
		}
	}
	return nil
}

func parameterSize(params map[string]interface{}) int {
	if len(params) == 0 {
		return 0
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(params); err != nil {
		return maxParameterBytes + 1
	}
	return buf.Len()
}

// resolveDeployments rewrites each deploy_service task into run_playbook via
// semantic search over the catalogue. A service with no match at or above
// the threshold fails the plan as unknown_service.
func (p *Planner) resolveDeployments(ctx context.Context, d *planDraft) *Error {
	for i := range d.Tasks {
		t := &d.Tasks[i]
		if t.WorkType != wire.WorkTypeDeployService {
			continue
		}
		service, _ := t.Parameters["service"].(string)

		matches, err := p.index.Search(ctx, service, 1)
		if err != nil {
			return &Error{Reason: ReasonLLMUnavailable, Message: fmt.Sprintf("catalog search for %q failed", service), Err: err}
		}
		if len(matches) == 0 || matches[0].Score < p.matchThreshold {
			score := float64(0)
			if len(matches) > 0 {
				score = matches[0].Score
			}
			p.logger.Info("No playbook matched service",
				zap.String("service", service),
				zap.Float64("best_score", score),
				zap.Float64("threshold", p.matchThreshold),
			)
			return &Error{Reason: ReasonUnknownService, Message: fmt.Sprintf("no playbook in the catalogue deploys %q", service)}
		}

		match := matches[0]
		t.WorkType = wire.WorkTypeRunPlaybook
		if t.Parameters == nil {
			t.Parameters = map[string]interface{}{}
		}
		t.Parameters["playbook"] = match.Entry.Path
		t.Services = unionServices(t.Services, match.Entry.Services)

		p.logger.Info("Resolved service to playbook",
			zap.String("service", service),
			zap.String("playbook", match.Entry.Path),
			zap.Float64("score", match.Score),
		)
	}
	return nil
}

func unionServices(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// assemble converts a resolved draft into store rows. IDs, ordinals, and
// statuses are assigned by store.CreatePlan.
func assemble(req *store.Request, d *planDraft) *Draft {
	plan := &store.Plan{
		RequestID:                req.ID,
		Summary:                  d.Summary,
		RiskLevel:                riskFromComplexity(d.ComplexityLevel),
		EstimatedDurationSeconds: d.EstimatedDurationSeconds,
		Budget: v1.ResourceBudget{
			MaxParallelTasks:        d.Budget.MaxParallelTasks,
			MaxTotalDurationSeconds: d.Budget.MaxTotalDurationSeconds,
			MaxMemoryMB:             d.Budget.MaxMemoryMB,
		},
	}

	tasks := make([]*store.Task, 0, len(d.Tasks))
	for _, t := range d.Tasks {
		task := &store.Task{
			WorkType:   t.WorkType,
			Parameters: t.Parameters,
			Hints: v1.SchedulingHints{
				MaxDurationSeconds: t.MaxDurationSeconds,
				MaxMemoryMB:        t.MaxMemoryMB,
			},
			ServicesTouched: t.Services,
		}
		if t.MaxDurationSeconds > 0 || t.MaxMemoryMB > 0 {
			task.EstimatedResources = &v1.Resources{
				DurationSeconds: float64(t.MaxDurationSeconds),
				MemoryMB:        int64(t.MaxMemoryMB),
			}
		}
		tasks = append(tasks, task)
	}

	intent := map[string]interface{}{
		"summary":          d.Summary,
		"complexity_level": d.ComplexityLevel,
		"services":         d.Services,
	}
	return &Draft{Plan: plan, Tasks: tasks, Intent: intent}
}

// riskFromComplexity maps the model's 1..5 complexity to the plan risk
// level: 1..2 low, 3 medium, 4..5 high.
func riskFromComplexity(level int) v1.RiskLevel {
	switch {
	case level <= 2:
		return v1.RiskLevelLow
	case level == 3:
		return v1.RiskLevelMedium
	default:
		return v1.RiskLevelHigh
	}
}
