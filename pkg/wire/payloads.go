package wire

// Work types an agent can be asked to perform. deploy_service is rewritten
// to run_playbook by the planner before dispatch; agents only ever see the
// concrete catalogue entries.
const (
	WorkTypeRunPlaybook       = "run_playbook"
	WorkTypeDeployService     = "deploy_service"
	WorkTypeDiscoverPlaybooks = "discover_playbooks"
	WorkTypeShellCommand      = "shell_command"
)

// KnownWorkType reports whether t is in the work type catalogue.
func KnownWorkType(t string) bool {
	switch t {
	case WorkTypeRunPlaybook, WorkTypeDeployService, WorkTypeDiscoverPlaybooks, WorkTypeShellCommand:
		return true
	default:
		return false
	}
}

// Hints carries scheduling hints attached to a work request.
type Hints struct {
	MaxDurationSeconds int `json:"max_duration_seconds,omitempty"`
	MaxMemoryMB        int `json:"max_memory_mb,omitempty"`
}

// WorkRequest asks an agent to perform one task.
type WorkRequest struct {
	TaskID     string         `json:"task_id"`
	WorkType   string         `json:"work_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Hints      Hints          `json:"hints"`
	Cancel     bool           `json:"cancel,omitempty"`
}

// Work status values reported by agents while a task runs.
const (
	StatusRunning       = "running"
	StatusStepCompleted = "step_completed"
	StatusPaused        = "paused"
)

// OutputChunk carries one slice of an output too large to inline. Offset and
// Total are byte positions; Data holds Length bytes starting at Offset.
type OutputChunk struct {
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Total  int64  `json:"total"`
	Data   string `json:"data"`
}

// Step describes the execution step a status message refers to. Output and
// OutputChunk are mutually exclusive: outputs above the chunking threshold
// arrive as a chunk sequence.
type Step struct {
	Number      int          `json:"number"`
	Name        string       `json:"name"`
	Output      string       `json:"output,omitempty"`
	OutputChunk *OutputChunk `json:"output_chunk,omitempty"`
}

// WorkStatus reports task progress.
type WorkStatus struct {
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
	ProgressPercent int    `json:"progress_percent"`
	Step            *Step  `json:"step,omitempty"`
}

// Terminal result statuses.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// ResourcesUsed reports what a finished task consumed.
type ResourcesUsed struct {
	DurationSeconds float64 `json:"duration_seconds"`
	GPUVRAMMB       int64   `json:"gpu_vram_mb"`
	CPUTimeMS       int64   `json:"cpu_time_ms"`
}

// WorkResult reports the terminal outcome of a task.
type WorkResult struct {
	TaskID           string        `json:"task_id"`
	Status           string        `json:"status"`
	ExitCode         int           `json:"exit_code"`
	Output           string        `json:"output,omitempty"`
	ResourcesUsed    ResourcesUsed `json:"resources_used"`
	ServicesTouched  []string      `json:"services_touched,omitempty"`
	FailureReason    string        `json:"failure_reason,omitempty"`
	FailureErrorCode int           `json:"failure_error_code,omitempty"`
}

// ErrorPayload carries a protocol-level error.
type ErrorPayload struct {
	ErrorCode    int            `json:"error_code"`
	ErrorMessage string         `json:"error_message"`
	ErrorContext map[string]any `json:"error_context,omitempty"`
	TaskID       string         `json:"task_id,omitempty"`
}

// Retryable reports whether the error's code is retryable.
func (p *ErrorPayload) Retryable() bool {
	return Retryable(p.ErrorCode)
}
