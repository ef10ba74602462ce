package planner

import (
	"fmt"
	"strings"

	"github.com/chorushq/chorus/internal/llm"
	"github.com/chorushq/chorus/internal/store"
)

// systemPrompt instructs the model to emit exactly one JSON plan. The schema
// here must stay in lockstep with planDraft; parsing is strict and rejects
// unknown fields.
const systemPrompt = `You are the planning engine of a homelab orchestrator. You turn one
operator request into a plan of tasks for remote worker agents.

Respond with a single JSON object and nothing else. No prose, no markdown,
no code fences. The object has exactly these fields:

{
  "summary": "one sentence describing the plan",
  "complexity_level": 1,
  "estimated_duration_seconds": 60,
  "budget": {"max_parallel_tasks": 1, "max_total_duration_seconds": 120, "max_memory_mb": 256},
  "services": ["names of services this plan touches"],
  "tasks": [
    {
      "work_type": "shell_command",
      "description": "what this task does",
      "parameters": {},
      "max_duration_seconds": 60,
      "max_memory_mb": 128,
      "services": ["services this task touches"]
    }
  ]
}

Rules:
- complexity_level is an integer 1 to 5: 1 is a routine single action, 5 is
  a multi-service change that could break things.
- tasks run in order, one agent each. Emit between 1 and 10 tasks.
- work_type must be one of:
  - "shell_command": parameters {"command": "..."} for a single host command.
  - "run_playbook": parameters {"playbook": "relative/path.yml"} plus
    optional "extra_vars" (object). Only use paths the operator named.
  - "deploy_service": parameters {"service": "name"} plus optional
    "extra_vars". Use when the operator wants a service installed or
    redeployed and you do not know its playbook; the orchestrator resolves
    the service name to a playbook.
  - "discover_playbooks": parameters {} to enumerate what an agent can run.
- estimated_duration_seconds and each max_duration_seconds are positive
  integers of wall-clock seconds; stay under 14400.
- Never invent playbook paths, hostnames, or credentials.`

// fewShotRequest and fewShotPlan prime the output format with one worked
// example.
const fewShotRequest = `deploy jellyfin on the media box and restart caddy after`

const fewShotPlan = `{
  "summary": "Deploy the Jellyfin media server, then restart the Caddy reverse proxy",
  "complexity_level": 3,
  "estimated_duration_seconds": 420,
  "budget": {"max_parallel_tasks": 1, "max_total_duration_seconds": 900, "max_memory_mb": 1024},
  "services": ["jellyfin", "caddy"],
  "tasks": [
    {
      "work_type": "deploy_service",
      "description": "Deploy the Jellyfin media server",
      "parameters": {"service": "jellyfin"},
      "max_duration_seconds": 300,
      "max_memory_mb": 1024,
      "services": ["jellyfin"]
    },
    {
      "work_type": "shell_command",
      "description": "Restart the Caddy reverse proxy",
      "parameters": {"command": "systemctl restart caddy"},
      "max_duration_seconds": 60,
      "max_memory_mb": 128,
      "services": ["caddy"]
    }
  ]
}`

// buildMessages assembles the planning conversation: system rules, one
// worked example, then the operator's request. Catalogue entry names ride
// along with the request so deploy_service tasks name services that actually
// resolve.
func buildMessages(req *store.Request, services []string) []llm.Message {
	user := fmt.Sprintf("Requester: %s\nRequest: %s", req.Requester, req.Text)
	if len(services) > 0 {
		user += "\nDeployable services: " + strings.Join(services, ", ")
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: fewShotRequest},
		{Role: llm.RoleAssistant, Content: fewShotPlan},
		{Role: llm.RoleUser, Content: user},
	}
}
