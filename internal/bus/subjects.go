package bus

import "strings"

// Subject layout. Work requests flow outward on agent.* subjects; status and
// result messages flow back on the orchestrator.* subjects.
const (
	// SubjectResults carries work_result messages back to the orchestrator.
	SubjectResults = "orchestrator.results"

	// SubjectStatus carries work_status messages back to the orchestrator.
	SubjectStatus = "orchestrator.status"
)

// StreamSubjects is the subject space captured by the durable stream.
var StreamSubjects = []string{"agent.>", "orchestrator.>"}

// WorkSubject is the shared work queue for all agents of a type. Any one
// agent of that type picks up each message.
func WorkSubject(agentType string) string {
	return "agent." + token(agentType)
}

// DirectSubject addresses a single agent, for targeted dispatch and
// cancellation.
func DirectSubject(agentType, agentID string) string {
	return "agent." + token(agentType) + "." + token(agentID)
}

// QueueFor derives the queue group (and durable consumer) name for a
// subject. JetStream durable names must not contain dots.
func QueueFor(subject string) string {
	return strings.ReplaceAll(subject, ".", "-")
}

// token sanitizes an identifier for use as a subject token.
func token(s string) string {
	replacer := strings.NewReplacer(".", "-", " ", "-", "*", "-", ">", "-")
	return replacer.Replace(s)
}
