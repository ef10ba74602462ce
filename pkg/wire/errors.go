package wire

import "fmt"

// Protocol error codes. The registry is shared by the orchestrator and every
// agent; codes outside 5001..5999 are reserved.
const (
	CodeTimeout                    = 5001
	CodeAgentUnavailable           = 5002
	CodeInvalidMessage             = 5003
	CodeAuthFailed                 = 5004
	CodeResourceLimit              = 5005
	CodeUnsupportedWorkType        = 5006
	CodeUnsupportedProtocolVersion = 5007
)

// Retryable reports whether an error code represents a transient condition
// the scheduler may retry. Timeout, agent-unavailable, and resource-limit
// are retryable; protocol and auth errors are not.
func Retryable(code int) bool {
	switch code {
	case CodeTimeout, CodeAgentUnavailable, CodeResourceLimit:
		return true
	default:
		return false
	}
}

// CodeName returns the registry name for a protocol error code.
func CodeName(code int) string {
	switch code {
	case CodeTimeout:
		return "timeout"
	case CodeAgentUnavailable:
		return "agent-unavailable"
	case CodeInvalidMessage:
		return "invalid-message"
	case CodeAuthFailed:
		return "auth-failed"
	case CodeResourceLimit:
		return "resource-limit"
	case CodeUnsupportedWorkType:
		return "unsupported-work-type"
	case CodeUnsupportedProtocolVersion:
		return "unsupported-protocol-version"
	default:
		return "unknown"
	}
}

// DecodeError reports a message that failed to decode. Code is
// CodeInvalidMessage for malformed or unknown-field envelopes and
// CodeUnsupportedProtocolVersion for version mismatches.
type DecodeError struct {
	Code   int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error %d (%s): %s", e.Code, CodeName(e.Code), e.Reason)
}

func newDecodeError(code int, format string, args ...any) *DecodeError {
	return &DecodeError{Code: code, Reason: fmt.Sprintf(format, args...)}
}
