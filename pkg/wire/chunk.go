package wire

import (
	"fmt"
	"sort"
	"sync"
)

// MaxInlineOutput is the largest output (in bytes) an envelope may carry
// inline. Anything larger travels as a sequence of work_status messages
// holding output chunks.
const MaxInlineOutput = 256 * 1024

// chunkSize is the data size of each chunk. A chunk payload never exceeds
// the inline limit.
const chunkSize = MaxInlineOutput

// NeedsChunking reports whether an output must be split before sending.
func NeedsChunking(output string) bool {
	return len(output) > MaxInlineOutput
}

// SplitOutput slices an output into ordered chunks covering bytes 0..Total.
// Outputs at or below the inline limit yield a single chunk; callers should
// check NeedsChunking first and inline small outputs instead.
func SplitOutput(output string) []OutputChunk {
	total := int64(len(output))
	if total == 0 {
		return nil
	}
	chunks := make([]OutputChunk, 0, (total+chunkSize-1)/chunkSize)
	for off := int64(0); off < total; off += chunkSize {
		end := off + chunkSize
		if end > total {
			end = total
		}
		chunks = append(chunks, OutputChunk{
			Offset: off,
			Length: end - off,
			Total:  total,
			Data:   output[off:end],
		})
	}
	return chunks
}

// StatusEnvelopes builds the work_status envelope sequence for one step's
// output: a single envelope when the output fits inline, a chunk sequence
// otherwise.
func StatusEnvelopes(from, to, traceID, requestID, taskID string, stepNumber int, stepName, output string) ([]*Envelope, error) {
	if !NeedsChunking(output) {
		env, err := NewEnvelope(MessageTypeWorkStatus, from, to, traceID, requestID, &WorkStatus{
			TaskID: taskID,
			Status: StatusStepCompleted,
			Step:   &Step{Number: stepNumber, Name: stepName, Output: output},
		})
		if err != nil {
			return nil, err
		}
		return []*Envelope{env}, nil
	}

	chunks := SplitOutput(output)
	envs := make([]*Envelope, 0, len(chunks))
	for i := range chunks {
		env, err := NewEnvelope(MessageTypeWorkStatus, from, to, traceID, requestID, &WorkStatus{
			TaskID: taskID,
			Status: StatusStepCompleted,
			Step:   &Step{Number: stepNumber, Name: stepName, OutputChunk: &chunks[i]},
		})
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

type chunkKey struct {
	taskID string
	step   int
}

type chunkState struct {
	total  int64
	chunks map[int64]OutputChunk
}

// Reassembler rebuilds chunked outputs from work_status messages. Chunks may
// arrive in any order and may be redelivered; a chunk with an offset already
// seen replaces the previous copy.
type Reassembler struct {
	mu      sync.Mutex
	pending map[chunkKey]*chunkState
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[chunkKey]*chunkState)}
}

// Add ingests one chunk for the given task and step. When the byte ranges
// cover the declared total, it returns the reassembled output and true, and
// drops the per-step state.
func (r *Reassembler) Add(taskID string, stepNumber int, chunk *OutputChunk) (string, bool, error) {
	if chunk == nil {
		return "", false, fmt.Errorf("nil chunk")
	}
	if chunk.Total <= 0 || chunk.Offset < 0 || chunk.Length != int64(len(chunk.Data)) {
		return "", false, fmt.Errorf("chunk for task %s step %d has inconsistent framing", taskID, stepNumber)
	}
	if chunk.Offset+chunk.Length > chunk.Total {
		return "", false, fmt.Errorf("chunk for task %s step %d exceeds declared total", taskID, stepNumber)
	}

	key := chunkKey{taskID: taskID, step: stepNumber}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.pending[key]
	if !ok {
		state = &chunkState{total: chunk.Total, chunks: make(map[int64]OutputChunk)}
		r.pending[key] = state
	}
	if state.total != chunk.Total {
		return "", false, fmt.Errorf("chunk for task %s step %d declares total %d, previous chunks declared %d",
			taskID, stepNumber, chunk.Total, state.total)
	}
	state.chunks[chunk.Offset] = *chunk

	output, done := state.assemble()
	if !done {
		return "", false, nil
	}
	delete(r.pending, key)
	return output, true, nil
}

// Drop discards any partial state for a task (used when the task reaches a
// terminal status with chunks still outstanding).
func (r *Reassembler) Drop(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.pending {
		if key.taskID == taskID {
			delete(r.pending, key)
		}
	}
}

// assemble returns the full output when the stored chunks contiguously cover
// bytes [0, total).
func (s *chunkState) assemble() (string, bool) {
	offsets := make([]int64, 0, len(s.chunks))
	for off := range s.chunks {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	var next int64
	buf := make([]byte, 0, s.total)
	for _, off := range offsets {
		c := s.chunks[off]
		if off != next {
			return "", false
		}
		buf = append(buf, c.Data...)
		next = off + c.Length
	}
	if next != s.total {
		return "", false
	}
	return string(buf), true
}
