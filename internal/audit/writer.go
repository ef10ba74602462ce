package audit

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chorushq/chorus/internal/common/logger"
)

// ErrArtifactDiverged reports that an artifact already exists for the task
// with different content. Overwriting would rewrite history, so the writer
// refuses and the caller must treat it as a data-corruption signal.
var ErrArtifactDiverged = errors.New("audit artifact diverged from existing content")

// Commit is one entry of the hash-chained log. Hash covers the parent hash,
// the artifact digest, and the message, so any edit to an earlier entry
// breaks every later one.
type Commit struct {
	Hash        string    `json:"hash"`
	Parent      string    `json:"parent"`
	TaskID      string    `json:"task_id"`
	Status      string    `json:"status"`
	ArtifactSHA string    `json:"artifact_sha"`
	Message     string    `json:"message"`
	Time        time.Time `json:"ts"`
}

// Writer appends artifacts and commits. One Writer owns the log; Record is
// serialized internally.
type Writer struct {
	tasksDir  string
	logPath   string
	logger    *logger.Logger
	mu        sync.Mutex
	lastHash  string
	committed map[string]bool
}

// NewWriter opens (or creates) the audit directory. artifactDir is where the
// per-task JSON files live; the commit log sits next to it. The existing log
// is scanned so the chain continues from its tail.
func NewWriter(artifactDir string, log *logger.Logger) (*Writer, error) {
	tasksDir := filepath.Clean(artifactDir)
	if err := os.MkdirAll(tasksDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	w := &Writer{
		tasksDir:  tasksDir,
		logPath:   filepath.Join(filepath.Dir(tasksDir), "log"),
		logger:    log,
		committed: make(map[string]bool),
	}
	if err := w.scanLog(func(line int, c *Commit) error {
		w.lastHash = c.Hash
		w.committed[c.TaskID] = true
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to read commit log: %w", err)
	}
	return w, nil
}

// Record writes the artifact and appends a commit for it. The call is
// idempotent on content: if the identical artifact is already recorded it
// returns (false, nil). An artifact with the same task id but different
// bytes returns ErrArtifactDiverged.
func (w *Writer) Record(ctx context.Context, artifact *Artifact) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	data, err := artifact.Canonical()
	if err != nil {
		return false, fmt.Errorf("failed to serialize artifact for task %s: %w", artifact.TaskID, err)
	}
	path := filepath.Join(w.tasksDir, artifact.TaskID+".json")

	w.mu.Lock()
	defer w.mu.Unlock()

	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if !bytes.Equal(existing, data) {
			return false, fmt.Errorf("%w: task %s", ErrArtifactDiverged, artifact.TaskID)
		}
		if w.committed[artifact.TaskID] {
			return false, nil
		}
		// The artifact landed but the commit did not (a crash between the
		// two writes). Finish the job.
		if err := w.appendCommit(artifact, data); err != nil {
			return false, err
		}
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		if w.committed[artifact.TaskID] {
			return false, fmt.Errorf("commit log references task %s but its artifact is missing", artifact.TaskID)
		}
	default:
		return false, fmt.Errorf("failed to read existing artifact for task %s: %w", artifact.TaskID, err)
	}

	if err := writeFileAtomic(path, data); err != nil {
		return false, fmt.Errorf("failed to write artifact for task %s: %w", artifact.TaskID, err)
	}
	if err := w.appendCommit(artifact, data); err != nil {
		return false, err
	}

	w.logger.Info("Audit artifact recorded",
		zap.String("task_id", artifact.TaskID),
		zap.String("status", string(artifact.Status)),
	)
	return true, nil
}

// Committed reports whether a commit exists for the task.
func (w *Writer) Committed(taskID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed[taskID]
}

// Verify walks the commit log, recomputing every hash and checking each
// artifact on disk against its recorded digest. Any mismatch is corruption:
// the caller treats it as fatal.
func (w *Writer) Verify(ctx context.Context) (int, error) {
	var parent string
	count := 0
	err := w.scanLog(func(line int, c *Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Parent != parent {
			return fmt.Errorf("commit log line %d: parent hash %s does not match predecessor %s", line, c.Parent, parent)
		}
		if got := commitHash(c.Parent, c.ArtifactSHA, c.Message); got != c.Hash {
			return fmt.Errorf("commit log line %d: recorded hash %s does not match recomputed %s", line, c.Hash, got)
		}
		data, err := os.ReadFile(filepath.Join(w.tasksDir, c.TaskID+".json"))
		if err != nil {
			return fmt.Errorf("commit log line %d: artifact for task %s unreadable: %w", line, c.TaskID, err)
		}
		if got := sha256Hex(data); got != c.ArtifactSHA {
			return fmt.Errorf("commit log line %d: artifact for task %s has digest %s, commit records %s", line, c.TaskID, got, c.ArtifactSHA)
		}
		parent = c.Hash
		count++
		return nil
	})
	return count, err
}

// appendCommit writes one commit line. Called with w.mu held.
func (w *Writer) appendCommit(artifact *Artifact, data []byte) error {
	artifactSHA := sha256Hex(data)
	message := fmt.Sprintf("audit: %s %s at %s",
		artifact.TaskID, artifact.Status, artifact.RecordedAt.UTC().Format(time.RFC3339))
	commit := Commit{
		Hash:        commitHash(w.lastHash, artifactSHA, message),
		Parent:      w.lastHash,
		TaskID:      artifact.TaskID,
		Status:      string(artifact.Status),
		ArtifactSHA: artifactSHA,
		Message:     message,
		Time:        time.Now().UTC(),
	}
	line, err := json.Marshal(commit)
	if err != nil {
		return fmt.Errorf("failed to serialize commit for task %s: %w", artifact.TaskID, err)
	}

	f, err := os.OpenFile(w.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open commit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append commit for task %s: %w", artifact.TaskID, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync commit log: %w", err)
	}

	w.lastHash = commit.Hash
	w.committed[artifact.TaskID] = true
	return nil
}

// scanLog reads the commit log line by line. A missing log is an empty
// chain, not an error.
func (w *Writer) scanLog(fn func(line int, c *Commit) error) error {
	f, err := os.Open(w.logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var commit Commit
		if err := json.Unmarshal(text, &commit); err != nil {
			return fmt.Errorf("commit log line %d is not valid JSON: %w", line, err)
		}
		if err := fn(line, &commit); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// writeFileAtomic writes via a temp file and rename so a crash never leaves
// a half-written artifact behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func commitHash(parent, artifactSHA, message string) string {
	sum := sha256.Sum256([]byte(parent + artifactSHA + message))
	return hex.EncodeToString(sum[:])
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
