package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chorushq/chorus/internal/common/logger"
	v1 "github.com/chorushq/chorus/pkg/api/v1"
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

func newTestWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	root := t.TempDir()
	w, err := NewWriter(filepath.Join(root, ".audit", "tasks"), newTestLogger(t))
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	return w, root
}

func testArtifact(taskID string, status v1.TaskStatus) *Artifact {
	approved := time.Date(2025, 6, 12, 10, 29, 0, 0, time.UTC)
	completed := time.Date(2025, 6, 12, 10, 30, 0, 0, time.UTC)
	return &Artifact{
		TaskID:      taskID,
		RequestID:   "req-1",
		PlanID:      "plan-1",
		Status:      status,
		Requester:   "alice",
		RequestText: "restart jellyfin",
		Plan: PlanSnapshot{
			Summary:                  "restart the jellyfin service",
			RiskLevel:                v1.RiskLevelLow,
			EstimatedDurationSeconds: 60,
			Budget:                   v1.ResourceBudget{MaxParallelTasks: 1, MaxTotalDurationSeconds: 120},
			ApprovedBy:               "alice",
			ApprovedAt:               &approved,
		},
		Dispatch: DispatchSnapshot{
			WorkType:       "shell_command",
			Ordinal:        1,
			Parameters:     map[string]interface{}{"command": "systemctl restart jellyfin"},
			Hints:          v1.SchedulingHints{MaxDurationSeconds: 60},
			AgentID:        "shell-agent-nas",
			IdempotencyKey: taskID + ":1",
		},
		Result:          &v1.Outcome{ExitCode: 0, Output: "jellyfin.service restarted"},
		ResourcesUsed:   &v1.Resources{DurationSeconds: 2.4, MemoryMB: 12},
		ServicesTouched: []string{"jellyfin"},
		RecordedAt:      completed,
	}
}

func TestRecordAndVerify(t *testing.T) {
	w, root := newTestWriter(t)
	ctx := context.Background()

	ids := []string{"task-a", "task-b", "task-c"}
	for _, id := range ids {
		wrote, err := w.Record(ctx, testArtifact(id, v1.TaskStatusSuccess))
		if err != nil {
			t.Fatalf("Record(%s) failed: %v", id, err)
		}
		if !wrote {
			t.Errorf("Record(%s) = false, want true for a first write", id)
		}
	}

	for _, id := range ids {
		if _, err := os.Stat(filepath.Join(root, ".audit", "tasks", id+".json")); err != nil {
			t.Errorf("artifact file for %s missing: %v", id, err)
		}
		if !w.Committed(id) {
			t.Errorf("Committed(%s) = false, want true", id)
		}
	}

	count, err := w.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if count != len(ids) {
		t.Errorf("Verify count = %d, want %d", count, len(ids))
	}
}

func TestRecordIdempotent(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()

	if _, err := w.Record(ctx, testArtifact("task-a", v1.TaskStatusSuccess)); err != nil {
		t.Fatalf("first Record failed: %v", err)
	}
	wrote, err := w.Record(ctx, testArtifact("task-a", v1.TaskStatusSuccess))
	if err != nil {
		t.Fatalf("second Record failed: %v", err)
	}
	if wrote {
		t.Error("second Record of identical content = true, want false")
	}

	count, err := w.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if count != 1 {
		t.Errorf("commit count = %d, want 1 after idempotent re-record", count)
	}
}

func TestRecordDiverged(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()

	if _, err := w.Record(ctx, testArtifact("task-a", v1.TaskStatusSuccess)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	changed := testArtifact("task-a", v1.TaskStatusSuccess)
	changed.Result = &v1.Outcome{ExitCode: 1, Output: "unit failed to restart"}
	_, err := w.Record(ctx, changed)
	if !errors.Is(err, ErrArtifactDiverged) {
		t.Fatalf("Record with divergent content error = %v, want ErrArtifactDiverged", err)
	}
}

func TestWriterResumesChain(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, ".audit", "tasks")
	ctx := context.Background()

	w1, err := NewWriter(dir, newTestLogger(t))
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if _, err := w1.Record(ctx, testArtifact("task-a", v1.TaskStatusSuccess)); err != nil {
		t.Fatalf("Record task-a failed: %v", err)
	}
	if _, err := w1.Record(ctx, testArtifact("task-b", v1.TaskStatusFailed)); err != nil {
		t.Fatalf("Record task-b failed: %v", err)
	}

	// A fresh writer over the same directory continues the chain.
	w2, err := NewWriter(dir, newTestLogger(t))
	if err != nil {
		t.Fatalf("reopening writer failed: %v", err)
	}
	wrote, err := w2.Record(ctx, testArtifact("task-a", v1.TaskStatusSuccess))
	if err != nil {
		t.Fatalf("re-record after reopen failed: %v", err)
	}
	if wrote {
		t.Error("re-record of committed artifact after reopen = true, want false")
	}
	if _, err := w2.Record(ctx, testArtifact("task-c", v1.TaskStatusSuccess)); err != nil {
		t.Fatalf("Record task-c failed: %v", err)
	}

	count, err := w2.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if count != 3 {
		t.Errorf("commit count = %d, want 3", count)
	}
}

func TestRecordHealsMissingCommit(t *testing.T) {
	w, root := newTestWriter(t)
	ctx := context.Background()

	// Simulate a crash between the artifact write and the commit append.
	artifact := testArtifact("task-a", v1.TaskStatusSuccess)
	data, err := artifact.Canonical()
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	path := filepath.Join(root, ".audit", "tasks", "task-a.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to plant artifact: %v", err)
	}

	wrote, err := w.Record(ctx, artifact)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if !wrote {
		t.Error("Record = false, want true when the commit was missing")
	}
	count, err := w.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if count != 1 {
		t.Errorf("commit count = %d, want 1", count)
	}
}

func TestVerifyDetectsTamperedArtifact(t *testing.T) {
	w, root := newTestWriter(t)
	ctx := context.Background()

	if _, err := w.Record(ctx, testArtifact("task-a", v1.TaskStatusSuccess)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	path := filepath.Join(root, ".audit", "tasks", "task-a.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read artifact: %v", err)
	}
	tampered := strings.Replace(string(data), `"exit_code": 0`, `"exit_code": 1`, 1)
	if tampered == string(data) {
		t.Fatal("tamper replacement did not apply")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatalf("failed to tamper artifact: %v", err)
	}

	if _, err := w.Verify(ctx); err == nil {
		t.Fatal("Verify passed over a tampered artifact")
	}
}

func TestVerifyDetectsTamperedLog(t *testing.T) {
	w, root := newTestWriter(t)
	ctx := context.Background()

	if _, err := w.Record(ctx, testArtifact("task-a", v1.TaskStatusSuccess)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if _, err := w.Record(ctx, testArtifact("task-b", v1.TaskStatusFailed)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	logPath := filepath.Join(root, ".audit", "log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read commit log: %v", err)
	}
	// Rewriting history changes the recorded message without its hash.
	tampered := strings.Replace(string(data), "task-a success", "task-a failed", 1)
	if tampered == string(data) {
		t.Fatal("tamper replacement did not apply")
	}
	if err := os.WriteFile(logPath, []byte(tampered), 0o644); err != nil {
		t.Fatalf("failed to tamper commit log: %v", err)
	}

	if _, err := w.Verify(ctx); err == nil {
		t.Fatal("Verify passed over a tampered commit log")
	}
}

func TestCommitMessageFormat(t *testing.T) {
	w, _ := newTestWriter(t)
	ctx := context.Background()

	artifact := testArtifact("task-a", v1.TaskStatusSuccess)
	if _, err := w.Record(ctx, artifact); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	var commits []*Commit
	if err := w.scanLog(func(line int, c *Commit) error {
		commits = append(commits, c)
		return nil
	}); err != nil {
		t.Fatalf("scanLog failed: %v", err)
	}
	if len(commits) != 1 {
		t.Fatalf("commit count = %d, want 1", len(commits))
	}

	want := "audit: task-a success at 2025-06-12T10:30:00Z"
	if commits[0].Message != want {
		t.Errorf("commit message = %q, want %q", commits[0].Message, want)
	}
	if commits[0].Parent != "" {
		t.Errorf("first commit parent = %q, want empty", commits[0].Parent)
	}
	if commits[0].Hash != commitHash("", commits[0].ArtifactSHA, want) {
		t.Error("commit hash does not match recomputation")
	}
}

func TestVerifyEmptyChain(t *testing.T) {
	w, _ := newTestWriter(t)
	count, err := w.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify on empty chain failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Verify count = %d, want 0", count)
	}
}
