package audit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/chorushq/chorus/internal/common/config"
	"github.com/chorushq/chorus/internal/common/logger"
	"github.com/chorushq/chorus/internal/store"
)

// Flusher drains the persisted audit retry queue. A failed artifact write
// leaves the task terminal in the store and an entry in the queue; the
// flusher rebuilds the artifact from the stored rows and tries again until
// the write lands.
type Flusher struct {
	store  *store.Store
	writer *Writer
	cfg    config.AuditConfig
	logger *logger.Logger
}

// NewFlusher builds a flusher over the given store and writer.
func NewFlusher(st *store.Store, w *Writer, cfg config.AuditConfig, log *logger.Logger) *Flusher {
	return &Flusher{
		store:  st,
		writer: w,
		cfg:    cfg,
		logger: log.WithComponent("audit-flusher"),
	}
}

// Start runs the flush loop until the context is cancelled.
func (f *Flusher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(f.cfg.RetryInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.Flush(ctx)
			}
		}
	}()
}

// Flush makes one pass over the queue. Entries that fail again stay queued
// with a bumped attempt count; a backlog past the alert threshold raises a
// warning once per entry.
func (f *Flusher) Flush(ctx context.Context) {
	entries, err := f.store.ListAuditRetries(ctx, 100)
	if err != nil {
		f.logger.WithError(err).Error("Failed to list audit retry queue")
		return
	}

	var failed []*store.AuditRetry
	for _, entry := range entries {
		if err := f.retry(ctx, entry); err != nil {
			if errors.Is(err, ErrArtifactDiverged) {
				// The store and the commit log disagree about a terminal
				// task. Continuing would let them drift further apart.
				f.logger.WithTaskID(entry.TaskID).WithError(err).Fatal("Audit artifact diverged from store record")
			}
			f.logger.WithTaskID(entry.TaskID).WithError(err).Error("Audit retry failed",
				zap.Int("attempts", entry.Attempts),
			)
			if _, qerr := f.store.EnqueueAuditRetry(ctx, entry.TaskID, entry.Status, err.Error()); qerr != nil {
				f.logger.WithTaskID(entry.TaskID).WithError(qerr).Error("Failed to requeue audit retry")
			}
			failed = append(failed, entry)
		}
	}

	f.alertOnBacklog(ctx, failed)
}

func (f *Flusher) retry(ctx context.Context, entry *store.AuditRetry) error {
	task, err := f.store.GetTask(ctx, entry.TaskID)
	if err != nil {
		return err
	}
	plan, err := f.store.GetPlan(ctx, task.PlanID)
	if err != nil {
		return err
	}
	req, err := f.store.GetRequest(ctx, plan.RequestID)
	if err != nil {
		return err
	}

	wrote, err := f.writer.Record(ctx, Build(task, plan, req))
	if err != nil {
		return err
	}
	if err := f.store.ResolveAuditRetry(ctx, entry.TaskID); err != nil {
		return err
	}
	f.logger.WithTaskID(entry.TaskID).Info("Audit retry flushed",
		zap.Bool("wrote", wrote),
		zap.Int("attempts", entry.Attempts),
	)
	return nil
}

func (f *Flusher) alertOnBacklog(ctx context.Context, failed []*store.AuditRetry) {
	depth, err := f.store.CountAuditRetries(ctx)
	if err != nil {
		f.logger.WithError(err).Error("Failed to count audit retry queue")
		return
	}
	if depth < f.cfg.RetryAlertThreshold {
		return
	}

	newly := 0
	for _, entry := range failed {
		if entry.Alerted {
			continue
		}
		if err := f.store.MarkAuditRetryAlerted(ctx, entry.TaskID); err != nil {
			f.logger.WithTaskID(entry.TaskID).WithError(err).Error("Failed to mark audit retry alerted")
			continue
		}
		newly++
	}
	if newly > 0 {
		f.logger.Warn("Audit retry backlog exceeds alert threshold",
			zap.Int("depth", depth),
			zap.Int("threshold", f.cfg.RetryAlertThreshold),
		)
	}
}
