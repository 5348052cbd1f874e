package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/fetch"
)

const notifyTimeout = 10 * time.Second

// notify archives the terminal snapshot and publishes a completion event.
// Failures are logged; the job outcome is already final.
func (o *Orchestrator) notify(snap fetch.JobSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if o.archive != nil {
		if err := o.archive.ArchiveJob(ctx, snap); err != nil {
			o.logger.Error("archive job failed", zap.String("job_id", snap.ID), zap.Error(err))
		}
	}

	if o.publisher == nil || o.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"job_id":    snap.ID,
		"kind":      string(snap.Kind),
		"status":    string(snap.Status),
		"target":    snap.Target,
		"progress":  snap.Progress,
		"error":     snap.ErrorMessage,
		"timestamp": o.clock.Now().UTC().Format(time.RFC3339),
	}
	msgID, err := o.publisher.Publish(ctx, o.cfg.Topic, payload)
	if err != nil {
		o.logger.Error("publish job event failed", zap.String("job_id", snap.ID), zap.Error(err))
		return
	}
	o.logger.Debug("job event published",
		zap.String("job_id", snap.ID),
		zap.String("message_id", msgID),
	)
}
