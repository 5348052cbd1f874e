package worker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/fetch"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
	"github.com/JakeFAU/media-fetcher/internal/storage/local"
	"github.com/JakeFAU/media-fetcher/internal/telemetry"
)

// SummaryFile is written into each target directory when a target finishes.
const SummaryFile = local.SummaryFile

// singleItemDir collects items fetched by single-item jobs.
const singleItemDir = "items"

// targetResult accumulates one target's fetch.
type targetResult struct {
	Identifier   string
	Dir          string
	Metadata     map[string]string
	ItemCount    int
	Planned      int
	Done         int
	Failed       int
	BytesWritten int64
	ItemErrors   []fetch.ItemError
}

// summary is the document stored as SummaryFile.
type summary struct {
	JobID        string            `json:"job_id"`
	Target       string            `json:"target"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ItemCount    int               `json:"item_count"`
	Planned      int               `json:"planned"`
	Downloaded   int               `json:"downloaded"`
	Failed       int               `json:"failed"`
	BytesWritten int64             `json:"bytes_written"`
	GeneratedAt  time.Time         `json:"generated_at"`
}

func (o *Orchestrator) runSingleItem(ctx context.Context, job fetch.JobSnapshot) (map[string]any, error) {
	if err := o.registry.SetPhase(job.ID, fetch.PhaseDownloading); err != nil {
		return nil, err
	}
	if err := o.registry.AddTotal(job.ID, 1); err != nil {
		return nil, err
	}
	dir, err := o.dirs.TargetDir(singleItemDir)
	if err != nil {
		return nil, fmt.Errorf("prepare destination: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fetch.ErrJobCanceled
	}

	item := itemFromIdentifier(job.Target.Identifier)
	if err := o.registry.SetCurrent(job.ID, item.Name); err != nil {
		return nil, err
	}
	out := o.fetchItem(ctx, job.ID, item, dir)
	if err := o.registry.RecordItem(job.ID, out.Success); err != nil {
		return nil, err
	}

	payload := map[string]any{"dest_dir": dir}
	if !out.Success {
		if ctx.Err() != nil {
			return payload, fetch.ErrJobCanceled
		}
		return payload, out.Err
	}
	payload["path"] = out.Path
	payload["bytes_written"] = out.BytesWritten
	return payload, nil
}

func (o *Orchestrator) runFullTarget(ctx context.Context, job fetch.JobSnapshot) (map[string]any, error) {
	res, err := o.fetchTarget(ctx, job.ID, job.Target.Identifier, job.Options.MaxItems)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"target":        res.Identifier,
		"dest_dir":      res.Dir,
		"item_count":    res.ItemCount,
		"downloaded":    res.Done,
		"failed":        res.Failed,
		"bytes_written": res.BytesWritten,
	}
	if len(res.Metadata) > 0 {
		payload["metadata"] = res.Metadata
	}
	if len(res.ItemErrors) > 0 {
		payload["item_errors"] = res.ItemErrors
	}
	return payload, nil
}

// runBatch fetches each target in turn with a pause between targets. One
// target failing resolution does not stop the batch; the batch fails only
// when no target could be resolved.
func (o *Orchestrator) runBatch(ctx context.Context, job fetch.JobSnapshot) (map[string]any, error) {
	var (
		completed    = []string{}
		failed       = []fetch.TargetError{}
		destDirs     = []string{}
		itemErrors   []fetch.ItemError
		downloaded   int
		failedItems  int
		bytesWritten int64
	)
	payload := func() map[string]any {
		p := map[string]any{
			"completed_targets": completed,
			"failed_targets":    failed,
			"dest_dirs":         destDirs,
			"downloaded":        downloaded,
			"failed":            failedItems,
			"bytes_written":     bytesWritten,
		}
		if len(itemErrors) > 0 {
			p["item_errors"] = itemErrors
		}
		return p
	}

	for i, identifier := range job.Target.Identifiers {
		if i > 0 {
			if err := sleepCtx(ctx, o.cfg.TargetDelay); err != nil {
				return payload(), fetch.ErrJobCanceled
			}
		}
		res, err := o.fetchTarget(ctx, job.ID, identifier, job.Options.MaxItems)
		if res != nil {
			downloaded += res.Done
			failedItems += res.Failed
			bytesWritten += res.BytesWritten
			itemErrors = append(itemErrors, res.ItemErrors...)
		}
		if err != nil {
			if errors.Is(err, fetch.ErrJobCanceled) {
				return payload(), err
			}
			failed = append(failed, fetch.TargetError{Target: identifier, Error: err.Error()})
			o.logger.Warn("batch target failed",
				zap.String("job_id", job.ID),
				zap.String("target", identifier),
				zap.Error(err),
			)
			continue
		}
		completed = append(completed, identifier)
		destDirs = append(destDirs, res.Dir)
	}

	if len(completed) == 0 {
		return payload(), fmt.Errorf("all %d batch targets failed", len(job.Target.Identifiers))
	}
	return payload(), nil
}

// fetchTarget resolves one target and fetches its items. A resolution
// failure is returned with a nil result; cancellation returns the partial
// result alongside ErrJobCanceled.
func (o *Orchestrator) fetchTarget(ctx context.Context, jobID, identifier string, maxItems int) (*targetResult, error) {
	if err := o.registry.SetPhase(jobID, fetch.PhaseCounting); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fetch.ErrJobCanceled
	}
	info, err := o.provider.ResolveTarget(ctx, identifier)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fetch.ErrJobCanceled
		}
		return nil, fmt.Errorf("%s: %w", identifier, err)
	}

	items := info.Items
	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}
	dir, err := o.dirs.TargetDir(identifier)
	if err != nil {
		return nil, fmt.Errorf("%s: prepare destination: %w", identifier, err)
	}
	if err := o.registry.AddTotal(jobID, len(items)); err != nil {
		return nil, err
	}
	if err := o.registry.SetPhase(jobID, fetch.PhaseDownloading); err != nil {
		return nil, err
	}

	res := &targetResult{
		Identifier: identifier,
		Dir:        dir,
		Metadata:   info.Metadata,
		ItemCount:  info.ItemCount,
		Planned:    len(items),
	}
	for _, item := range items {
		if ctx.Err() != nil {
			return res, fetch.ErrJobCanceled
		}
		if err := o.pacer.Wait(ctx, jobID); err != nil {
			return res, fetch.ErrJobCanceled
		}
		if err := o.registry.SetCurrent(jobID, item.Name); err != nil {
			return res, err
		}
		out := o.fetchItem(ctx, jobID, item, dir)
		if err := o.registry.RecordItem(jobID, out.Success); err != nil {
			return res, err
		}
		if out.Success {
			res.Done++
			res.BytesWritten += out.BytesWritten
			continue
		}
		res.Failed++
		res.ItemErrors = append(res.ItemErrors, fetch.ItemError{Item: item.Name, Error: out.Err.Error()})
	}
	if ctx.Err() != nil {
		return res, fetch.ErrJobCanceled
	}

	if o.cfg.WriteSummary {
		o.writeSummary(jobID, res)
	}
	return res, nil
}

// fetchItem runs one provider fetch under the item timeout and folds any
// failure, including a provider panic, into the Outcome.
func (o *Orchestrator) fetchItem(ctx context.Context, jobID string, item fetch.ItemRef, dir string) (out fetch.Outcome) {
	ctx, span := telemetry.Tracer().Start(ctx, "item", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("item.name", item.Name),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.ItemTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			out = fetch.Outcome{Err: fmt.Errorf("provider panic: %v", r)}
		}
		if !out.Success && out.Err == nil {
			out.Err = errors.New("fetch reported failure without an error")
		}
		if out.Err != nil {
			span.SetStatus(codes.Error, out.Err.Error())
			o.logger.Warn("item fetch failed",
				zap.String("job_id", jobID),
				zap.String("item", item.Name),
				zap.Error(out.Err),
			)
		}
		metrics.ObserveItem(out.Success, out.BytesWritten)
	}()

	return o.provider.FetchItem(ctx, item, dir, o.cfg.ItemTimeout)
}

func (o *Orchestrator) writeSummary(jobID string, res *targetResult) {
	if err := o.registry.SetPhase(jobID, fetch.PhaseSummarizing); err != nil {
		o.logger.Warn("set summarizing phase", zap.String("job_id", jobID), zap.Error(err))
	}
	doc := summary{
		JobID:        jobID,
		Target:       res.Identifier,
		Metadata:     res.Metadata,
		ItemCount:    res.ItemCount,
		Planned:      res.Planned,
		Downloaded:   res.Done,
		Failed:       res.Failed,
		BytesWritten: res.BytesWritten,
		GeneratedAt:  o.clock.Now().UTC(),
	}
	if _, err := o.dirs.WriteJSON(res.Dir, SummaryFile, doc); err != nil {
		o.logger.Warn("write summary failed",
			zap.String("job_id", jobID),
			zap.String("target", res.Identifier),
			zap.Error(err),
		)
	}
}

// itemFromIdentifier builds the reference for a single-item job. URLs are
// fetched as-is; bare ids are resolved by the provider.
func itemFromIdentifier(identifier string) fetch.ItemRef {
	item := fetch.ItemRef{ID: identifier, Name: identifier}
	if strings.Contains(identifier, "://") {
		item.URL = identifier
		trimmed := strings.TrimRight(strings.SplitN(identifier, "?", 2)[0], "/")
		if base := path.Base(trimmed); base != "" && base != "." && !strings.HasSuffix(trimmed, ":") {
			item.Name = base
		}
	}
	return item
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
