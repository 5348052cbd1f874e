// Package cleanup reclaims disk space under the download root by file age and
// by a total byte budget.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/fetch"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
)

// Phase names used in reports and metrics.
const (
	PhaseAge  = "age"
	PhaseSize = "size"
)

const defaultStopTimeout = 5 * time.Second

// ErrBusy is returned by a phase called while another pass holds the
// governor.
var ErrBusy = errors.New("cleanup pass already running")

// Config holds storage governance settings.
type Config struct {
	Root     string
	MaxAge   time.Duration
	MaxBytes int64
	// Interval drives the optional periodic loop.
	Interval time.Duration
	// LockFile, when set, serializes cleanup passes across processes.
	LockFile string
}

// Validate rejects empty roots and non-positive budgets.
func (c Config) Validate() error {
	switch {
	case c.Root == "":
		return fmt.Errorf("%w: storage root is required", fetch.ErrConfiguration)
	case c.MaxAge <= 0:
		return fmt.Errorf("%w: max age must be > 0", fetch.ErrConfiguration)
	case c.MaxBytes <= 0:
		return fmt.Errorf("%w: storage budget must be > 0", fetch.ErrConfiguration)
	case c.Interval < 0:
		return fmt.Errorf("%w: cleanup interval must be >= 0", fetch.ErrConfiguration)
	}
	return nil
}

// FileEntry describes one regular file found under the root.
type FileEntry struct {
	Path    string
	Size    int64
	ModTime time.Time
	Age     time.Duration
}

// FileError records a file that could not be removed.
type FileError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// PhaseResult summarizes one cleanup phase.
type PhaseResult struct {
	DeletedFiles int         `json:"deleted_files"`
	FreedBytes   int64       `json:"freed_bytes"`
	Errors       []FileError `json:"errors,omitempty"`
}

// Report is returned by RunCleanup. Partial failures still produce a report.
type Report struct {
	Timestamp     time.Time   `json:"timestamp"`
	Skipped       bool        `json:"skipped,omitempty"`
	SkipReason    string      `json:"skip_reason,omitempty"`
	Age           PhaseResult `json:"age_cleanup"`
	Size          PhaseResult `json:"size_cleanup"`
	ResidualBytes int64       `json:"residual_bytes"`
}

// TotalDeleted sums deletions across phases.
func (r Report) TotalDeleted() int {
	return r.Age.DeletedFiles + r.Size.DeletedFiles
}

// TotalFreed sums reclaimed bytes across phases.
func (r Report) TotalFreed() int64 {
	return r.Age.FreedBytes + r.Size.FreedBytes
}

// Stats is a purely derived view of the storage root.
type Stats struct {
	Root         string     `json:"root"`
	UsedBytes    int64      `json:"used_bytes"`
	BudgetBytes  int64      `json:"budget_bytes"`
	UsagePercent float64    `json:"usage_percent"`
	FileCount    int        `json:"file_count"`
	MaxAgeHours  float64    `json:"max_age_hours"`
	OldestMtime  *time.Time `json:"oldest_mtime,omitempty"`
	NewestMtime  *time.Time `json:"newest_mtime,omitempty"`
}

// Governor deletes files by age and by size budget. It never removes
// directories, so job writers populating a tree are not raced.
type Governor struct {
	cfg    Config
	fs     afero.Fs
	clock  fetch.Clock
	logger *zap.Logger
	lock   *flock.Flock

	// pass is held for the whole of one cleanup pass in this process. The
	// lock file only serializes against other processes.
	pass sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a Governor over fsys. A nil fsys uses the OS filesystem.
func New(cfg Config, fsys afero.Fs, clock fetch.Clock, logger *zap.Logger) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		return nil, fmt.Errorf("%w: clock is required", fetch.ErrConfiguration)
	}
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Governor{
		cfg:    cfg,
		fs:     fsys,
		clock:  clock,
		logger: logger,
	}
	if cfg.LockFile != "" {
		g.lock = flock.New(cfg.LockFile)
	}
	return g, nil
}

// ComputeUsage sums regular file sizes under the root. A missing root is
// empty.
func (g *Governor) ComputeUsage() (int64, error) {
	files, err := g.listFiles()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total, nil
}

// SnapshotOldFiles returns files whose modification time precedes now-maxAge.
func (g *Governor) SnapshotOldFiles(maxAge time.Duration) ([]FileEntry, error) {
	files, err := g.listFiles()
	if err != nil {
		return nil, err
	}
	cutoff := g.clock.Now().Add(-maxAge)
	old := make([]FileEntry, 0, len(files))
	for _, f := range files {
		if f.ModTime.Before(cutoff) {
			old = append(old, f)
		}
	}
	return old, nil
}

// CleanupByAge deletes every file older than the configured max age. Per-file
// failures are recorded and the pass continues.
func (g *Governor) CleanupByAge(ctx context.Context) (PhaseResult, error) {
	if !g.pass.TryLock() {
		return PhaseResult{}, ErrBusy
	}
	defer g.pass.Unlock()
	return g.cleanupByAge(ctx)
}

func (g *Governor) cleanupByAge(ctx context.Context) (PhaseResult, error) {
	var res PhaseResult
	old, err := g.SnapshotOldFiles(g.cfg.MaxAge)
	if err != nil {
		return res, err
	}
	for _, f := range old {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		g.remove(f, &res)
	}
	metrics.ObserveCleanup(PhaseAge, res.DeletedFiles, res.FreedBytes)
	if res.DeletedFiles > 0 {
		g.logger.Info("age cleanup finished",
			zap.Int("deleted_files", res.DeletedFiles),
			zap.Int64("freed_bytes", res.FreedBytes),
			zap.String("freed", humanize.Bytes(uint64(res.FreedBytes))),
			zap.Int("errors", len(res.Errors)),
		)
	}
	return res, nil
}

// CleanupBySize evicts files oldest-mtime-first until usage fits the budget.
// It is a no-op when usage is already within budget.
func (g *Governor) CleanupBySize(ctx context.Context) (PhaseResult, error) {
	if !g.pass.TryLock() {
		return PhaseResult{}, ErrBusy
	}
	defer g.pass.Unlock()
	return g.cleanupBySize(ctx)
}

func (g *Governor) cleanupBySize(ctx context.Context) (PhaseResult, error) {
	var res PhaseResult
	files, err := g.listFiles()
	if err != nil {
		return res, err
	}
	var usage int64
	for _, f := range files {
		usage += f.Size
	}
	if usage <= g.cfg.MaxBytes {
		return res, nil
	}

	sort.SliceStable(files, func(i, j int) bool {
		if files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].Path < files[j].Path
		}
		return files[i].ModTime.Before(files[j].ModTime)
	})

	g.logger.Info("storage over budget",
		zap.String("used", humanize.Bytes(uint64(usage))),
		zap.String("budget", humanize.Bytes(uint64(g.cfg.MaxBytes))),
	)
	for _, f := range files {
		if usage <= g.cfg.MaxBytes {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if g.remove(f, &res) {
			usage -= f.Size
		}
	}
	metrics.ObserveCleanup(PhaseSize, res.DeletedFiles, res.FreedBytes)
	g.logger.Info("size cleanup finished",
		zap.Int("deleted_files", res.DeletedFiles),
		zap.Int64("freed_bytes", res.FreedBytes),
		zap.String("freed", humanize.Bytes(uint64(res.FreedBytes))),
		zap.Int("errors", len(res.Errors)),
	)
	return res, nil
}

// RunCleanup runs the age phase then the size phase and reports residual
// usage. When another pass is running, here or in a process holding the lock
// file, the pass is skipped. On error the report holds what was done so far.
func (g *Governor) RunCleanup(ctx context.Context) (Report, error) {
	report := Report{Timestamp: g.clock.Now()}

	if !g.pass.TryLock() {
		report.Skipped = true
		report.SkipReason = "cleanup already running"
		g.logger.Info("cleanup skipped; another pass is running")
		return report, nil
	}
	defer g.pass.Unlock()

	if g.lock != nil {
		locked, err := g.lock.TryLock()
		if err != nil {
			return report, fmt.Errorf("%w: acquire cleanup lock: %v", fetch.ErrStorage, err)
		}
		if !locked {
			report.Skipped = true
			report.SkipReason = "cleanup already running"
			g.logger.Info("cleanup skipped; lock held elsewhere", zap.String("lock_file", g.cfg.LockFile))
			return report, nil
		}
		defer func() {
			if err := g.lock.Unlock(); err != nil {
				g.logger.Warn("release cleanup lock", zap.Error(err))
			}
		}()
	}

	var err error
	if report.Age, err = g.cleanupByAge(ctx); err != nil {
		return report, fmt.Errorf("age cleanup: %w", err)
	}
	if report.Size, err = g.cleanupBySize(ctx); err != nil {
		return report, fmt.Errorf("size cleanup: %w", err)
	}
	if report.ResidualBytes, err = g.ComputeUsage(); err != nil {
		return report, fmt.Errorf("residual usage: %w", err)
	}
	metrics.SetStorageUsage(report.ResidualBytes)

	g.logger.Info("cleanup finished",
		zap.Int("deleted_files", report.TotalDeleted()),
		zap.Int64("freed_bytes", report.TotalFreed()),
		zap.String("residual", humanize.Bytes(uint64(report.ResidualBytes))),
	)
	return report, nil
}

// Stats scans the root and reports usage against the budget.
func (g *Governor) Stats() (Stats, error) {
	files, err := g.listFiles()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Root:        g.cfg.Root,
		BudgetBytes: g.cfg.MaxBytes,
		FileCount:   len(files),
		MaxAgeHours: g.cfg.MaxAge.Hours(),
	}
	for _, f := range files {
		stats.UsedBytes += f.Size
		mt := f.ModTime
		if stats.OldestMtime == nil || mt.Before(*stats.OldestMtime) {
			stats.OldestMtime = &mt
		}
		if stats.NewestMtime == nil || mt.After(*stats.NewestMtime) {
			stats.NewestMtime = &mt
		}
	}
	stats.UsagePercent = float64(stats.UsedBytes) / float64(stats.BudgetBytes) * 100
	return stats, nil
}

// Start launches the periodic loop. It returns false if the loop is already
// running or no interval is configured.
func (g *Governor) Start(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running || g.cfg.Interval <= 0 {
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})
	g.running = true
	go g.loop(loopCtx, g.done)
	g.logger.Info("cleanup loop started", zap.Duration("interval", g.cfg.Interval))
	return true
}

// Stop halts the periodic loop and waits up to timeout for it to exit.
func (g *Governor) Stop(timeout time.Duration) error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	cancel, done := g.cancel, g.done
	g.mu.Unlock()

	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	cancel()
	select {
	case <-done:
		g.logger.Info("cleanup loop stopped")
		return nil
	case <-time.After(timeout):
		return errors.New("cleanup loop did not stop in time")
	}
}

// Running reports whether the periodic loop is active. A loop that was asked
// to stop but is still finishing a pass counts as running.
func (g *Governor) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *Governor) loop(ctx context.Context, done chan struct{}) {
	defer g.loopExited(done)
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := g.RunCleanup(ctx); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("scheduled cleanup failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// loopExited clears the running state before signalling done, so a Stop that
// observes done also observes Running() == false.
func (g *Governor) loopExited(done chan struct{}) {
	g.mu.Lock()
	if g.done == done {
		if g.cancel != nil {
			g.cancel()
		}
		g.running = false
		g.cancel = nil
		g.done = nil
	}
	g.mu.Unlock()
	close(done)
}

// remove deletes one file and folds the outcome into res. It reports whether
// the file's bytes are gone; a file that vanished since the scan counts as
// freed but not as deleted by this pass.
func (g *Governor) remove(f FileEntry, res *PhaseResult) bool {
	if err := g.fs.Remove(f.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			g.logger.Debug("file already gone", zap.String("path", f.Path))
			return true
		}
		wrapped := fmt.Errorf("%w: remove %s: %v", fetch.ErrStorage, f.Path, err)
		res.Errors = append(res.Errors, FileError{Path: f.Path, Error: wrapped.Error()})
		g.logger.Warn("delete failed", zap.String("path", f.Path), zap.Error(err))
		return false
	}
	res.DeletedFiles++
	res.FreedBytes += f.Size
	g.logger.Debug("deleted file",
		zap.String("path", f.Path),
		zap.String("size", humanize.Bytes(uint64(f.Size))),
		zap.Duration("age", f.Age),
	)
	return true
}

// listFiles walks the root and returns every regular file. Unreadable entries
// are skipped.
func (g *Governor) listFiles() ([]FileEntry, error) {
	now := g.clock.Now()
	var files []FileEntry
	err := afero.Walk(g.fs, g.cfg.Root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			if path == g.cfg.Root && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: scan %s: %v", fetch.ErrStorage, path, err)
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		files = append(files, FileEntry{
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Age:     now.Sub(info.ModTime()),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
