package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/javi11/rarbridge/internal/archive"
	"github.com/javi11/rarbridge/internal/config"
	"github.com/javi11/rarbridge/internal/disposer"
	"github.com/javi11/rarbridge/internal/materialize"
	"github.com/javi11/rarbridge/internal/notifier"
	"github.com/javi11/rarbridge/internal/queue"
)

// job carries the per-handle context the watcher observed at submission
// time, since a queue.Item only carries the handle string.
type job struct {
	sourceDir string
	targetDir string
	libraryID string
	strategy  config.ProcessingMode
}

// processor implements queue.Processor: open, test, enumerate, materialize,
// notify, dispose.
type processor struct {
	jobs                    *jobTable
	strategies              map[config.ProcessingMode]materialize.Strategy
	notifier                *notifier.Notifier
	disposer                *disposer.Disposer
	mediaExts               []string
	minSize                 int64
	maxSize                 int64
	deleteSrc               bool
	autoFallbackThresholdGB float64
	log                     *slog.Logger
}

func (p *processor) Process(ctx context.Context, item *queue.Item) error {
	j, ok := p.jobs.get(item.Handle)
	if !ok {
		return fmt.Errorf("%w: no job context for handle %s", queue.ErrQuarantine, item.Handle)
	}

	session, err := p.openWithRetry(ctx, item.Handle)
	if err != nil {
		return classify(err)
	}

	status, err := session.Test(ctx)
	if err != nil {
		if status == archive.StatusEncrypted {
			return fmt.Errorf("%w: %v", queue.ErrQuarantine, err)
		}
		return classify(err)
	}

	entries := archive.FilterMediaCandidates(session.Entries(), p.minSize, p.maxSize, p.mediaExts)
	if len(entries) == 0 {
		// An archive with no media entries after filtering is a successful
		// empty processing: dispose of it, but never notify the library.
		p.disposeSet(j, session.Volumes())
		p.jobs.delete(item.Handle)
		p.log.Info("no media entries survived filtering, disposing without notify", "handle", item.Handle)
		return nil
	}

	effectiveStrategy := p.applyAutoFallback(item.Handle, j.strategy, session.Volumes())

	strategy, ok := p.strategies[effectiveStrategy]
	if !ok {
		return fmt.Errorf("%w: no strategy configured for %s", queue.ErrQuarantine, effectiveStrategy)
	}

	for _, entry := range entries {
		if _, err := strategy.MaterializeEntry(ctx, session, entry, j.targetDir, j.libraryID); err != nil {
			// Any entry failure quarantines the whole set rather than partially
			// materializing it.
			return fmt.Errorf("%w: materialize %s: %v", queue.ErrQuarantine, entry.Path, err)
		}
	}

	if p.notifier != nil {
		p.notifier.NotifyAsync(ctx, j.libraryID)
	}

	p.disposeSet(j, session.Volumes())
	p.jobs.delete(item.Handle)

	p.log.Info("archive set processed", "handle", item.Handle, "entries", len(entries), "strategy", effectiveStrategy)
	return nil
}

// applyAutoFallback switches a configured extract source to virtual_http
// when the archive set's total on-disk size crosses
// options.auto_fallback_threshold_gb, to avoid a multi-hour extraction
// blocking the single queue worker. A threshold of 0 disables the check;
// the switch is skipped (with a warning) if no virtual_http strategy is
// configured at all.
func (p *processor) applyAutoFallback(handle string, configured config.ProcessingMode, volumes []string) config.ProcessingMode {
	if configured != config.ModeExtract || p.autoFallbackThresholdGB <= 0 {
		return configured
	}

	thresholdBytes := int64(p.autoFallbackThresholdGB * (1 << 30))
	totalSize := totalVolumeSize(volumes)
	if totalSize < thresholdBytes {
		return configured
	}

	if _, ok := p.strategies[config.ModeVirtualHTTP]; !ok {
		p.log.Warn("auto-fallback threshold exceeded but virtual_http strategy is not configured",
			"handle", handle, "total_size_bytes", totalSize, "threshold_gb", p.autoFallbackThresholdGB)
		return configured
	}

	p.log.Info("auto-falling back to virtual_http for oversized archive set",
		"handle", handle, "total_size_bytes", totalSize, "threshold_gb", p.autoFallbackThresholdGB)
	return config.ModeVirtualHTTP
}

// totalVolumeSize sums the on-disk size of every volume file in the set.
// Volumes that cannot be stat'd contribute zero rather than aborting the
// check; the Archive Reader has already verified they exist.
func totalVolumeSize(volumes []string) int64 {
	var total int64
	for _, v := range volumes {
		info, err := os.Stat(v)
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total
}

func (p *processor) disposeSet(j job, volumes []string) {
	disposition := disposer.DispositionMove
	if p.deleteSrc {
		disposition = disposer.DispositionDelete
	}
	p.disposer.Dispose(j.sourceDir, volumes, disposition)
}

// openWithRetry smooths over transient filesystem hiccups (an NFS stat
// racing a concurrent writer, say) within a single queue attempt, before
// the queue's own fixed-interval retry policy ever sees the error.
// Grounded on internal/importer/queue/claimer.go's ClaimWithRetry use of
// avast/retry-go for exactly this kind of short, bounded sub-retry.
func (p *processor) openWithRetry(ctx context.Context, handle string) (*archive.Session, error) {
	var session *archive.Session

	err := retry.Do(
		func() error {
			s, err := archive.Open(handle, "")
			if err != nil {
				return err
			}
			session = s
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			// Only IO-classified opens are worth retrying within this
			// attempt; missing-volume/corrupt/encrypted are stable facts
			// the queue's own retry interval or quarantine path handles.
			return errors.Is(err, archive.ErrIO)
		}),
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// classify maps an Archive Reader sentinel error onto the queue's
// retryable/quarantine error taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, archive.ErrEncrypted):
		return fmt.Errorf("%w: %v", queue.ErrQuarantine, err)
	case errors.Is(err, archive.ErrMissingVolume),
		errors.Is(err, archive.ErrCorrupt),
		errors.Is(err, archive.ErrTimeout),
		errors.Is(err, archive.ErrIO):
		return fmt.Errorf("%w: %v", queue.ErrRetryable, err)
	default:
		return fmt.Errorf("%w: %v", queue.ErrQuarantine, err)
	}
}

// jobTable is a concurrency-safe handle -> job map populated by the
// watcher-consuming goroutine and read by the queue worker goroutine.
type jobTable struct {
	mu sync.RWMutex
	m  map[string]job
}

func newJobTable() *jobTable {
	return &jobTable{m: make(map[string]job)}
}

func (t *jobTable) set(handle string, j job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[handle] = j
}

func (t *jobTable) get(handle string) (job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.m[handle]
	return j, ok
}

func (t *jobTable) delete(handle string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, handle)
}
