// Package watcher observes one or more source directories and emits
// "archive candidate ready" events once every volume of an archive set
// has been quiescent for the stabilization window. fsnotify events only
// register the archive set a touched file belongs to; the stabilization
// polls run on the fixed ticker alone and remain the source of truth for
// "has stopped growing".
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/javi11/rarbridge/internal/archive"
)

// pollInterval is the fixed polling cadence of the stabilization protocol.
const pollInterval = 10 * time.Second

// Source is one watched (source, target, library, strategy) tuple.
type Source struct {
	Dir       string
	Target    string
	LibraryID string
	Strategy  string
	Recursive bool
}

// Event is an "archive candidate ready" emission: the archive set's first
// volume path, paired with the source tuple it was found under.
type Event struct {
	Handle string
	Source Source
	Label  string // "new" | "existing"
}

// Watcher observes Sources and emits Events on Events().
type Watcher struct {
	sources               []Source
	stabilizationWindow   time.Duration
	maxFileAge            time.Duration
	scanExisting          bool
	log                   *slog.Logger

	events chan Event

	mu         sync.Mutex
	candidates map[string]*candidate // key: stem path (dir+stem)
}

type candidate struct {
	source      Source
	firstVolume string
	firstSeen   time.Time
	lastSizes   map[string]int64
	lastMtimes  map[string]time.Time
	emitted     bool
}

// New creates a Watcher. stabilizationWindow and maxFileAge come from
// options.file_stabilization_time / options.max_file_age.
func New(sources []Source, stabilizationWindow, maxFileAge time.Duration, scanExisting bool) *Watcher {
	return &Watcher{
		sources:             sources,
		stabilizationWindow: stabilizationWindow,
		maxFileAge:          maxFileAge,
		scanExisting:        scanExisting,
		log:                 slog.Default().With("component", "directory-watcher"),
		events:              make(chan Event, 64),
		candidates:          make(map[string]*candidate),
	}
}

// Events returns the channel of ready archive-set events. The caller must
// drain it; stabilization emissions block on a full channel rather than
// drop events, but the startup scan drops (with a warning) any event that
// does not fit in the channel's 64-event buffer.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run watches all configured sources until ctx is canceled. Startup
// enumeration runs first if scanExisting is set.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	for _, src := range w.sources {
		if err := w.addSource(fsw, src); err != nil {
			w.log.Warn("failed to watch source", "dir", src.Dir, "error", err)
		}
	}

	if w.scanExisting {
		w.scanExistingSets()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleFSEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			// Transient watcher errors (file vanished mid-probe) must not
			// bring the watcher down.
			w.log.Warn("fsnotify error", "error", err)
		case <-ticker.C:
			w.pollAll(ctx)
		}
	}
}

func (w *Watcher) addSource(fsw *fsnotify.Watcher, src Source) error {
	if src.Recursive {
		return filepath.WalkDir(src.Dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				_ = fsw.Add(path)
			}
			return nil
		})
	}
	return fsw.Add(src.Dir)
}

func (w *Watcher) handleFSEvent(ev fsnotify.Event) {
	name := ev.Name
	dir := filepath.Dir(name)

	var src Source
	found := false
	for _, s := range w.sources {
		if s.Dir == dir || (s.Recursive && withinDir(s.Dir, dir)) {
			src = s
			found = true
			break
		}
	}
	if !found {
		return
	}

	if !isVolumeName(name) {
		return
	}

	w.trackVolume(src, name)
}

func withinDir(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	return err == nil && rel != ".." && !filepath.IsAbs(rel)
}

func isVolumeName(name string) bool {
	return archive.IsFirstVolume(name) || legacyVolumeSuffix(name)
}

func legacyVolumeSuffix(name string) bool {
	_, err := archive.ResolveVolumeSet(name)
	return err == nil
}

// trackVolume identifies the archive set a touched file belongs to (stem +
// naming convention) and records it for the next stabilization poll.
func (w *Watcher) trackVolume(src Source, touchedPath string) {
	dir := filepath.Dir(touchedPath)
	stem := archive.Stem(touchedPath)
	key := filepath.Join(dir, stem)

	w.mu.Lock()
	defer w.mu.Unlock()

	c, exists := w.candidates[key]
	if !exists {
		c = &candidate{
			source:     src,
			firstSeen:  time.Now(),
			lastSizes:  make(map[string]int64),
			lastMtimes: make(map[string]time.Time),
		}
		w.candidates[key] = c
	}

	if archive.IsFirstVolume(touchedPath) {
		c.firstVolume = touchedPath
	}
}

// pollAll runs the stabilization check over every tracked
// candidate set.
func (w *Watcher) pollAll(ctx context.Context) {
	w.mu.Lock()
	keys := make([]string, 0, len(w.candidates))
	for k := range w.candidates {
		keys = append(keys, k)
	}
	w.mu.Unlock()

	for _, key := range keys {
		w.pollOne(ctx, key)
	}
}

func (w *Watcher) pollOne(ctx context.Context, key string) {
	w.mu.Lock()
	c, ok := w.candidates[key]
	if !ok || c.emitted || c.firstVolume == "" {
		w.mu.Unlock()
		return
	}
	firstVolume := c.firstVolume
	w.mu.Unlock()

	volumes, err := archive.ResolveVolumeSet(firstVolume)
	if err != nil {
		// Incomplete set: volumes referenced by the naming convention are
		// not all present yet. Still track ages for max_file_age (step 4).
		w.maybeForceEmit(ctx, key, nil)
		return
	}

	stable := true
	now := time.Now()
	newestMtime := time.Time{}

	w.mu.Lock()
	for _, v := range volumes {
		info, statErr := os.Stat(v)
		if statErr != nil {
			// File vanished mid-probe: the set is not stable this round and
			// stays tracked; not an error for the watcher as a whole.
			stable = false
			continue
		}

		if info.ModTime().After(newestMtime) {
			newestMtime = info.ModTime()
		}

		prevSize, hadSize := c.lastSizes[v]
		prevMtime, hadMtime := c.lastMtimes[v]
		c.lastSizes[v] = info.Size()
		c.lastMtimes[v] = info.ModTime()

		if !hadSize || !hadMtime || prevSize != info.Size() || !prevMtime.Equal(info.ModTime()) {
			stable = false
		}
	}

	ready := stable && !newestMtime.IsZero() && now.Sub(newestMtime) >= w.stabilizationWindow
	if ready {
		c.emitted = true
	}
	src := c.source
	fv := c.firstVolume
	w.mu.Unlock()

	if ready {
		w.emit(ctx, Event{Handle: fv, Source: src, Label: "new"})
		return
	}

	w.maybeForceEmit(ctx, key, volumes)
}

// maybeForceEmit emits a set that has been unstable longer than
// max_file_age anyway; the queue's archive-reader gate rejects it if
// volumes are still incomplete.
func (w *Watcher) maybeForceEmit(ctx context.Context, key string, _ []string) {
	w.mu.Lock()
	c, ok := w.candidates[key]
	if !ok || c.emitted || c.firstVolume == "" {
		w.mu.Unlock()
		return
	}
	if w.maxFileAge <= 0 || time.Since(c.firstSeen) < w.maxFileAge {
		w.mu.Unlock()
		return
	}
	c.emitted = true
	src := c.source
	fv := c.firstVolume
	w.mu.Unlock()

	w.log.Warn("archive set unstable past max_file_age, emitting anyway", "handle", fv)
	w.emit(ctx, Event{Handle: fv, Source: src, Label: "new"})
}

func (w *Watcher) emit(ctx context.Context, ev Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

// scanExistingSets enumerates every existing archive set in every source
// once at startup and submits it with source = existing.
func (w *Watcher) scanExistingSets() {
	for _, src := range w.sources {
		w.scanSource(src)
	}
}

func (w *Watcher) scanSource(src Source) {
	walk := func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !archive.IsFirstVolume(path) {
			return nil
		}
		w.emitExisting(src, path)
		return nil
	}

	if src.Recursive {
		_ = filepath.WalkDir(src.Dir, walk)
		return
	}

	entries, err := os.ReadDir(src.Dir)
	if err != nil {
		w.log.Warn("failed to scan existing archives", "dir", src.Dir, "error", err)
		return
	}
	for _, e := range entries {
		_ = walk(filepath.Join(src.Dir, e.Name()), e, nil)
	}
}

func (w *Watcher) emitExisting(src Source, firstVolume string) {
	select {
	case w.events <- Event{Handle: firstVolume, Source: src, Label: "existing"}:
	default:
		w.log.Warn("event channel full during startup scan, dropping", "handle", firstVolume)
	}
}
