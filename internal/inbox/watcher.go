// Package inbox imports CSV batches dropped into a watched directory tree.
//
// The layout is <root>/<guild_id>/<day|month>/<file>.csv. Each file is
// imported with the guild and scope named by its directories, then moved to
// an Uploaded or Failed subdirectory next to it.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/JonMunkholm/activitysync/internal/core"
	"github.com/fsnotify/fsnotify"
)

// Subdirectories that receive processed files.
const (
	UploadedDir = "Uploaded"
	FailedDir   = "Failed"
)

// DefaultDebounce is used when no debounce interval is configured.
const DefaultDebounce = 500 * time.Millisecond

// Starter queues background imports. *core.Service implements it.
type Starter interface {
	StartImport(ctx context.Context, req core.ImportRequest) (string, error)
}

// Watcher watches the inbox tree and imports new files.
type Watcher struct {
	root     string
	debounce time.Duration
	imports  Starter
	logger   *slog.Logger

	watcher *fsnotify.Watcher

	mu       sync.Mutex
	timers   map[string]*time.Timer
	inflight map[string]struct{}
	closing  bool // set under mu before wg.Wait; no Add after it
	wg       sync.WaitGroup
}

// New creates a watcher rooted at root. The directory is created if missing.
func New(root string, debounce time.Duration, imports Starter, logger *slog.Logger) (*Watcher, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("inbox root is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create inbox root: %w", err)
	}
	return &Watcher{
		root:     filepath.Clean(root),
		debounce: debounce,
		imports:  imports,
		logger:   logger.With("component", "inbox"),
		timers:   make(map[string]*time.Timer),
		inflight: make(map[string]struct{}),
	}, nil
}

// Run watches until ctx is done, then waits for queued files to finish.
// Files already present are imported at startup.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	w.watcher = watcher
	defer func() {
		if err := watcher.Close(); err != nil {
			w.logger.Error("inbox.close_failed", "error", err)
		}
	}()

	if err := watcher.Add(w.root); err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	w.scan(ctx, w.root)
	w.logger.Info("inbox.watching", "root", w.root)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("inbox.watch_error", "error", err)

		case <-ctx.Done():
			w.shutdown()
			return nil
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	switch kind, _, _ := w.classify(event.Name); kind {
	case entryGuild, entryScope:
		if event.Op&fsnotify.Create != 0 {
			w.scan(ctx, event.Name)
		}
	case entryFile:
		w.schedule(ctx, event.Name)
	}
}

type entryKind int

const (
	entryIgnored entryKind = iota
	entryGuild
	entryScope
	entryFile
)

// classify maps a path to its place in the inbox layout.
func (w *Watcher) classify(path string) (entryKind, core.TenantID, core.Scope) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return entryIgnored, 0, ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")

	tenant, err := core.ParseTenantID(parts[0])
	if err != nil {
		return entryIgnored, 0, ""
	}
	if len(parts) == 1 {
		return entryGuild, tenant, ""
	}

	scope, err := core.ParseScope(strings.ToLower(parts[1]))
	if err != nil {
		return entryIgnored, 0, ""
	}
	switch {
	case len(parts) == 2:
		return entryScope, tenant, scope
	case len(parts) == 3 && strings.EqualFold(filepath.Ext(parts[2]), ".csv"):
		return entryFile, tenant, scope
	default:
		return entryIgnored, 0, ""
	}
}

// scan adds watches for guild and scope directories under dir and schedules
// every CSV already present. fsnotify is not recursive, so each level is
// watched on its own.
func (w *Watcher) scan(ctx context.Context, dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		kind, _, _ := w.classify(path)
		if d.IsDir() {
			if path == w.root {
				return nil
			}
			if kind != entryGuild && kind != entryScope {
				return filepath.SkipDir
			}
			if err := w.watcher.Add(path); err != nil {
				w.logger.Error("inbox.watch_failed", "dir", path, "error", err)
			}
			return nil
		}
		if kind == entryFile {
			w.schedule(ctx, path)
		}
		return nil
	})
	if err != nil {
		w.logger.Error("inbox.scan_failed", "dir", dir, "error", err)
	}
}

// schedule imports path once it has been quiet for the debounce interval.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closing {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.process(ctx, path)
	})
}

// shutdown stops pending timers and waits for queued imports. Once closing
// is set, process and schedule add nothing new.
func (w *Watcher) shutdown() {
	w.mu.Lock()
	w.closing = true
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	w.wg.Wait()
}

// process queues one file as a background import. The file is moved once
// the import reports its result.
func (w *Watcher) process(ctx context.Context, path string) {
	_, tenant, scope := w.classify(path)

	w.mu.Lock()
	if w.closing || ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	if _, busy := w.inflight[path]; busy {
		w.mu.Unlock()
		return
	}
	w.inflight[path] = struct{}{}
	w.wg.Add(1)
	w.mu.Unlock()

	release := func() {
		w.mu.Lock()
		delete(w.inflight, path)
		w.mu.Unlock()
		w.wg.Done()
	}

	f, err := os.Open(path)
	if err != nil {
		release()
		if !errors.Is(err, fs.ErrNotExist) {
			w.logger.Error("inbox.open_failed", "file", path, "error", err)
		}
		return
	}
	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	logger := w.logger.With("tenant_id", tenant, "scope", scope, "file", filepath.Base(path))

	jobID, err := w.imports.StartImport(ctx, core.ImportRequest{
		Tenant:   tenant,
		Scope:    scope,
		FileName: filepath.Base(path),
		Reader:   f,
		Size:     size,
		Notify: func(res *core.ImportResult, err error) {
			defer release()
			f.Close()
			w.finish(logger, path, res, err)
		},
	})
	if err != nil {
		f.Close()
		release()
		if errors.Is(err, core.ErrTooManyImports) {
			logger.Warn("inbox.busy", "retry_in", w.debounce)
			w.schedule(ctx, path)
			return
		}
		logger.Error("inbox.start_failed", "error", err)
		w.move(logger, path, FailedDir)
		return
	}
	logger.Info("inbox.queued", "job_id", jobID, "bytes", size)
}

func (w *Watcher) finish(logger *slog.Logger, path string, res *core.ImportResult, err error) {
	if err != nil {
		logger.Error("inbox.import_failed", "error", err, "message", core.FormatUserError(err))
		w.move(logger, path, FailedDir)
		return
	}
	logger.Info("inbox.imported",
		"summary", res.Summary(),
		"imported", res.RowsImported(),
		"skipped", res.RowsSkipped(),
		"failed", res.RowsFailed(),
	)
	w.move(logger, path, UploadedDir)
}

// move relocates path into sub next to it, suffixing a timestamp if a file
// of the same name was already moved there.
func (w *Watcher) move(logger *slog.Logger, path, sub string) {
	dir := filepath.Join(filepath.Dir(path), sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error("inbox.move_failed", "error", err)
		return
	}

	name := filepath.Base(path)
	dst := filepath.Join(dir, name)
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(name)
		dst = filepath.Join(dir, fmt.Sprintf("%s-%s%s",
			strings.TrimSuffix(name, ext), time.Now().UTC().Format("20060102T150405.000"), ext))
	}
	if err := os.Rename(path, dst); err != nil {
		logger.Error("inbox.move_failed", "error", err, "dest", dst)
		return
	}
	logger.Debug("inbox.moved", "dest", dst)
}
