package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultImportTimeout bounds a single background import.
const DefaultImportTimeout = 10 * time.Minute

// DefaultJobRetention is how long a finished job stays queryable.
const DefaultJobRetention = 5 * time.Minute

// ServiceConfig holds the tunables of a Service.
type ServiceConfig struct {
	MaxConcurrent int
	MaxWait       time.Duration
	Timeout       time.Duration
	Retention     time.Duration
}

// Notifier receives the final result of a background import. err is the
// error the import ended with, nil on success. It runs on the import's
// goroutine after the job is marked done.
type Notifier func(result *ImportResult, err error)

// ImportRequest describes a batch submitted to the Service.
type ImportRequest struct {
	Tenant   TenantID
	Scope    Scope
	FileName string
	Reader   io.Reader
	Size     int64 // bytes, 0 if unknown
	Filter   *Month
	Notify   Notifier
}

// Service is the entry point used by the HTTP server, the CLI and the inbox
// watcher. It runs imports in the background and tracks them as jobs.
type Service struct {
	store     Store
	importer  *Importer
	rebuilder *Rebuilder
	limiter   *ImportLimiter
	cfg       ServiceConfig
	logger    *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*importJob
}

type importJob struct {
	ID     string
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	progress  ImportProgress
	result    *ImportResult
	err       error
	listeners []chan ImportProgress
}

// NewService creates a service over store.
func NewService(store Store, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultImportTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultJobRetention
	}

	rebuilder := NewRebuilder(store, logger)
	return &Service{
		store:     store,
		importer:  NewImporter(store, rebuilder, logger),
		rebuilder: rebuilder,
		limiter:   NewImportLimiter(cfg.MaxConcurrent, cfg.MaxWait),
		cfg:       cfg,
		logger:    logger,
		jobs:      make(map[string]*importJob),
	}
}

// Store returns the underlying counter store.
func (s *Service) Store() Store { return s.store }

// Import runs a batch synchronously on the caller's goroutine.
// It still counts against the concurrent import limit.
func (s *Service) Import(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	release, err := s.limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return s.importer.Import(ctx, BatchRequest{
		Tenant:   req.Tenant,
		Scope:    req.Scope,
		Reader:   req.Reader,
		Filter:   req.Filter,
		FileName: req.FileName,
	})
}

// RebuildMonth recomputes one month scope from its day counters.
func (s *Service) RebuildMonth(ctx context.Context, tenant TenantID, month Month) (RebuildResult, error) {
	res, err := s.rebuilder.Rebuild(ctx, tenant, month)
	if err != nil {
		s.logger.Error("rebuild.failed", "tenant_id", tenant, "month", month, "error", err)
		return RebuildResult{}, err
	}
	return res, nil
}

// Preview runs the batch against an empty in-memory store and reports what
// an import would do. The service's store is never touched.
func (s *Service) Preview(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	mem := NewMemoryStore()
	rebuilder := NewRebuilder(mem, s.logger)
	importer := NewImporter(mem, rebuilder, s.logger)

	res, err := importer.Import(ctx, BatchRequest{
		Tenant:   req.Tenant,
		Scope:    req.Scope,
		Reader:   req.Reader,
		Filter:   req.Filter,
		FileName: req.FileName,
	})
	if res != nil {
		res.DryRun = true
	}
	return res, err
}

// StartImport queues a batch and returns its job id without waiting for it.
// The caller's ctx only bounds the wait for a free slot; processing runs on
// its own context limited by the configured timeout.
//
// Returns ErrTooManyImports if no slot frees up within the wait period.
func (s *Service) StartImport(ctx context.Context, req ImportRequest) (string, error) {
	if _, ok := Get(req.Scope); !ok {
		return "", fmt.Errorf("unknown scope: %q", req.Scope)
	}

	release, err := s.limiter.Acquire(ctx)
	if err != nil {
		return "", err
	}

	jobCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	job := &importJob{
		ID:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
		progress: ImportProgress{
			Tenant:     req.Tenant,
			Scope:      req.Scope,
			Phase:      PhaseQueued,
			FileName:   req.FileName,
			BytesTotal: req.Size,
		},
	}
	job.progress.JobID = job.ID

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	go func() {
		defer release()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in import",
					"job_id", job.ID,
					"tenant_id", req.Tenant,
					"panic", r,
				)
				if !job.finished() {
					s.finish(job, req, nil, fmt.Errorf("internal error: %v", r))
				}
			}
		}()
		s.run(jobCtx, job, req)
	}()

	return job.ID, nil
}

func (s *Service) run(ctx context.Context, job *importJob, req ImportRequest) {
	counter := NewCountingReader(req.Reader, req.Size)

	result, err := s.importer.Import(ctx, BatchRequest{
		Tenant:   req.Tenant,
		Scope:    req.Scope,
		Reader:   counter,
		Filter:   req.Filter,
		FileName: req.FileName,
		OnProgress: func(p ImportProgress) {
			job.mu.Lock()
			p.JobID = job.ID
			p.BytesRead = counter.BytesRead()
			p.BytesTotal = req.Size
			job.progress = p
			job.mu.Unlock()
			job.notify()
		},
	})
	if result != nil {
		result.JobID = job.ID
	}
	s.finish(job, req, result, err)
}

// finish records the outcome, wakes waiters and schedules eviction.
func (s *Service) finish(job *importJob, req ImportRequest, result *ImportResult, err error) {
	job.mu.Lock()
	job.result = result
	job.err = err
	switch {
	case err == nil:
		job.progress.Phase = PhaseComplete
	case errors.Is(err, context.Canceled):
		job.progress.Phase = PhaseCancelled
		job.progress.Error = ErrImportCancelled.Error()
	default:
		job.progress.Phase = PhaseFailed
		job.progress.Error = MapError(err).Message
	}
	if result != nil {
		job.progress.Imported = result.RowsImported()
		job.progress.Skipped = result.RowsSkipped() + result.RowsFailed()
		job.progress.RowsRead = len(result.Outcomes)
	}
	job.mu.Unlock()

	job.notify()
	job.markDone()

	attrs := []any{"job_id", job.ID, "tenant_id", req.Tenant, "scope", req.Scope, "file", req.FileName}
	if result != nil {
		attrs = append(attrs,
			"imported", result.RowsImported(),
			"skipped", result.RowsSkipped(),
			"failed", result.RowsFailed(),
			"months", len(result.Months),
			"duration_ms", result.Duration.Milliseconds(),
		)
	}
	if err != nil {
		s.logger.Warn("import.finished", append(attrs, "error", err)...)
	} else {
		s.logger.Info("import.finished", attrs...)
	}

	s.evict(job.ID, s.cfg.Retention)

	if req.Notify != nil {
		req.Notify(result, err)
	}
}

// evict removes the job from tracking after a delay.
func (s *Service) evict(jobID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.jobs, jobID)
		s.mu.Unlock()
	})
}

func (s *Service) job(jobID string) (*importJob, error) {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, nil
}

// SubscribeProgress returns a channel that receives progress updates.
// The channel is closed when the job finishes. Slow readers miss
// intermediate updates but always see the channel close.
func (s *Service) SubscribeProgress(jobID string) (<-chan ImportProgress, error) {
	job, err := s.job(jobID)
	if err != nil {
		return nil, err
	}

	ch := make(chan ImportProgress, 10)

	job.mu.Lock()
	defer job.mu.Unlock()

	ch <- job.progress
	select {
	case <-job.done:
		close(ch)
	default:
		job.listeners = append(job.listeners, ch)
	}
	return ch, nil
}

// Progress returns the current progress of a job without blocking.
func (s *Service) Progress(jobID string) (ImportProgress, error) {
	job, err := s.job(jobID)
	if err != nil {
		return ImportProgress{}, err
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	return job.progress, nil
}

// Result blocks until the job finishes or ctx is done. The returned error is
// the error the import itself ended with.
func (s *Service) Result(ctx context.Context, jobID string) (*ImportResult, error) {
	job, err := s.job(jobID)
	if err != nil {
		return nil, err
	}

	select {
	case <-job.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	return job.result, job.err
}

// Cancel stops reading a running job. Months it already touched are still
// rebuilt before the job finishes.
func (s *Service) Cancel(jobID string) error {
	job, err := s.job(jobID)
	if err != nil {
		return err
	}
	job.cancel()
	return nil
}

// WaitForImports blocks until running imports finish or ctx is done.
func (s *Service) WaitForImports(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

// LimiterStatus reports import slot usage.
func (s *Service) LimiterStatus() LimiterStatus {
	return s.limiter.Status()
}

// notify sends the current progress to all listeners.
func (job *importJob) notify() {
	job.mu.Lock()
	defer job.mu.Unlock()

	for _, ch := range job.listeners {
		select {
		case ch <- job.progress:
		default:
			// Listener is slow, skip this update
		}
	}
}

// markDone closes all listener channels and the done channel. Both happen
// under the job lock so a concurrent subscriber is never left open.
func (job *importJob) markDone() {
	job.mu.Lock()
	defer job.mu.Unlock()

	for _, ch := range job.listeners {
		close(ch)
	}
	job.listeners = nil
	close(job.done)
}

func (job *importJob) finished() bool {
	select {
	case <-job.done:
		return true
	default:
		return false
	}
}
