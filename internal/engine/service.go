package engine

// service.go manages asynchronous import runs: each run executes in its
// own goroutine with run-scoped state (counters, indexes, ID mappings
// never leak across runs), publishes progress to subscribers, and supports
// cancellation that takes effect within one record's latency.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coursemill/coursemill/internal/schema"
	"github.com/google/uuid"
)

// RunPhase indicates the current stage of import processing.
type RunPhase string

const (
	PhaseStarting  RunPhase = "starting"
	PhasePreparing RunPhase = "preparing"
	PhaseImporting RunPhase = "importing"
	PhaseComplete  RunPhase = "complete"
	PhaseFailed    RunPhase = "failed"
	PhaseCancelled RunPhase = "cancelled"
)

// RunProgress is a snapshot of a run's state for polling clients.
type RunProgress struct {
	RunID    string                    `json:"runId"`
	Phase    RunPhase                  `json:"phase"`
	Stage    schema.EntityType         `json:"stage,omitempty"` // current importer stage
	Imported map[schema.EntityType]int `json:"imported,omitempty"`
	Skipped  map[schema.EntityType]int `json:"skipped,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

// RunRecorder persists run bookkeeping (history, defects). Optional; a nil
// recorder disables history.
type RunRecorder interface {
	RecordStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	RecordFinish(ctx context.Context, runID uuid.UUID, report Report) error
}

// Service coordinates import runs against one persistence layer.
type Service struct {
	persister Persister
	recorder  RunRecorder
	existing  ExistingLookup
	limiter   *RunLimiter
	timeout   time.Duration
	logger    *slog.Logger

	mu   sync.RWMutex
	runs map[string]*activeRun
}

type activeRun struct {
	ID     string
	Cancel context.CancelFunc
	Report *Report
	Done   chan struct{}

	// ListenerMu guards Progress and Listeners. The run goroutine mutates
	// Progress (including its Imported/Skipped maps) while HTTP handlers
	// read and marshal it, so every access goes through the lock and
	// readers only ever see snapshot copies.
	ListenerMu sync.Mutex
	Progress   RunProgress
	Listeners  []chan RunProgress

	// finished is set under ListenerMu once listeners have been closed, so
	// late subscribers get a pre-closed channel instead of one that never
	// closes.
	finished bool
}

// ServiceConfig holds run-service tunables.
type ServiceConfig struct {
	MaxConcurrent int           // parallel runs; 0 uses the default
	MaxWait       time.Duration // wait for a run slot; 0 uses the default
	Timeout       time.Duration // per-run timeout; 0 means 10 minutes
}

// NewService creates a run service. recorder and existing may be nil.
func NewService(persister Persister, recorder RunRecorder, existing ExistingLookup, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		persister: persister,
		recorder:  recorder,
		existing:  existing,
		limiter:   NewRunLimiter(cfg.MaxConcurrent, cfg.MaxWait),
		timeout:   cfg.Timeout,
		logger:    logger,
		runs:      make(map[string]*activeRun),
	}
}

// StartImport begins an asynchronous import run and returns its ID
// immediately. Use SubscribeProgress or GetProgress for updates and
// GetReport for the final report.
//
// Returns ErrTooManyRuns if the concurrent run limit is reached and no
// slot becomes available within the wait period.
func (s *Service) StartImport(ctx context.Context, sheets []SheetInput, mappings MappingSet, opts Options) (string, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	runID := uuid.New()
	runCtx, cancel := context.WithTimeout(context.Background(), s.timeout)

	run := &activeRun{
		ID:     runID.String(),
		Cancel: cancel,
		Progress: RunProgress{
			RunID: runID.String(),
			Phase: PhaseStarting,
		},
		Done: make(chan struct{}),
	}

	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()

	// Process in background with panic recovery to ensure limiter release.
	go func() {
		defer s.limiter.Release()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in import run", "run_id", run.ID, "panic", r)
				run.updateProgress(func(p *RunProgress) {
					p.Phase = PhaseFailed
					p.Error = fmt.Sprintf("internal error: %v", r)
				})
				run.notifyProgress()
				run.closeListeners()
				close(run.Done)
				s.cleanup(run.ID, 5*time.Minute)
			}
		}()
		s.processRun(runCtx, run, runID, sheets, mappings, opts)
	}()

	return run.ID, nil
}

// processRun executes the full pipeline for one run.
func (s *Service) processRun(ctx context.Context, run *activeRun, runID uuid.UUID, sheets []SheetInput, mappings MappingSet, opts Options) {
	started := time.Now()

	defer func() {
		run.closeListeners()
		close(run.Done)
		s.cleanup(run.ID, 5*time.Minute)
	}()

	if s.recorder != nil {
		if err := s.recorder.RecordStart(ctx, runID, started); err != nil {
			s.logger.Warn("failed to record run start", "run_id", run.ID, "error", err)
		}
	}

	run.updateProgress(func(p *RunProgress) { p.Phase = PhasePreparing })
	run.notifyProgress()

	prep := Prepare(sheets, mappings, opts)

	run.updateProgress(func(p *RunProgress) {
		p.Phase = PhaseImporting
		p.Imported = make(map[schema.EntityType]int)
		p.Skipped = make(map[schema.EntityType]int)
	})
	run.notifyProgress()

	importer := NewImporter(s.persister, s.existing, s.logger)
	importer.OnRecord = func(et schema.EntityType, imported, skipped int) {
		run.updateProgress(func(p *RunProgress) {
			p.Stage = et
			p.Imported[et] = imported
			p.Skipped[et] = skipped
		})
		// Publish the first record of each stage, then every 100th, so
		// small imports still show stage counters.
		if n := imported + skipped; n == 1 || n%100 == 0 {
			run.notifyProgress()
		}
	}

	outcome := importer.Run(ctx, runID, prep.Valid)
	report := BuildReport(run.ID, prep, outcome, started)
	run.Report = &report

	run.updateProgress(func(p *RunProgress) {
		switch report.Status {
		case StatusCommitted:
			p.Phase = PhaseComplete
		case StatusCancelled:
			p.Phase = PhaseCancelled
		default:
			p.Phase = PhaseFailed
		}
	})
	run.notifyProgress()

	if s.recorder != nil {
		// Bookkeeping must survive run cancellation.
		if err := s.recorder.RecordFinish(context.WithoutCancel(ctx), runID, report); err != nil {
			s.logger.Warn("failed to record run finish", "run_id", run.ID, "error", err)
		}
	}

	s.logger.Info("import run finished",
		"run_id", run.ID,
		"status", report.Status,
		"imported", report.TotalImported(),
		"rejected", report.TotalRejected(),
		"duration", report.Duration,
	)
}

// SubscribeProgress returns a channel that receives progress updates.
// The channel is closed when the run completes.
func (s *Service) SubscribeProgress(runID string) (<-chan RunProgress, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}

	ch := make(chan RunProgress, 10)

	run.ListenerMu.Lock()
	if run.finished {
		// Deliver the final snapshot and close immediately.
		ch <- run.snapshotLocked()
		close(ch)
		run.ListenerMu.Unlock()
		return ch, nil
	}
	run.Listeners = append(run.Listeners, ch)
	select {
	case ch <- run.snapshotLocked():
	default:
	}
	run.ListenerMu.Unlock()

	return ch, nil
}

// GetProgress returns the current progress without blocking.
func (s *Service) GetProgress(runID string) (RunProgress, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return RunProgress{}, fmt.Errorf("run not found: %s", runID)
	}
	return run.snapshot(), nil
}

// CancelRun cancels an in-progress run. The importer rolls back anything
// persisted so far before the run reports Cancelled.
func (s *Service) CancelRun(runID string) error {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("run not found: %s", runID)
	}
	run.Cancel()
	return nil
}

// GetReport returns the final report of a run, blocking until the run
// completes if still in progress.
func (s *Service) GetReport(runID string) (*Report, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}

	<-run.Done
	return run.Report, nil
}

// ActiveRuns returns the number of runs currently executing.
func (s *Service) ActiveRuns() int {
	return s.limiter.ActiveCount()
}

// WaitForRuns blocks until all active runs complete or ctx is cancelled.
// Used during graceful shutdown.
func (s *Service) WaitForRuns(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

// cleanup removes a finished run from the registry after a delay, giving
// clients time to fetch the final report.
func (s *Service) cleanup(runID string, after time.Duration) {
	time.AfterFunc(after, func() {
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
	})
}

// updateProgress applies a mutation to the run's progress under the lock.
func (r *activeRun) updateProgress(apply func(*RunProgress)) {
	r.ListenerMu.Lock()
	apply(&r.Progress)
	r.ListenerMu.Unlock()
}

func (r *activeRun) snapshot() RunProgress {
	r.ListenerMu.Lock()
	defer r.ListenerMu.Unlock()
	return r.snapshotLocked()
}

// snapshotLocked copies Progress with fresh Imported/Skipped maps. The
// caller must hold ListenerMu; the copy can be read or marshaled while
// the run keeps writing.
func (r *activeRun) snapshotLocked() RunProgress {
	snap := r.Progress
	if r.Progress.Imported != nil {
		snap.Imported = make(map[schema.EntityType]int, len(r.Progress.Imported))
		for et, n := range r.Progress.Imported {
			snap.Imported[et] = n
		}
	}
	if r.Progress.Skipped != nil {
		snap.Skipped = make(map[schema.EntityType]int, len(r.Progress.Skipped))
		for et, n := range r.Progress.Skipped {
			snap.Skipped[et] = n
		}
	}
	return snap
}

func (r *activeRun) notifyProgress() {
	r.ListenerMu.Lock()
	defer r.ListenerMu.Unlock()
	snap := r.snapshotLocked()
	for _, ch := range r.Listeners {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (r *activeRun) closeListeners() {
	r.ListenerMu.Lock()
	defer r.ListenerMu.Unlock()
	for _, ch := range r.Listeners {
		close(ch)
	}
	r.Listeners = nil
	r.finished = true
}
