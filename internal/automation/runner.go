// File: internal/automation/runner.go

// Package automation interprets certificate definitions against a browser
// session and controls the lifecycle of each run.
package automation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
	"github.com/xkilldash9x/certidao-cli/internal/config"
)

const sessionCloseTimeout = 10 * time.Second

// Definitions is the read side of the definition registry.
type Definitions interface {
	Get(id string) (*schemas.CertificateDefinition, error)
}

// StartOptions tunes a single run.
type StartOptions struct {
	// Timeout bounds the whole run. Zero means automation.run_timeout.
	Timeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithReporter sets the progress reporter. The default discards events.
func WithReporter(rep schemas.ProgressReporter) Option {
	return func(r *Runner) { r.reporter = rep }
}

// WithRecorder persists terminal run records and progress events.
func WithRecorder(rec schemas.RunRecorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// Runner starts runs and mediates Resume, Cancel and Status calls. Each run
// executes on its own goroutine with its own browser session.
type Runner struct {
	cfg      config.AutomationConfig
	defs     Definitions
	sessions schemas.SessionFactory
	reporter schemas.ProgressReporter
	recorder schemas.RunRecorder
	logger   *zap.Logger
	now      func() time.Time

	sem *semaphore.Weighted

	limMu    sync.Mutex
	limiters map[schemas.SiteProfile]*rate.Limiter

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	mu     sync.RWMutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// New creates a Runner. cfg.WaitTimeout and cfg.RunTimeout must be positive.
func New(cfg config.AutomationConfig, defs Definitions, sessions schemas.SessionFactory, logger *zap.Logger, opts ...Option) (*Runner, error) {
	if defs == nil {
		return nil, errors.New("definitions cannot be nil")
	}
	if sessions == nil {
		return nil, errors.New("session factory cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseCtx, baseCancel := context.WithCancelCause(context.Background())
	r := &Runner{
		cfg:        cfg,
		defs:       defs,
		sessions:   sessions,
		reporter:   nopReporter{},
		logger:     logger.With(zap.String("component", "runner")),
		now:        time.Now,
		limiters:   make(map[schemas.SiteProfile]*rate.Limiter),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		runs:       make(map[string]*run),
	}
	if cfg.MaxConcurrentRuns > 0 {
		r.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns))
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start validates the request, opens a browser session and launches the run.
// It returns as soon as the run goroutine has been started.
func (r *Runner) Start(ctx context.Context, certificateID string, data schemas.DataContext, opts StartOptions) (string, error) {
	def, err := r.defs.Get(certificateID)
	if err != nil {
		return "", err
	}
	for _, g := range def.RequiredDataGroups {
		if len(data[g]) == 0 {
			return "", schemas.MissingData(string(g))
		}
	}

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return "", schemas.NewError(schemas.KindInvalidState, "runner is shutting down")
	}

	if r.sem != nil && !r.sem.TryAcquire(1) {
		return "", schemas.NewError(schemas.KindCapacity, "maximum of %d concurrent runs reached", r.cfg.MaxConcurrentRuns)
	}
	release := func() {
		if r.sem != nil {
			r.sem.Release(1)
		}
	}

	driver, err := r.sessions.NewSession(ctx)
	if err != nil {
		release()
		return "", schemas.WrapError(schemas.KindExecution, err, "could not open browser session")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.cfg.RunTimeout
	}
	id := uuid.New().String()
	cancelCtx, cancel := context.WithCancelCause(r.baseCtx)
	runCtx, stopTimer := context.WithTimeoutCause(cancelCtx, timeout, errRunTimeout)

	now := r.now()
	rn := &run{
		id:        id,
		def:       def,
		data:      data.Clone(),
		driver:    driver,
		logger:    r.logger.With(zap.String("run_id", id), zap.String("certificate_id", def.ID)),
		timeout:   timeout,
		ctx:       runCtx,
		cancel:    cancel,
		stopTimer: stopTimer,
		resume:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		state: schemas.RunState{
			RunID:         id,
			CertificateID: def.ID,
			StepIndex:     0,
			StepCount:     len(def.Steps),
			Status:        schemas.StatusRunning,
			StartedAt:     now,
			UpdatedAt:     now,
		},
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		stopTimer()
		cancel(errShutdown)
		rn.closeSession(sessionCloseTimeout)
		release()
		return "", schemas.NewError(schemas.KindInvalidState, "runner is shutting down")
	}
	r.runs[id] = rn
	r.wg.Add(1)
	r.mu.Unlock()

	rn.logger.Info("Run started", zap.Duration("timeout", timeout), zap.Int("steps", len(def.Steps)))
	go r.execute(rn, release)
	return id, nil
}

func (r *Runner) execute(rn *run, release func()) {
	defer r.wg.Done()
	defer close(rn.done)
	defer release()
	defer rn.closeSession(sessionCloseTimeout)
	defer rn.stopTimer()
	defer rn.cancel(nil)

	err := r.drive(rn)
	r.finish(rn, err)
}

// finish moves the run to its terminal state, emits the final event and
// persists the record.
func (r *Runner) finish(rn *run, err error) {
	now := r.now()
	var final schemas.RunState
	if err == nil {
		final = r.update(rn, func(st *schemas.RunState) {
			st.Status = schemas.StatusSucceeded
			st.StepIndex = st.StepCount
			st.FinishedAt = &now
		})
		r.emit(rn, schemas.EventSucceeded, final.StepIndex, "", final.Protocol)
		rn.logger.Info("Run succeeded", zap.String("protocol", final.Protocol))
	} else {
		final = r.update(rn, func(st *schemas.RunState) {
			st.Status = schemas.StatusFailed
			st.LastError = schemas.Describe(err, st.StepIndex, actionAt(rn.def, st.StepIndex))
			if st.LastError != nil {
				st.StepIndex = st.LastError.StepIndex
			}
			st.FinishedAt = &now
		})
		r.emit(rn, schemas.EventFailed, final.StepIndex, final.LastError.Action, err.Error())
		rn.logger.Warn("Run failed",
			zap.String("kind", string(final.LastError.Kind)),
			zap.Int("step", final.StepIndex),
			zap.Error(err))
	}

	if r.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
		defer cancel()
		if err := r.recorder.SaveRun(ctx, final); err != nil {
			rn.logger.Error("Failed to persist run record", zap.Error(err))
		}
	}
}

func actionAt(def *schemas.CertificateDefinition, index int) schemas.ActionKind {
	if index >= 0 && index < len(def.Steps) {
		return def.Steps[index].Kind()
	}
	return ""
}

func (r *Runner) lookup(runID string) (*run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runs[runID]
	if !ok {
		return nil, schemas.NewError(schemas.KindNotFound, "run %q not found", runID)
	}
	return rn, nil
}

// Resume continues a run paused at a CAPTCHA step.
func (r *Runner) Resume(runID string) error {
	rn, err := r.lookup(runID)
	if err != nil {
		return err
	}
	rn.mu.Lock()
	defer rn.mu.Unlock()
	if rn.state.Status != schemas.StatusWaitingForUser {
		return schemas.NewError(schemas.KindInvalidState, "run %s is %s, not %s", runID, rn.state.Status, schemas.StatusWaitingForUser)
	}
	rn.state.Status = schemas.StatusRunning
	rn.state.UpdatedAt = r.now()
	rn.resume <- struct{}{}
	rn.logger.Info("Run resumed by operator")
	return nil
}

// Cancel asks a run to stop. The request takes effect at the next
// suspension point or step boundary; the run then fails with Cancelled.
func (r *Runner) Cancel(runID string) error {
	rn, err := r.lookup(runID)
	if err != nil {
		return err
	}
	rn.mu.Lock()
	status := rn.state.Status
	rn.mu.Unlock()
	if status.Terminal() {
		return schemas.NewError(schemas.KindInvalidState, "run %s already finished with status %s", runID, status)
	}
	rn.cancel(errCancelRequested)
	rn.logger.Info("Cancellation requested")
	return nil
}

// Status returns a snapshot of the run.
func (r *Runner) Status(runID string) (schemas.RunState, error) {
	rn, err := r.lookup(runID)
	if err != nil {
		return schemas.RunState{}, err
	}
	return rn.snapshot(), nil
}

// Wait blocks until the run is terminal or ctx ends.
func (r *Runner) Wait(ctx context.Context, runID string) (schemas.RunState, error) {
	rn, err := r.lookup(runID)
	if err != nil {
		return schemas.RunState{}, err
	}
	select {
	case <-rn.done:
		return rn.snapshot(), nil
	case <-ctx.Done():
		return rn.snapshot(), ctx.Err()
	}
}

// List returns snapshots of every run known to the runner, oldest first.
func (r *Runner) List() []schemas.RunState {
	r.mu.RLock()
	out := make([]schemas.RunState, 0, len(r.runs))
	for _, rn := range r.runs {
		out = append(out, rn.snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Shutdown cancels every active run and waits for their goroutines, or for
// ctx to end. Start fails with InvalidStateError afterwards.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.baseCancel(errShutdown)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("Runner stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) limiter(profile schemas.SiteProfile) *rate.Limiter {
	r.limMu.Lock()
	defer r.limMu.Unlock()
	lim, ok := r.limiters[profile]
	if !ok {
		limit := rate.Inf
		if r.cfg.PortalRateLimit > 0 {
			limit = rate.Limit(r.cfg.PortalRateLimit)
		}
		burst := r.cfg.PortalBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(limit, burst)
		r.limiters[profile] = lim
	}
	return lim
}

func (r *Runner) update(rn *run, fn func(st *schemas.RunState)) schemas.RunState {
	return rn.update(r.now(), fn)
}

func (r *Runner) setStep(rn *run, index int) {
	r.update(rn, func(st *schemas.RunState) { st.StepIndex = index })
}

func (r *Runner) emit(rn *run, typ schemas.EventType, index int, action schemas.ActionKind, msg string) {
	st := rn.snapshot()
	ev := schemas.ProgressEvent{
		RunID:         rn.id,
		CertificateID: rn.def.ID,
		Type:          typ,
		StepIndex:     index,
		Action:        action,
		Message:       msg,
		Status:        st.Status,
		At:            r.now(),
	}
	ctx := context.WithoutCancel(rn.ctx)
	r.reporter.Report(ctx, ev)
	if r.recorder != nil {
		if err := r.recorder.AppendEvent(ctx, ev); err != nil {
			rn.logger.Warn("Failed to persist progress event", zap.String("event", string(typ)), zap.Error(err))
		}
	}
}
