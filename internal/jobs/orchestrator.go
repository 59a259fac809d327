package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"billops/internal/errs"
	"billops/internal/eventbus"
	logx "billops/pkg/logx"
)

// ErrAlreadyRunning is returned when a job type is triggered while a run of
// the same type is still in flight.
var ErrAlreadyRunning = errors.Mark(errors.New("job already running"), errs.ErrConflict)

// DefaultKeep is the per-type history retention used when none is configured.
const DefaultKeep = 100

// Filter scopes a history query. A nil Type lists all job types.
type Filter struct {
	Type  *Type
	Limit int
}

// History persists runs. Implementations must tolerate concurrent appends
// from different job types and list newest first by StartedAt.
type History interface {
	AppendRun(ctx context.Context, r Run) error
	UpdateRun(ctx context.Context, r Run) error
	ListRuns(ctx context.Context, f Filter) ([]Run, error)
	LastSuccess(ctx context.Context, t Type) (*Run, error)
	PruneRuns(ctx context.Context, t Type, keep int) (int, error)
}

// runGuard tracks whether a job type is in flight.
type runGuard struct {
	mu       sync.Mutex
	inflight bool
	runID    string
	since    time.Time
}

func (g *runGuard) tryAcquire(runID string, at time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight {
		return false
	}
	g.inflight = true
	g.runID = runID
	g.since = at
	return true
}

func (g *runGuard) release() {
	g.mu.Lock()
	g.inflight = false
	g.runID = ""
	g.since = time.Time{}
	g.mu.Unlock()
}

func (g *runGuard) state() (bool, string, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight, g.runID, g.since
}

// Options configures an Orchestrator.
type Options struct {
	Registry *Registry
	History  History
	Bus      eventbus.Bus
	Log      logx.Logger
	// Keep is the per-type retention applied after every terminal update.
	Keep int
	// Location is used for daily schedule evaluation in Status.
	Location *time.Location
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Orchestrator executes registered jobs and records their outcome.
// Different job types run fully concurrently; a single type runs at most
// once at a time.
type Orchestrator struct {
	reg     atomic.Pointer[Registry]
	history History
	bus     eventbus.Bus
	log     logx.Logger
	keep    int
	calc    Calculator
	now     func() time.Time

	guards [numTypes]runGuard
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, errors.New("jobs: registry is required")
	}
	if opts.History == nil {
		return nil, errors.New("jobs: history store is required")
	}
	o := &Orchestrator{
		history: opts.History,
		bus:     opts.Bus,
		log:     opts.Log.With(logx.String("comp", "jobs")),
		keep:    opts.Keep,
		calc:    Calculator{Location: opts.Location},
		now:     opts.Now,
	}
	o.reg.Store(opts.Registry)
	if o.keep <= 0 {
		o.keep = DefaultKeep
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

func (o *Orchestrator) Registry() *Registry { return o.reg.Load() }

// SetRegistry swaps schedules and enabled flags at runtime. In-flight runs
// keep the handler they started with.
func (o *Orchestrator) SetRegistry(r *Registry) {
	if r != nil {
		o.reg.Store(r)
	}
}

// Running reports whether t currently has a run in flight.
func (o *Orchestrator) Running(t Type) bool {
	if !t.Valid() {
		return false
	}
	running, _, _ := o.guards[t].state()
	return running
}

// Run executes the handler of t and returns the terminal run.
//
// The only errors are an unknown job type (validation) and ErrAlreadyRunning.
// Handler failures and panics are recorded on the returned run instead.
// Handlers see ctx as given; callers that must not interrupt a run detach
// it first.
func (o *Orchestrator) Run(ctx context.Context, t Type, trigger Trigger) (Run, error) {
	def, ok := o.Registry().Lookup(t)
	if !ok {
		return Run{}, errs.Validation("invalid job type %d", uint8(t))
	}
	if trigger == "" {
		trigger = TriggerManual
	}

	run := Run{
		ID:        uuid.NewString(),
		Type:      t,
		Status:    StatusRunning,
		Trigger:   trigger,
		StartedAt: o.now(),
	}
	g := &o.guards[t]
	if !g.tryAcquire(run.ID, run.StartedAt) {
		_, inflightID, since := g.state()
		return Run{}, errors.WithDetailf(ErrAlreadyRunning, "%s run %s in flight since %s", t, inflightID, since.Format(time.RFC3339))
	}
	defer g.release()

	log := o.log.With(logx.String("job", t.String()), logx.String("run_id", run.ID), logx.String("trigger", string(trigger)))

	if err := o.history.AppendRun(ctx, run); err != nil {
		log.Error("append run failed", logx.Err(err))
	}
	o.publish(eventbus.JobStarted, run)
	log.Debug("job started")

	res, err := o.invoke(ctx, def.Handler)
	run.complete(o.now(), res, err)

	// The terminal write must land even when the caller's context is gone.
	wctx := context.WithoutCancel(ctx)
	if uerr := o.history.UpdateRun(wctx, run); uerr != nil {
		log.Error("update run failed", logx.Err(uerr))
	}
	if n, perr := o.history.PruneRuns(wctx, t, o.keep); perr != nil {
		log.Warn("prune runs failed", logx.Err(perr))
	} else if n > 0 {
		log.Debug("pruned runs", logx.Int("removed", n))
	}
	o.publish(eventbus.JobFinished, run)

	if run.Status == StatusError {
		log.Warn("job failed", logx.String("error", run.Error), logx.Int64("duration_ms", *run.DurationMs))
	} else {
		log.Info("job finished", logx.Int64("duration_ms", *run.DurationMs))
	}
	return run, nil
}

func (o *Orchestrator) invoke(ctx context.Context, h Handler) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("job handler panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			res = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx)
}

func (o *Orchestrator) publish(topic eventbus.Topic, r Run) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventbus.Event{Topic: topic, Time: o.now(), Data: r})
}
