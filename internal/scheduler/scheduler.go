package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"billops/internal/jobs"
	logx "billops/pkg/logx"
)

// DefaultTick is how often due jobs are evaluated.
const DefaultTick = time.Minute

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
	Tick     time.Duration
}

// Runner executes jobs. *jobs.Orchestrator satisfies it.
type Runner interface {
	Registry() *jobs.Registry
	Running(t jobs.Type) bool
	Run(ctx context.Context, t jobs.Type, trigger jobs.Trigger) (jobs.Run, error)
}

type Options struct {
	Runner  Runner
	History jobs.History
	Log     logx.Logger
	Now     func() time.Time
}

type Service struct {
	mu sync.Mutex

	cfg     Config
	loc     *time.Location
	runner  Runner
	history jobs.History
	log     logx.Logger
	now     func() time.Time

	c       *cron.Cron
	started time.Time
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, opts Options) *Service {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		runner:  opts.Runner,
		history: opts.History,
		log:     log.With(logx.String("comp", "scheduler")),
		now:     opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.loc = loadLocation(cfg.Timezone, s.log)
	return s
}

// Location is the zone daily schedules are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Apply swaps the configuration, restarting the ticker if it changed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.loc = loadLocation(cfg.Timezone, s.log)
	started := s.runCtx != nil
	ticking := s.c != nil
	s.mu.Unlock()

	switch {
	case !started:
		return
	case !cfg.Enabled:
		if ticking {
			s.stopTicker()
			s.log.Info("scheduler disabled")
		}
		return
	case !ticking:
		s.startTicker()
		return
	}
	if strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) || old.Tick != cfg.Tick {
		s.stopTicker()
		s.startTicker()
	}
}

// Start begins ticking. Jobs launched by the scheduler run under a context
// that lives until Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.runCtx != nil {
		s.mu.Unlock()
		return
	}
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.started = s.now()
	enabled := s.cfg.Enabled
	s.mu.Unlock()

	if !enabled {
		s.log.Info("scheduler disabled")
		return
	}
	s.startTicker()
}

func (s *Service) startTicker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	tick := s.cfg.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	c := cron.New(cron.WithLocation(s.loc))
	if _, err := c.AddFunc("@every "+tick.String(), s.Tick); err != nil {
		s.log.Error("register tick failed", logx.Err(err))
		return
	}
	c.Start()
	s.c = c
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Duration("tick", tick))
	// First evaluation happens right away instead of one tick later.
	go s.Tick()
}

func (s *Service) stopTicker() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Stop stops ticking and waits for launched runs until ctx expires; runs
// still in flight after that are cancelled.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.stopTicker()

	// Clearing runCtx first closes launch to late ticks before waiting.
	s.mu.Lock()
	cancel := s.cancel
	s.runCtx, s.cancel = nil, nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop deadline reached, cancelling runs")
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Tick launches every enabled job that is due and not already running.
func (s *Service) Tick() {
	s.mu.Lock()
	ctx := s.runCtx
	loc := s.loc
	anchor := s.started
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	now := s.now()
	for _, def := range s.runner.Registry().Definitions() {
		if !def.Enabled || s.runner.Running(def.Type) {
			continue
		}
		due, err := s.isDue(ctx, def, jobs.Calculator{Location: loc}, anchor, now)
		if err != nil {
			s.log.Warn("due check failed", logx.String("job", def.Type.String()), logx.Err(err))
			continue
		}
		if !due {
			continue
		}
		s.launch(ctx, def.Type)
	}
}

func (s *Service) isDue(ctx context.Context, def jobs.Definition, calc jobs.Calculator, anchor, now time.Time) (bool, error) {
	t := def.Type
	recent, err := s.history.ListRuns(ctx, jobs.Filter{Type: &t, Limit: 1})
	if err != nil {
		return false, err
	}
	var last time.Time
	if len(recent) > 0 {
		last = recent[0].StartedAt
	} else if def.Schedule.Kind == jobs.KindDaily {
		// A daily job with no history waits for its next time of day after
		// startup rather than firing immediately.
		last = anchor
	}
	next, err := calc.Next(def.Schedule, last, now)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}

// launch starts t unless ctx is no longer the live run context, which is
// the case for a tick that raced with Stop.
func (s *Service) launch(ctx context.Context, t jobs.Type) {
	s.mu.Lock()
	if s.runCtx != ctx {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		run, err := s.runner.Run(ctx, t, jobs.TriggerSchedule)
		switch {
		case errors.Is(err, jobs.ErrAlreadyRunning):
			s.log.Debug("skipped, already running", logx.String("job", t.String()))
		case err != nil:
			s.log.Warn("scheduled run rejected", logx.String("job", t.String()), logx.Err(err))
		default:
			s.log.Debug("scheduled run done", logx.String("job", t.String()), logx.String("status", string(run.Status)))
		}
	}()
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
