package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"

	"billops/internal/adapters/accounting"
	"billops/internal/adapters/netctl"
	"billops/internal/alerts"
	"billops/internal/config"
	"billops/internal/dispatch"
	"billops/internal/eventbus"
	"billops/internal/handlers"
	"billops/internal/httpapi"
	"billops/internal/jobs"
	rtsup "billops/internal/runtime/supervisor"
	"billops/internal/scheduler"
	"billops/internal/storage"
	"billops/internal/transport/telegram"
	logx "billops/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	mode Mode

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	providers *dispatch.Registry
	disp      *dispatch.Dispatcher
	handlers  *handlers.Service
	watcher   *alerts.Watcher
	orch      *jobs.Orchestrator
	sched     *scheduler.Service
	http      *httpapi.Service
	bot       *telegram.Bot // nil when telegram.token is empty

	// managedProviders are the provider IDs written from config; a provider
	// removed from config is deleted from the store on reload.
	provMu           sync.Mutex
	managedProviders map[string]bool
}

// Mode selects how much of the runtime NewApp prepares.
type Mode int

const (
	// ModeDaemon runs the scheduler, HTTP API and Telegram poller.
	ModeDaemon Mode = iota
	// ModeOneShot builds the job stack for a single CLI command. Telegram
	// is used for sending only.
	ModeOneShot
)

type Option func(*App)

func WithMode(m Mode) Option { return func(a *App) { a.mode = m } }

func NewApp(ctx context.Context, cfgPath string, opts ...Option) (_ *App, err error) {
	a := &App{managedProviders: map[string]bool{}}
	for _, o := range opts {
		o(a)
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	a.cfgm = cfgm

	// Telegram log mirroring needs the bot as sink, so bootstrap with it
	// disabled and apply the final config once the sink is installed.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg)
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()

	if tc, enabled, err := mapTelegramConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		tc.Offline = a.mode == ModeOneShot
		bot, err := telegram.New(tc, log)
		if err != nil {
			return nil, err
		}
		a.bot = bot
		if a.mode == ModeDaemon {
			logSvc.SetSink(bot)
		}
	} else {
		a.log.Info("telegram disabled (no token)")
	}
	logSvc.Apply(logCfg)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	a.providers = dispatch.NewRegistry(store, log)
	if err := a.syncProviders(ctx, cfg); err != nil {
		return nil, err
	}
	a.disp = dispatch.NewDispatcher(dispatch.Options{Registry: a.providers, Bus: a.bus, Log: log})

	acfg, err := mapAccountingConfig(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNetctlConfig(cfg)
	if err != nil {
		return nil, err
	}
	dueSoon, err := mapDueSoon(cfg)
	if err != nil {
		return nil, err
	}
	hcfg, err := mapHandlersConfig(cfg)
	if err != nil {
		return nil, err
	}
	deps := handlers.Deps{
		Store:    store,
		Usage:    accounting.New(acfg),
		Isolator: netctl.New(ncfg),
		Notifier: a.disp,
		Alerts:   &alerts.Generator{Store: store, Log: log.With(logx.String("comp", "alerts")), DueSoon: dueSoon},
		Log:      log,
	}
	if a.bot != nil {
		deps.Bot = a.bot
	}
	a.handlers = handlers.New(hcfg, deps)

	a.watcher = &alerts.Watcher{Store: store, Log: log.With(logx.String("comp", "alerts"))}
	if a.bot != nil {
		a.watcher.Messenger = a.bot
	}
	a.watcher.SetChat(hcfg.ReportChatID, hcfg.ReportThreadID)

	reg, err := a.buildRegistry(cfg)
	if err != nil {
		return nil, err
	}
	a.orch, err = jobs.NewOrchestrator(jobs.Options{
		Registry: reg,
		History:  store,
		Bus:      a.bus,
		Log:      log,
		Keep:     cfg.History.Keep,
		Location: location(cfg),
	})
	if err != nil {
		return nil, err
	}
	a.handlers.SetStatusSource(a.orch)
	if a.bot != nil {
		a.bot.SetOperator(a.orch)
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, scheduler.Options{Runner: a.orch, History: store, Log: log})

	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	api := &httpapi.API{Jobs: a.orch, History: store, Notifier: a.disp, Log: log}
	a.http = httpapi.New(httpCfg, api, log)

	return a, nil
}

func (a *App) buildRegistry(cfg *config.Config) (*jobs.Registry, error) {
	schedules, disabled, err := mapJobOverrides(cfg)
	if err != nil {
		return nil, err
	}
	return jobs.NewRegistry(a.handlers.Handlers(), schedules, disabled)
}

// syncProviders writes config-managed providers into the store and reloads
// the dispatch registry from it.
func (a *App) syncProviders(ctx context.Context, cfg *config.Config) error {
	ps, err := mapProviders(cfg)
	if err != nil {
		return err
	}
	a.provMu.Lock()
	defer a.provMu.Unlock()

	want := make(map[string]bool, len(ps))
	for _, p := range ps {
		if err := a.store.UpsertProvider(ctx, p); err != nil {
			return errors.Wrapf(err, "upsert provider %s", p.ID)
		}
		want[p.ID] = true
	}
	for id := range a.managedProviders {
		if want[id] {
			continue
		}
		if err := a.store.DeleteProvider(ctx, id); err != nil {
			a.log.Warn("delete provider failed", logx.String("provider", id), logx.Err(err))
		}
	}
	a.managedProviders = want
	return a.providers.Reload(ctx)
}

func (a *App) Orchestrator() *jobs.Orchestrator { return a.orch }
func (a *App) Store() storage.Store             { return a.store }
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }
func (a *App) Logger() logx.Logger              { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.mode != ModeDaemon {
		return errors.New("app: Start requires daemon mode")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if a.bot != nil {
		a.bot.Start(a.sup.Context())
	}
	a.sched.Start(a.sup.Context())
	a.http.Start(a.sup.Context())

	// Failed runs and undelivered messages become operator notifications.
	events, unsub := a.bus.Subscribe(128, alerts.WatchedTopics...)
	a.sup.Go("alerts.watch", func(c context.Context) error {
		defer unsub()
		defer func() {
			if n := a.bus.Dropped(); n > 0 {
				a.log.Warn("events dropped", logx.Uint64("count", n))
			}
		}()
		return a.watcher.Run(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return nil
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		})
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started")
	return nil
}

// applyConfig fans a validated config out to every live component.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range config.RestartRequired(sections) {
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}
	if oldCfg != nil && (oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.APIURL != newCfg.Telegram.APIURL) {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if a.bot != nil {
		a.bot.SetOwners(newCfg.Telegram.OwnerUserIDs)
	}

	if hcfg, err := mapHandlersConfig(newCfg); err != nil {
		a.log.Warn("invalid handler config; keeping previous", logx.Err(err))
	} else {
		a.handlers.Apply(hcfg)
		a.watcher.SetChat(hcfg.ReportChatID, hcfg.ReportThreadID)
	}

	if reg, err := a.buildRegistry(newCfg); err != nil {
		a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
	} else {
		a.orch.SetRegistry(reg)
	}

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}

	if hc, err := mapHTTPConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	if err := a.syncProviders(ctx, newCfg); err != nil {
		a.log.Warn("provider sync failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Scheduler first so no new runs start, then surfaces, then storage.
	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "telegram", 3*time.Second, func(c context.Context) error {
		if a.bot != nil {
			return a.bot.Stop(c)
		}
		return nil
	})
	// Finally, wait for supervised goroutines (config watch/reload, alerts).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.Close()
}

// Close releases storage and log outputs. Stop calls it; one-shot callers
// call it directly.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, log when it eventually finishes.
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}
