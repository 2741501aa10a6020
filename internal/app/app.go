// Package app wires configuration, storage, the upstream client and the
// notifier into a pipeline, for one-shot runs and for serve mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bonusvarsel/internal/cache"
	"bonusvarsel/internal/config"
	"bonusvarsel/internal/eventbus"
	"bonusvarsel/internal/httpserver"
	"bonusvarsel/internal/notifier"
	"bonusvarsel/internal/pipeline"
	"bonusvarsel/internal/runtime/supervisor"
	"bonusvarsel/internal/scheduler"
	"bonusvarsel/internal/storage"
	"bonusvarsel/internal/transport/telegram"
	"bonusvarsel/internal/upstream"
	logx "bonusvarsel/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Options are command-line overrides.
type Options struct {
	ConfigPath string
	// Environ replaces the process environment when non-nil.
	Environ map[string]string
	NoCache bool
	Force   bool
}

type App struct {
	opts Options
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	cache     cache.Store
	cacheInfo storage.CacheInfo

	mu     sync.Mutex
	runner *pipeline.Runner
}

func New(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.Environ)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm := config.NewManager(opts.ConfigPath, opts.Environ, log.With(logx.String("comp", "config")))
	if cfg, err = cfgm.Load(); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log = log.With(logx.String("comp", "app"))

	a := &App{opts: opts, cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}

	sc := mapStorageConfig(cfg)
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	log.Info("storage ready", logx.String("driver", sc.Driver))

	cc := mapCacheConfig(cfg)
	cs, err := cache.Open(ctx, cc, log.With(logx.String("comp", "cache")))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	a.cache = cs
	a.cacheInfo = storage.CacheInfo{Enabled: cs != nil, Bypass: opts.NoCache || cfg.Cache.Bypass, Driver: cc.Driver}

	if err := a.assemble(cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// assemble builds the per-config components. Storage and cache are opened
// once per process.
func (a *App) assemble(cfg *config.Config) error {
	fetch := upstream.NewFetcher(mapFetcherOptions(cfg, a.cache, a.opts.NoCache), a.log.With(logx.String("comp", "upstream")))

	var sink notifier.Sink
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tg, err := telegram.New(mapTelegramConfig(cfg), a.log.With(logx.String("comp", "telegram")))
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		sink = tg
	}
	target := notifier.Target{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID}

	var disp pipeline.Dispatcher
	if sink != nil {
		disp = notifier.New(mapNotifierConfig(cfg), sink, target, a.log.With(logx.String("comp", "notifier")), a.bus)
	}

	runner, err := pipeline.New(
		mapPipelineConfig(cfg, a.cacheInfo, a.opts.Force),
		fetch, a.store, disp,
		a.log.With(logx.String("comp", "pipeline")), a.bus,
	)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.runner = runner
	a.mu.Unlock()
	return nil
}

func (a *App) currentRunner() *pipeline.Runner {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runner
}

// RunOnce executes one pipeline pass.
func (a *App) RunOnce(ctx context.Context, trigger string) (storage.Report, error) {
	return a.currentRunner().Run(ctx, pipeline.Options{Trigger: trigger, Force: a.opts.Force})
}

// Serve runs the pipeline on the configured schedule until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.cfgm.Get()
	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true))

	sched, err := scheduler.New(mapSchedulerConfig(cfg), func(ctx context.Context, trigger string) error {
		_, err := a.currentRunner().Run(ctx, pipeline.Options{Trigger: trigger})
		return err
	}, a.log.With(logx.String("comp", "scheduler")))
	if err != nil {
		return err
	}

	tracker := httpserver.NewTracker()
	sup.Go0("tracker", func(ctx context.Context) { tracker.Follow(ctx, a.bus) })

	var ops *httpserver.Server
	if addr := strings.TrimSpace(cfg.Schedule.OpsAddr); addr != "" {
		ops = httpserver.New(httpserver.Config{Addr: addr, NextRun: sched.Next}, tracker, a.store, a.log.With(logx.String("comp", "ops")))
		if err := ops.Start(); err != nil {
			_ = sup.Stop(context.Background())
			return fmt.Errorf("ops server: %w", err)
		}
	}

	updates := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(updates)
	sup.Go("config.watch", a.cfgm.Watch)
	sup.Go0("config.apply", func(ctx context.Context) {
		active := cfg
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				a.reconfigure(active, next, sched)
				active = next
			}
		}
	})

	sched.Start(sup.Context())
	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("serving", logx.String("schedule", cfg.Schedule.Spec), logx.String("ops_addr", cfg.Schedule.OpsAddr))

	<-sup.Context().Done()
	a.sdNotify(daemon.SdNotifyStopping)
	a.log.Info("stopping")

	shutdown, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.step(shutdown, "scheduler", 25*time.Second, func(c context.Context) error { sched.Stop(c); return nil })
	if ops != nil {
		a.step(shutdown, "ops", 2*time.Second, ops.Stop)
	}

	waitCtx, cancelWait := context.WithTimeout(shutdown, 3*time.Second)
	defer cancelWait()
	if err := sup.Stop(waitCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			a.log.Warn("goroutines still running at exit", logx.Int64("active", sup.Active()))
			return nil
		}
		return err
	}
	return nil
}

// reconfigure applies a reloaded config from the next run on. Storage,
// cache and logging settings need a restart.
func (a *App) reconfigure(old, next *config.Config, sched *scheduler.Service) {
	if old.Storage != next.Storage || old.Cache != next.Cache || old.Logging != next.Logging {
		a.log.Warn("storage, cache or logging changed; restart to apply")
	}
	if err := a.assemble(next); err != nil {
		a.log.Error("config reload not applied", logx.Err(err))
		return
	}
	if err := sched.Apply(mapSchedulerConfig(next)); err != nil {
		a.log.Error("schedule reload not applied", logx.Err(err))
	}
	eventbus.Publish(a.bus, eventbus.ConfigReloaded, nil)
}

func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// step runs one shutdown step bounded by max and the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// Close releases storage, cache and log sinks.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
