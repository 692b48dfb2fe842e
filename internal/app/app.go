// Package app wires the alert pipeline and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"cbalert/internal/config"
	"cbalert/internal/diagnostics"
	"cbalert/internal/eventbus"
	"cbalert/internal/httpapi"
	"cbalert/internal/intake"
	"cbalert/internal/notify"
	"cbalert/internal/prefs"
	"cbalert/internal/radio"
	"cbalert/internal/router"
	rtsup "cbalert/internal/runtime/supervisor"
	"cbalert/internal/storage"
	"cbalert/internal/task/runner"
	"cbalert/internal/task/scheduler"
	"cbalert/internal/transport/mqtt"
	"cbalert/internal/unread"
	logx "cbalert/pkg/logx"
	"cbalert/pkg/systemd"
)

const diagnosticsJob = "store.diagnostics"

// Overrides are values that take precedence over the config file,
// typically sourced from the environment.
type Overrides struct {
	MQTTPassword string
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	handle   *storage.Handle
	provider *storage.Provider
	notifier *notify.Notifier
	runner   *runner.Service
	unread   *unread.Counter
	prefs    prefs.Store
	radio    *radio.Registry
	intake   *intake.Service
	router   *router.Router
	bridge   *mqtt.Bridge
	http     *httpapi.Server
	sched    *scheduler.Service
	report   *diagnostics.Reporter
}

// NewApp loads the config and builds every component. The broker connection
// is opened here when the bus is enabled.
func NewApp(cfgPath string, ov Overrides) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg.Logging), nil)
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }
	cfgm.SetLogger(comp("config"))

	a := &App{cfgm: cfgm, log: comp("app"), logs: logSvc, bus: eventbus.New()}

	a.unread = unread.New(a.bus)
	st, err := storage.Open(mapStore(cfg.Store), comp("storage"), a.unread)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open alert store: %w", err)
	}
	a.handle = storage.NewHandle(st)
	a.provider = storage.NewProvider(a.handle, comp("provider"))

	a.notifier = notify.New(comp("notify"), a.bus)
	a.runner = runner.New(mapRunner(cfg.Runner), a.handle, a.notifier, comp("runner"), a.bus)

	a.prefs, err = prefs.Open(mapPrefs(cfg.Preferences), comp("prefs"))
	if err != nil {
		a.closeEarly()
		return nil, fmt.Errorf("open preferences: %w", err)
	}

	a.radio = radio.NewRegistry(comp("radio"))
	for _, s := range mapSubscriptions(cfg.Radio) {
		a.radio.Update(s)
	}

	if bc := mapBus(cfg.Bus, ov.MQTTPassword); bc.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), bc.ConnectTimeout)
		conn, err := mqtt.Dial(ctx, bc, comp("mqtt"))
		cancel()
		if err != nil {
			a.closeEarly()
			return nil, err
		}
		a.bridge = mqtt.NewBridge(bc, conn, comp("mqtt"), a.bus)
		logSvc.SetSender(a.bridge)
	}

	ideps := intake.Deps{Runner: a.runner, Prefs: a.prefs, Unread: a.unread, Bus: a.bus}
	rdeps := router.Deps{
		Radio:              a.radio,
		Prefs:              a.prefs,
		Bus:                a.bus,
		AreaInfoCredential: cfg.AreaInfo.Credential,
	}
	if a.bridge != nil {
		ideps.Display = a.bridge
		rdeps.Config = a.bridge
		rdeps.Relay = a.bridge
	}
	a.intake = intake.New(ideps, comp("intake"))
	rdeps.Intake = a.intake
	rdeps.Broadcasts = a.intake
	rdeps.AreaInfo = a.intake
	a.router = router.New(rdeps, comp("router"))

	if hc := mapHTTP(cfg.HTTP); hc.Enabled {
		a.http = httpapi.New(hc, a.provider, a.unread, comp("http"))
	}

	diag := cfg.EffectiveDiagnostics()
	a.sched = scheduler.New(scheduler.Config{Timezone: diag.Timezone}, comp("scheduler"), a.bus)
	a.report = diagnostics.NewReporter(diagnostics.Sources{
		Store:    a.provider,
		Runner:   a.runner,
		Notifier: a.notifier,
		Bus:      a.bus,
		Status:   func(line string) { _, _ = systemd.Status(line) },
	}, comp("diagnostics"))
	if diag.Enabled {
		if err := a.sched.AddCron(diagnosticsJob, diag.Schedule, 30*time.Second, a.report.Run); err != nil {
			a.closeEarly()
			return nil, err
		}
	}

	a.log.Info("app configured",
		logx.String("store", cfg.Store.Driver),
		logx.Bool("dup_detection", cfg.Store.DupDetectionEnabled()),
		logx.Bool("bus", a.bridge != nil),
		logx.Bool("http", a.http != nil),
		logx.Int("subscriptions", len(a.radio.ActiveSubscriptions())),
	)
	return a, nil
}

func (a *App) closeEarly() {
	if a.bridge != nil {
		a.bridge.Close()
	}
	if a.prefs != nil {
		_ = a.prefs.Close()
	}
	_ = a.handle.Close(context.Background())
	_ = a.logs.Close()
}

// Router is the event entry point. Transports pass privilege explicitly.
func (a *App) Router() *router.Router { return a.router }

// Provider is the read-only query surface.
func (a *App) Provider() *storage.Provider { return a.provider }

// Changes returns a content-changed signal channel and its cancel func.
func (a *App) Changes() (<-chan struct{}, func()) { return a.notifier.Subscribe() }

func (a *App) Unread() int64 { return a.unread.Value() }

// DeleteBroadcast removes one stored alert on the runner. It returns once the
// mutation is queued.
func (a *App) DeleteBroadcast(ctx context.Context, id int64, decrementUnread bool) error {
	return a.intake.DeleteBroadcast(ctx, id, decrementUnread)
}

func (a *App) DeleteAllBroadcasts(ctx context.Context) error {
	return a.intake.DeleteAllBroadcasts(ctx)
}

// MarkBroadcastRead flags matching rows read and, when decrementUnread is set
// and a row matched, lowers the unread count.
func (a *App) MarkBroadcastRead(ctx context.Context, sel storage.Selector, value int64, decrementUnread bool) error {
	return a.intake.MarkBroadcastRead(ctx, sel, value, decrementUnread)
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// The runner outlives the app context so Stop can drain it.
	a.runner.Start(context.WithoutCancel(runCtx))

	if a.bridge != nil {
		if err := a.bridge.Start(a.sup, a.router, a.radio); err != nil {
			a.sup.Cancel()
			return err
		}
	}
	if a.http != nil {
		a.sup.Go("http", a.http.Serve)
	}
	a.sched.Start(runCtx)

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.apply", a.applyConfigUpdates)
	a.sup.Go("systemd.watchdog", systemd.Watchdog)

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started")
	return nil
}

// applyConfigUpdates applies hot-reloadable sections and reports the rest.
func (a *App) applyConfigUpdates(ctx context.Context) {
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()

	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.logs.Apply(mapLogging(newCfg.Logging))
			if pending := config.RestartRequired(sections); len(pending) > 0 {
				a.log.Warn("config sections changed; restart required for changes to take effect",
					logx.Any("sections", pending))
			}
			a.log.Info("config reloaded", append([]logx.Field{logx.Any("changed", sections)}, attrs...)...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "router", time.Second, func(context.Context) error { a.router.Close(); return nil })
	a.step(ctx, "runner", 3*time.Second, func(c context.Context) error { a.runner.Stop(c); return nil })
	a.step(ctx, "intake", 2*time.Second, a.intake.Wait)
	a.step(ctx, "bridge", 2*time.Second, func(context.Context) error {
		if a.bridge != nil {
			a.logs.SetSender(nil)
			a.bridge.Close()
		}
		return nil
	})
	a.step(ctx, "store", 2*time.Second, a.handle.Close)
	a.step(ctx, "prefs", time.Second, func(context.Context) error { return a.prefs.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and the caller's deadline. A
// step that overruns is logged and left running.
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
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
