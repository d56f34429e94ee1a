package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stockwatch/internal/api"
	"stockwatch/internal/config"
	"stockwatch/internal/dispatch"
	"stockwatch/internal/eventbus"
	"stockwatch/internal/fetch"
	"stockwatch/internal/hostgate"
	"stockwatch/internal/jobs"
	"stockwatch/internal/monitor"
	"stockwatch/internal/netprobe"
	"stockwatch/internal/observability/pprof"
	"stockwatch/internal/retry"
	rtsup "stockwatch/internal/runtime/supervisor"
	"stockwatch/internal/storage"
	"stockwatch/internal/transport"
	"stockwatch/internal/transport/kafka"
	"stockwatch/internal/transport/telegram"
	"stockwatch/internal/watch"
	logx "stockwatch/pkg/logx"
)

// App wires the watcher together: config, logging, storage, transport, the
// fetch/detect pipeline and the operational surface (API, pprof, jobs).
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	registry *transport.Registry
	fetcher  *swapFetcher

	gate     *hostgate.Gate
	retryCtl *retry.Controller
	state    *watch.Store
	detect   *watch.Detector

	mon   *monitor.Service
	disp  *dispatch.Service
	probe *netprobe.Service
	jobs  *jobs.Service
	api   *api.Service
	pprof *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional).
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	// Transport: drivers are built once; the route table is hot-reloadable.
	registry := transport.NewRegistry(log)
	if tc, ok, err := mapTelegramConfig(cfg); err != nil {
		return nil, err
	} else if ok {
		d, err := telegram.New(tc, log)
		if err != nil {
			return nil, err
		}
		registry.Register(d)
	}
	if kc, ok, err := mapKafkaConfig(cfg); err != nil {
		return nil, err
	} else if ok {
		d, err := kafka.New(kc, log)
		if err != nil {
			return nil, err
		}
		registry.Register(d)
	}
	routes, err := mapRoutes(cfg)
	if err != nil {
		return nil, err
	}
	registry.Apply(routes)
	if err := validateDestinationRefs(cfg); err != nil {
		return nil, err
	}

	// Watch state + change detection.
	state := watch.NewStore(log.With(logx.String("comp", "watch")), store)
	pol, err := mapPolicyConfig(cfg)
	if err != nil {
		return nil, err
	}
	detect := watch.NewDetector(pol, state, log.With(logx.String("comp", "watch")), bus)

	// Fetch side: pacing, retry schedules, the page fetcher.
	gateCfg, err := mapHostGateConfig(cfg)
	if err != nil {
		return nil, err
	}
	gate := hostgate.New(gateCfg, log, bus)

	retryCfg, err := mapRetryConfig(cfg)
	if err != nil {
		return nil, err
	}
	retryCtl := retry.NewController(retryCfg)

	fetchCfg, err := mapFetchConfig(cfg)
	if err != nil {
		return nil, err
	}
	f, err := fetch.New(fetchCfg, log)
	if err != nil {
		return nil, err
	}
	fetcher := newSwapFetcher(f)

	// Delivery side.
	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispCfg, registry, retryCtl, log, bus, store)

	probeCfg, err := mapProbeConfig(cfg)
	if err != nil {
		return nil, err
	}
	probeSvc := netprobe.New(probeCfg, disp, log, bus)

	jobsCfg, err := mapJobsConfig(cfg)
	if err != nil {
		return nil, err
	}
	jobsSvc := jobs.New(jobsCfg, jobs.Deps{Store: store, Queue: disp, Prober: probeSvc}, log, bus)

	// The scheduler sits on top of everything fetch-side.
	monCfg, err := mapMonitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	mon := monitor.New(monCfg, monitor.Deps{
		Fetcher:  fetcher,
		Gate:     gate,
		Retry:    retryCtl,
		Detector: detect,
		Store:    state,
		Notify:   disp,
	}, log, bus)

	// Reject a broken watch list before anything starts.
	if _, err := mapTargets(cfg, time.Now()); err != nil {
		return nil, err
	}

	// Operational surface.
	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	apiSvc := api.New(apiCfg, api.Deps{
		Monitor:  mon,
		Gate:     gate,
		Dispatch: disp,
		Jobs:     jobsSvc,
		Probe:    probeSvc,
		Watch:    state,
		Store:    store,
		Bus:      bus,
	}, log)

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		registry: registry,
		fetcher:  fetcher,
		gate:     gate,
		retryCtl: retryCtl,
		state:    state,
		detect:   detect,
		mon:      mon,
		disp:     disp,
		probe:    probeSvc,
		jobs:     jobsSvc,
		api:      apiSvc,
		pprof:    pprofSvc,
	}
	a.installAlertSink(cfg)
	return a, nil
}

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

// installAlertSink points the log alert sink at the configured destination.
// Alerts go straight to the transport registry rather than through the
// dispatch queue: when the dispatcher itself is wedged, its error lines must
// still reach an operator. logx rate-limits at the source.
func (a *App) installAlertSink(cfg *config.Config) {
	dest := strings.ToLower(strings.TrimSpace(cfg.Logging.Alert.Destination))
	if !cfg.Logging.Alert.Enabled || dest == "" {
		a.logs.SetAlertSink(nil)
		return
	}
	reg := a.registry
	a.logs.SetAlertSink(func(ctx context.Context, text string) error {
		return reg.Send(ctx, dest, transport.Message{
			Text:     text,
			Priority: dispatch.PriorityRoutine,
			Kind:     "log_alert",
			At:       time.Now(),
		})
	})
}

// validateConfig rejects a reload before it is committed or published. Every
// mapper doubles as the validator for its section.
func (a *App) validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := mapMonitorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHostGateConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPolicyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFetchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapKafkaConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRoutes(cfg); err != nil {
		return err
	}
	if _, err := mapTargets(cfg, time.Now()); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	jc, err := mapJobsConfig(cfg)
	if err != nil {
		return err
	}
	for _, sched := range []struct{ path, spec string }{
		{"jobs.compact", jc.Compact},
		{"jobs.digest", jc.Digest},
		{"jobs.probe", jc.Probe},
	} {
		if err := a.jobs.ValidateSpec(sched.spec); err != nil {
			return fmt.Errorf("%s: %w", sched.path, err)
		}
	}
	if _, err := mapProbeConfig(cfg); err != nil {
		return err
	}
	return validateDestinationRefs(cfg)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateConfig)

	// Replay persisted snapshots so the first check after a restart compares
	// against pre-restart state instead of alerting on everything.
	a.state.Hydrate(a.sup.Context())

	a.disp.Start(a.sup.Context())
	a.mon.Start(a.sup.Context())

	if targets, err := mapTargets(a.cfgm.Get(), time.Now()); err != nil {
		a.log.Warn("invalid targets at startup", logx.Err(err))
	} else {
		a.mon.SyncTargets(targets)
	}

	a.jobs.Start(a.sup.Context())
	a.api.Start(a.sup.Context())
	a.pprof.Start(a.sup.Context())

	// Log bus traffic for observability/debug (components also subscribe
	// themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level; fetch events fire constantly.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs, targetIDs := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					lastApplied = newCfg
					continue
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Debug("config change summary", fields...)
				if len(targetIDs) > 0 {
					a.log.Debug("target changes detected", logx.Any("targets", targetIDs))
				}

				a.applyConfig(c, lastApplied, newCfg, sections)
				lastApplied = newCfg

				a.log.Info("config reloaded", fields...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes one committed config into the running services,
// section by section. Sections that fail to map log a warning and keep
// their previous settings; the validator makes that unlikely but reloads
// must never tear the app down.
func (a *App) applyConfig(c context.Context, prev, next *config.Config, sections []string) {
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}

	// Logging first so later apply logs ride the new config.
	if changed["logging"] {
		a.logs.Apply(mapLoggingConfig(next))
		a.installAlertSink(next)
	}

	if changed["monitor"] {
		if mc, err := mapMonitorConfig(next); err != nil {
			a.log.Warn("invalid monitor config; keeping previous", logx.Err(err))
		} else {
			a.mon.Apply(mc)
		}
	}
	if changed["host_gate"] {
		if gc, err := mapHostGateConfig(next); err != nil {
			a.log.Warn("invalid host_gate config; keeping previous", logx.Err(err))
		} else {
			a.gate.Apply(gc)
		}
	}
	if changed["retry"] {
		if rc, err := mapRetryConfig(next); err != nil {
			a.log.Warn("invalid retry config; keeping previous", logx.Err(err))
		} else {
			a.retryCtl.Apply(rc)
		}
	}
	if changed["policy"] {
		if pol, err := mapPolicyConfig(next); err != nil {
			a.log.Warn("invalid policy config; keeping previous", logx.Err(err))
		} else {
			a.detect.Apply(pol)
		}
	}

	// The fetch backend is rebuilt and swapped under the scheduler; the old
	// backend drains in-flight fetches before closing.
	if changed["fetch"] {
		if fc, err := mapFetchConfig(next); err != nil {
			a.log.Warn("invalid fetch config; keeping previous", logx.Err(err))
		} else if f, err := fetch.New(fc, a.log); err != nil {
			a.log.Warn("fetch backend rebuild failed; keeping previous", logx.Err(err))
		} else {
			a.fetcher.Replace(f)
			a.log.Info("fetch backend replaced", logx.String("backend", fc.Backend))
		}
	}

	if changed["dispatch"] {
		if dc, err := mapDispatchConfig(next); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			wasEnabled := a.disp.Enabled()
			a.disp.Apply(dc)
			if wasEnabled && !dc.Enabled {
				a.log.Info("dispatch disabled via config")
				stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
				a.disp.Stop(stopCtx)
				cancel()
			} else if !wasEnabled && dc.Enabled {
				a.log.Info("dispatch enabled via config")
				a.disp.Start(c)
			}
		}
	}

	// Routes swap live; driver sections (tokens, brokers) do not.
	if changed["transport"] {
		if routes, err := mapRoutes(next); err != nil {
			a.log.Warn("invalid transport config; keeping previous routes", logx.Err(err))
		} else {
			a.registry.Apply(routes)
		}
		if transportDriversChanged(prev, next) {
			a.log.Warn("transport driver sections changed; restart required for changes to take effect")
		}
	}

	if changed["targets"] {
		if targets, err := mapTargets(next, time.Now()); err != nil {
			a.log.Warn("invalid targets; keeping previous schedule", logx.Err(err))
		} else {
			a.mon.SyncTargets(targets)
		}
	}

	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if changed["api"] {
		if ac, err := mapAPIConfig(next); err != nil {
			a.log.Warn("invalid api config; keeping previous", logx.Err(err))
		} else {
			a.api.Reconfigure(c, ac)
		}
	}
	if changed["pprof"] {
		if pc, err := mapPprofConfig(next); err != nil {
			a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
		} else {
			a.pprof.Reconfigure(c, pc)
		}
	}
	if changed["jobs"] {
		if jc, err := mapJobsConfig(next); err != nil {
			a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
		} else {
			a.jobs.Apply(jc)
			// Covers the disabled -> enabled transition; no-op otherwise.
			a.jobs.Start(c)
		}
	}
	if changed["probe"] {
		if pc, err := mapProbeConfig(next); err != nil {
			a.log.Warn("invalid probe config; keeping previous", logx.Err(err))
		} else {
			a.probe.Apply(pc)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the app run context first so background loops start unwinding
	// immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it
			// doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Producers first, then the delivery pipeline, then the serving and
	// storage layers.
	step("monitor", 2*time.Second, func(c context.Context) error { a.mon.Stop(c); return nil })
	step("jobs", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	step("dispatch", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("api", 1*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("transport", 1*time.Second, func(c context.Context) error { return a.registry.Close() })
	step("fetcher", 1*time.Second, func(c context.Context) error { return a.fetcher.Close() })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, bus log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
