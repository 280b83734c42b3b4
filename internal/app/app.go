// Package app wires configuration, logging, storage, the event bus and the
// domain services into one process and owns their start/stop order.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	logx "wacast/pkg/logx"

	"wacast/internal/broadcast"
	"wacast/internal/config"
	"wacast/internal/credstore"
	"wacast/internal/eventbus"
	"wacast/internal/groupcache"
	"wacast/internal/janitor"
	"wacast/internal/session"
	"wacast/internal/storage"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager

	log  logx.Logger
	logs *logx.Service

	bus    eventbus.Bus
	store  storage.Store
	groups *groupcache.Cache

	registry   *session.Registry
	dispatcher *broadcast.Dispatcher
	jan        *janitor.Janitor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	ttl, err := mapGroupTTL(cfg)
	if err != nil {
		return nil, err
	}
	groups := groupcache.New(ttl)

	dialer, err := mapDialer(cfg)
	if err != nil {
		return nil, err
	}

	creds := credstore.New(store, log.With(logx.String("comp", "credstore")))
	registry := session.NewRegistry(dialer, creds, store, groups, bus,
		log.With(logx.String("comp", "session")))

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	dispatcher := broadcast.NewDispatcher(bcfg, store, registry, bus,
		log.With(logx.String("comp", "broadcast")))

	jcfg, err := mapJanitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	jan := janitor.New(jcfg, store, groups, log.With(logx.String("comp", "janitor")))

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		groups:     groups,
		registry:   registry,
		dispatcher: dispatcher,
		jan:        jan,
	}, nil
}

// Sessions exposes the session registry for operational surfaces.
func (a *App) Sessions() *session.Registry { return a.registry }

// Broadcasts exposes the dispatcher for operational surfaces.
func (a *App) Broadcasts() *broadcast.Dispatcher { return a.dispatcher }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.jan.Start(); err != nil {
		cancel()
		return err
	}

	// Bus traffic at debug for operational visibility.
	events, unsub := a.bus.Subscribe(128, nil)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event",
					logx.String("kind", string(e.Kind)),
					logx.String("client", e.ClientID))
			}
		}
	}()

	// Hot-reload fan-out: logging applies live, everything else needs a
	// restart and says so.
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
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
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				for _, s := range sections {
					if s != "logging" {
						a.log.Warn("config changed; restart required for changes to take effect",
							logx.String("section", s))
					}
				}

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.cancel != nil {
		a.cancel()
	}

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
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
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("janitor", 2*time.Second, func(c context.Context) error { a.jan.Stop(c); return nil })
	step("sessions", 4*time.Second, func(c context.Context) error { a.registry.Shutdown(c); return nil })
	step("broadcasts", 4*time.Second, func(c context.Context) error { a.dispatcher.Wait(c); return nil })

	step("background", 2*time.Second, func(c context.Context) error {
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})

	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
