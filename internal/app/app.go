package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"netspeed/internal/cli"
	"netspeed/internal/config"
	"netspeed/internal/schedule"
	"netspeed/internal/status"
	"netspeed/internal/supervisor"
	"netspeed/pkg/logx"
	"netspeed/pkg/speedtest"
)

// Override mutates a loaded config. CLI flags are applied this way so they
// survive config reloads.
type Override func(cfg *config.Config)

// App wires config, logging and the speedtest engine for one command.
type App struct {
	cfgm     *config.ConfigManager
	cfg      *config.Config
	override Override

	logs *logx.Service
	log  logx.Logger
	sup  *supervisor.Supervisor
}

// New loads the config at cfgPath (empty: built-in defaults), applies ov and
// starts logging.
func New(ctx context.Context, cfgPath string, ov Override) (*App, error) {
	a := &App{override: ov}

	cfg := &config.Config{}
	if strings.TrimSpace(cfgPath) != "" {
		a.cfgm = config.NewConfigManager(cfgPath)
		a.cfgm.SetValidator(schedule.Validate)
		loaded, err := a.cfgm.Load(ctx)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg = a.apply(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	a.cfg = cfg

	lc := config.LogConfig(cfg)
	if lc.Level == "" {
		// progress lines own stderr unless asked otherwise
		lc.Level = "warn"
	}
	a.logs, a.log = logx.New(lc)
	a.log = a.log.With(logx.String("comp", "app"))
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.logs.Logger().With(logx.String("comp", "supervisor"))))
	return a, nil
}

// Config returns the effective config (file plus overrides).
func (a *App) Config() *config.Config { return a.cfg }

// Close stops supervised goroutines and flushes logs.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.sup.Stop(ctx)
	if cerr := a.logs.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// apply returns a copy of cfg with the override applied.
func (a *App) apply(cfg *config.Config) *config.Config {
	cp := *cfg
	if a.override != nil {
		a.override(&cp)
	}
	return &cp
}

// RunOnce executes one run, rendering progress to r.Progress and the report
// to r.Out.
func (a *App) RunOnce(ctx context.Context, r *cli.Renderer) (*speedtest.Report, error) {
	runner, closeFn, err := a.newRunner(a.cfg)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	rep, err := r.Consume(runner.Events(ctx))
	if err != nil {
		return nil, err
	}
	return rep, r.Report(rep)
}

// Servers lists the candidate servers without measuring.
func (a *App) Servers(ctx context.Context, w io.Writer) error {
	runner, closeFn, err := a.newRunner(a.cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	servers, client, err := runner.Servers(ctx)
	if err != nil {
		return err
	}
	return cli.ListServers(w, servers, client)
}

// Schedule runs speedtests on the configured schedule until ctx is done,
// hot-reloading the config file.
func (a *App) Schedule(ctx context.Context) error {
	if a.cfgm == nil {
		return errors.New("schedule mode requires -config")
	}
	if a.cfg.Schedule == nil {
		return errors.New("schedule mode requires a schedule section")
	}

	raw := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(raw)
	updates := make(chan *config.Config, 1)

	svc := schedule.New(a.runScheduled, schedule.WithLogger(a.logs.Logger().With(logx.String("comp", "schedule"))))
	st := status.New(status.FromConfig(a.cfg), func() any { return svc.Snapshot() }, a.logs.Logger().With(logx.String("comp", "status")))
	a.sup.GoRestart("status.serve", st.Serve, 500*time.Millisecond, 10*time.Second)

	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)
	a.sup.Go0("systemd.watchdog", func(ctx context.Context) { schedule.Watchdog(ctx, a.log) })
	a.sup.Go0("config.apply", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-raw:
				if !ok {
					return
				}
				eff := a.apply(c)
				if err := config.Validate(eff); err != nil {
					a.log.Warn("reloaded config rejected with flag overrides", logx.Err(err))
					continue
				}
				a.logs.Apply(config.LogConfig(eff))
				st.Reconfigure(status.FromConfig(eff))
				select {
				case updates <- eff:
				case <-ctx.Done():
					return
				}
			}
		}
	})

	return svc.Run(ctx, a.cfg, updates)
}

func (a *App) runScheduled(ctx context.Context, cfg *config.Config) (*speedtest.Report, error) {
	runner, closeFn, err := a.newRunner(cfg)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	return runner.Run(ctx)
}

// newRunner builds a runner for cfg. The returned func releases resources
// (the GeoIP database) and must be called once the run is over.
func (a *App) newRunner(cfg *config.Config) (*speedtest.Runner, func(), error) {
	rc, err := config.ToRunConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	log := a.logs.Logger().With(logx.String("comp", "speedtest"))
	opts := []speedtest.Option{
		speedtest.WithLogger(log),
		speedtest.WithSpawner(speedtest.SpawnerFunc(a.sup.Spawn)),
	}

	switch cfg.SourceKind() {
	case config.SourceStatic:
		opts = append(opts, speedtest.WithCatalog(speedtest.StaticCatalog{Servers: config.StaticServers(cfg)}))
	case config.SourceOokla:
		opts = append(opts, speedtest.WithCatalog(&speedtest.OoklaCatalog{Log: log}))
	default:
		if len(cfg.Source.ConfigURLs) > 0 || len(cfg.Source.ServerURLs) > 0 {
			c := &speedtest.HTTPCatalog{
				UserAgent:  rc.UserAgent,
				ConfigURLs: cfg.Source.ConfigURLs,
				ServerURLs: cfg.Source.ServerURLs,
				Log:        log,
			}
			if len(c.ConfigURLs) == 0 {
				c.ConfigURLs = speedtest.DefaultConfigURLs
			}
			if len(c.ServerURLs) == 0 {
				c.ServerURLs = speedtest.DefaultServerListURLs
			}
			opts = append(opts, speedtest.WithCatalog(c))
		}
	}

	closeFn := func() {}
	if g := cfg.GeoIP; g != nil {
		loc, err := speedtest.OpenGeoIP(g.Path)
		if err != nil {
			// distances from the catalog still work without it
			a.log.Warn("geoip disabled", logx.Err(err))
		} else {
			loc.IP = strings.TrimSpace(g.ClientIP)
			opts = append(opts, speedtest.WithLocator(loc))
			closeFn = func() { _ = loc.Close() }
		}
	}
	return speedtest.NewRunner(rc, opts...), closeFn, nil
}
