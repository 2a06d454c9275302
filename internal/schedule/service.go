package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"netspeed/internal/config"
	"netspeed/pkg/logx"
	"netspeed/pkg/speedtest"
)

// RunFunc executes one speedtest run with the given config.
type RunFunc func(ctx context.Context, cfg *config.Config) (*speedtest.Report, error)

// Service runs speedtests on a schedule. Runs never overlap: the next
// activation is computed after the previous run finished, so activations
// missed while a run was in progress are skipped.
type Service struct {
	run    RunFunc
	log    logx.Logger
	notify func(state string)
	now    func() time.Time
	// build turns a config into a schedule. Replaced in tests.
	build func(cfg *config.Config) (cron.Schedule, string, error)

	runs     atomic.Int64
	failures atomic.Int64

	mu   sync.Mutex
	snap Snapshot
}

// Snapshot is the observable state of the service.
type Snapshot struct {
	Schedule  string            `json:"schedule"`
	Running   bool              `json:"running"`
	NextRun   time.Time         `json:"next_run,omitzero"`
	Runs      int64             `json:"runs"`
	Failures  int64             `json:"failures"`
	LastRunAt time.Time         `json:"last_run_at,omitzero"`
	LastError string            `json:"last_error,omitempty"`
	Summary   string            `json:"summary,omitempty"`
	Last      *speedtest.Report `json:"last,omitempty"`
}

// Snapshot returns a copy of the current state.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	snap.Runs = s.runs.Load()
	snap.Failures = s.failures.Load()
	return snap
}

func (s *Service) update(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	s.mu.Unlock()
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

// WithNotifier replaces the systemd notification hook.
func WithNotifier(fn func(state string)) Option { return func(s *Service) { s.notify = fn } }

func New(run RunFunc, opts ...Option) *Service {
	s := &Service{
		run:   run,
		now:   time.Now,
		build: Build,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.notify == nil {
		s.notify = s.sdNotify
	}
	return s
}

// Build returns the schedule configured in cfg and a short description.
func Build(cfg *config.Config) (cron.Schedule, string, error) {
	if cfg == nil || cfg.Schedule == nil {
		return nil, "", errors.New("schedule: section missing")
	}
	spec, err := ParseSchedule(cfg.Schedule.Spec)
	if err != nil {
		return nil, "", fmt.Errorf("schedule.spec: %w", err)
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, "", fmt.Errorf("schedule.timezone: %w", err)
		}
	}
	sched, err := spec.Schedule(loc)
	if err != nil {
		return nil, "", fmt.Errorf("schedule.spec: %w", err)
	}
	return sched, spec.String(), nil
}

// Validate checks the schedule section. It fits ConfigManager.SetValidator.
func Validate(_ context.Context, cfg *config.Config) error {
	if cfg.Schedule == nil {
		return nil
	}
	_, _, err := Build(cfg)
	return err
}

// Runs and Failures count completed runs since start.
func (s *Service) Runs() int64     { return s.runs.Load() }
func (s *Service) Failures() int64 { return s.failures.Load() }

// Run blocks until ctx is done. Configs received on updates replace the
// current one from the next activation on; an update whose schedule does not
// build is ignored.
func (s *Service) Run(ctx context.Context, cfg *config.Config, updates <-chan *config.Config) error {
	sched, desc, err := s.build(cfg)
	if err != nil {
		return err
	}
	s.update(func(sn *Snapshot) { sn.Schedule = desc })
	s.log.Info("schedule started", logx.String("schedule", desc))
	s.notify(daemon.SdNotifyReady)
	s.notify("STATUS=waiting for first run (" + desc + ")")
	defer s.notify(daemon.SdNotifyStopping)

	if cfg.Schedule.RunOnStart {
		s.runOnce(ctx, cfg)
	}

	for {
		next := sched.Next(s.now())
		if next.IsZero() {
			return fmt.Errorf("schedule %q has no future activation", desc)
		}
		wait := next.Sub(s.now())
		s.update(func(sn *Snapshot) { sn.NextRun = next })
		s.log.Debug("next run scheduled", logx.Time("at", next), logx.Duration("in", wait))
		timer := time.NewTimer(max(wait, 0))

		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("schedule stopped", logx.Int64("runs", s.runs.Load()), logx.Int64("failures", s.failures.Load()))
			return nil

		case upd, ok := <-updates:
			timer.Stop()
			if !ok {
				updates = nil
				continue
			}
			nsched, ndesc, err := s.build(upd)
			if err != nil {
				s.log.Warn("schedule update ignored", logx.Err(err))
				// speedtest settings still apply
				upd = withSchedule(upd, cfg.Schedule)
			} else {
				sched, desc = nsched, ndesc
				s.update(func(sn *Snapshot) { sn.Schedule = desc })
			}
			cfg = upd
			s.notify(daemon.SdNotifyReloading)
			s.notify(daemon.SdNotifyReady)
			s.log.Info("schedule reloaded", logx.String("schedule", desc))

		case <-timer.C:
			s.runOnce(ctx, cfg)
		}
	}
}

func (s *Service) runOnce(ctx context.Context, cfg *config.Config) {
	if ctx.Err() != nil {
		return
	}
	rctx := ctx
	if cfg.Schedule != nil {
		if d, _ := config.ParseDurationField("schedule.timeout", cfg.Schedule.Timeout); d > 0 {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	s.notify("STATUS=running speedtest")
	start := s.now()
	s.update(func(sn *Snapshot) { sn.Running = true })
	rep, err := s.run(rctx, cfg)
	n := s.runs.Add(1)
	s.update(func(sn *Snapshot) {
		sn.Running = false
		sn.LastRunAt = start
		sn.LastError = ""
		if err != nil {
			sn.LastError = err.Error()
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.failures.Add(1)
		s.log.Warn("scheduled run failed", logx.Int64("run", n), logx.Duration("took", s.now().Sub(start)), logx.Err(err))
		s.notify("STATUS=last run failed: " + err.Error())
		return
	}

	summary := Summary(rep)
	s.update(func(sn *Snapshot) {
		sn.Summary = summary
		sn.Last = rep
	})
	s.log.Info("scheduled run finished",
		logx.Int64("run", n),
		logx.String("run_id", rep.RunID),
		logx.String("server", rep.Server.String()),
		logx.Float64("download_mbps", rep.Download.Mbps()),
		logx.Float64("upload_mbps", rep.Upload.Mbps()),
		logx.Duration("latency", rep.Latency.TrimmedMean),
		logx.Int("fallbacks", rep.FallbackCount),
	)
	s.notify("STATUS=last run: " + summary)
}

// Summary is a one-line rendering of a report.
func Summary(rep *speedtest.Report) string {
	if rep == nil {
		return "no result"
	}
	parts := make([]string, 0, 3)
	if rep.Latency.Available {
		parts = append(parts, "ping "+speedtest.FormatLatency(rep.Latency.TrimmedMean))
	}
	if rep.Download.Available {
		parts = append(parts, "down "+speedtest.FormatRate(rep.Download.BitsPerSecond))
	}
	if rep.Upload.Available {
		parts = append(parts, "up "+speedtest.FormatRate(rep.Upload.BitsPerSecond))
	}
	if len(parts) == 0 {
		return "no result"
	}
	return strings.Join(parts, ", ")
}

// Watchdog pings the systemd watchdog until ctx is done. It returns
// immediately when the unit has no watchdog configured.
func Watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil && !log.IsZero() {
				log.Debug("watchdog notify failed", logx.Err(err))
			}
		}
	}
}

func (s *Service) sdNotify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		s.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

func withSchedule(cfg *config.Config, sched *config.ScheduleConfig) *config.Config {
	cp := *cfg
	cp.Schedule = sched
	return &cp
}
