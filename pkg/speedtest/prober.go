package speedtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"netspeed/pkg/logx"
)

// Pinger performs one timing-only request and returns its round-trip time.
type Pinger interface {
	Ping(ctx context.Context, srv *Server) (time.Duration, error)
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context, srv *Server) (time.Duration, error)

func (f PingerFunc) Ping(ctx context.Context, srv *Server) (time.Duration, error) { return f(ctx, srv) }

// HTTPPinger times a GET of the server's latency endpoint, from dispatch until
// the full response body has been received.
type HTTPPinger struct {
	Client    *http.Client
	UserAgent string
}

func (p *HTTPPinger) Ping(ctx context.Context, srv *Server) (time.Duration, error) {
	ep, err := EndpointsFor(srv.URL)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.Latency(time.Now()), http.NoBody)
	if err != nil {
		return 0, err
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	hc := p.Client
	if hc == nil {
		hc = http.DefaultClient
	}

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	_, err = io.Copy(io.Discard, resp.Body)
	rtt := time.Since(start)
	_ = resp.Body.Close()
	if err != nil {
		return 0, fmt.Errorf("read latency body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("latency endpoint status %d", resp.StatusCode)
	}
	return rtt, nil
}

// ProbeConfig controls latency probing.
type ProbeConfig struct {
	// Samples is the number of requests issued per server.
	Samples int
	// Timeout bounds each request; slower samples are dropped.
	Timeout time.Duration
	// Parallelism caps how many servers are probed concurrently.
	Parallelism int
	// Interval paces consecutive samples of one server.
	Interval time.Duration
}

// ProbeProgressFunc is called after each server finished probing.
type ProbeProgressFunc func(srv *Server, done, total int)

// Prober measures round-trip latency to candidate servers.
type Prober struct {
	cfg      ProbeConfig
	pinger   Pinger
	log      logx.Logger
	spawner  Spawner
	progress ProbeProgressFunc
}

// NewProber constructs a Prober. Zero config fields take defaults.
func NewProber(cfg ProbeConfig, pinger Pinger, log logx.Logger, spawner Spawner) *Prober {
	if cfg.Samples <= 0 {
		cfg.Samples = DefaultSampleCount
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultProbeParallelism
	}
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Prober{cfg: cfg, pinger: pinger, log: log, spawner: spawner}
}

// OnProgress installs a per-server completion callback. It may be called
// from multiple goroutines.
func (p *Prober) OnProgress(fn ProbeProgressFunc) { p.progress = fn }

// Probe samples every server and stores the statistics on it. Servers with no
// successful sample keep a nil Latency. Probe only fails on cancellation.
func (p *Prober) Probe(ctx context.Context, servers []*Server) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}

	sem := make(chan struct{}, p.cfg.Parallelism)
	var wg sync.WaitGroup
	var done atomic.Int32
	total := len(servers)

	for i, s := range servers {
		if s == nil {
			continue
		}
		s := s
		wg.Add(1)
		spawn(p.spawner, fmt.Sprintf("speedtest.probe.%d", i), func() {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()

			p.probeServer(ctx, s)
			if p.progress != nil {
				p.progress(s, int(done.Add(1)), total)
			}
		})
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	return nil
}

// probeServer runs the samples for one server sequentially. Only this
// goroutine writes to s until Probe returns.
func (p *Prober) probeServer(ctx context.Context, s *Server) {
	s.Samples = s.Samples[:0]
	s.Failures = 0
	s.Latency = nil

	var lim *rate.Limiter
	if p.cfg.Interval > 0 {
		lim = rate.NewLimiter(rate.Every(p.cfg.Interval), 1)
	}

	for i := 0; i < p.cfg.Samples; i++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		sctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		rtt, err := p.pinger.Ping(sctx, s)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err == nil && rtt > p.cfg.Timeout {
			err = fmt.Errorf("rtt %v exceeds timeout %v", rtt, p.cfg.Timeout)
		}
		if err == nil && rtt <= 0 {
			err = fmt.Errorf("invalid rtt %v", rtt)
		}
		if err != nil {
			s.Failures++
			p.log.Debug("latency sample dropped",
				logx.String("server", s.ID),
				logx.Int("seq", i),
				logx.Err(err),
			)
			continue
		}
		s.Samples = append(s.Samples, LatencySample{Seq: i, RTT: rtt, At: time.Now()})
	}

	st, ok := ComputeLatencyStats(statisticalSamples(s.Samples), s.Failures)
	if !ok {
		p.log.Warn("server unreachable", logx.String("server", s.ID), logx.String("host", s.Host), logx.Int("failures", s.Failures))
		return
	}
	s.Latency = &st
	p.log.Debug("server probed",
		logx.String("server", s.ID),
		logx.Duration("trimmed_mean", st.TrimmedMean),
		logx.Duration("min", st.Min),
		logx.Int("samples", st.Samples),
		logx.Int("dropped", st.Dropped),
	)
}
