package speedtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"netspeed/pkg/logx"
)

// ThroughputConfig controls a throughput session.
type ThroughputConfig struct {
	// Concurrency is the number of parallel transfer streams.
	Concurrency int
	// Duration is the global deadline of one session.
	Duration time.Duration
	// WarmUp is excluded from the rate calculation.
	WarmUp time.Duration
	// SampleInterval is how often the byte counter is sampled.
	SampleInterval time.Duration
	// EarlyStop ends a session once the rate estimate is stable.
	EarlyStop EarlyStopConfig
}

// EarlyStopConfig is the optional stabilization policy. Disabled by default.
type EarlyStopConfig struct {
	Enabled bool
	// Threshold is the maximum relative change between consecutive rate
	// estimates considered stable (0.03 = 3%).
	Threshold float64
	// Window is how long the estimate must stay stable.
	Window time.Duration
}

// TransferProgress is reported by the sampler on every tick.
type TransferProgress struct {
	Kind    TransferKind
	Server  *Server
	Elapsed time.Duration
	Bytes   int64
	// BitsPerSecond is the rate over the last sampling interval.
	BitsPerSecond float64
	// Percent of the session deadline elapsed, in [0,1].
	Percent float64
}

// TransferProgressFunc receives sampler updates. It runs on the sampler
// goroutine and must not block.
type TransferProgressFunc func(TransferProgress)

// FallbackFunc is called when a session against failed gives up and the
// engine moves to next.
type FallbackFunc func(kind TransferKind, failed, next *Server, err error)

// Engine measures sustained throughput with concurrent streams.
type Engine struct {
	cfg      ThroughputConfig
	transfer Transferer
	log      logx.Logger
	spawner  Spawner
	progress TransferProgressFunc
	fallback FallbackFunc
}

// NewEngine constructs an Engine. Zero config fields take defaults.
func NewEngine(cfg ThroughputConfig, t Transferer, log logx.Logger, spawner Spawner) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.WarmUp < 0 {
		cfg.WarmUp = 0
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.EarlyStop.Threshold <= 0 {
		cfg.EarlyStop.Threshold = DefaultEarlyStopThreshold
	}
	if cfg.EarlyStop.Window <= 0 {
		cfg.EarlyStop.Window = DefaultEarlyStopWindow
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{cfg: cfg, transfer: t, log: log, spawner: spawner}
}

func (e *Engine) OnProgress(fn TransferProgressFunc) { e.progress = fn }
func (e *Engine) OnFallback(fn FallbackFunc)         { e.fallback = fn }

// Measure runs a session against the first server of the priority list and
// falls back to the next one when all streams fail or no data arrives.
// It returns the result and the server that produced it.
func (e *Engine) Measure(ctx context.Context, kind TransferKind, priority []*Server) (*ThroughputResult, *Server, error) {
	var lastErr error
	for i, srv := range priority {
		if err := ctx.Err(); err != nil {
			return nil, nil, cancelled(err)
		}
		res, err := e.measureOnce(ctx, kind, srv)
		if err == nil {
			return res, srv, nil
		}
		if errors.Is(err, ErrCancelled) {
			return nil, nil, err
		}
		lastErr = err
		e.log.Warn("throughput session failed",
			logx.String("kind", kind.String()),
			logx.String("server", srv.ID),
			logx.Err(err),
		)
		if i+1 < len(priority) && e.fallback != nil {
			e.fallback(kind, srv, priority[i+1], err)
		}
	}
	return nil, nil, &ThroughputError{Kind: ErrNoServerAvailable, Dir: kind, Err: lastErr}
}

// session is the state of one throughput test. The byte counter is the only
// value shared between streams; it is only ever incremented.
type session struct {
	kind    TransferKind
	server  *Server
	start   time.Time
	streams int
	counter atomic.Int64
	failed  atomic.Int32
}

func (e *Engine) measureOnce(ctx context.Context, kind TransferKind, srv *Server) (*ThroughputResult, error) {
	sctx, stop := context.WithTimeout(ctx, e.cfg.Duration)
	defer stop()

	sess := &session{kind: kind, server: srv, start: time.Now(), streams: e.cfg.Concurrency}
	log := e.log.With(logx.String("kind", kind.String()), logx.String("server", srv.ID))
	log.Debug("throughput session started", logx.Int("streams", sess.streams), logx.Duration("deadline", e.cfg.Duration))

	var wg sync.WaitGroup
	for i := 0; i < sess.streams; i++ {
		idx := i
		wg.Add(1)
		spawn(e.spawner, fmt.Sprintf("speedtest.%s.stream.%d", kind, idx), func() {
			defer wg.Done()
			if err := e.runStream(sctx, sess); err != nil {
				sess.failed.Add(1)
				log.Debug("stream dropped", logx.Int("stream", idx), logx.Err(err))
			}
		})
	}
	streamsDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(streamsDone)
	}()

	ticker := time.NewTicker(e.cfg.SampleInterval)
	defer ticker.Stop()

	samples := []ThroughputSample{{}}
	earlyStopped := false
	allFailed := false
loop:
	for {
		select {
		case <-ctx.Done():
			stop()
			<-streamsDone
			return nil, cancelled(ctx.Err())
		case <-sctx.Done():
			break loop
		case <-streamsDone:
			// Streams only return early on failure.
			allFailed = sctx.Err() == nil
			break loop
		case now := <-ticker.C:
			cur := ThroughputSample{Elapsed: now.Sub(sess.start), Bytes: sess.counter.Load()}
			prev := samples[len(samples)-1]
			samples = append(samples, cur)
			e.report(sess, prev, cur)
			if e.cfg.EarlyStop.Enabled && stableRate(samples, e.cfg.WarmUp, e.cfg.EarlyStop) {
				earlyStopped = true
				break loop
			}
		}
	}

	final := ThroughputSample{Elapsed: time.Since(sess.start), Bytes: sess.counter.Load()}
	stop()
	<-streamsDone

	// Cancellation wins over any partial measurement.
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}
	if allFailed {
		return nil, &ThroughputError{Kind: ErrAllStreamsFailed, Dir: kind, Server: srv.ID}
	}
	if last := samples[len(samples)-1]; final.Elapsed > last.Elapsed {
		samples = append(samples, final)
	}

	bytes, elapsed, bps := computeThroughput(samples, e.cfg.WarmUp)
	if bytes <= 0 {
		return nil, &ThroughputError{Kind: ErrTimeout, Dir: kind, Server: srv.ID,
			Err: fmt.Errorf("no data within %v", final.Elapsed.Round(time.Millisecond))}
	}

	res := &ThroughputResult{
		Kind:          kind,
		Bytes:         bytes,
		Elapsed:       elapsed,
		BitsPerSecond: bps,
		TotalBytes:    final.Bytes,
		TotalElapsed:  final.Elapsed,
		Streams:       sess.streams,
		StreamsFailed: int(sess.failed.Load()),
		EarlyStopped:  earlyStopped,
		Samples:       samples,
	}
	log.Debug("throughput session finished",
		logx.Float64("mbps", res.Mbps()),
		logx.Int64("bytes", res.TotalBytes),
		logx.Int("streams_failed", res.StreamsFailed),
		logx.Bool("early_stopped", earlyStopped),
	)
	return res, nil
}

// runStream loops transfers until the session context ends. A returned
// error means the stream was dropped before the deadline.
func (e *Engine) runStream(ctx context.Context, sess *session) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		// add may still run after Transfer returned: an upload body can be
		// read by the transport after the response arrived.
		var moved atomic.Int64
		err := e.transfer.Transfer(ctx, sess.kind, sess.server, func(n int64) {
			if n <= 0 {
				return
			}
			moved.Add(n)
			sess.counter.Add(n)
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if moved.Load() == 0 {
			return errors.New("transfer completed without data")
		}
	}
}

func (e *Engine) report(sess *session, prev, cur ThroughputSample) {
	if e.progress == nil {
		return
	}
	var bps float64
	if dt := (cur.Elapsed - prev.Elapsed).Seconds(); dt > 0 {
		bps = float64(cur.Bytes-prev.Bytes) * 8 / dt
	}
	pct := float64(cur.Elapsed) / float64(e.cfg.Duration)
	if pct > 1 {
		pct = 1
	}
	e.progress(TransferProgress{
		Kind:          sess.kind,
		Server:        sess.server,
		Elapsed:       cur.Elapsed,
		Bytes:         cur.Bytes,
		BitsPerSecond: bps,
		Percent:       pct,
	})
}

// computeThroughput returns the bytes and elapsed time after warm-up and the
// resulting bits per second. The baseline is the first sample at or past the
// warm-up; when no sample after warm-up exists the whole window is used.
// samples must start with the zero sample and be ordered by time.
func computeThroughput(samples []ThroughputSample, warmUp time.Duration) (int64, time.Duration, float64) {
	if len(samples) < 2 {
		return 0, 0, 0
	}
	last := samples[len(samples)-1]
	base := samples[0]
	for _, s := range samples[:len(samples)-1] {
		if s.Elapsed >= warmUp {
			base = s
			break
		}
	}
	bytes := last.Bytes - base.Bytes
	elapsed := last.Elapsed - base.Elapsed
	if elapsed <= 0 {
		return bytes, elapsed, 0
	}
	return bytes, elapsed, float64(bytes) * 8 / elapsed.Seconds()
}

// stableRate reports whether the post-warm-up rate estimate changed by less
// than cfg.Threshold between every consecutive sample over the trailing
// cfg.Window.
func stableRate(samples []ThroughputSample, warmUp time.Duration, cfg EarlyStopConfig) bool {
	var base *ThroughputSample
	first := -1
	for i := range samples {
		if samples[i].Elapsed >= warmUp {
			base = &samples[i]
			first = i
			break
		}
	}
	if base == nil || len(samples)-first < 3 {
		return false
	}

	estimate := func(s ThroughputSample) float64 {
		dt := (s.Elapsed - base.Elapsed).Seconds()
		if dt <= 0 {
			return 0
		}
		return float64(s.Bytes-base.Bytes) * 8 / dt
	}

	last := samples[len(samples)-1]
	prev := estimate(last)
	if prev <= 0 {
		return false
	}
	for i := len(samples) - 2; i > first; i-- {
		cur := estimate(samples[i])
		if cur <= 0 || math.Abs(prev-cur)/cur >= cfg.Threshold {
			return false
		}
		if last.Elapsed-samples[i].Elapsed >= cfg.Window {
			return true
		}
		prev = cur
	}
	return false
}
