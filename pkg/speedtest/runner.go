package speedtest

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"netspeed/pkg/logx"
)

// Runner executes speedtest runs: catalog, probing, selection, download,
// upload and aggregation.
type Runner struct {
	cfg      RunConfig
	spawner  Spawner
	log      logx.Logger
	catalog  Catalog
	locator  Locator
	pinger   Pinger
	transfer Transferer
}

// Option customizes a Runner.
type Option func(*Runner)

// WithSpawner makes the runner use the provided spawner for internal goroutines
// (probes and transfer streams), enabling ownership under a supervisor.
func WithSpawner(s Spawner) Option { return func(r *Runner) { r.spawner = s } }

// WithLogger sets the logger; runs add a run_id field.
func WithLogger(l logx.Logger) Option { return func(r *Runner) { r.log = l } }

// WithCatalog replaces the default HTTPCatalog.
func WithCatalog(c Catalog) Option { return func(r *Runner) { r.catalog = c } }

// WithLocator fills missing client coordinates before distances are computed.
func WithLocator(l Locator) Option { return func(r *Runner) { r.locator = l } }

// WithPinger replaces the default HTTPPinger.
func WithPinger(p Pinger) Option { return func(r *Runner) { r.pinger = p } }

// WithTransferer replaces the default HTTPTransferer.
func WithTransferer(t Transferer) Option { return func(r *Runner) { r.transfer = t } }

// NewRunner constructs a Runner. Zero config fields take defaults.
func NewRunner(cfg RunConfig, opts ...Option) *Runner {
	r := &Runner{cfg: cfg.withDefaults()}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r
}

// Config returns the effective configuration.
func (r *Runner) Config() RunConfig { return r.cfg }

// Run starts one run and returns its event sequence. See Runner.Events.
func Run(ctx context.Context, cfg RunConfig, opts ...Option) <-chan Event {
	return NewRunner(cfg, opts...).Events(ctx)
}

// Events starts one run in the background. Progress events are throttled and
// dropped when the consumer lags, phase changes are always delivered; the final event carries a Report or an
// error, after which the channel is closed. The caller must drain the
// channel until it is closed.
func (r *Runner) Events(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	em := newEmitter(ctx, ch, r.cfg.ProgressInterval)
	spawn(r.spawner, "speedtest.run", func() {
		defer close(ch)
		rep, err := r.execute(ctx, em)
		if err != nil {
			ch <- Event{Err: err}
			return
		}
		ch <- Event{Report: rep}
	})
	return ch
}

// Run executes a single run and waits for its outcome.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	var (
		rep *Report
		err error
	)
	for ev := range r.Events(ctx) {
		if ev.Report != nil {
			rep = ev.Report
		}
		if ev.Err != nil {
			err = ev.Err
		}
	}
	if err != nil {
		return nil, err
	}
	if rep == nil {
		return nil, errors.New("speedtest run ended without a report")
	}
	return rep, nil
}

// Servers fetches the catalog and returns the candidate servers closest
// first, without probing them.
func (r *Runner) Servers(ctx context.Context) ([]*Server, ClientInfo, error) {
	if ctx == nil {
		return nil, ClientInfo{}, fmt.Errorf("nil context")
	}
	hc, tr := newHTTPClient(r.cfg)
	defer tr.CloseIdleConnections()
	return r.discover(ctx, r.log, hc)
}

func (r *Runner) execute(ctx context.Context, em *emitter) (*Report, error) {
	if ctx == nil {
		return nil, fmt.Errorf("nil context")
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}

	cfg := r.cfg
	start := time.Now()
	runID := uuid.NewString()
	log := r.log.With(logx.String("run_id", runID))

	// Dedicated HTTP transport so connections of this run are closed when it ends.
	hc, tr := newHTTPClient(cfg)
	defer tr.CloseIdleConnections()

	em.force(Progress{Phase: PhaseCatalog, Message: "fetching server list"})
	candidates, client, err := r.discover(ctx, log, hc)
	if err != nil {
		return nil, err
	}

	pinger := r.pinger
	if pinger == nil {
		pinger = &HTTPPinger{Client: hc, UserAgent: cfg.UserAgent}
	}
	prober := NewProber(cfg.probeConfig(), pinger, log, r.spawner)
	prober.OnProgress(func(s *Server, done, total int) {
		em.progress(Progress{
			Phase:   PhaseProbing,
			Server:  s,
			Done:    done,
			Total:   total,
			Percent: float64(done) / float64(total),
		})
	})
	em.force(Progress{Phase: PhaseProbing, Total: len(candidates), Message: fmt.Sprintf("probing %d servers", len(candidates))})
	if err := prober.Probe(ctx, candidates); err != nil {
		return nil, err
	}

	ranked := Rank(candidates)
	priority, err := Select(ranked, cfg.SelectCount)
	if err != nil {
		return nil, err
	}
	chosen := priority[0]
	em.force(Progress{Phase: PhaseSelecting, Server: chosen, Percent: 1,
		Message: fmt.Sprintf("selected %s (%d reachable of %d)", chosen, len(ranked), len(candidates))})
	log.Info("server selected",
		logx.String("server", chosen.ID),
		logx.String("sponsor", chosen.Sponsor),
		logx.Duration("latency", chosen.Latency.TrimmedMean),
		logx.Int("reachable", len(ranked)),
	)

	transfer := r.transfer
	if transfer == nil {
		transfer = &HTTPTransferer{
			Client:       hc,
			UserAgent:    cfg.UserAgent,
			ChunkSize:    cfg.ChunkSize,
			DownloadSize: cfg.DownloadSize,
			UploadSize:   cfg.UploadSize,
		}
	}
	eng := NewEngine(cfg.throughputConfig(), transfer, log, r.spawner)
	eng.OnProgress(func(p TransferProgress) {
		em.progress(Progress{
			Phase:         phaseFor(p.Kind),
			Server:        p.Server,
			Percent:       p.Percent,
			Bytes:         p.Bytes,
			BitsPerSecond: p.BitsPerSecond,
			Elapsed:       p.Elapsed,
		})
	})
	fallbacks := 0
	eng.OnFallback(func(kind TransferKind, failed, next *Server, err error) {
		fallbacks++
		em.force(Progress{Phase: phaseFor(kind), Server: next,
			Message: fmt.Sprintf("%s failed on %s, trying %s", kind, failed, next)})
	})

	var dl, ul *ThroughputResult
	if !cfg.SkipDownload {
		em.force(Progress{Phase: PhaseDownload, Server: chosen, Message: "measuring download"})
		res, srv, err := eng.Measure(ctx, Download, priority)
		if err != nil {
			return nil, err
		}
		dl, chosen = res, srv
		log.Info("download measured", logx.String("server", srv.ID), logx.Float64("mbps", res.Mbps()))
	}
	if !cfg.SkipUpload {
		em.force(Progress{Phase: PhaseUpload, Server: chosen, Message: "measuring upload"})
		res, srv, err := eng.Measure(ctx, Upload, preferFirst(priority, chosen))
		if err != nil {
			return nil, err
		}
		ul, chosen = res, srv
		log.Info("upload measured", logx.String("server", srv.ID), logx.Float64("mbps", res.Mbps()))
	}

	rep := Aggregate(chosen.Latency, dl, ul)
	rep.RunID = runID
	rep.Timestamp = time.Now()
	rep.Server = chosen
	rep.Client = client
	rep.Duration = time.Since(start)
	rep.Candidates = len(candidates)
	rep.FallbackCount = fallbacks
	return &rep, nil
}

// discover fetches the catalog, resolves the client location and returns the
// filtered candidates.
func (r *Runner) discover(ctx context.Context, log logx.Logger, hc *http.Client) ([]*Server, ClientInfo, error) {
	cfg := r.cfg
	catalog := r.catalog
	if catalog == nil {
		catalog = &HTTPCatalog{Client: hc, UserAgent: cfg.UserAgent, Log: log}
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.CatalogTimeout)
	servers, err := catalog.FetchServers(cctx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ClientInfo{}, cancelled(ctx.Err())
		}
		if errors.Is(err, ErrCancelled) {
			// Only the catalog deadline fired.
			err = &CatalogError{Kind: ErrCatalogUnreachable, Source: "catalog", Err: context.DeadlineExceeded}
		}
		return nil, ClientInfo{}, err
	}

	var client ClientInfo
	if cs, ok := catalog.(ClientSource); ok {
		client, _ = cs.ClientInfo()
	}
	if r.locator != nil && !client.HasLocation() {
		located, err := r.locator.Locate(ctx, client)
		if err != nil {
			log.Debug("client location unavailable", logx.Err(err))
		} else {
			client = located
		}
	}
	fillDistances(servers, client)

	candidates := filterCandidates(servers, cfg.ServerCount, cfg.ServerIDs, cfg.ExcludeIDs)
	if len(candidates) == 0 {
		return nil, client, fmt.Errorf("no candidate servers after filtering %d: %w", len(servers), ErrNoneAvailable)
	}
	log.Debug("candidates selected",
		logx.Int("catalog", len(servers)),
		logx.Int("candidates", len(candidates)),
		logx.Bool("client_located", client.HasLocation()),
	)
	return candidates, client, nil
}

func phaseFor(k TransferKind) Phase {
	if k == Upload {
		return PhaseUpload
	}
	return PhaseDownload
}

// preferFirst returns the priority list with s moved to the front.
func preferFirst(priority []*Server, s *Server) []*Server {
	out := make([]*Server, 0, len(priority))
	out = append(out, s)
	for _, p := range priority {
		if p != s {
			out = append(out, p)
		}
	}
	return out
}

// emitter throttles progress events and never blocks on them. Phase changes
// go through force, which waits for buffer space until ctx is done.
type emitter struct {
	ctx context.Context
	ch  chan<- Event
	lim *rate.Limiter
}

func newEmitter(ctx context.Context, ch chan<- Event, every time.Duration) *emitter {
	return &emitter{ctx: ctx, ch: ch, lim: rate.NewLimiter(rate.Every(every), 1)}
}

func (e *emitter) progress(p Progress) {
	if !e.lim.Allow() {
		return
	}
	select {
	case e.ch <- Event{Progress: &p}:
	default:
	}
}

// force skips throttling; used for phase changes and fallbacks.
func (e *emitter) force(p Progress) {
	select {
	case e.ch <- Event{Progress: &p}:
	case <-e.ctx.Done():
	}
}

func newHTTPClient(cfg RunConfig) (*http.Client, *http.Transport) {
	dialTimeout := 10 * time.Second
	if capTo := cfg.Duration / 2; capTo < dialTimeout {
		dialTimeout = capTo
	}
	if dialTimeout < 2*time.Second {
		dialTimeout = 2 * time.Second
	}

	perHost := cfg.Concurrency
	if perHost < 2 {
		perHost = 2
	}

	keepAlive := 30 * time.Second
	if cfg.DisableKeepAlives {
		// A negative KeepAlive means "disable" for net.Dialer.
		keepAlive = -1
	}

	d := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          0,
		MaxIdleConnsPerHost:   0,
		IdleConnTimeout:       2 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		DisableCompression:    true,
		ForceAttemptHTTP2:     !cfg.DisableHTTP2,
	}

	if cfg.DisableHTTP2 {
		// Force HTTP/1.1 only.
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	// Streams of one session share the pool; every stream needs its own connection.
	if !cfg.DisableKeepAlives {
		tr.MaxIdleConns = 64
		tr.MaxIdleConnsPerHost = perHost
		tr.IdleConnTimeout = 10 * time.Second
	}

	return &http.Client{Transport: tr}, tr
}
