package speedtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"netspeed/pkg/logx"
)

func fastRunConfig() RunConfig {
	return RunConfig{
		SelectCount:      2,
		SampleCount:      3,
		ProbeInterval:    -1,
		Concurrency:      3,
		Duration:         400 * time.Millisecond,
		WarmUp:           100 * time.Millisecond,
		SampleInterval:   20 * time.Millisecond,
		ProgressInterval: time.Millisecond,
	}
}

func TestRunEventsEndWithReport(t *testing.T) {
	t.Parallel()
	catalog := StaticCatalog{Servers: []Server{
		{ID: "A", URL: "http://a.example/speedtest/upload.php", Distance: 10},
		{ID: "B", URL: "http://b.example/speedtest/upload.php", Distance: 20},
		{ID: "C", URL: "http://c.example/speedtest/upload.php", Distance: 30},
	}}
	pinger := newScriptedPinger(map[string][]time.Duration{
		"A": {ms(90), ms(50), ms(52), ms(1000)},
		"B": {ms(70), ms(30), ms(31)},
	})

	events := Run(context.Background(), fastRunConfig(),
		WithCatalog(catalog),
		WithPinger(pinger),
		WithTransferer(pacedTransfer(10_000, 10*time.Millisecond)),
		WithLogger(logx.Nop()),
	)

	var (
		phases = map[Phase]bool{}
		final  Event
	)
	for ev := range events {
		if ev.Progress != nil {
			phases[ev.Progress.Phase] = true
			if ev.Terminal() {
				t.Fatal("progress event reported as terminal")
			}
			continue
		}
		final = ev
	}
	if final.Err != nil {
		t.Fatalf("run failed: %v", final.Err)
	}
	rep := final.Report
	if rep == nil {
		t.Fatal("no report")
	}
	for _, p := range []Phase{PhaseCatalog, PhaseProbing, PhaseSelecting, PhaseDownload, PhaseUpload} {
		if !phases[p] {
			t.Fatalf("phase %s not reported (got %v)", p, phases)
		}
	}
	if rep.Server == nil || rep.Server.ID != "B" {
		t.Fatalf("report server = %v, want B", rep.Server)
	}
	if !rep.Latency.Available || rep.Latency.TrimmedMean != ms(30.5) {
		t.Fatalf("latency = %+v", rep.Latency)
	}
	if !rep.Download.Available || !rep.Upload.Available || rep.Download.BitsPerSecond <= 0 || rep.Upload.BitsPerSecond <= 0 {
		t.Fatalf("throughput missing: dl=%+v ul=%+v", rep.Download, rep.Upload)
	}
	if rep.RunID == "" || rep.Candidates != 3 || rep.FallbackCount != 0 {
		t.Fatalf("metadata: id=%q candidates=%d fallbacks=%d", rep.RunID, rep.Candidates, rep.FallbackCount)
	}
}

func TestRunSkipUploadMarksUnavailable(t *testing.T) {
	t.Parallel()
	cfg := fastRunConfig()
	cfg.SkipUpload = true
	r := NewRunner(cfg,
		WithCatalog(StaticCatalog{Servers: []Server{{ID: "A", URL: "http://a.example/"}}}),
		WithPinger(PingerFunc(func(context.Context, *Server) (time.Duration, error) { return ms(12), nil })),
		WithTransferer(pacedTransfer(10_000, 10*time.Millisecond)),
	)
	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !rep.Download.Available || rep.Upload.Available {
		t.Fatalf("download=%v upload=%v", rep.Download.Available, rep.Upload.Available)
	}
}

func TestRunFallbackCounted(t *testing.T) {
	t.Parallel()
	paced := pacedTransfer(10_000, 10*time.Millisecond)
	tr := TransfererFunc(func(ctx context.Context, kind TransferKind, srv *Server, add func(int64)) error {
		if srv.ID == "fast-but-broken" {
			return errors.New("refused")
		}
		return paced(ctx, kind, srv, add)
	})
	pinger := newScriptedPinger(map[string][]time.Duration{
		"fast-but-broken": {ms(5), ms(5), ms(5)},
		"steady":          {ms(20), ms(20), ms(20)},
	})
	r := NewRunner(fastRunConfig(),
		WithCatalog(StaticCatalog{Servers: []Server{{ID: "fast-but-broken", URL: "http://x/"}, {ID: "steady", URL: "http://y/"}}}),
		WithPinger(pinger),
		WithTransferer(tr),
	)
	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if rep.Server.ID != "steady" {
		t.Fatalf("server = %s", rep.Server.ID)
	}
	// Download falls back once; upload starts on the server that worked.
	if rep.FallbackCount != 1 {
		t.Fatalf("FallbackCount = %d, want 1", rep.FallbackCount)
	}
}

func TestRunNoReachableServer(t *testing.T) {
	t.Parallel()
	r := NewRunner(fastRunConfig(),
		WithCatalog(StaticCatalog{Servers: []Server{{ID: "A", URL: "http://a/"}}}),
		WithPinger(PingerFunc(func(context.Context, *Server) (time.Duration, error) { return 0, errors.New("down") })),
	)
	_, err := r.Run(context.Background())
	if !errors.Is(err, ErrNoneAvailable) {
		t.Fatalf("err = %v, want ErrNoneAvailable", err)
	}
}

func TestRunCancelledYieldsNoReport(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := fastRunConfig()
	cfg.Duration = 10 * time.Second

	events := Run(ctx, cfg,
		WithCatalog(StaticCatalog{Servers: []Server{{ID: "A", URL: "http://a/"}}}),
		WithPinger(PingerFunc(func(context.Context, *Server) (time.Duration, error) { return ms(10), nil })),
		WithTransferer(pacedTransfer(1_000, 5*time.Millisecond)),
	)

	var final Event
	for ev := range events {
		if ev.Progress != nil && ev.Progress.Phase == PhaseDownload && ev.Progress.Bytes > 0 {
			cancel()
		}
		if ev.Terminal() {
			final = ev
		}
	}
	if final.Report != nil {
		t.Fatal("cancelled run produced a report")
	}
	if !errors.Is(final.Err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", final.Err)
	}
}

func TestRunCatalogFailure(t *testing.T) {
	t.Parallel()
	r := NewRunner(fastRunConfig(), WithCatalog(StaticCatalog{}))
	_, err := r.Run(context.Background())
	if !errors.Is(err, ErrCatalogMalformed) {
		t.Fatalf("err = %v, want ErrCatalogMalformed", err)
	}
}

func TestRunAgainstHTTPServer(t *testing.T) {
	t.Parallel()
	mserv := newMeasurementServer(t)
	cfg := fastRunConfig()
	cfg.DownloadSize = 350
	cfg.UploadSize = 32 * 1024
	cfg.ChunkSize = 4096
	r := NewRunner(cfg, WithCatalog(StaticCatalog{Servers: []Server{{ID: "local", URL: mserv.serverURL()}}}))
	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if rep.Download.TotalBytes <= 0 || rep.Upload.TotalBytes <= 0 {
		t.Fatalf("no traffic measured: %+v", rep)
	}
	if mserv.downloadHits.Load() == 0 || mserv.uploaded.Load() == 0 {
		t.Fatal("measurement server saw no transfers")
	}
}

func TestRunnerServersListsCandidates(t *testing.T) {
	t.Parallel()
	r := NewRunner(RunConfig{ServerCount: 2, ExcludeIDs: []string{"b"}},
		WithCatalog(StaticCatalog{Servers: []Server{{ID: "a", Distance: 3}, {ID: "b", Distance: 1}, {ID: "c", Distance: 2}, {ID: "d", Distance: 9}}}))
	servers, _, err := r.Servers(context.Background())
	if err != nil {
		t.Fatalf("Servers error: %v", err)
	}
	if len(servers) != 2 || servers[0].ID != "c" || servers[1].ID != "a" {
		t.Fatalf("servers = %v", servers)
	}
}

func TestDefaultRunConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultRunConfig()
	if cfg.ServerCount != 10 || cfg.SelectCount != 3 || cfg.SampleCount != 5 {
		t.Fatalf("probe defaults: %+v", cfg)
	}
	if cfg.Concurrency != 8 || cfg.Duration != 10*time.Second || cfg.WarmUp != 2*time.Second || cfg.SampleInterval != 200*time.Millisecond {
		t.Fatalf("throughput defaults: %+v", cfg)
	}
	if cfg.EarlyStop.Enabled || cfg.EarlyStop.Threshold != 0.03 || cfg.EarlyStop.Window != 3*time.Second {
		t.Fatalf("early stop defaults: %+v", cfg.EarlyStop)
	}
	short := RunConfig{Duration: time.Second, WarmUp: 5 * time.Second}.withDefaults()
	if short.WarmUp >= short.Duration {
		t.Fatalf("warm-up %v not below duration %v", short.WarmUp, short.Duration)
	}
}

func TestEmitterDeliversPhaseChangesToSlowConsumer(t *testing.T) {
	t.Parallel()
	ch := make(chan Event, 1)
	em := newEmitter(context.Background(), ch, time.Nanosecond)

	em.progress(Progress{Phase: PhaseDownload, Bytes: 1})
	// buffer full: throttled progress is dropped, phase changes wait
	em.progress(Progress{Phase: PhaseDownload, Bytes: 2})
	done := make(chan struct{})
	go func() {
		em.force(Progress{Phase: PhaseUpload, Message: "measuring upload"})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if ev := <-ch; ev.Progress == nil || ev.Progress.Bytes != 1 {
		t.Fatalf("first event = %+v", ev)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("force did not complete after space was freed")
	}
	if ev := <-ch; ev.Progress == nil || ev.Progress.Phase != PhaseUpload {
		t.Fatalf("phase change lost, got %+v", ev)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestEmitterForceStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	em := newEmitter(ctx, make(chan Event), time.Second)
	done := make(chan struct{})
	go func() {
		em.force(Progress{Phase: PhaseDownload})
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("force blocked after cancel")
	}
}
