package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
  journal:
    enabled: false
    min_level: warn
    rate_per_sec: 5
speedtest:
  server_count: 6
  select_count: 2
  sample_count: 4
  probe_timeout: 1500ms
  concurrency: 4
  duration: 8s
  warm_up: "1"
  exclude_ids: [" 42 ", ""]
  early_stop:
    enabled: true
    threshold: 0.05
    window: 2s
source:
  kind: static
  servers:
    - id: "1"
      url: http://speed.example.net/speedtest/upload.php
      lat: 52.5
      lon: 13.4
schedule:
  spec: "*/30 * * * *"
  timezone: UTC
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeConfig(t, "netspeed.yaml", sampleYAML))
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
	if cfg.SourceKind() != SourceStatic || len(cfg.Source.Servers) != 1 {
		t.Fatalf("source = %+v", cfg.Source)
	}

	rc, err := ToRunConfig(cfg)
	if err != nil {
		t.Fatalf("ToRunConfig error: %v", err)
	}
	if rc.ServerCount != 6 || rc.SelectCount != 2 || rc.SampleCount != 4 || rc.Concurrency != 4 {
		t.Fatalf("counts = %+v", rc)
	}
	if rc.ProbeTimeout != 1500*time.Millisecond || rc.Duration != 8*time.Second || rc.WarmUp != time.Second {
		t.Fatalf("durations = %v %v %v", rc.ProbeTimeout, rc.Duration, rc.WarmUp)
	}
	if len(rc.ExcludeIDs) != 1 || rc.ExcludeIDs[0] != "42" {
		t.Fatalf("exclude ids = %q", rc.ExcludeIDs)
	}
	if !rc.EarlyStop.Enabled || rc.EarlyStop.Threshold != 0.05 || rc.EarlyStop.Window != 2*time.Second {
		t.Fatalf("early stop = %+v", rc.EarlyStop)
	}

	servers := StaticServers(cfg)
	if len(servers) != 1 || servers[0].ID != "1" || servers[0].Lat != 52.5 {
		t.Fatalf("static servers = %+v", servers)
	}
	if lc := LogConfig(cfg); lc.Level != "debug" || lc.Journal.MinLevel != "warn" || lc.Journal.RatePerSec != 5 {
		t.Fatalf("log config = %+v", lc)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		data string
	}{
		{"unknown json key", "c.json", `{"speedtest":{"threads":4}}`},
		{"unknown yaml key", "c.yml", "speedtest:\n  threads: 4\n"},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "speedtest: [\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.file, []byte(tt.data)); err == nil {
				t.Fatalf("Decode(%q) expected error", tt.data)
			}
		})
	}

	cfg, err := Decode("empty.yaml", nil)
	if err != nil || cfg == nil {
		t.Fatalf("empty yaml: cfg=%v err=%v", cfg, err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"default", Config{}, ""},
		{"unknown source", Config{Source: SourceConfig{Kind: "ftp"}}, "source.kind"},
		{"static without servers", Config{Source: SourceConfig{Kind: "static"}}, "source.servers"},
		{"static without url", Config{Source: SourceConfig{Kind: "static", Servers: []StaticServer{{ID: "1"}}}}, "id and url"},
		{"duplicate id", Config{Source: SourceConfig{Kind: "static", Servers: []StaticServer{{ID: "1", URL: "http://a/"}, {ID: "1", URL: "http://b/"}}}}, "duplicate"},
		{"bad duration", Config{Speedtest: SpeedtestConfig{Duration: "ten seconds"}}, "speedtest.duration"},
		{"negative duration", Config{Speedtest: SpeedtestConfig{ProbeTimeout: "-1s"}}, "speedtest.probe_timeout"},
		{"warm-up too long", Config{Speedtest: SpeedtestConfig{Duration: "5s", WarmUp: "5s"}}, "warm_up"},
		{"negative count", Config{Speedtest: SpeedtestConfig{Concurrency: -1}}, "speedtest.concurrency"},
		{"both skipped", Config{Speedtest: SpeedtestConfig{SkipDownload: true, SkipUpload: true}}, "skip_download"},
		{"threshold", Config{Speedtest: SpeedtestConfig{EarlyStop: &EarlyStopConfig{Threshold: 1.5}}}, "threshold"},
		{"geoip path", Config{GeoIP: &GeoIPConfig{}}, "geoip.path"},
		{"schedule spec", Config{Schedule: &ScheduleConfig{}}, "schedule.spec"},
		{"schedule timezone", Config{Schedule: &ScheduleConfig{Spec: "1h", Timezone: "Mars/Olympus"}}, "schedule.timezone"},
		{"status loopback", Config{Status: &StatusConfig{Enabled: true, Addr: "127.0.0.1:9090"}}, ""},
		{"status public without token", Config{Status: &StatusConfig{Enabled: true, Addr: ":9090"}}, "status.addr"},
		{"status public with token", Config{Status: &StatusConfig{Enabled: true, Addr: "0.0.0.0:9090", Token: "s3cret"}}, ""},
		{"status bad addr", Config{Status: &StatusConfig{Enabled: true, Addr: "9090"}}, "status.addr"},
		{"status disabled", Config{Status: &StatusConfig{Addr: ":9090"}}, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"", 0, true},
		{"  ", 0, true},
		{"30", 30 * time.Second, true},
		{"250ms", 250 * time.Millisecond, true},
		{"-5", 0, false},
		{"-1s", 0, false},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x", tt.raw)
		if (err == nil) != tt.ok || got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, %v", tt.raw, got, err)
		}
	}
	if d, _ := ParseDurationOrDefault("x", "", time.Minute); d != time.Minute {
		t.Fatalf("default not applied: %v", d)
	}
}

func TestLoadRunsValidator(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeConfig(t, "netspeed.json", `{"schedule":{"spec":"nope"}}`))
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Schedule != nil && cfg.Schedule.Spec == "nope" {
			return errors.New("bad schedule")
		}
		return nil
	})
	if _, err := m.Load(context.Background()); err == nil || !strings.Contains(err.Error(), "bad schedule") {
		t.Fatalf("Load error = %v", err)
	}
	if m.Get() != nil {
		t.Fatal("rejected config committed")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatal("slow subscriber did not receive the newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed by Unsubscribe")
	}
	m.publish(a) // no subscribers left
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Speedtest: SpeedtestConfig{Concurrency: 4}}
	newCfg := &Config{
		Speedtest: SpeedtestConfig{Concurrency: 8},
		Schedule:  &ScheduleConfig{Spec: "1h"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "schedule,speedtest" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if changed, _ := SummarizeConfigChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "netspeed.json", `{"speedtest":{"concurrency":2}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Let the watcher register before writing.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"speedtest":{"concurrency":"x"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"speedtest":{"concurrency":6}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-ch:
		if cfg.Speedtest.Concurrency != 6 {
			t.Fatalf("published concurrency = %d, want 6", cfg.Speedtest.Concurrency)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Speedtest.Concurrency != 6 {
		t.Fatal("published config not committed")
	}
}
