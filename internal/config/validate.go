package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"netspeed/pkg/logx"
	"netspeed/pkg/speedtest"
)

// Source kinds.
const (
	SourceHTTP   = "http"
	SourceOokla  = "ookla"
	SourceStatic = "static"
)

// SourceKind returns the normalized catalog source, defaulting to SourceHTTP.
func (c *Config) SourceKind() string {
	k := strings.ToLower(strings.TrimSpace(c.Source.Kind))
	if k == "" {
		return SourceHTTP
	}
	return k
}

// Validate checks the config without touching the network or the filesystem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := ToRunConfig(cfg); err != nil {
		errs = append(errs, err)
	}

	switch cfg.SourceKind() {
	case SourceHTTP, SourceOokla:
	case SourceStatic:
		if len(cfg.Source.Servers) == 0 {
			errs = append(errs, errors.New("source.servers: required for static source"))
		}
		seen := map[string]bool{}
		for i, s := range cfg.Source.Servers {
			id := strings.TrimSpace(s.ID)
			if id == "" || strings.TrimSpace(s.URL) == "" {
				errs = append(errs, fmt.Errorf("source.servers[%d]: id and url are required", i))
				continue
			}
			if seen[id] {
				errs = append(errs, fmt.Errorf("source.servers[%d]: duplicate id %q", i, id))
			}
			seen[id] = true
		}
	default:
		errs = append(errs, fmt.Errorf("source.kind: unknown source %q (use http, ookla or static)", cfg.Source.Kind))
	}

	if cfg.GeoIP != nil && strings.TrimSpace(cfg.GeoIP.Path) == "" {
		errs = append(errs, errors.New("geoip.path: required when geoip is set"))
	}
	if cfg.Schedule != nil {
		if strings.TrimSpace(cfg.Schedule.Spec) == "" {
			errs = append(errs, errors.New("schedule.spec: required"))
		}
		if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
			}
		}
		if _, err := ParseDurationField("schedule.timeout", cfg.Schedule.Timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if st := cfg.Status; st != nil && st.Enabled {
		addr := strings.TrimSpace(st.Addr)
		if addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				errs = append(errs, fmt.Errorf("status.addr: %w", err))
			} else if !st.AllowInsecure && strings.TrimSpace(st.Token) == "" && !IsLoopbackAddr(addr) {
				errs = append(errs, errors.New("status.addr: non-loopback address requires token or allow_insecure"))
			}
		}
	}
	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether addr (host:port) binds to a loopback
// interface only. An empty host means all interfaces.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// ToRunConfig converts the speedtest section into an engine RunConfig.
// Zero values are left for the engine to default.
func ToRunConfig(cfg *Config) (speedtest.RunConfig, error) {
	st := cfg.Speedtest
	rc := speedtest.RunConfig{
		ServerCount:       st.ServerCount,
		SelectCount:       st.SelectCount,
		ServerIDs:         trimIDs(st.ServerIDs),
		ExcludeIDs:        trimIDs(st.ExcludeIDs),
		SampleCount:       st.SampleCount,
		ProbeParallelism:  st.ProbeParallelism,
		Concurrency:       st.Concurrency,
		ChunkSize:         st.ChunkSize,
		UploadSize:        st.UploadSize,
		DownloadSize:      st.DownloadSize,
		SkipDownload:      st.SkipDownload,
		SkipUpload:        st.SkipUpload,
		UserAgent:         strings.TrimSpace(st.UserAgent),
		DisableHTTP2:      st.DisableHTTP2,
		DisableKeepAlives: st.DisableKeepAlives,
	}

	var errs []error
	for name, v := range map[string]int{
		"speedtest.server_count":      st.ServerCount,
		"speedtest.select_count":      st.SelectCount,
		"speedtest.sample_count":      st.SampleCount,
		"speedtest.probe_parallelism": st.ProbeParallelism,
		"speedtest.concurrency":       st.Concurrency,
		"speedtest.chunk_size":        st.ChunkSize,
		"speedtest.download_size":     st.DownloadSize,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s: must be >= 0", name))
		}
	}
	if st.UploadSize < 0 {
		errs = append(errs, errors.New("speedtest.upload_size: must be >= 0"))
	}
	if st.SkipDownload && st.SkipUpload {
		errs = append(errs, errors.New("speedtest: skip_download and skip_upload are both set"))
	}

	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"speedtest.probe_timeout", st.ProbeTimeout, &rc.ProbeTimeout},
		{"speedtest.probe_interval", st.ProbeInterval, &rc.ProbeInterval},
		{"speedtest.duration", st.Duration, &rc.Duration},
		{"speedtest.warm_up", st.WarmUp, &rc.WarmUp},
		{"speedtest.sample_interval", st.SampleInterval, &rc.SampleInterval},
		{"speedtest.catalog_timeout", st.CatalogTimeout, &rc.CatalogTimeout},
		{"speedtest.progress_interval", st.ProgressInterval, &rc.ProgressInterval},
	}
	for _, d := range durations {
		v, err := ParseDurationField(d.path, d.raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dst = v
	}
	if rc.Duration > 0 && rc.WarmUp >= rc.Duration {
		errs = append(errs, fmt.Errorf("speedtest.warm_up: %s must be shorter than duration %s", rc.WarmUp, rc.Duration))
	}

	if es := st.EarlyStop; es != nil {
		rc.EarlyStop.Enabled = es.Enabled
		if es.Threshold < 0 || es.Threshold >= 1 {
			errs = append(errs, fmt.Errorf("speedtest.early_stop.threshold: %v out of range [0, 1)", es.Threshold))
		}
		rc.EarlyStop.Threshold = es.Threshold
		w, err := ParseDurationField("speedtest.early_stop.window", es.Window)
		if err != nil {
			errs = append(errs, err)
		}
		rc.EarlyStop.Window = w
	}

	if err := errors.Join(errs...); err != nil {
		return speedtest.RunConfig{}, err
	}
	return rc, nil
}

// StaticServers returns the servers of a static source.
func StaticServers(cfg *Config) []speedtest.Server {
	out := make([]speedtest.Server, 0, len(cfg.Source.Servers))
	for _, s := range cfg.Source.Servers {
		out = append(out, speedtest.Server{
			ID:      strings.TrimSpace(s.ID),
			Name:    s.Name,
			Sponsor: s.Sponsor,
			Country: s.Country,
			URL:     strings.TrimSpace(s.URL),
			Host:    s.Host,
			Lat:     s.Lat,
			Lon:     s.Lon,
		})
	}
	return out
}

// LogConfig converts the logging section for logx.Service.
func LogConfig(cfg *Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		JSON:    l.JSON,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Journal: logx.JournalConfig{
			Enabled:    l.Journal.Enabled,
			MinLevel:   l.Journal.MinLevel,
			RatePerSec: l.Journal.RatePerSec,
		},
	}
}

func trimIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
