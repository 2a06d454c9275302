package config

// Config is the on-disk configuration of netspeed.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Zero or omitted values fall back to the engine defaults.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Speedtest SpeedtestConfig `json:"speedtest"`
	Source    SourceConfig    `json:"source"`
	GeoIP     *GeoIPConfig    `json:"geoip,omitempty"`
	Schedule  *ScheduleConfig `json:"schedule,omitempty"`
	Status    *StatusConfig   `json:"status,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	JSON    bool           `json:"json,omitempty"`
	File    LoggingFile    `json:"file"`
	Journal LoggingJournal `json:"journal"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingJournal forwards log records to systemd-journald.
type LoggingJournal struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SpeedtestConfig mirrors speedtest.RunConfig.
type SpeedtestConfig struct {
	ServerCount int      `json:"server_count,omitempty"`
	SelectCount int      `json:"select_count,omitempty"`
	ServerIDs   []string `json:"server_ids,omitempty"`
	ExcludeIDs  []string `json:"exclude_ids,omitempty"`

	SampleCount      int    `json:"sample_count,omitempty"`
	ProbeTimeout     string `json:"probe_timeout,omitempty"`
	ProbeParallelism int    `json:"probe_parallelism,omitempty"`
	ProbeInterval    string `json:"probe_interval,omitempty"`

	Concurrency    int    `json:"concurrency,omitempty"`
	Duration       string `json:"duration,omitempty"`
	WarmUp         string `json:"warm_up,omitempty"`
	SampleInterval string `json:"sample_interval,omitempty"`
	ChunkSize      int    `json:"chunk_size,omitempty"`
	UploadSize     int64  `json:"upload_size,omitempty"`
	DownloadSize   int    `json:"download_size,omitempty"`

	EarlyStop *EarlyStopConfig `json:"early_stop,omitempty"`

	SkipDownload bool `json:"skip_download,omitempty"`
	SkipUpload   bool `json:"skip_upload,omitempty"`

	CatalogTimeout    string `json:"catalog_timeout,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`
	DisableHTTP2      bool   `json:"disable_http2,omitempty"`
	DisableKeepAlives bool   `json:"disable_keep_alives,omitempty"`
	ProgressInterval  string `json:"progress_interval,omitempty"`
}

type EarlyStopConfig struct {
	Enabled   bool    `json:"enabled"`
	Threshold float64 `json:"threshold,omitempty"`
	Window    string  `json:"window,omitempty"`
}

// SourceConfig selects where the server catalog comes from.
//
// Kinds:
//   - "http" (default): speedtest.net legacy XML/JSON lists
//   - "ookla": the speedtest.net API via showwin/speedtest-go
//   - "static": the servers listed below
type SourceConfig struct {
	Kind       string         `json:"kind"`
	ConfigURLs []string       `json:"config_urls,omitempty"`
	ServerURLs []string       `json:"server_urls,omitempty"`
	Servers    []StaticServer `json:"servers,omitempty"`
}

type StaticServer struct {
	ID      string  `json:"id"`
	Name    string  `json:"name,omitempty"`
	Sponsor string  `json:"sponsor,omitempty"`
	Country string  `json:"country,omitempty"`
	URL     string  `json:"url"`
	Host    string  `json:"host,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
}

// GeoIPConfig points at a MaxMind City database used to locate the client
// when the catalog does not report coordinates.
//
// ClientIP is used when the catalog does not report the public address either.
type GeoIPConfig struct {
	Path     string `json:"path"`
	ClientIP string `json:"client_ip,omitempty"`
}

// ScheduleConfig controls `netspeed schedule`.
//
// Spec accepts a cron expression ("*/30 * * * *", "@hourly", "@every 1h"),
// a Go duration ("45m") or an HH:MM interval ("01:30").
type ScheduleConfig struct {
	Spec     string `json:"spec"`
	Timezone string `json:"timezone,omitempty"`
	// RunOnStart triggers one run right after startup.
	RunOnStart bool `json:"run_on_start,omitempty"`
	// Timeout bounds a single run (default: no bound beyond the run's own phases).
	Timeout string `json:"timeout,omitempty"`
}

// StatusConfig controls the optional HTTP status endpoint of
// `netspeed schedule`.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	// Pprof also serves net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`
}
