package speedtest

import "time"

// Defaults applied by RunConfig.withDefaults and the component constructors.
const (
	DefaultServerCount      = 10
	DefaultSelectCount      = 3
	DefaultSampleCount      = 5
	DefaultProbeTimeout     = 2 * time.Second
	DefaultProbeParallelism = 4
	DefaultProbeInterval    = 200 * time.Millisecond

	DefaultConcurrency    = 8
	DefaultDuration       = 10 * time.Second
	DefaultWarmUp         = 2 * time.Second
	DefaultSampleInterval = 200 * time.Millisecond
	DefaultChunkSize      = 16 * 1024
	DefaultUploadSize     = 4 * 1024 * 1024
	DefaultDownloadSize   = 2000

	DefaultEarlyStopThreshold = 0.03
	DefaultEarlyStopWindow    = 3 * time.Second

	DefaultCatalogTimeout = 15 * time.Second
	DefaultUserAgent      = "netspeed/1 (+https://www.speedtest.net compatible)"
)

// RunConfig controls how a speedtest run is executed.
type RunConfig struct {
	// ServerCount is how many of the closest catalog servers are probed.
	ServerCount int
	// SelectCount is the length of the throughput fallback priority list.
	SelectCount int
	// ServerIDs restricts candidates to these ids (empty: all).
	ServerIDs []string
	// ExcludeIDs removes ids from the candidates.
	ExcludeIDs []string

	// Latency probing.
	SampleCount      int
	ProbeTimeout     time.Duration
	ProbeParallelism int
	ProbeInterval    time.Duration

	// Throughput sessions.
	Concurrency    int
	Duration       time.Duration
	WarmUp         time.Duration
	SampleInterval time.Duration
	ChunkSize      int
	UploadSize     int64
	// DownloadSize is N of random{N}x{N}.jpg; rounded up to the next size served.
	DownloadSize int
	EarlyStop    EarlyStopConfig

	SkipDownload bool
	SkipUpload   bool

	// CatalogTimeout bounds catalog retrieval.
	CatalogTimeout time.Duration
	UserAgent      string

	// DisableHTTP2 prevents HTTP/2 for speedtest traffic.
	DisableHTTP2 bool
	// DisableKeepAlives makes every transfer use a fresh connection.
	DisableKeepAlives bool

	// ProgressInterval throttles progress events (0: DefaultSampleInterval).
	ProgressInterval time.Duration
}

// DefaultRunConfig returns a RunConfig with every field at its default.
func DefaultRunConfig() RunConfig {
	return RunConfig{}.withDefaults()
}

func (c RunConfig) withDefaults() RunConfig {
	if c.ServerCount <= 0 {
		c.ServerCount = DefaultServerCount
	}
	if c.SelectCount <= 0 {
		c.SelectCount = DefaultSelectCount
	}
	if c.SampleCount <= 0 {
		c.SampleCount = DefaultSampleCount
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ProbeParallelism <= 0 {
		c.ProbeParallelism = DefaultProbeParallelism
	}
	if c.ProbeInterval < 0 {
		c.ProbeInterval = 0
	} else if c.ProbeInterval == 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Duration <= 0 {
		c.Duration = DefaultDuration
	}
	if c.WarmUp < 0 {
		c.WarmUp = 0
	} else if c.WarmUp == 0 {
		c.WarmUp = DefaultWarmUp
	}
	if c.WarmUp >= c.Duration {
		c.WarmUp = c.Duration / 5
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.UploadSize <= 0 {
		c.UploadSize = DefaultUploadSize
	}
	if c.DownloadSize <= 0 {
		c.DownloadSize = DefaultDownloadSize
	}
	if c.EarlyStop.Threshold <= 0 {
		c.EarlyStop.Threshold = DefaultEarlyStopThreshold
	}
	if c.EarlyStop.Window <= 0 {
		c.EarlyStop.Window = DefaultEarlyStopWindow
	}
	if c.CatalogTimeout <= 0 {
		c.CatalogTimeout = DefaultCatalogTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = c.SampleInterval
	}
	return c
}

func (c RunConfig) probeConfig() ProbeConfig {
	return ProbeConfig{
		Samples:     c.SampleCount,
		Timeout:     c.ProbeTimeout,
		Parallelism: c.ProbeParallelism,
		Interval:    c.ProbeInterval,
	}
}

func (c RunConfig) throughputConfig() ThroughputConfig {
	return ThroughputConfig{
		Concurrency:    c.Concurrency,
		Duration:       c.Duration,
		WarmUp:         c.WarmUp,
		SampleInterval: c.SampleInterval,
		EarlyStop:      c.EarlyStop,
	}
}
