package speedtest

import (
	"fmt"
	"time"
)

// Server is a candidate measurement server.
//
// Servers are created by a Catalog, mutated in place by the Prober and read by
// the Selector and the throughput Engine. They never outlive a single run.
type Server struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Sponsor string `json:"sponsor,omitempty"`
	Country string `json:"country,omitempty"`
	// URL is the measurement endpoint (legacy layout: .../speedtest/upload.php).
	URL  string  `json:"url"`
	Host string  `json:"host,omitempty"`
	Lat  float64 `json:"lat,omitempty"`
	Lon  float64 `json:"lon,omitempty"`
	// Distance is the geographic hint in kilometers (0 when unknown).
	Distance float64 `json:"distance_km,omitempty"`

	// Set by the Prober. Latency stays nil until at least one sample succeeded.
	Latency  *LatencyStats   `json:"latency,omitempty"`
	Samples  []LatencySample `json:"-"`
	Failures int             `json:"-"`

	// Selected is set by Select for servers in the priority list.
	Selected bool `json:"-"`
}

// Reachable reports whether the server produced valid latency statistics.
func (s *Server) Reachable() bool { return s != nil && s.Latency != nil && s.Latency.Samples > 0 }

func (s *Server) String() string {
	if s == nil {
		return "<nil>"
	}
	label := s.Sponsor
	if label == "" {
		label = s.Name
	}
	if s.Name != "" && s.Sponsor != "" {
		label = fmt.Sprintf("%s (%s)", s.Sponsor, s.Name)
	}
	if label == "" {
		label = s.Host
	}
	return fmt.Sprintf("%s [%s]", label, s.ID)
}

// LatencySample is one successful round trip against a server.
type LatencySample struct {
	Seq int           `json:"seq"`
	RTT time.Duration `json:"rtt"`
	At  time.Time     `json:"at"`
}

// LatencyStats summarizes the statistical samples of one server.
//
// Only valid when Samples > 0.
type LatencyStats struct {
	// Samples is the effective sample count used for the statistics.
	Samples int `json:"samples"`
	// Dropped counts probes that failed or timed out.
	Dropped     int           `json:"dropped"`
	Min         time.Duration `json:"min"`
	Mean        time.Duration `json:"mean"`
	TrimmedMean time.Duration `json:"trimmed_mean"`
	Max         time.Duration `json:"max"`
	// Jitter is the mean absolute difference between consecutive samples.
	Jitter time.Duration `json:"jitter"`
}

// TransferKind selects the direction of a throughput session.
type TransferKind int

const (
	Download TransferKind = iota
	Upload
)

func (k TransferKind) String() string {
	switch k {
	case Upload:
		return "upload"
	default:
		return "download"
	}
}

// ThroughputSample is a point observed by the session sampler.
type ThroughputSample struct {
	Elapsed time.Duration `json:"elapsed"`
	Bytes   int64         `json:"bytes"`
}

// ThroughputResult is the outcome of one successful throughput session.
type ThroughputResult struct {
	Kind TransferKind `json:"-"`
	// Bytes and Elapsed cover the measurement window after warm-up.
	Bytes         int64         `json:"bytes"`
	Elapsed       time.Duration `json:"elapsed"`
	BitsPerSecond float64       `json:"bps"`

	TotalBytes   int64         `json:"total_bytes"`
	TotalElapsed time.Duration `json:"total_elapsed"`

	Streams       int  `json:"streams"`
	StreamsFailed int  `json:"streams_failed"`
	EarlyStopped  bool `json:"early_stopped"`

	Samples []ThroughputSample `json:"-"`
}

// Mbps returns the rate in megabits per second.
func (r ThroughputResult) Mbps() float64 { return r.BitsPerSecond / 1e6 }

// LatencyMetric is the report field for latency; Available=false marks a
// measurement that was not taken.
type LatencyMetric struct {
	Available bool `json:"available"`
	LatencyStats
}

// ThroughputMetric is the report field for one transfer direction.
type ThroughputMetric struct {
	Available bool `json:"available"`
	ThroughputResult
}

// ClientInfo describes the measuring host as seen by the catalog.
type ClientInfo struct {
	IP  string  `json:"ip,omitempty"`
	ISP string  `json:"isp,omitempty"`
	Lat float64 `json:"lat,omitempty"`
	Lon float64 `json:"lon,omitempty"`
}

// HasLocation reports whether coordinates are known.
func (c ClientInfo) HasLocation() bool { return c.Lat != 0 || c.Lon != 0 }

// Report is the final outcome of a run.
type Report struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`

	Server *Server    `json:"server,omitempty"`
	Client ClientInfo `json:"client"`

	Latency  LatencyMetric    `json:"latency"`
	Download ThroughputMetric `json:"download"`
	Upload   ThroughputMetric `json:"upload"`

	Duration      time.Duration `json:"duration"`
	Candidates    int           `json:"candidates"`
	FallbackCount int           `json:"fallback_count"`
}
