package speedtest

import "time"

// Phase names a stage of a run.
type Phase string

const (
	PhaseCatalog   Phase = "catalog"
	PhaseProbing   Phase = "probing"
	PhaseSelecting Phase = "selecting"
	PhaseDownload  Phase = "download"
	PhaseUpload    Phase = "upload"
)

// Progress is a non-terminal update. Fields not relevant to the phase are zero.
type Progress struct {
	Phase   Phase
	Server  *Server
	Percent float64
	Bytes   int64
	// BitsPerSecond is the current transfer rate.
	BitsPerSecond float64
	Elapsed       time.Duration
	// Done and Total count probed servers during PhaseProbing.
	Done, Total int
	Message     string
}

// Event is one element of the sequence returned by Run. Exactly one of
// Progress, Report and Err is set; the last event carries Report or Err.
type Event struct {
	Progress *Progress
	Report   *Report
	Err      error
}

// Terminal reports whether this is the final event of a run.
func (e Event) Terminal() bool { return e.Report != nil || e.Err != nil }
