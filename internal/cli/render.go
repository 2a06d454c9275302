// Package cli renders speedtest progress and reports for the terminal.
//
// Output is plain line-oriented text (or JSON for reports); no cursor
// movement or other terminal control sequences are written.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"netspeed/pkg/speedtest"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ParseFormat normalizes a -format value.
func ParseFormat(s string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(s)); f {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown format %q (use text or json)", s)
	}
}

// Renderer writes progress lines to Progress (nil: none) and the final
// report to Out.
type Renderer struct {
	Out      io.Writer
	Progress io.Writer
	Format   string

	phase    speedtest.Phase
	nextStep float64
}

// progressStep is the transfer progress granularity in percent of the session.
const progressStep = 0.1

// Consume drains events, rendering progress as it arrives, and returns the
// run's outcome. The report itself is not written; call Report for that.
func (r *Renderer) Consume(events <-chan speedtest.Event) (*speedtest.Report, error) {
	var (
		rep *speedtest.Report
		err error
	)
	for ev := range events {
		switch {
		case ev.Progress != nil:
			r.progress(ev.Progress)
		case ev.Report != nil:
			rep = ev.Report
		case ev.Err != nil:
			err = ev.Err
		}
	}
	if err != nil {
		return nil, err
	}
	if rep == nil {
		return nil, errors.New("run ended without a report")
	}
	return rep, nil
}

func (r *Renderer) progress(p *speedtest.Progress) {
	if r.Progress == nil {
		return
	}
	if p.Phase != r.phase {
		r.phase = p.Phase
		r.nextStep = progressStep
	}
	if p.Message != "" {
		fmt.Fprintf(r.Progress, "[%s] %s\n", p.Phase, p.Message)
		return
	}

	switch p.Phase {
	case speedtest.PhaseProbing:
		if p.Total > 0 && p.Done == p.Total {
			fmt.Fprintf(r.Progress, "[%s] %d/%d servers probed\n", p.Phase, p.Done, p.Total)
		}
	case speedtest.PhaseDownload, speedtest.PhaseUpload:
		if p.Percent < r.nextStep {
			return
		}
		for r.nextStep <= p.Percent {
			r.nextStep += progressStep
		}
		fmt.Fprintf(r.Progress, "[%s] %3.0f%%  %s  %s\n",
			p.Phase, p.Percent*100, speedtest.FormatRate(p.BitsPerSecond), speedtest.FormatBytes(p.Bytes))
	}
}

// Report writes rep in the renderer's format.
func (r *Renderer) Report(rep *speedtest.Report) error {
	if r.Format == FormatJSON {
		enc := json.NewEncoder(r.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(toJSONReport(rep))
	}
	return writeText(r.Out, rep)
}

func writeText(w io.Writer, rep *speedtest.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if rep.Server != nil {
		fmt.Fprintf(tw, "Server:\t%s\t%s\n", rep.Server, speedtest.FormatDistance(rep.Server.Distance))
	}
	if rep.Client.IP != "" || rep.Client.ISP != "" {
		fmt.Fprintf(tw, "Client:\t%s\t%s\n", orDash(rep.Client.IP), orDash(rep.Client.ISP))
	}
	if l := rep.Latency; l.Available {
		fmt.Fprintf(tw, "Latency:\t%s\tjitter %s, min %s, max %s, %d samples\n",
			speedtest.FormatLatency(l.TrimmedMean), speedtest.FormatLatency(l.Jitter),
			speedtest.FormatLatency(l.Min), speedtest.FormatLatency(l.Max), l.Samples)
	} else {
		fmt.Fprintf(tw, "Latency:\tn/a\t\n")
	}
	writeThroughput(tw, "Download:", rep.Download)
	writeThroughput(tw, "Upload:", rep.Upload)
	fmt.Fprintf(tw, "Run:\t%s\t%s, %d candidates, %d fallbacks\n",
		rep.RunID, rep.Duration.Round(100*time.Millisecond), rep.Candidates, rep.FallbackCount)
	return tw.Flush()
}

func writeThroughput(w io.Writer, label string, m speedtest.ThroughputMetric) {
	if !m.Available {
		fmt.Fprintf(w, "%s\tn/a\t\n", label)
		return
	}
	extra := fmt.Sprintf("%s in %s, %d streams", speedtest.FormatBytes(m.Bytes), m.Elapsed.Round(10*time.Millisecond), m.Streams)
	if m.StreamsFailed > 0 {
		extra += fmt.Sprintf(" (%d failed)", m.StreamsFailed)
	}
	if m.EarlyStopped {
		extra += ", stopped early"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\n", label, speedtest.FormatRate(m.BitsPerSecond), extra)
}

// ListServers writes a table of candidate servers.
func ListServers(w io.Writer, servers []*speedtest.Server, client speedtest.ClientInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if client.IP != "" || client.HasLocation() {
		fmt.Fprintf(tw, "Client %s %s (%.4f, %.4f)\n\n", orDash(client.IP), client.ISP, client.Lat, client.Lon)
	}
	fmt.Fprintln(tw, "ID\tSPONSOR\tNAME\tCOUNTRY\tDISTANCE\tHOST")
	for _, s := range servers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, orDash(s.Sponsor), orDash(s.Name), orDash(s.Country), speedtest.FormatDistance(s.Distance), orDash(s.Host))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

type jsonLatency struct {
	Available bool    `json:"available"`
	Samples   int     `json:"samples,omitempty"`
	Dropped   int     `json:"dropped,omitempty"`
	MinMs     float64 `json:"min_ms,omitempty"`
	MeanMs    float64 `json:"mean_ms,omitempty"`
	TrimmedMs float64 `json:"trimmed_mean_ms,omitempty"`
	MaxMs     float64 `json:"max_ms,omitempty"`
	JitterMs  float64 `json:"jitter_ms,omitempty"`
}

type jsonThroughput struct {
	Available     bool    `json:"available"`
	Mbps          float64 `json:"mbps,omitempty"`
	BitsPerSecond float64 `json:"bps,omitempty"`
	Bytes         int64   `json:"bytes,omitempty"`
	ElapsedSec    float64 `json:"elapsed_s,omitempty"`
	TotalBytes    int64   `json:"total_bytes,omitempty"`
	Streams       int     `json:"streams,omitempty"`
	StreamsFailed int     `json:"streams_failed,omitempty"`
	EarlyStopped  bool    `json:"early_stopped,omitempty"`
}

type jsonReport struct {
	RunID         string               `json:"run_id"`
	Timestamp     time.Time            `json:"timestamp"`
	Server        *speedtest.Server    `json:"server,omitempty"`
	Client        speedtest.ClientInfo `json:"client"`
	Latency       jsonLatency          `json:"latency"`
	Download      jsonThroughput       `json:"download"`
	Upload        jsonThroughput       `json:"upload"`
	DurationSec   float64              `json:"duration_s"`
	Candidates    int                  `json:"candidates"`
	FallbackCount int                  `json:"fallback_count"`
}

func toJSONReport(rep *speedtest.Report) jsonReport {
	out := jsonReport{
		RunID:         rep.RunID,
		Timestamp:     rep.Timestamp,
		Client:        rep.Client,
		Download:      toJSONThroughput(rep.Download),
		Upload:        toJSONThroughput(rep.Upload),
		DurationSec:   rep.Duration.Seconds(),
		Candidates:    rep.Candidates,
		FallbackCount: rep.FallbackCount,
	}
	if rep.Server != nil {
		s := *rep.Server
		s.Latency = nil
		out.Server = &s
	}
	if l := rep.Latency; l.Available {
		out.Latency = jsonLatency{
			Available: true,
			Samples:   l.Samples,
			Dropped:   l.Dropped,
			MinMs:     ms(l.Min),
			MeanMs:    ms(l.Mean),
			TrimmedMs: ms(l.TrimmedMean),
			MaxMs:     ms(l.Max),
			JitterMs:  ms(l.Jitter),
		}
	}
	return out
}

func toJSONThroughput(m speedtest.ThroughputMetric) jsonThroughput {
	if !m.Available {
		return jsonThroughput{}
	}
	return jsonThroughput{
		Available:     true,
		Mbps:          m.Mbps(),
		BitsPerSecond: m.BitsPerSecond,
		Bytes:         m.Bytes,
		ElapsedSec:    m.Elapsed.Seconds(),
		TotalBytes:    m.TotalBytes,
		Streams:       m.Streams,
		StreamsFailed: m.StreamsFailed,
		EarlyStopped:  m.EarlyStopped,
	}
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
