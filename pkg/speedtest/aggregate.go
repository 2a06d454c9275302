package speedtest

// Aggregate assembles a Report from the measured components. A nil input is
// marked unavailable in the report. Aggregate does no I/O and cannot fail;
// run metadata (id, server, client, timing) is filled in by the caller.
func Aggregate(latency *LatencyStats, download, upload *ThroughputResult) Report {
	var r Report
	if latency != nil && latency.Samples > 0 {
		r.Latency = LatencyMetric{Available: true, LatencyStats: *latency}
	}
	if download != nil {
		r.Download = ThroughputMetric{Available: true, ThroughputResult: *download}
		r.Download.Samples = nil
	}
	if upload != nil {
		r.Upload = ThroughputMetric{Available: true, ThroughputResult: *upload}
		r.Upload.Samples = nil
	}
	return r
}
