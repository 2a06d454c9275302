package speedtest

import "sort"

// Rank returns the reachable servers ordered best first: ascending trimmed
// mean latency, ties broken by distance, then by minimum latency, then by ID.
// The input slice is not modified.
func Rank(servers []*Server) []*Server {
	ranked := make([]*Server, 0, len(servers))
	for _, s := range servers {
		if s.Reachable() {
			ranked = append(ranked, s)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Latency.TrimmedMean != b.Latency.TrimmedMean {
			return a.Latency.TrimmedMean < b.Latency.TrimmedMean
		}
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if a.Latency.Min != b.Latency.Min {
			return a.Latency.Min < b.Latency.Min
		}
		return a.ID < b.ID
	})
	return ranked
}

// Select takes up to n servers from a ranked list, preserving order as the
// throughput fallback priority list. Unreachable entries are skipped.
func Select(ranked []*Server, n int) ([]*Server, error) {
	if n <= 0 {
		n = 1
	}
	out := make([]*Server, 0, n)
	for _, s := range ranked {
		if len(out) == n {
			break
		}
		if !s.Reachable() {
			continue
		}
		s.Selected = true
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, &SelectorError{Candidates: len(ranked)}
	}
	return out, nil
}
