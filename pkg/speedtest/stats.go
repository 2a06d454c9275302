package speedtest

import (
	"math"
	"sort"
	"time"
)

// OutlierFraction is the share of the slowest samples dropped before the
// trimmed mean is computed.
const OutlierFraction = 0.1

// trimCount returns how many of the n slowest samples are dropped: the
// ceiling of n*frac, never leaving fewer than two samples.
func trimCount(n int, frac float64) int {
	if n <= 2 || frac <= 0 {
		return 0
	}
	if frac >= 1 {
		frac = 1
	}
	cut := int(math.Ceil(float64(n) * frac))
	if cut > n-2 {
		cut = n - 2
	}
	return cut
}

// TrimmedMean drops the top frac of the values (see trimCount) and averages
// the rest. It returns 0 for an empty input.
func TrimmedMean(values []time.Duration, frac float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	keep := len(sorted) - trimCount(len(sorted), frac)

	var sum float64
	for _, v := range sorted[:keep] {
		sum += float64(v)
	}
	return time.Duration(math.Round(sum / float64(keep)))
}

// ComputeLatencyStats summarizes statistical samples. ok is false when there
// are no samples; such a server must not be ranked.
func ComputeLatencyStats(samples []LatencySample, dropped int) (LatencyStats, bool) {
	if len(samples) == 0 {
		return LatencyStats{Dropped: dropped}, false
	}

	rtts := make([]time.Duration, len(samples))
	var sum float64
	var jitterSum float64
	minRTT, maxRTT := samples[0].RTT, samples[0].RTT
	for i, s := range samples {
		rtts[i] = s.RTT
		sum += float64(s.RTT)
		if s.RTT < minRTT {
			minRTT = s.RTT
		}
		if s.RTT > maxRTT {
			maxRTT = s.RTT
		}
		if i > 0 {
			jitterSum += math.Abs(float64(s.RTT - samples[i-1].RTT))
		}
	}

	st := LatencyStats{
		Samples:     len(samples),
		Dropped:     dropped,
		Min:         minRTT,
		Max:         maxRTT,
		Mean:        time.Duration(math.Round(sum / float64(len(samples)))),
		TrimmedMean: TrimmedMean(rtts, OutlierFraction),
	}
	if len(samples) > 1 {
		st.Jitter = time.Duration(math.Round(jitterSum / float64(len(samples)-1)))
	}
	return st, true
}

// statisticalSamples drops the first successful sample (connection setup)
// unless it is the only one.
func statisticalSamples(samples []LatencySample) []LatencySample {
	if len(samples) <= 1 {
		return samples
	}
	return samples[1:]
}
