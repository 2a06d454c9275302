package speedtest

import (
	"testing"
	"time"
)

func TestTrimCount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n, want int
	}{
		{0, 0}, {1, 0}, {2, 0}, {3, 1}, {5, 1}, {10, 1}, {11, 2}, {20, 2}, {21, 3},
	}
	for _, tt := range tests {
		if got := trimCount(tt.n, OutlierFraction); got != tt.want {
			t.Fatalf("trimCount(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestTrimmedMeanDropsSlowest(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []time.Duration
		want time.Duration
	}{
		{name: "outlier dropped", in: []time.Duration{ms(50), ms(52), ms(1000)}, want: ms(51)},
		{name: "two samples kept", in: []time.Duration{ms(30), ms(31)}, want: ms(30.5)},
		{name: "single", in: []time.Duration{ms(7)}, want: ms(7)},
		{name: "unordered", in: []time.Duration{ms(90), ms(10), ms(20)}, want: ms(15)},
		{name: "empty", in: nil, want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := TrimmedMean(tt.in, OutlierFraction); got != tt.want {
				t.Fatalf("TrimmedMean = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTrimmedMeanBounds(t *testing.T) {
	t.Parallel()
	sets := [][]time.Duration{
		{ms(1)},
		{ms(5), ms(5), ms(5)},
		{ms(12), ms(300), ms(14), ms(13), ms(11)},
		{ms(40), ms(41), ms(39), ms(38), ms(37), ms(2000), ms(36), ms(35), ms(34), ms(33), ms(32)},
	}
	for _, set := range sets {
		lo, hi := set[0], set[0]
		for _, v := range set {
			lo = min(lo, v)
			hi = max(hi, v)
		}
		got := TrimmedMean(set, OutlierFraction)
		if got < lo || got > hi {
			t.Fatalf("TrimmedMean(%v) = %v outside [%v, %v]", set, got, lo, hi)
		}
	}
}

func TestTrimmedMeanMonotonicOnLowerSample(t *testing.T) {
	t.Parallel()
	set := []time.Duration{ms(50), ms(52), ms(1000), ms(48), ms(55)}
	prev := TrimmedMean(set, OutlierFraction)
	for _, lower := range []time.Duration{ms(45), ms(40), ms(20), ms(1)} {
		set = append(set, lower)
		got := TrimmedMean(set, OutlierFraction)
		if got > prev {
			t.Fatalf("adding %v raised trimmed mean %v -> %v", lower, prev, got)
		}
		prev = got
	}
}

func TestComputeLatencyStats(t *testing.T) {
	t.Parallel()
	samples := []LatencySample{{Seq: 1, RTT: ms(50)}, {Seq: 2, RTT: ms(52)}, {Seq: 3, RTT: ms(1000)}}
	st, ok := ComputeLatencyStats(samples, 2)
	if !ok {
		t.Fatal("expected stats")
	}
	if st.Samples != 3 || st.Dropped != 2 {
		t.Fatalf("Samples=%d Dropped=%d", st.Samples, st.Dropped)
	}
	if st.Min != ms(50) || st.Max != ms(1000) || st.TrimmedMean != ms(51) {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.Mean < ms(367.33) || st.Mean > ms(367.34) {
		t.Fatalf("Mean = %v", st.Mean)
	}
	// |52-50| and |1000-52| averaged.
	if st.Jitter != ms(475) {
		t.Fatalf("Jitter = %v, want 475ms", st.Jitter)
	}
}

func TestComputeLatencyStatsEmpty(t *testing.T) {
	t.Parallel()
	st, ok := ComputeLatencyStats(nil, 5)
	if ok {
		t.Fatal("empty samples must not produce stats")
	}
	if st.Dropped != 5 {
		t.Fatalf("Dropped = %d", st.Dropped)
	}
}

func TestStatisticalSamplesDropsFirst(t *testing.T) {
	t.Parallel()
	one := []LatencySample{{Seq: 0, RTT: ms(80)}}
	if got := statisticalSamples(one); len(got) != 1 {
		t.Fatalf("only sample must be kept, got %d", len(got))
	}
	three := []LatencySample{{Seq: 0, RTT: ms(80)}, {Seq: 1, RTT: ms(30)}, {Seq: 2, RTT: ms(31)}}
	got := statisticalSamples(three)
	if len(got) != 2 || got[0].Seq != 1 {
		t.Fatalf("first sample not dropped: %+v", got)
	}
}
