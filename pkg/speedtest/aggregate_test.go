package speedtest

import (
	"testing"
	"time"
)

func TestAggregateMarksMissingUnavailable(t *testing.T) {
	t.Parallel()
	lat := &LatencyStats{Samples: 4, TrimmedMean: ms(20), Jitter: ms(1)}
	dl := &ThroughputResult{Kind: Download, BitsPerSecond: 93e6, Samples: []ThroughputSample{{}, {Elapsed: time.Second, Bytes: 1}}}

	r := Aggregate(lat, dl, nil)
	if !r.Latency.Available || r.Latency.TrimmedMean != ms(20) {
		t.Fatalf("latency = %+v", r.Latency)
	}
	if !r.Download.Available || r.Download.Mbps() != 93 {
		t.Fatalf("download = %+v", r.Download)
	}
	if r.Download.Samples != nil {
		t.Fatal("raw samples must not be carried into the report")
	}
	if dl.Samples == nil {
		t.Fatal("Aggregate mutated its input")
	}
	if r.Upload.Available {
		t.Fatal("upload must be unavailable")
	}

	empty := Aggregate(nil, nil, nil)
	if empty.Latency.Available || empty.Download.Available || empty.Upload.Available {
		t.Fatalf("nil inputs must be unavailable: %+v", empty)
	}
	if r := Aggregate(&LatencyStats{}, nil, nil); r.Latency.Available {
		t.Fatal("latency without samples must be unavailable")
	}
}
