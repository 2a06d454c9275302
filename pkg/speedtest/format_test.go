package speedtest

import (
	"testing"
	"time"
)

func TestFormatters(t *testing.T) {
	t.Parallel()
	tests := []struct {
		got, want string
	}{
		{FormatRate(93_410_000), "93.41 Mbit/s"},
		{FormatRate(0), "0 bit/s"},
		{FormatBytes(0), "0 B"},
		{FormatBytes(117_000_000), "117 MB"},
		{FormatLatency(30*time.Millisecond + 500*time.Microsecond), "30.50 ms"},
		{FormatDistance(0), "-"},
		{FormatDistance(1234.56), "1,234.6 km"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Fatalf("got %q, want %q", tt.got, tt.want)
		}
	}
}
