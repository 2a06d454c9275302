package speedtest

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// FormatRate renders bits per second with an SI prefix, e.g. "93.41 Mbit/s".
func FormatRate(bps float64) string {
	if bps <= 0 {
		return "0 bit/s"
	}
	return humanize.SIWithDigits(bps, 2, "bit/s")
}

// FormatBytes renders a byte count with an SI prefix, e.g. "117 MB".
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	return humanize.Bytes(uint64(n))
}

// FormatLatency renders a duration in milliseconds with two decimals.
func FormatLatency(d time.Duration) string {
	return fmt.Sprintf("%.2f ms", float64(d)/float64(time.Millisecond))
}

// FormatDistance renders a distance hint; unknown distances render as "-".
func FormatDistance(km float64) string {
	if km <= 0 {
		return "-"
	}
	return humanize.FormatFloat("#,###.#", km) + " km"
}
