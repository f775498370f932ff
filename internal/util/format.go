package util

import (
	"time"

	"github.com/dustin/go-humanize"
)

// FormatBytes renders a byte count with SI units, e.g. "5.0 MB".
func FormatBytes(n uint64) string {
	return humanize.Bytes(n)
}

// FormatBitsPerSecond renders a bit rate with SI prefixes, e.g. "8 Mbps" or "1.25 Gbps".
func FormatBitsPerSecond(bps float64) string {
	if bps <= 0 {
		return "0 bps"
	}
	return humanize.SIWithDigits(bps, 2, "bps")
}

// AverageBitsPerSecond returns the mean bit rate of n bytes moved over elapsed.
func AverageBitsPerSecond(n uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(n) * 8 / elapsed.Seconds()
}
