// Package format holds the human-readable rendering leaves used by the
// CLI and log fields: byte counts, transfer speeds, ETAs and percentages.
package format

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

func Bytes(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return humanize.Bytes(uint64(n))
}

// Speed renders a bytes/sec rate. Zero means idle, not unknown.
func Speed(bps int64) string {
	if bps <= 0 {
		return "0 B/s"
	}
	return humanize.Bytes(uint64(bps)) + "/s"
}

func Percent(pct float64) string {
	return humanize.FtoaWithDigits(pct, 1) + "%"
}

// ETA renders an estimated time remaining. A zero or negative duration
// means the estimate is undefined (unknown size or zero speed).
func ETA(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
