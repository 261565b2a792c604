package stats

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// FormatSaved renders a byte count the way the dashboard shows it, e.g. "12 MB".
func FormatSaved(b uint64) string {
	return humanize.Bytes(b)
}

// FormatRatio renders a compression ratio as a percentage of the original size.
func FormatRatio(r float64) string {
	return fmt.Sprintf("%.1f%%", r*100)
}
