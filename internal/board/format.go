package board

import (
	"fmt"
	"strings"
)

// FormatInt formats an integer with comma separators.
func FormatInt(n int) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	head := len(s) % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < len(s); i += 3 {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatReturn formats a percent return as "+X.XX%", or "-" when unknown.
// Values at or beyond 100% drop the decimals to keep width compact.
func FormatReturn(r *float64) string {
	if r == nil {
		return "-"
	}
	v := *r
	sign := "+"
	if v < 0 {
		sign = "-"
		v = -v
	}
	if v >= 100 {
		return fmt.Sprintf("%s%.0f%%", sign, v)
	}
	return fmt.Sprintf("%s%.2f%%", sign, v)
}
