package parser

import (
	"strconv"
	"strings"
)

// ParseISODuration converts an ISO-8601 duration of the PT[nH][nM][nS] subset
// into whole seconds. Fractional seconds are truncated. It returns (0, false)
// for anything outside the subset, including date components such as P1D.
func ParseISODuration(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "PT") {
		return 0, false
	}
	body := s[2:]
	if body == "" {
		return 0, false
	}

	var total int64
	num := ""
	seenUnit := map[byte]bool{}
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c >= '0' && c <= '9' || c == '.':
			num += string(c)
		case c == 'H' || c == 'M' || c == 'S':
			if num == "" || seenUnit[c] {
				return 0, false
			}
			seenUnit[c] = true
			f, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, false
			}
			switch c {
			case 'H':
				total += int64(f * 3600)
			case 'M':
				total += int64(f * 60)
			case 'S':
				total += int64(f)
			}
			num = ""
		default:
			return 0, false
		}
	}
	if num != "" {
		// Trailing digits without a unit letter.
		return 0, false
	}
	return total, true
}
