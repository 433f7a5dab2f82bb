package policy

// TimeWindow is a named temporal filter. After and Before are "HH:MM"
// clock values; After > Before wraps midnight. An empty Days set means
// every day.
type TimeWindow struct {
	After  string   `yaml:"after" mapstructure:"after"`
	Before string   `yaml:"before" mapstructure:"before"`
	Days   []string `yaml:"days,omitempty" mapstructure:"days"`
}

// ParseClockMinutes parses "HH:MM" (00:00..23:59) into minutes since local
// midnight. Returns -1 on any parse failure, including "24:00".
func ParseClockMinutes(s string) int {
	if len(s) != 5 || s[2] != ':' {
		return -1
	}
	h := digits2(s[0], s[1])
	m := digits2(s[3], s[4])
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return -1
	}
	return h*60 + m
}

// digits2 parses two ASCII digits, returning -1 for non-digits.
func digits2(a, b byte) int {
	if a < '0' || a > '9' || b < '0' || b > '9' {
		return -1
	}
	return int(a-'0')*10 + int(b-'0')
}

// InMinuteRange reports whether now (minutes of day) falls in [after,
// before). When after > before the range wraps midnight; when they are
// equal only that exact minute matches.
func InMinuteRange(now, after, before int) bool {
	switch {
	case after == before:
		return now == after
	case after < before:
		return now >= after && now < before
	default:
		return now >= after || now < before
	}
}
