package policy

import "testing"

func TestParseClockMinutes(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"00:00", 0},
		{"23:59", 1439},
		{"08:30", 510},
		{"24:00", -1},
		{"12:60", -1},
		{"9:00", -1},
		{"ab:cd", -1},
		{"", -1},
		{"12-30", -1},
	}
	for _, tt := range tests {
		if got := ParseClockMinutes(tt.in); got != tt.want {
			t.Errorf("ParseClockMinutes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestInMinuteRange(t *testing.T) {
	mins := func(h, m int) int { return h*60 + m }

	tests := []struct {
		name               string
		now, after, before int
		want               bool
	}{
		{"inside plain range", mins(10, 0), mins(9, 0), mins(17, 0), true},
		{"before plain range", mins(8, 59), mins(9, 0), mins(17, 0), false},
		{"at exclusive end", mins(17, 0), mins(9, 0), mins(17, 0), false},
		{"midnight wrap late", mins(23, 30), mins(23, 0), mins(8, 0), true},
		{"midnight wrap early", mins(3, 15), mins(23, 0), mins(8, 0), true},
		{"midnight wrap at end", mins(8, 0), mins(23, 0), mins(8, 0), false},
		{"midnight wrap outside", mins(12, 0), mins(23, 0), mins(8, 0), false},
		{"equal bounds exact minute", mins(6, 30), mins(6, 30), mins(6, 30), true},
		{"equal bounds other minute", mins(6, 31), mins(6, 30), mins(6, 30), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InMinuteRange(tt.now, tt.after, tt.before); got != tt.want {
				t.Errorf("InMinuteRange(%d, %d, %d) = %v, want %v",
					tt.now, tt.after, tt.before, got, tt.want)
			}
		})
	}
}
