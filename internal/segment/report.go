package segment

import (
	"fmt"
	"strconv"
	"strings"
)

// Report describes one completed segment as announced by the transcoder's
// segment list: "<file>,<start>,<end>" with times in seconds.
type Report struct {
	File  string
	Start float64
	End   float64
}

// Duration is End-Start, or zero when the times are unusable.
func (r Report) Duration() float64 {
	if d := r.End - r.Start; d > 0 {
		return d
	}
	return 0
}

// ParseReport parses one CSV segment list line.
func ParseReport(line string) (Report, error) {
	line = strings.TrimSpace(line)
	i := strings.LastIndexByte(line, ',')
	if i < 0 {
		return Report{}, fmt.Errorf("segment report %q: missing fields", line)
	}
	j := strings.LastIndexByte(line[:i], ',')
	if j <= 0 {
		return Report{}, fmt.Errorf("segment report %q: missing fields", line)
	}

	start, err := strconv.ParseFloat(line[j+1:i], 64)
	if err != nil {
		return Report{}, fmt.Errorf("segment report %q: start: %w", line, err)
	}
	end, err := strconv.ParseFloat(line[i+1:], 64)
	if err != nil {
		return Report{}, fmt.Errorf("segment report %q: end: %w", line, err)
	}

	file := strings.Trim(line[:j], `"`)
	return Report{File: file, Start: start, End: end}, nil
}
