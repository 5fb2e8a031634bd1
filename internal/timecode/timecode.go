// Package timecode converts between whole-second offsets and the "MM:SS"
// display form used on transcript segments.
package timecode

import (
	"fmt"
	"strconv"
	"strings"
)

// Format renders a whole-second offset as "MM:SS". Minutes are not wrapped at
// the hour, so 3665 renders as "61:05". Negative offsets clamp to zero.
func Format(sec int) string {
	if sec < 0 {
		sec = 0
	}
	return fmt.Sprintf("%02d:%02d", sec/60, sec%60)
}

// Parse decodes a "MM:SS" marker back to whole seconds.
func Parse(s string) (int, error) {
	mm, ss, ok := strings.Cut(s, ":")
	if !ok || mm == "" || ss == "" {
		return 0, fmt.Errorf("timecode: malformed marker %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 {
		return 0, fmt.Errorf("timecode: bad minutes in %q", s)
	}
	sec, err := strconv.Atoi(ss)
	if err != nil || sec < 0 || sec > 59 {
		return 0, fmt.Errorf("timecode: bad seconds in %q", s)
	}
	return m*60 + sec, nil
}
