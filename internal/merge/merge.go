// Package merge reassembles asynchronously produced transcript segments into
// one time-ordered sequence.
package merge

import (
	"sort"

	"github.com/voxlog/voxlog/internal/models"
	"github.com/voxlog/voxlog/internal/timecode"
)

// Segments concatenates incoming onto existing and stable-sorts by decoded
// offset ascending. No de-duplication: repeated or overlapping ranges from
// retried or late chunks all keep their own sorted positions, and equal
// offsets preserve relative submission order. Inputs are not mutated.
func Segments(existing, incoming []models.Segment) []models.Segment {
	out := make([]models.Segment, 0, len(existing)+len(incoming))
	out = append(out, existing...)
	out = append(out, incoming...)

	sort.SliceStable(out, func(i, j int) bool {
		return offset(out[i]) < offset(out[j])
	})
	return out
}

// Unparseable markers sort as offset 0; stability keeps them in arrival order.
func offset(s models.Segment) int {
	sec, err := timecode.Parse(s.Timestamp)
	if err != nil {
		return 0
	}
	return sec
}
