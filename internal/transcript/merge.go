package transcript

import (
	"cmp"
	"slices"
	"time"
)

// Merge orders segments by start time and joins every run of neighbouring
// segments with the same speaker into one, concatenating the texts with a
// space and keeping the later end time. When maxGap is positive, neighbours
// separated by more than maxGap of silence stay apart. The input is not
// modified.
func Merge(segments []Segment, maxGap time.Duration) []Segment {
	if len(segments) == 0 {
		return []Segment{}
	}
	sorted := slices.Clone(segments)
	slices.SortStableFunc(sorted, func(a, b Segment) int {
		return cmp.Compare(a.StartMs, b.StartMs)
	})

	gapMs := maxGap.Milliseconds()
	out := make([]Segment, 0, len(sorted))
	cur := sorted[0]
	for _, next := range sorted[1:] {
		if next.Speaker == cur.Speaker && (gapMs <= 0 || next.StartMs-cur.EndMs <= gapMs) {
			cur.Text = joinText(cur.Text, next.Text)
			cur.EndMs = max(cur.EndMs, next.EndMs)
			continue
		}
		out = append(out, cur)
		cur = next
	}
	return append(out, cur)
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}
