package transcript

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// WriteText writes one line per segment:
//
//	[00:00:01.500 --> 00:00:04.000] Speaker 1: hello there
//
// Speakers are numbered from 1.
func WriteText(w io.Writer, segments []Segment) error {
	for _, s := range segments {
		if _, err := fmt.Fprintf(w, "[%s --> %s] Speaker %d: %s\n",
			timestamp(s.StartMs), timestamp(s.EndMs), s.Speaker+1, s.Text); err != nil {
			return fmt.Errorf("transcript: write text: %w", err)
		}
	}
	return nil
}

// WriteJSON writes segments as an indented JSON array. A nil slice is
// written as [].
func WriteJSON(w io.Writer, segments []Segment) error {
	if segments == nil {
		segments = []Segment{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(segments); err != nil {
		return fmt.Errorf("transcript: write json: %w", err)
	}
	return nil
}

func timestamp(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, d/time.Millisecond)
}
