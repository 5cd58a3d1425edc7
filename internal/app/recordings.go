package app

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/transcript"
	"github.com/MrWong99/callscribe/pkg/audio"
)

// ErrBusy is returned by [Recordings.Transcribe] when every slot is taken.
var ErrBusy = errors.New("app: too many recordings in progress")

// Transcriber is the pipeline surface [Recordings] drives.
// [*transcript.Pipeline] satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, wf audio.Waveform, language string) ([]transcript.Segment, error)
}

// RecordingInfo describes one recording being transcribed.
type RecordingInfo struct {
	RunID     string
	Source    string
	Language  string
	Duration  time.Duration
	StartedAt time.Time
}

// Recordings bounds how many recordings are transcribed at once and tracks
// the ones in progress. All methods are safe for concurrent use.
type Recordings struct {
	pipeline Transcriber
	slots    chan struct{}
	wait     bool

	mu     sync.Mutex
	active map[string]RecordingInfo
}

// NewRecordings returns a manager with capacity slots. When wait is true a
// caller blocks for a free slot; otherwise it fails fast with [ErrBusy].
func NewRecordings(p Transcriber, capacity int, wait bool) *Recordings {
	if capacity < 1 {
		capacity = 1
	}
	return &Recordings{
		pipeline: p,
		slots:    make(chan struct{}, capacity),
		wait:     wait,
		active:   make(map[string]RecordingInfo),
	}
}

// Transcribe runs the pipeline on wf inside a slot. The run id is taken from
// ctx when present, otherwise a new one is assigned. source labels the
// recording in [Recordings.Active] (a file name or remote address).
func (r *Recordings) Transcribe(ctx context.Context, source string, wf audio.Waveform, language string) ([]transcript.Segment, error) {
	if r.wait {
		select {
		case r.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		select {
		case r.slots <- struct{}{}:
		default:
			return nil, ErrBusy
		}
	}
	defer func() { <-r.slots }()

	runID := observe.RunID(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = observe.WithRunID(ctx, runID)
	}
	r.mu.Lock()
	r.active[runID] = RecordingInfo{
		RunID:     runID,
		Source:    source,
		Language:  language,
		Duration:  wf.Duration(),
		StartedAt: time.Now().UTC(),
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, runID)
		r.mu.Unlock()
	}()

	return r.pipeline.Transcribe(ctx, wf, language)
}

// Active returns the recordings in progress, oldest first.
func (r *Recordings) Active() []RecordingInfo {
	r.mu.Lock()
	out := make([]RecordingInfo, 0, len(r.active))
	for _, info := range r.active {
		out = append(out, info)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b RecordingInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.RunID, b.RunID)
	})
	return out
}
