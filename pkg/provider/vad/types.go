package vad

// VADEvent represents a voice activity detection result for a single window.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// IsSpeech reports whether the window was classified as speech.
func (e VADEvent) IsSpeech() bool {
	return e.Type == VADSpeechStart || e.Type == VADSpeechContinue
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// String returns the event type name.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}

// Tracker turns per-window speech decisions into transition events. The zero
// value starts in silence.
type Tracker struct {
	inSpeech bool
}

// Observe records one window's probability against threshold and returns
// the resulting event.
func (t *Tracker) Observe(prob, threshold float64) VADEvent {
	speech := prob >= threshold
	var typ VADEventType
	switch {
	case speech && !t.inSpeech:
		typ = VADSpeechStart
	case speech:
		typ = VADSpeechContinue
	case t.inSpeech:
		typ = VADSpeechEnd
	default:
		typ = VADSilence
	}
	t.inSpeech = speech
	return VADEvent{Type: typ, Probability: prob}
}

// Reset returns the tracker to silence.
func (t *Tracker) Reset() { t.inSpeech = false }
