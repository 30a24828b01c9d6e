// Package voice wraps the speech-to-text and text-to-speech side channels
// behind small capability interfaces, so the session never touches audio
// devices or speech engines directly.
package voice

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrUnavailable = errors.New("voice capability unavailable")
	ErrBusy        = errors.New("capture already active")
	ErrNoSpeech    = errors.New("no-speech")
)

// EventKind is what a capture reports.
type EventKind int

const (
	EventResult EventKind = iota + 1
	EventError
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventResult:
		return "result"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is one capture notification. A capture emits at most one Result or
// Error, always before End, then closes the channel.
type Event struct {
	Kind       EventKind
	Transcript string
	Err        error
}

// CaptureConfig is fixed by the session for every capture.
type CaptureConfig struct {
	Language     string        // BCP 47, e.g. "en-US"
	SingleResult bool          // stop after the first utterance
	MaxDuration  time.Duration // hard cap on listening time
}

// Capture turns speech into one utterance per Start.
type Capture interface {
	Available() bool
	Start(ctx context.Context, cfg CaptureConfig) (<-chan Event, error)
	Stop()
}

// Output speaks a reply. Speak must not block on playback.
type Output interface {
	Available() bool
	Speak(text string)
}

// Transcriber turns 16 kHz mono PCM into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm16k []float32, language string) (string, error)
}

// emit delivers the terminal events of one capture and closes the channel.
func emit(events chan<- Event, transcript string, err error) {
	defer close(events)

	transcript = strings.TrimSpace(transcript)
	switch {
	case err != nil:
		events <- Event{Kind: EventError, Err: err}
	case transcript == "":
		events <- Event{Kind: EventError, Err: ErrNoSpeech}
	default:
		events <- Event{Kind: EventResult, Transcript: transcript}
	}

	events <- Event{Kind: EventEnd}
}

// Lang reduces a locale to the language code speech engines expect.
func Lang(locale string) string {
	lang, _, _ := strings.Cut(locale, "-")
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return "auto"
	}
	return lang
}
