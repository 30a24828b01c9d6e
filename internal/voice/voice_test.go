package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	pcm     []float32
	err     error
	waitFor bool // block until stop is closed
}

func (r *fakeRecorder) Listen(stop <-chan struct{}, _ time.Duration) ([]float32, error) {
	if r.waitFor {
		<-stop
	}
	return r.pcm, r.err
}

type fakeTranscriber struct {
	mu   sync.Mutex
	text string
	err  error
	lang string
	got  int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, pcm []float32, lang string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lang = lang
	f.got = len(pcm)
	return f.text, f.err
}

type fakeDucker struct {
	mu             sync.Mutex
	ducked, undone int
}

func (d *fakeDucker) DuckOthers(context.Context, float64, time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ducked++
	return nil
}

func (d *fakeDucker) UnduckOthers(context.Context, time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.undone++
	return errors.New("pactl missing")
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()

	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("capture never closed its event channel")
			return out
		}
	}
}

var enUS = CaptureConfig{Language: "en-US", SingleResult: true, MaxDuration: 10 * time.Second}

func TestMicCaptureResultThenEnd(t *testing.T) {
	tr := &fakeTranscriber{text: "  open chrome and go to gmail "}
	duck := &fakeDucker{}
	cued := 0
	m := NewMicCapture(&fakeRecorder{pcm: make([]float32, 1600)}, tr, MicOptions{Ducker: duck, Cue: func() { cued++ }})

	events, err := m.Start(context.Background(), enUS)
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, EventResult, got[0].Kind)
	assert.Equal(t, "open chrome and go to gmail", got[0].Transcript)
	assert.Equal(t, EventEnd, got[1].Kind)

	assert.Equal(t, "en", tr.lang)
	assert.Equal(t, 1600, tr.got)
	assert.Equal(t, 1, cued)
	assert.Equal(t, 1, duck.ducked)
	assert.Equal(t, 1, duck.undone)
}

func TestMicCaptureEmptyTranscriptIsNoSpeech(t *testing.T) {
	m := NewMicCapture(&fakeRecorder{pcm: make([]float32, 1600)}, &fakeTranscriber{text: "   "}, MicOptions{})

	events, err := m.Start(context.Background(), enUS)
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, EventError, got[0].Kind)
	assert.ErrorIs(t, got[0].Err, ErrNoSpeech)
	assert.Equal(t, EventEnd, got[1].Kind)
}

func TestMicCaptureSilenceIsNoSpeech(t *testing.T) {
	tr := &fakeTranscriber{text: "phantom"}
	m := NewMicCapture(&fakeRecorder{}, tr, MicOptions{})

	events, err := m.Start(context.Background(), enUS)
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, EventError, got[0].Kind)
	assert.Equal(t, ErrNoSpeech, got[0].Err)
	assert.Equal(t, EventEnd, got[1].Kind)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Zero(t, tr.got, "nothing to transcribe")
}

func TestMicCaptureRecordError(t *testing.T) {
	m := NewMicCapture(&fakeRecorder{err: errors.New("device busy")}, &fakeTranscriber{text: "x"}, MicOptions{})

	events, err := m.Start(context.Background(), enUS)
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, EventError, got[0].Kind)
	assert.Contains(t, got[0].Err.Error(), "device busy")
}

func TestMicCaptureStopEndsWithoutResult(t *testing.T) {
	tr := &fakeTranscriber{text: "should not be used"}
	m := NewMicCapture(&fakeRecorder{waitFor: true}, tr, MicOptions{})

	events, err := m.Start(context.Background(), enUS)
	require.NoError(t, err)

	_, err = m.Start(context.Background(), enUS)
	assert.ErrorIs(t, err, ErrBusy)

	m.Stop()
	m.Stop()

	got := collect(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, EventEnd, got[0].Kind)
	assert.Zero(t, tr.got)

	assert.Eventually(t, func() bool {
		ev, err := m.Start(context.Background(), enUS)
		if err != nil {
			return false
		}
		m.Stop()
		collect(t, ev)
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestMicCaptureUnavailable(t *testing.T) {
	var m *MicCapture
	assert.False(t, m.Available())

	m = NewMicCapture(nil, &fakeTranscriber{}, MicOptions{})
	assert.False(t, m.Available())

	_, err := m.Start(context.Background(), enUS)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClipCaptureCyclesClips(t *testing.T) {
	var decoded []string
	decode := func(_ context.Context, path string) ([]float32, error) {
		decoded = append(decoded, path)
		return make([]float32, 16000*20), nil
	}
	tr := &fakeTranscriber{text: "hello"}
	c := NewClipCapture(decode, tr, "a.wav", "b.ogg")
	require.True(t, c.Available())

	for range 3 {
		events, err := c.Start(context.Background(), enUS)
		require.NoError(t, err)
		got := collect(t, events)
		require.Len(t, got, 2)
		assert.Equal(t, "hello", got[0].Transcript)
	}

	assert.Equal(t, []string{"a.wav", "b.ogg", "a.wav"}, decoded)
	assert.Equal(t, 16000*10, tr.got)
}

func TestClipCaptureEmptyClipIsNoSpeech(t *testing.T) {
	decode := func(context.Context, string) ([]float32, error) { return nil, nil }
	c := NewClipCapture(decode, &fakeTranscriber{text: "phantom"}, "silence.wav")

	events, err := c.Start(context.Background(), enUS)
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, EventError, got[0].Kind)
	assert.ErrorIs(t, got[0].Err, ErrNoSpeech)
}

func TestClipCaptureDecodeError(t *testing.T) {
	decode := func(context.Context, string) ([]float32, error) { return nil, errors.New("unsupported format") }
	c := NewClipCapture(decode, &fakeTranscriber{}, "x.flac")

	events, err := c.Start(context.Background(), enUS)
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, EventError, got[0].Kind)
	assert.Contains(t, got[0].Err.Error(), "x.flac")
}

func TestClipCaptureWithoutClipsIsUnavailable(t *testing.T) {
	c := NewClipCapture(func(context.Context, string) ([]float32, error) { return nil, nil }, &fakeTranscriber{})
	assert.False(t, c.Available())
}

func TestSpeakerPlaysInOrder(t *testing.T) {
	var mu sync.Mutex
	var said []string
	s := NewSpeaker(func(text string) error {
		mu.Lock()
		defer mu.Unlock()
		said = append(said, text)
		return nil
	}, 8)

	require.True(t, s.Available())
	s.Speak("one")
	s.Speak("")
	s.Speak("two")
	s.Close()
	s.Speak("after close")

	assert.Equal(t, []string{"one", "two"}, said)
}

func TestSpeakerDropsWhenSaturated(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var mu sync.Mutex
	var said []string

	s := NewSpeaker(func(text string) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		mu.Lock()
		said = append(said, text)
		mu.Unlock()
		return nil
	}, 1)

	s.Speak("first")
	<-started
	s.Speak("queued")
	s.Speak("dropped")
	close(release)
	s.Close()

	assert.Equal(t, []string{"first", "queued"}, said)
}

func TestSpeakerWithoutSynth(t *testing.T) {
	s := NewSpeaker(nil, 0)
	assert.False(t, s.Available())
	s.Speak("ignored")
	s.Close()
}

func TestLang(t *testing.T) {
	assert.Equal(t, "en", Lang("en-US"))
	assert.Equal(t, "ru", Lang("RU"))
	assert.Equal(t, "auto", Lang(""))
}
