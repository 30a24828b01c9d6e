package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jarvis/internal/nlu"
	"jarvis/internal/transport"
	"jarvis/internal/voice"
)

const (
	wait = 2 * time.Second
	tick = 5 * time.Millisecond
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	payload []byte
	err     error
	gate    chan struct{}
}

func (f *fakeTransport) Send(ctx context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.payload, f.err
}

func (f *fakeTransport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

type fakeOutput struct {
	available bool

	mu     sync.Mutex
	spoken []string
}

func (f *fakeOutput) Available() bool { return f.available }

func (f *fakeOutput) Speak(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, text)
}

func (f *fakeOutput) Spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.spoken)
}

type fakeCapture struct {
	available bool
	startErr  error

	mu     sync.Mutex
	cfg    voice.CaptureConfig
	starts int
	stops  int
	events chan voice.Event
}

func (f *fakeCapture) Available() bool { return f.available }

func (f *fakeCapture) Start(_ context.Context, cfg voice.CaptureConfig) (<-chan voice.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts++
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.cfg = cfg
	f.events = make(chan voice.Event, 4)
	return f.events, nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeCapture) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// finish delivers evs on the latest capture and closes it.
func (f *fakeCapture) finish(evs ...voice.Event) {
	f.mu.Lock()
	ch := f.events
	f.mu.Unlock()

	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
}

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) observe(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) everPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s.Pending {
			return true
		}
	}
	return false
}

type fixture struct {
	ctl     *Controller
	command *fakeTransport
	chat    *fakeTransport
	capture *fakeCapture
	output  *fakeOutput
	changes *recorder
	cancel  context.CancelFunc
}

var epoch = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, configure func(*fixture)) *fixture {
	t.Helper()

	f := &fixture{
		command: &fakeTransport{payload: []byte(`{"text":"done"}`)},
		chat:    &fakeTransport{payload: []byte(`{"message":"sure"}`)},
		capture: &fakeCapture{available: true},
		output:  &fakeOutput{available: true},
		changes: &recorder{},
	}
	if configure != nil {
		configure(f)
	}

	router, err := nlu.DefaultRouter("Jarvis")
	require.NoError(t, err)

	transports := map[nlu.Channel]transport.Transport{}
	if f.command != nil {
		transports[nlu.Command] = f.command
	}
	if f.chat != nil {
		transports[nlu.Chat] = f.chat
	}

	var capture voice.Capture
	if f.capture != nil {
		capture = f.capture
	}

	f.ctl, err = New(router, transports, capture, f.output, Options{
		Now:      func() time.Time { return epoch },
		OnChange: f.changes.observe,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.ctl.Run(ctx)

	t.Cleanup(func() {
		cancel()
		<-f.ctl.Done()
	})

	return f
}

func (f *fixture) texts() []string {
	var out []string
	for _, m := range f.ctl.Snapshot().Log {
		out = append(out, m.Text)
	}
	return out
}

func (f *fixture) waitLog(t *testing.T, n int) []Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.ctl.Snapshot().Log) >= n }, wait, tick)
	s := f.ctl.Snapshot()
	require.Len(t, s.Log, n, "log: %q", f.texts())
	return s.Log
}

func TestNewSeedsGreeting(t *testing.T) {
	router, err := nlu.DefaultRouter("Jarvis")
	require.NoError(t, err)

	c, err := New(router, nil, nil, nil, Options{Now: func() time.Time { return epoch }})
	require.NoError(t, err)

	s := c.Snapshot()
	require.Len(t, s.Log, 1)
	assert.Equal(t, Message{Sender: Assistant, Text: DefaultGreeting, Timestamp: epoch}, s.Log[0])
	assert.False(t, s.Pending)
	assert.False(t, s.Recording)
}

func TestNewRequiresRouter(t *testing.T) {
	_, err := New(nil, nil, nil, nil, Options{})
	assert.Error(t, err)
}

func TestCommandRequest(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.command.payload = []byte(`{"spoken_response":"Opening Chrome","logs":["launched chrome","navigated to gmail"]}`)
	})

	f.ctl.Submit("  Open Chrome and   go to Gmail ")

	log := f.waitLog(t, 5)
	assert.Equal(t, Message{Sender: User, Text: "Open Chrome and   go to Gmail", Timestamp: epoch}, log[1])
	for _, m := range log[2:] {
		assert.Equal(t, Assistant, m.Sender)
	}
	assert.Equal(t, []string{"Opening Chrome", "launched chrome", "navigated to gmail"}, f.texts()[2:])

	assert.Equal(t, []string{"Open Chrome and   go to Gmail"}, f.command.Sent())
	assert.Empty(t, f.chat.Sent())
	assert.Equal(t, []string{"Opening Chrome"}, f.output.Spoken())
	assert.False(t, f.ctl.Snapshot().Pending)
}

func TestChatRequest(t *testing.T) {
	f := newFixture(t, nil)

	f.ctl.Submit("what is the weather like")

	f.waitLog(t, 3)
	assert.Equal(t, "sure", f.texts()[2])
	assert.Equal(t, []string{"what is the weather like"}, f.chat.Sent())
	assert.Empty(t, f.command.Sent())
	assert.Equal(t, []string{"sure"}, f.output.Spoken())
}

func TestLocalReplyNeverGoesRemote(t *testing.T) {
	f := newFixture(t, nil)

	f.ctl.Submit("hello")

	log := f.waitLog(t, 3)
	assert.Equal(t, User, log[1].Sender)
	assert.Equal(t, "Hey there! What can I do for you today?", log[2].Text)

	assert.Empty(t, f.command.Sent())
	assert.Empty(t, f.chat.Sent())
	assert.Empty(t, f.output.Spoken())
	assert.False(t, f.changes.everPending())
}

func TestPendingSpansTheRemoteCall(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, func(f *fixture) { f.chat.gate = gate })

	f.ctl.Submit("tell me a joke")

	require.Eventually(t, func() bool { return f.ctl.Snapshot().Pending }, wait, tick)
	assert.Len(t, f.ctl.Snapshot().Log, 2)

	close(gate)

	f.waitLog(t, 3)
	assert.False(t, f.ctl.Snapshot().Pending)
}

func TestTransportFailure(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.chat.err = errors.New("connection refused")
	})

	f.ctl.Submit("tell me a joke")

	log := f.waitLog(t, 3)
	assert.Equal(t, Message{Sender: Assistant, Text: BackendFailedText, Timestamp: epoch}, log[2])
	assert.False(t, f.ctl.Snapshot().Pending)
	assert.Empty(t, f.output.Spoken())
	assert.Len(t, f.chat.Sent(), 1)
}

func TestMissingTransportIsAFailure(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.chat = nil })

	f.ctl.Submit("tell me a joke")

	f.waitLog(t, 3)
	assert.Equal(t, BackendFailedText, f.texts()[2])
	assert.False(t, f.ctl.Snapshot().Pending)
}

func TestUnrecognizedPayload(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.chat.payload = []byte(`{"foo": 1}`) })

	f.ctl.Submit("tell me a joke")

	f.waitLog(t, 3)
	assert.Contains(t, f.texts()[2], `{"foo":1}`)
	assert.Empty(t, f.output.Spoken())
}

func TestBlockedReplyIsSpokenWithoutReason(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.command.payload = []byte(`{"text":"I can't do that","blocked":true,"reason":"destructive command"}`)
	})

	f.ctl.Submit("open chrome and go to gmail")

	f.waitLog(t, 4)
	assert.Equal(t, []string{"I can't do that", "Blocked: destructive command"}, f.texts()[2:])
	assert.Equal(t, []string{"I can't do that"}, f.output.Spoken())
}

func TestSilentOutputIsSkipped(t *testing.T) {
	f := newFixture(t, func(f *fixture) { f.output.available = false })

	f.ctl.Submit("tell me a joke")

	f.waitLog(t, 3)
	assert.Empty(t, f.output.Spoken())
}

func TestOverlappingSubmissionsAreQueued(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, func(f *fixture) {
		f.chat.gate = gate
		f.chat.payload = []byte(`"ok"`)
	})

	f.ctl.Submit("first question")
	require.Eventually(t, func() bool { return f.ctl.Snapshot().Pending }, wait, tick)

	f.ctl.Submit("hello")
	f.ctl.Submit("second question")

	assert.Never(t, func() bool { return len(f.ctl.Snapshot().Log) > 2 }, 50*time.Millisecond, tick)

	close(gate)

	f.waitLog(t, 7)
	assert.Equal(t, []string{
		DefaultGreeting,
		"first question", "ok",
		"hello", "Hey there! What can I do for you today?",
		"second question", "ok",
	}, f.texts())
	assert.Equal(t, []string{"first question", "second question"}, f.chat.Sent())
	assert.False(t, f.ctl.Snapshot().Pending)
}

func TestBlankSubmissionIgnored(t *testing.T) {
	f := newFixture(t, nil)

	f.ctl.Submit("   ")
	f.ctl.Submit("")
	f.ctl.Submit("hi")

	f.waitLog(t, 3)
	assert.Equal(t, "hi", f.texts()[1])
	assert.Equal(t, "Hello! I'm Jarvis, ready to help you automate your system.", f.texts()[2])
}

func TestDraft(t *testing.T) {
	f := newFixture(t, nil)

	f.ctl.SetDraft("how are you doing")
	require.Eventually(t, func() bool { return f.ctl.Snapshot().Draft == "how are you doing" }, wait, tick)

	f.ctl.SubmitDraft()

	f.waitLog(t, 3)
	assert.Equal(t, "how are you doing", f.texts()[1])
	assert.Empty(t, f.ctl.Snapshot().Draft)
}

func TestToggleWithoutCapture(t *testing.T) {
	for name, configure := range map[string]func(*fixture){
		"missing":     func(f *fixture) { f.capture = nil },
		"unavailable": func(f *fixture) { f.capture.available = false },
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, configure)

			f.ctl.ToggleRecording()

			f.waitLog(t, 2)
			assert.Equal(t, NoCaptureText, f.texts()[1])
			assert.False(t, f.ctl.Snapshot().Recording)
		})
	}
}

func TestCaptureRefused(t *testing.T) {
	for name, tc := range map[string]struct {
		err  error
		want string
	}{
		"denied": {errors.New("permission denied"), MicDeniedText},
		"busy":   {voice.ErrBusy, CaptureBusyText},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, func(f *fixture) { f.capture.startErr = tc.err })

			f.ctl.StartRecording()

			f.waitLog(t, 2)
			assert.Equal(t, tc.want, f.texts()[1])
			assert.False(t, f.ctl.Snapshot().Recording)
		})
	}
}

func TestCaptureResultIsSubmitted(t *testing.T) {
	f := newFixture(t, nil)

	f.ctl.ToggleRecording()
	require.Eventually(t, func() bool { return f.ctl.Snapshot().Recording }, wait, tick)

	f.capture.mu.Lock()
	cfg := f.capture.cfg
	f.capture.mu.Unlock()
	assert.Equal(t, voice.CaptureConfig{Language: DefaultLanguage, SingleResult: true, MaxDuration: DefaultMaxCapture}, cfg)

	f.capture.finish(
		voice.Event{Kind: voice.EventResult, Transcript: "open chrome and go to gmail"},
		voice.Event{Kind: voice.EventEnd},
	)

	f.waitLog(t, 3)
	assert.Equal(t, "open chrome and go to gmail", f.texts()[1])
	assert.Equal(t, "done", f.texts()[2])
	assert.False(t, f.ctl.Snapshot().Recording)
	assert.Equal(t, []string{"open chrome and go to gmail"}, f.command.Sent())
}

func TestCaptureError(t *testing.T) {
	f := newFixture(t, nil)

	f.ctl.StartRecording()
	require.Eventually(t, func() bool { return f.ctl.Snapshot().Recording }, wait, tick)

	f.capture.finish(
		voice.Event{Kind: voice.EventError, Err: voice.ErrNoSpeech},
		voice.Event{Kind: voice.EventEnd},
	)

	f.waitLog(t, 2)
	assert.Equal(t, "Voice channel hiccup: no-speech", f.texts()[1])
	assert.False(t, f.ctl.Snapshot().Recording)
}

func TestCaptureEndClearsRecording(t *testing.T) {
	f := newFixture(t, nil)

	f.ctl.StartRecording()
	require.Eventually(t, func() bool { return f.ctl.Snapshot().Recording }, wait, tick)

	f.capture.finish(voice.Event{Kind: voice.EventEnd})

	require.Eventually(t, func() bool { return !f.ctl.Snapshot().Recording }, wait, tick)
	assert.Len(t, f.ctl.Snapshot().Log, 1)
}

func TestStartWhileRecordingIsNoop(t *testing.T) {
	f := newFixture(t, nil)

	f.ctl.StartRecording()
	f.ctl.StartRecording()
	require.Eventually(t, func() bool { return f.ctl.Snapshot().Recording }, wait, tick)

	f.ctl.SetDraft("sync")
	require.Eventually(t, func() bool { return f.ctl.Snapshot().Draft == "sync" }, wait, tick)

	f.capture.mu.Lock()
	defer f.capture.mu.Unlock()
	assert.Equal(t, 1, f.capture.starts)
}

func TestStopDiscardsLateEvents(t *testing.T) {
	f := newFixture(t, nil)

	f.ctl.ToggleRecording()
	require.Eventually(t, func() bool { return f.ctl.Snapshot().Recording }, wait, tick)

	f.ctl.ToggleRecording()
	require.Eventually(t, func() bool { return !f.ctl.Snapshot().Recording }, wait, tick)
	assert.Equal(t, 1, f.capture.Stops())

	f.capture.finish(
		voice.Event{Kind: voice.EventResult, Transcript: "hello"},
		voice.Event{Kind: voice.EventEnd},
	)

	assert.Never(t, func() bool { return len(f.ctl.Snapshot().Log) > 1 }, 100*time.Millisecond, tick)
	assert.False(t, f.ctl.Snapshot().Recording)
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	f := newFixture(t, nil)

	f.ctl.StopRecording()
	f.ctl.SetDraft("sync")
	require.Eventually(t, func() bool { return f.ctl.Snapshot().Draft == "sync" }, wait, tick)

	assert.Zero(t, f.capture.Stops())
}

func TestRunStopsActiveCapture(t *testing.T) {
	f := newFixture(t, nil)

	f.ctl.StartRecording()
	require.Eventually(t, func() bool { return f.ctl.Snapshot().Recording }, wait, tick)

	f.cancel()
	<-f.ctl.Done()

	assert.Equal(t, 1, f.capture.Stops())

	// posting after shutdown must not block
	f.ctl.Submit("hello")
}

func TestLogIsAppendOnly(t *testing.T) {
	f := newFixture(t, nil)

	f.ctl.Submit("hi")
	first := f.waitLog(t, 3)

	f.ctl.Submit("tell me a joke")
	second := f.waitLog(t, 5)

	assert.Equal(t, first, second[:3])
}

func TestWaitIdleCoversQueuedReplies(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, func(f *fixture) {
		f.chat.gate = gate
		f.chat.payload = []byte(`"ok"`)
	})

	f.ctl.Submit("first question")
	f.ctl.Submit("hello")

	idle := make(chan error, 1)
	go func() { idle <- f.ctl.WaitIdle(context.Background()) }()

	assert.Never(t, func() bool { return len(idle) > 0 }, 50*time.Millisecond, tick)
	close(gate)

	select {
	case err := <-idle:
		require.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("session never went idle")
	}

	// Replies are in place before anyone gets to shut the session down.
	f.cancel()
	<-f.ctl.Done()
	assert.Equal(t, []string{
		DefaultGreeting,
		"first question", "ok",
		"hello", "Hey there! What can I do for you today?",
	}, f.texts())
}

func TestWaitIdleSeesEarlierLocalReply(t *testing.T) {
	for range 50 {
		f := newFixture(t, nil)

		f.ctl.Submit("hello")
		require.NoError(t, f.ctl.WaitIdle(context.Background()))
		f.cancel()
		<-f.ctl.Done()

		require.Len(t, f.ctl.Snapshot().Log, 3)
	}
}

func TestWaitIdleGivesUp(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := newFixture(t, func(f *fixture) { f.chat.gate = gate })

	f.ctl.Submit("tell me a joke")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.ctl.WaitIdle(ctx), context.DeadlineExceeded)

	f.cancel()
	<-f.ctl.Done()
	assert.NoError(t, f.ctl.WaitIdle(context.Background()))
}
