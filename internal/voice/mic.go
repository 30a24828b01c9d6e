package voice

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"time"
)

// Recorder captures one utterance from the microphone. It returns early, with
// whatever was captured, once stop is closed.
type Recorder interface {
	Listen(stop <-chan struct{}, maxDur time.Duration) ([]float32, error)
}

// Ducker lowers other applications' audio while the mic is open.
type Ducker interface {
	DuckOthers(ctx context.Context, factor float64, duration time.Duration) error
	UnduckOthers(ctx context.Context, duration time.Duration) error
}

type MicOptions struct {
	Cue        func() // played right before listening starts
	Ducker     Ducker
	DuckFactor float64
	Fade       time.Duration
}

// MicCapture listens on the default input device and transcribes locally.
type MicCapture struct {
	rec  Recorder
	tr   Transcriber
	opts MicOptions

	mu     sync.Mutex
	active *listening
}

type listening struct {
	stop   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

func (l *listening) halt() {
	l.once.Do(func() {
		close(l.stop)
		l.cancel()
	})
}

func (l *listening) halted() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

func NewMicCapture(rec Recorder, tr Transcriber, opts MicOptions) *MicCapture {
	if opts.DuckFactor <= 0 {
		opts.DuckFactor = 0.3
	}
	return &MicCapture{rec: rec, tr: tr, opts: opts}
}

func (m *MicCapture) Available() bool {
	return m != nil && m.rec != nil && m.tr != nil
}

func (m *MicCapture) Start(ctx context.Context, cfg CaptureConfig) (<-chan Event, error) {
	if !m.Available() {
		return nil, ErrUnavailable
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, ErrBusy
	}

	cctx, cancel := context.WithCancel(ctx)
	l := &listening{stop: make(chan struct{}), cancel: cancel}
	m.active = l

	events := make(chan Event, 2)
	go m.run(cctx, cfg, l, events)

	return events, nil
}

// Stop abandons the current capture. Nothing is transcribed.
func (m *MicCapture) Stop() {
	m.mu.Lock()
	l := m.active
	m.mu.Unlock()

	if l != nil {
		l.halt()
	}
}

func (m *MicCapture) run(ctx context.Context, cfg CaptureConfig, l *listening, events chan<- Event) {
	defer l.cancel()

	text, err := m.listen(ctx, cfg, l)
	m.release(l)

	if l.halted() {
		endOnly(events)
		return
	}
	emit(events, text, err)
}

func (m *MicCapture) listen(ctx context.Context, cfg CaptureConfig, l *listening) (string, error) {
	if m.opts.Cue != nil {
		m.opts.Cue()
	}

	m.duck(ctx)
	pcm, err := m.rec.Listen(l.stop, cfg.MaxDuration)
	m.unduck()

	if err != nil {
		return "", fmt.Errorf("record: %w", err)
	}
	if l.halted() {
		return "", nil
	}
	if len(pcm) == 0 {
		return "", ErrNoSpeech
	}

	log.Debug("Recorded", "samples", len(pcm))

	text, err := m.tr.Transcribe(ctx, pcm, Lang(cfg.Language))
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}

	log.Debug("Transcribed", "text", text)
	return text, nil
}

// release frees the capture slot. The stop channel stays as it is so a late
// Stop still marks this run halted.
func (m *MicCapture) release(l *listening) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == l {
		m.active = nil
	}
}

func (m *MicCapture) duck(ctx context.Context) {
	if m.opts.Ducker == nil {
		return
	}
	if err := m.opts.Ducker.DuckOthers(ctx, m.opts.DuckFactor, m.opts.Fade); err != nil {
		log.Warn("Failed to duck other streams", "err", err)
	}
}

func (m *MicCapture) unduck() {
	if m.opts.Ducker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.opts.Ducker.UnduckOthers(ctx, m.opts.Fade); err != nil {
		log.Warn("Failed to restore other streams", "err", err)
	}
}

func endOnly(events chan<- Event) {
	events <- Event{Kind: EventEnd}
	close(events)
}
