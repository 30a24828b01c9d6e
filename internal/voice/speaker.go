package voice

import (
	log "log/slog"
	"sync"
)

// SpeakFunc synthesizes and plays text, blocking until playback ends.
type SpeakFunc func(text string) error

// Speaker plays replies one after another on a background worker so Speak
// returns immediately. When the queue is full new replies are dropped.
type Speaker struct {
	say SpeakFunc

	mu     sync.RWMutex
	closed bool
	queue  chan string
	done   chan struct{}
}

func NewSpeaker(say SpeakFunc, depth int) *Speaker {
	if depth <= 0 {
		depth = 4
	}

	s := &Speaker{
		say:   say,
		queue: make(chan string, depth),
		done:  make(chan struct{}),
	}

	if say == nil {
		close(s.done)
		return s
	}

	go s.loop()
	return s
}

func (s *Speaker) Available() bool {
	return s != nil && s.say != nil
}

func (s *Speaker) Speak(text string) {
	if !s.Available() || text == "" {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

	select {
	case s.queue <- text:
	default:
		log.Warn("Speech queue full, dropping reply", "chars", len(text))
	}
}

// Close finishes what is queued and stops the worker.
func (s *Speaker) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	<-s.done
}

func (s *Speaker) loop() {
	defer close(s.done)

	for text := range s.queue {
		if err := s.say(text); err != nil {
			log.Error("Failed to voice out", "err", err)
		}
	}
}
