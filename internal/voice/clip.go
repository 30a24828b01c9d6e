package voice

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
)

// Decoder loads an audio file as 16 kHz mono PCM.
type Decoder func(ctx context.Context, path string) ([]float32, error)

// ClipCapture stands in for the microphone with pre-recorded clips, one per
// Start, cycling through the list.
type ClipCapture struct {
	decode Decoder
	tr     Transcriber
	clips  []string

	mu     sync.Mutex
	next   int
	cancel context.CancelFunc
}

func NewClipCapture(decode Decoder, tr Transcriber, clips ...string) *ClipCapture {
	return &ClipCapture{
		decode: decode,
		tr:     tr,
		clips:  append([]string(nil), clips...),
	}
}

func (c *ClipCapture) Available() bool {
	return c != nil && c.decode != nil && c.tr != nil && len(c.clips) > 0
}

func (c *ClipCapture) Start(ctx context.Context, cfg CaptureConfig) (<-chan Event, error) {
	if !c.Available() {
		return nil, ErrUnavailable
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return nil, ErrBusy
	}

	path := c.clips[c.next%len(c.clips)]
	c.next++

	cctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	events := make(chan Event, 2)
	go c.run(cctx, cfg, path, events)

	return events, nil
}

func (c *ClipCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *ClipCapture) run(ctx context.Context, cfg CaptureConfig, path string, events chan<- Event) {
	text, err := c.transcribe(ctx, cfg, path)
	cancelled := ctx.Err() != nil

	c.mu.Lock()
	c.cancel()
	c.cancel = nil
	c.mu.Unlock()

	if cancelled {
		endOnly(events)
		return
	}
	emit(events, text, err)
}

func (c *ClipCapture) transcribe(ctx context.Context, cfg CaptureConfig, path string) (string, error) {
	log.Debug("Transcribing clip", "path", path)

	pcm, err := c.decode(ctx, path)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}

	if cfg.MaxDuration > 0 {
		if limit := int(cfg.MaxDuration.Seconds() * 16000); len(pcm) > limit {
			pcm = pcm[:limit]
		}
	}
	if len(pcm) == 0 {
		return "", ErrNoSpeech
	}

	text, err := c.tr.Transcribe(ctx, pcm, Lang(cfg.Language))
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return text, nil
}
