// Package stt runs whisper.cpp speech recognition on in-memory PCM.
package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

var ErrNoSamples = errors.New("no audio samples provided")

type Options struct {
	Threads       int    // <=0 => NumCPU()
	BeamSize      int    // 0 = greedy
	InitialPrompt string // biases decoding towards the console's vocabulary
	Translate     bool   // translate non-English speech to English
}

type Transcriber struct {
	opts Options

	mu    sync.Mutex // whisper contexts share the model's compute buffers
	model whisper.Model
}

func NewTranscriber(modelPath string, opts Options) (*Transcriber, error) {
	if modelPath == "" {
		return nil, errors.New("empty model path")
	}
	m, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	if opts.Threads <= 0 {
		opts.Threads = runtime.NumCPU()
	}
	return &Transcriber{model: m, opts: opts}, nil
}

func (t *Transcriber) Close() error {
	if t.model == nil {
		return nil
	}
	return t.model.Close()
}

// Transcribe returns the text spoken in pcm16k, mono float32 samples at
// 16 kHz. language is a whisper language code or "auto".
func (t *Transcriber) Transcribe(ctx context.Context, pcm16k []float32, language string) (string, error) {
	if t.model == nil {
		return "", errors.New("nil model")
	}
	if len(pcm16k) == 0 {
		return "", ErrNoSamples
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	wctx, err := t.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("new context: %w", err)
	}

	if language == "" {
		language = "auto"
	}
	if err := wctx.SetLanguage(language); err != nil {
		return "", fmt.Errorf("set language %q: %w", language, err)
	}
	wctx.SetTranslate(t.opts.Translate)
	wctx.SetThreads(uint(t.opts.Threads))
	if t.opts.BeamSize > 0 {
		wctx.SetBeamSize(t.opts.BeamSize)
	}
	if t.opts.InitialPrompt != "" {
		wctx.SetInitialPrompt(t.opts.InitialPrompt)
	}

	if err := wctx.Process(pcm16k, nil, nil, nil); err != nil {
		return "", fmt.Errorf("process: %w", err)
	}

	var parts []string
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		s, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("next segment: %w", err)
		}
		if text := strings.TrimSpace(s.Text); text != "" && !isNonSpeech(text) {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}

// isNonSpeech matches the markers whisper emits for silence and noise, such as
// "[BLANK_AUDIO]" or "(wind blowing)".
func isNonSpeech(seg string) bool {
	return (strings.HasPrefix(seg, "[") && strings.HasSuffix(seg, "]")) ||
		(strings.HasPrefix(seg, "(") && strings.HasSuffix(seg, ")"))
}
