// Package notify plays the short cue that tells the user the mic is open.
package notify

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
)

var (
	initOnce sync.Once
	initErr  error
	rate     beep.SampleRate
)

// Beep plays the mp3 at path and returns once it has finished.
func Beep(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open cue: %w", err)
	}

	streamer, format, err := mp3.Decode(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("decode cue: %w", err)
	}
	defer streamer.Close()

	// the speaker can only be initialized once per process
	initOnce.Do(func() {
		rate = format.SampleRate
		initErr = speaker.Init(rate, rate.N(time.Second/10))
	})
	if initErr != nil {
		return fmt.Errorf("init speaker: %w", initErr)
	}

	var s beep.Streamer = streamer
	if format.SampleRate != rate {
		s = beep.Resample(4, format.SampleRate, rate, streamer)
	}

	done := make(chan struct{})
	speaker.Play(beep.Seq(s, beep.Callback(func() {
		close(done)
	})))
	<-done

	return nil
}

// Cue wraps Beep for use as a fire-and-wait callback; failures are handed to
// onErr.
func Cue(path string, onErr func(error)) func() {
	if path == "" {
		return nil
	}
	return func() {
		if err := Beep(path); err != nil && onErr != nil {
			onErr(err)
		}
	}
}
