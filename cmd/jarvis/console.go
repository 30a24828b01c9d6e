package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	log "log/slog"
	"strings"
	"sync"

	"jarvis/internal/session"
)

const (
	cmdMic  = "/mic"
	cmdQuit = "/quit"
	cmdHelp = "/help"
)

// printer renders what changed in the session since the last call.
type printer struct {
	mu        sync.Mutex
	w         io.Writer
	assistant string
	shown     int
	pending   bool
	recording bool
}

func newPrinter(w io.Writer, assistant string) *printer {
	return &printer{w: w, assistant: strings.ToLower(assistant)}
}

func (p *printer) render(s session.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range s.Log[min(p.shown, len(s.Log)):] {
		who := "you"
		if m.Sender == session.Assistant {
			who = p.assistant
		}
		fmt.Fprintf(p.w, "[%s] %s> %s\n", m.Timestamp.Format("15:04"), who, m.Text)
	}
	p.shown = len(s.Log)

	if s.Recording != p.recording {
		if s.Recording {
			fmt.Fprintln(p.w, "  ● listening... (/mic to stop)")
		} else {
			fmt.Fprintln(p.w, "  ○ mic off")
		}
		p.recording = s.Recording
	}

	if s.Pending && !p.pending {
		fmt.Fprintln(p.w, "  … waiting for the automation core")
	}
	p.pending = s.Pending
}

type controller interface {
	SetDraft(text string)
	SubmitDraft()
	ToggleRecording()
	WaitIdle(ctx context.Context) error
}

// readInput feeds console lines to the session until EOF, /quit or ctx ends.
// quit is called on the way out. At EOF the pending replies are awaited first
// so piped input gets its answers.
func readInput(ctx context.Context, r io.Reader, w io.Writer, ctl controller, quit func()) {
	defer quit()

	lines := bufio.NewScanner(r)
	for lines.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(lines.Text())
		switch line {
		case "":
		case cmdQuit:
			return
		case cmdMic:
			ctl.ToggleRecording()
		case cmdHelp:
			fmt.Fprintln(w, "  type a request and press enter; /mic toggles voice capture; /quit exits")
		default:
			ctl.SetDraft(line)
			ctl.SubmitDraft()
		}
	}

	if err := ctl.WaitIdle(ctx); err != nil {
		log.Debug("Stopped waiting for replies", "err", err)
	}
}
