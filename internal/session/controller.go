// Package session owns the conversation: it routes every utterance, runs the
// remote request lifecycle and keeps voice capture and voice output in step
// with the log.
package session

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"jarvis/internal/nlu"
	"jarvis/internal/reply"
	"jarvis/internal/transport"
	"jarvis/internal/voice"
)

const (
	DefaultGreeting = "Console link established. What would you like to automate?"

	BackendFailedText = "Connection to automation core failed. Check backend."
	NoCaptureText     = "This console has no live voice capture. Type your request instead."
	MicDeniedText     = "Could not access microphone. Check permissions."
	CaptureBusyText   = "Voice channel is still busy. Try again in a moment."
	hiccupPrefix      = "Voice channel hiccup: "

	DefaultLanguage   = "en-US"
	DefaultMaxCapture = 15 * time.Second

	instrumentation = "jarvis/internal/session"
)

var errNoTransport = errors.New("no transport for channel")

type Options struct {
	Greeting   string
	Language   string        // capture locale
	MaxCapture time.Duration // per capture
	Now        func() time.Time
	// OnChange is called from the event loop after every transition that
	// changed the state. It must not block for long.
	OnChange func(State)
}

// Controller serializes everything that touches the conversation through one
// event loop. The exported methods only post events and may be called from any
// goroutine; Run must be running for them to take effect.
type Controller struct {
	router     *nlu.Router
	transports map[nlu.Channel]transport.Transport
	capture    voice.Capture
	output     voice.Output
	opts       Options

	events chan event
	done   chan struct{}

	mu    sync.RWMutex
	state State

	// owned by the loop
	queue     []string
	captureID uint64
	dirty     bool
	idle      []chan struct{} // closed once nothing is pending or queued

	tracer   trace.Tracer
	requests metric.Int64Counter
	captures metric.Int64Counter
}

func New(
	router *nlu.Router,
	transports map[nlu.Channel]transport.Transport,
	capture voice.Capture,
	output voice.Output,
	opts Options,
) (*Controller, error) {
	if router == nil {
		return nil, errors.New("session: router is required")
	}

	if opts.Greeting == "" {
		opts.Greeting = DefaultGreeting
	}
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	if opts.MaxCapture <= 0 {
		opts.MaxCapture = DefaultMaxCapture
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	meter := otel.Meter(instrumentation)
	requests, err := meter.Int64Counter("jarvis.session.requests",
		metric.WithDescription("Remote requests by channel and outcome"))
	if err != nil {
		return nil, fmt.Errorf("session: requests counter: %w", err)
	}
	captures, err := meter.Int64Counter("jarvis.session.captures",
		metric.WithDescription("Voice captures by outcome"))
	if err != nil {
		return nil, fmt.Errorf("session: captures counter: %w", err)
	}

	c := &Controller{
		router:     router,
		transports: transports,
		capture:    capture,
		output:     output,
		opts:       opts,
		events:     make(chan event, 16),
		done:       make(chan struct{}),
		tracer:     otel.Tracer(instrumentation),
		requests:   requests,
		captures:   captures,
	}

	c.state.Log = []Message{{Sender: Assistant, Text: opts.Greeting, Timestamp: opts.Now()}}

	return c, nil
}

type (
	submitEvent      struct{ text string }
	draftEvent       struct{ text string }
	submitDraftEvent struct{}
	recordEvent      struct{ op recordOp }
	idleEvent        struct{ ready chan struct{} }
	captureEvent     struct {
		id uint64
		ev voice.Event
	}
	settledEvent struct {
		channel nlu.Channel
		id      string
		payload []byte
		err     error
	}
)

type event any

type recordOp int

const (
	opStart recordOp = iota
	opStop
	opToggle
)

func (c *Controller) Submit(text string)  { c.post(submitEvent{text: text}) }
func (c *Controller) SetDraft(text string) { c.post(draftEvent{text: text}) }
func (c *Controller) SubmitDraft()         { c.post(submitDraftEvent{}) }
func (c *Controller) StartRecording()      { c.post(recordEvent{op: opStart}) }
func (c *Controller) StopRecording()       { c.post(recordEvent{op: opStop}) }
func (c *Controller) ToggleRecording()     { c.post(recordEvent{op: opToggle}) }

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.clone()
}

// WaitIdle blocks until every event posted before it has been handled and no
// request is in flight or queued. It returns early with ctx's error, or with
// nil once Run has returned.
func (c *Controller) WaitIdle(ctx context.Context) error {
	ready := make(chan struct{})

	select {
	case c.events <- idleEvent{ready: ready}:
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ready:
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Run processes events until ctx is cancelled. An active capture is stopped on
// the way out; requests still in flight are cancelled through ctx and their
// results dropped.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)

	log.Debug("Session started", "greeting", c.opts.Greeting)

	for {
		select {
		case <-ctx.Done():
			if c.state.Recording {
				c.capture.Stop()
			}
			log.Debug("Session stopped", "queued", len(c.queue))
			return

		case ev := <-c.events:
			c.handle(ctx, ev)
			c.notify()
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case submitEvent:
		c.submit(ctx, ev.text)

	case draftEvent:
		c.mutate(func(s *State) { s.Draft = ev.text })

	case submitDraftEvent:
		text := c.state.Draft
		c.mutate(func(s *State) { s.Draft = "" })
		c.submit(ctx, text)

	case idleEvent:
		c.idle = append(c.idle, ev.ready)
		c.wake()

	case recordEvent:
		switch {
		case ev.op == opStop, ev.op == opToggle && c.state.Recording:
			c.stopRecording()
		default:
			c.startRecording(ctx)
		}

	case captureEvent:
		c.captured(ctx, ev)

	case settledEvent:
		c.settle(ctx, ev)

	default:
		log.Warn("Unknown session event", "type", fmt.Sprintf("%T", ev))
	}
}

func (c *Controller) submit(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	if c.state.Pending {
		c.queue = append(c.queue, text)
		log.Debug("Request in flight, queued utterance", "queued", len(c.queue))
		return
	}

	c.say(User, text)

	d := c.router.Classify(text)
	switch d.Kind {
	case nlu.Local:
		log.Debug("Answered locally", "pattern", d.Pattern)
		c.say(Assistant, d.Reply)
	case nlu.Remote:
		c.dispatch(ctx, d.Channel, text)
	}
}

func (c *Controller) dispatch(ctx context.Context, ch nlu.Channel, text string) {
	c.mutate(func(s *State) { s.Pending = true })

	id := uuid.NewString()
	t := c.transports[ch]

	log.Info("Dispatching request", "channel", ch, "id", id)

	go func() {
		res := settledEvent{channel: ch, id: id}
		defer func() {
			if r := recover(); r != nil {
				res.payload, res.err = nil, fmt.Errorf("transport panic: %v", r)
			}
			c.post(res)
		}()

		ctx, span := c.tracer.Start(ctx, "session.dispatch", trace.WithAttributes(
			attribute.String("channel", ch.String()),
			attribute.String("request.id", id),
		))
		defer span.End()

		if t == nil {
			res.err = fmt.Errorf("%s: %w", ch, errNoTransport)
			span.RecordError(res.err)
			return
		}

		res.payload, res.err = t.Send(ctx, text)
		if res.err != nil {
			span.RecordError(res.err)
		}
	}()
}

func (c *Controller) settle(ctx context.Context, ev settledEvent) {
	c.mutate(func(s *State) { s.Pending = false })

	outcome := "ok"
	if ev.err != nil {
		outcome = "failure"
		log.Error("Request failed", "channel", ev.channel, "id", ev.id, "err", ev.err)
		c.say(Assistant, BackendFailedText)
	} else {
		r := reply.Extract(ev.payload)
		if r.Empty() {
			outcome = "unrecognized"
			log.Warn("Unrecognized payload", "channel", ev.channel, "id", ev.id, "bytes", len(ev.payload))
		}
		for _, line := range reply.Normalize(ev.payload) {
			c.say(Assistant, line)
		}
		if r.Primary != "" && c.output != nil && c.output.Available() {
			c.output.Speak(r.Primary)
		}
	}

	c.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", ev.channel.String()),
		attribute.String("outcome", outcome),
	))

	for len(c.queue) > 0 && !c.state.Pending {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.submit(ctx, next)
	}
	c.wake()
}

// wake releases WaitIdle callers when the session has gone quiet.
func (c *Controller) wake() {
	if c.state.Pending || len(c.queue) > 0 {
		return
	}
	for _, ready := range c.idle {
		close(ready)
	}
	c.idle = nil
}

func (c *Controller) startRecording(ctx context.Context) {
	if c.state.Recording {
		return
	}

	if c.capture == nil || !c.capture.Available() {
		c.say(Assistant, NoCaptureText)
		return
	}

	events, err := c.capture.Start(ctx, voice.CaptureConfig{
		Language:     c.opts.Language,
		SingleResult: true,
		MaxDuration:  c.opts.MaxCapture,
	})
	if err != nil {
		log.Error("Failed to start capture", "err", err)
		if errors.Is(err, voice.ErrBusy) {
			c.say(Assistant, CaptureBusyText)
		} else {
			c.say(Assistant, MicDeniedText)
		}
		c.countCapture(ctx, "refused")
		return
	}

	c.captureID++
	id := c.captureID
	c.mutate(func(s *State) { s.Recording = true })

	go func() {
		for ev := range events {
			c.post(captureEvent{id: id, ev: ev})
		}
	}()
}

func (c *Controller) stopRecording() {
	if !c.state.Recording {
		return
	}

	// anything the stopped capture still reports is stale
	c.captureID++
	c.capture.Stop()
	c.mutate(func(s *State) { s.Recording = false })
}

func (c *Controller) captured(ctx context.Context, ev captureEvent) {
	if ev.id != c.captureID || !c.state.Recording {
		log.Debug("Dropped stale capture event", "kind", ev.ev.Kind)
		return
	}

	c.mutate(func(s *State) { s.Recording = false })

	switch ev.ev.Kind {
	case voice.EventResult:
		c.countCapture(ctx, "result")
		c.submit(ctx, ev.ev.Transcript)
	case voice.EventError:
		c.countCapture(ctx, "error")
		log.Warn("Capture failed", "err", ev.ev.Err)
		c.say(Assistant, hiccupPrefix+captureError(ev.ev.Err))
	case voice.EventEnd:
		c.countCapture(ctx, "end")
	}
}

func captureError(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

func (c *Controller) countCapture(ctx context.Context, outcome string) {
	c.captures.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (c *Controller) say(from Sender, text string) {
	msg := Message{Sender: from, Text: text, Timestamp: c.opts.Now()}
	c.mutate(func(s *State) { s.Log = append(s.Log, msg) })
}

func (c *Controller) mutate(fn func(*State)) {
	c.mu.Lock()
	fn(&c.state)
	c.mu.Unlock()
	c.dirty = true
}

func (c *Controller) notify() {
	if !c.dirty {
		return
	}
	c.dirty = false

	if c.opts.OnChange != nil {
		c.opts.OnChange(c.Snapshot())
	}
}
