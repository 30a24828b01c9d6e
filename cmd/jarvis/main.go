package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cli "github.com/spf13/pflag"

	"jarvis/internal/audio"
	"jarvis/internal/config"
	"jarvis/internal/ipc"
	"jarvis/internal/nlu"
	"jarvis/internal/notify"
	"jarvis/internal/proxy"
	"jarvis/internal/session"
	"jarvis/internal/telemetry"
	"jarvis/internal/transport"
	"jarvis/internal/tts"
	"jarvis/internal/voice"
	"jarvis/pkg/audioconv"
	"jarvis/pkg/stt"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, cli.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "jarvis:", err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		log.Error("Exiting", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	level, err := telemetry.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logs, err := telemetry.InitLogger(os.Stderr, cfg.LogFile, level)
	if err != nil {
		return err
	}
	defer logs.Close()

	log.Info("Booting up")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TelemetryDir != "" {
		shutdown, err := telemetry.InitTelemetry(ctx, cfg.TelemetryDir)
		if err != nil {
			return err
		}
		defer shutdown()
		log.Debug("Loaded telemetry", "dir", cfg.TelemetryDir)
	}

	router, err := cfg.Router()
	if err != nil {
		return fmt.Errorf("routes: %w", err)
	}

	transports, closeTransports, err := buildTransports(cfg)
	if err != nil {
		return err
	}
	defer closeTransports()

	log.Debug("Loaded transports", "command", cfg.CommandEndpoint, "chat", chatTarget(cfg))

	capture, release := buildCapture(cfg)
	defer release()

	var output voice.Output
	if !cfg.Mute {
		speaker := voice.NewSpeaker(tts.Speaker(tts.Voice{Language: cfg.Voice, Rate: cfg.VoiceRate}), 4)
		defer speaker.Close()
		output = speaker
	}

	out := newPrinter(os.Stdout, cfg.Assistant)

	ctl, err := session.New(router, transports, capture, output, session.Options{
		Language:   cfg.Language,
		MaxCapture: cfg.MaxCapture,
		OnChange:   out.render,
	})
	if err != nil {
		return err
	}
	out.render(ctl.Snapshot())

	if cfg.Socket != "" {
		srv, err := ipc.StartServer(cfg.Socket, control(ctl))
		if err != nil {
			return fmt.Errorf("control socket: %w", err)
		}
		defer srv.Close()
		log.Debug("Listening for control messages", "socket", cfg.Socket)
	}

	log.Info("Boot up - successful")

	go readInput(ctx, os.Stdin, os.Stdout, ctl, stop)
	ctl.Run(ctx)

	log.Info("Shutting down")
	return nil
}

func buildTransports(cfg *config.Config) (map[nlu.Channel]transport.Transport, func(), error) {
	client, err := proxy.NewClient(cfg.Proxy, cfg.Timeout)
	if err != nil {
		return nil, nil, err
	}

	command, err := transport.ForEndpoint(cfg.CommandEndpoint, client)
	if err != nil {
		return nil, nil, fmt.Errorf("command endpoint: %w", err)
	}

	var chat transport.Transport
	if cfg.ChatBackend == config.BackendOpenAI {
		chat = transport.NewOpenAI(transport.OpenAIConfig{
			APIKey:     cfg.OpenAIKey,
			Model:      cfg.OpenAIModel,
			HTTPClient: client,
		})
	} else if chat, err = transport.ForEndpoint(cfg.ChatEndpoint, client); err != nil {
		return nil, nil, fmt.Errorf("chat endpoint: %w", err)
	}

	closeAll := func() {
		for _, t := range []transport.Transport{command, chat} {
			if c, ok := t.(io.Closer); ok {
				c.Close()
			}
		}
	}

	return map[nlu.Channel]transport.Transport{
		nlu.Command: transport.WithTimeout(command, cfg.Timeout),
		nlu.Chat:    transport.WithTimeout(chat, cfg.Timeout),
	}, closeAll, nil
}

func chatTarget(cfg *config.Config) string {
	if cfg.ChatBackend == config.BackendOpenAI {
		return "openai"
	}
	return cfg.ChatEndpoint
}

// buildCapture wires the speech recognizer to clips or the microphone. Without
// a model, or when the audio stack fails to come up, the console runs without
// voice capture.
func buildCapture(cfg *config.Config) (voice.Capture, func()) {
	noop := func() {}

	if cfg.ModelPath == "" {
		log.Info("No whisper model configured, voice capture disabled")
		return nil, noop
	}

	whisper, err := stt.NewTranscriber(cfg.ModelPath, stt.Options{
		InitialPrompt: strings.Join(nlu.DefaultAutomationPhrases, ". "),
	})
	if err != nil {
		log.Error("Failed to init whisper", "err", err)
		return nil, noop
	}
	log.Debug("Loaded whisper", "model", cfg.ModelPath)

	if len(cfg.Clips) > 0 {
		log.Info("Voice capture replays clips", "clips", len(cfg.Clips))
		return voice.NewClipCapture(audioconv.DecodeFile, whisper, cfg.Clips...), func() { whisper.Close() }
	}

	rec := audio.NewRecorder(audio.DefaultVAD())
	if err := rec.Init(); err != nil {
		log.Error("Failed to init audio", "err", err)
		whisper.Close()
		return nil, noop
	}
	log.Debug("Loaded recorder")

	opts := voice.MicOptions{
		Cue: notify.Cue(cfg.CueFile, func(err error) {
			log.Warn("Failed to play cue", "err", err)
		}),
	}
	if cfg.Duck {
		opts.Ducker = audio.NewDucker([]string{"jarvis", "eSpeak", "espeak-ng"}, 10)
		opts.Fade = 150 * time.Millisecond
	}

	return voice.NewMicCapture(rec, whisper, opts), func() {
		rec.Close()
		whisper.Close()
	}
}

func control(ctl *session.Controller) ipc.Handler {
	return func(msg ipc.ControlMessage) error {
		switch msg.Cmd {
		case ipc.CmdToggle:
			ctl.ToggleRecording()
		case ipc.CmdSay:
			if strings.TrimSpace(msg.Text) == "" {
				return errors.New("say needs text")
			}
			ctl.Submit(msg.Text)
		default:
			log.Warn("Unknown command", "cmd", msg.Cmd)
			return fmt.Errorf("unknown command %q", msg.Cmd)
		}
		return nil
	}
}
