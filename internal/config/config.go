// Package config collects the console's settings from flags, a .env file and
// the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"
)

const envPrefix = "JARVIS_"

const (
	BackendHTTP   = "http"
	BackendOpenAI = "openai"
)

type Config struct {
	EnvFile string

	// remote backend
	BaseURL         string
	CommandEndpoint string
	ChatEndpoint    string
	ChatBackend     string
	OpenAIKey       string
	OpenAIModel     string
	Proxy           string
	Timeout         time.Duration

	// routing
	RoutesFile string
	Phrases    []string
	Assistant  string

	// voice
	Language   string
	MaxCapture time.Duration
	ModelPath  string
	Clips      []string
	CueFile    string
	Duck       bool
	Voice      string
	VoiceRate  int
	Mute       bool

	// ambient
	LogLevel     string
	LogFile      string
	TelemetryDir string
	Socket       string
}

// Load parses args (without the program name). Every flag not given on the
// command line falls back to JARVIS_<FLAG> from the environment or the .env
// file; the OpenAI key also to OPENAI_API_KEY.
func Load(args []string) (*Config, error) {
	var c Config

	flags := cli.NewFlagSet("jarvis", cli.ContinueOnError)
	flags.SortFlags = false

	flags.StringVarP(&c.EnvFile, "env", "e", ".env", "Env file path")

	flags.StringVarP(&c.BaseURL, "url", "u", "http://localhost:8000", "Base URL of the automation backend (http, https, ws or wss)")
	flags.StringVar(&c.CommandEndpoint, "command-endpoint", "", "Command endpoint (default <url>/command)")
	flags.StringVar(&c.ChatEndpoint, "chat-endpoint", "", "Chat endpoint (default <url>/chat)")
	flags.StringVar(&c.ChatBackend, "chat-backend", BackendHTTP, "Chat backend: http or openai")
	flags.StringVar(&c.OpenAIKey, "openai-key", "", "OpenAI API key for --chat-backend=openai")
	flags.StringVar(&c.OpenAIModel, "openai-model", "", "OpenAI chat model")
	flags.StringVarP(&c.Proxy, "proxy", "p", "", "SOCKS5 proxy address for backend traffic")
	flags.DurationVar(&c.Timeout, "timeout", 60*time.Second, "Timeout of one backend request")

	flags.StringVarP(&c.RoutesFile, "routes", "r", "", "YAML file with automation phrases and small-talk patterns")
	flags.StringSliceVar(&c.Phrases, "phrase", nil, "Additional automation phrase (repeatable)")
	flags.StringVar(&c.Assistant, "assistant", "Jarvis", "Assistant name used in replies")

	flags.StringVar(&c.Language, "lang", "en-US", "Speech recognition locale")
	flags.DurationVar(&c.MaxCapture, "max-capture", 15*time.Second, "Longest single voice capture")
	flags.StringVarP(&c.ModelPath, "model", "m", "", "whisper.cpp model; empty disables live capture")
	flags.StringSliceVar(&c.Clips, "clip", nil, "Transcribe these audio files instead of the microphone (repeatable)")
	flags.StringVar(&c.CueFile, "cue", "", "mp3 played when the microphone opens")
	flags.BoolVar(&c.Duck, "duck", false, "Lower other audio streams while listening")
	flags.StringVar(&c.Voice, "voice", "en", "espeak-ng voice language")
	flags.IntVar(&c.VoiceRate, "voice-rate", 0, "Speech rate in words per minute (0 = engine default)")
	flags.BoolVar(&c.Mute, "mute", false, "Do not speak replies")

	flags.StringVarP(&c.LogLevel, "log", "l", "info", "Log level: debug, info, warn or error")
	flags.StringVar(&c.LogFile, "log-file", "", "Write logs as JSON to this rotated file instead of the console")
	flags.StringVar(&c.TelemetryDir, "telemetry-dir", "", "Export traces and metrics into this directory")
	flags.StringVarP(&c.Socket, "socket", "s", "/tmp/jarvis.sock", "Control socket path; empty disables it")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if err := godotenv.Load(c.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", c.EnvFile, err)
	}

	if err := applyEnv(flags); err != nil {
		return nil, err
	}
	if c.OpenAIKey == "" {
		c.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}

	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.CommandEndpoint == "" {
		c.CommandEndpoint = c.BaseURL + "/command"
	}
	if c.ChatEndpoint == "" {
		c.ChatEndpoint = c.BaseURL + "/chat"
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func applyEnv(fset *cli.FlagSet) error {
	var errs []error
	fset.VisitAll(func(f *cli.Flag) {
		if f.Changed || f.Name == "env" {
			return
		}
		v, ok := os.LookupEnv(EnvName(f.Name))
		if !ok {
			return
		}
		if sv, isSlice := f.Value.(cli.SliceValue); isSlice {
			if err := sv.Replace(splitList(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", EnvName(f.Name), err))
			}
			return
		}
		if err := f.Value.Set(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}

// EnvName is the environment variable read for a flag.
func EnvName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) validate() error {
	var errs []error

	for name, endpoint := range map[string]string{"command": c.CommandEndpoint, "chat": c.ChatEndpoint} {
		u, err := url.Parse(endpoint)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s endpoint %q is not an absolute URL", name, endpoint))
		}
	}

	switch c.ChatBackend {
	case BackendHTTP:
	case BackendOpenAI:
		if c.OpenAIKey == "" {
			errs = append(errs, errors.New("chat backend openai needs --openai-key or OPENAI_API_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown chat backend %q", c.ChatBackend))
	}

	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.MaxCapture <= 0 {
		errs = append(errs, errors.New("max capture must be positive"))
	}
	for _, clip := range c.Clips {
		if _, err := os.Stat(clip); err != nil {
			errs = append(errs, fmt.Errorf("clip: %w", err))
		}
	}
	if c.RoutesFile != "" {
		if _, err := os.Stat(c.RoutesFile); errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("routes file %s does not exist", c.RoutesFile))
		}
	}

	return errors.Join(errs...)
}
