package transport

import (
	"context"
	"encoding/json"
	"fmt"
	log "log/slog"
	"net/http"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const chatPrompt = `
You are JARVIS, the voice of a desktop automation console.
Answer conversationally in one to three short sentences.
Your reply is read aloud, so do not use markdown, lists or code blocks.
If the user asks you to operate their computer, tell them which exact command
phrase the console supports instead of pretending to do it.
`

type OpenAIConfig struct {
	APIKey     string
	Model      string
	BaseURL    string // optional, for compatible gateways
	HTTPClient *http.Client
}

// OpenAI serves the chat channel straight from OpenAI chat completions. The
// answer is wrapped as {"message": ...} so it goes through the same reply
// normalization as the automation backend.
type OpenAI struct {
	client openai.Client
	model  string
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT5Nano
	}

	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (o *OpenAI) Send(ctx context.Context, text string) ([]byte, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(chatPrompt),
			openai.UserMessage(text),
		},
		Model: o.model,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	content := resp.Choices[0].Message.Content
	log.Debug("Chat completion", "model", o.model, "chars", len(content))

	payload, err := json.Marshal(map[string]string{"message": content})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	return payload, nil
}
