package generate

import (
	"context"
	"encoding/json"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
)

// OpenAI generates stage output with the OpenAI Chat Completions API.
type OpenAI struct {
	client *openai.Client
	opts   Options
}

// NewOpenAI creates an OpenAI generator. An empty APIKey falls back to the
// OPENAI_API_KEY environment variable read by the SDK.
func NewOpenAI(opts Options) *OpenAI {
	if opts.Model == "" {
		opts.Model = openai.ChatModelGPT4oMini
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)
	return &OpenAI{client: &client, opts: opts}
}

// Name implements Generator.
func (g *OpenAI) Name() string {
	return "openai/" + g.opts.Model
}

// Invoke implements Generator.
func (g *OpenAI) Invoke(ctx context.Context, stage contract.StageID, input json.RawMessage) (string, error) {
	prompt, err := BuildPrompt(stage, input)
	if err != nil {
		return "", err
	}

	params := openai.ChatCompletionNewParams{
		Model: g.opts.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompt.System),
			openai.UserMessage(prompt.User),
		},
		Temperature:         openai.Float(g.opts.Temperature),
		MaxCompletionTokens: openai.Int(g.opts.MaxTokens),
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", classifyStatus("openai", apiErr.StatusCode, err)
		}
		return "", classifyTransport(ctx, "openai", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", errors.NewStageError("openai returned no choices", errors.ErrSchemaValidation).
			WithStage(string(stage))
	}
	return resp.Choices[0].Message.Content, nil
}
