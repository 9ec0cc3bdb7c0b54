package generate

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
)

// Anthropic generates stage output with the Anthropic Messages API.
type Anthropic struct {
	client *anthropic.Client
	opts   Options
}

// NewAnthropic creates an Anthropic generator. An empty APIKey falls back to
// the ANTHROPIC_API_KEY environment variable read by the SDK.
func NewAnthropic(opts Options) *Anthropic {
	if opts.Model == "" {
		opts.Model = string(anthropic.ModelClaude3_5Sonnet20241022)
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
	client := anthropic.NewClient(clientOpts...)
	return &Anthropic{client: &client, opts: opts}
}

// Name implements Generator.
func (g *Anthropic) Name() string {
	return "anthropic/" + g.opts.Model
}

// Invoke implements Generator.
func (g *Anthropic) Invoke(ctx context.Context, stage contract.StageID, input json.RawMessage) (string, error) {
	prompt, err := BuildPrompt(stage, input)
	if err != nil {
		return "", err
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(g.opts.Model),
		MaxTokens:   g.opts.MaxTokens,
		Temperature: anthropic.Float(g.opts.Temperature),
		System:      []anthropic.TextBlockParam{{Text: prompt.System}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.User)),
		},
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", classifyStatus("anthropic", apiErr.StatusCode, err)
		}
		return "", classifyTransport(ctx, "anthropic", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	if text.Len() == 0 {
		return "", errors.NewStageError("anthropic returned no text", errors.ErrSchemaValidation).
			WithStage(string(stage))
	}
	return text.String(), nil
}
