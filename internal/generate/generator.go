// Package generate adapts text generation providers to the pipeline.
//
// Every Generator takes a stage and that stage's JSON input and returns raw
// model text. Decoding and validating the text is the stage executor's job;
// generators only classify transport failures so that rate limits and
// server errors are retried while rejected requests are not.
package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Iron-Ham/autowriter/internal/config"
	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
)

// Generator produces raw output text for one stage invocation.
type Generator interface {
	Invoke(ctx context.Context, stage contract.StageID, input json.RawMessage) (string, error)
	// Name identifies the provider and model for logging.
	Name() string
}

// New builds the generator selected by cfg.Provider.
func New(cfg config.GeneratorConfig) (Generator, error) {
	switch cfg.Provider {
	case "", config.ProviderMock:
		return NewMock(cfg.MockLatency), nil
	case config.ProviderAnthropic:
		return NewAnthropic(Options{
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			MaxTokens:   int64(cfg.MaxTokens),
			Temperature: cfg.Temperature,
		}), nil
	case config.ProviderOpenAI:
		return NewOpenAI(Options{
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			MaxTokens:   int64(cfg.MaxTokens),
			Temperature: cfg.Temperature,
		}), nil
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unknown generator provider %q", cfg.Provider)).
			WithField("generator.provider").WithValue(cfg.Provider)
	}
}

// Options configures the hosted provider adapters.
type Options struct {
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int64
	Temperature float64
}

// classifyStatus maps a provider HTTP status to a stage error. Rate limits,
// timeouts and server errors are transient; every other rejection is an
// upstream failure that retrying would not fix.
func classifyStatus(provider string, status int, err error) error {
	stageErr := errors.NewStageError(fmt.Sprintf("%s returned status %d", provider, status), err)
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= http.StatusInternalServerError:
		return stageErr.WithClass(errors.ClassTransient)
	default:
		return stageErr.WithClass(errors.ClassUpstream)
	}
}

// classifyTransport maps a failure that produced no HTTP response, such as
// a refused or reset connection. It is transient unless ctx has ended, in
// which case the context error is returned.
func classifyTransport(ctx context.Context, provider string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s request abandoned: %w", provider, ctxErr)
	}
	return errors.NewStageError(provider+" request failed", err).WithClass(errors.ClassTransient)
}
