package completion

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/rs/zerolog"

	"github.com/ent0n29/chorus/internal/reliability"
)

// Fixed sampling parameters sent with every request.
const (
	temperature      = 0.99
	topP             = 0.95
	frequencyPenalty = 0.1
	presencePenalty  = 0.1
	maxTokens        = 2000
)

const chatCompletionsPath = "/chat/completions"

// errorEnvelope catches providers that report failures inside a 200 body.
type errorEnvelope struct {
	Error *struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

// HTTPCompleter posts chat completion requests through the OpenAI client.
// Retries are driven here, one model per attempt, so the client's own
// retry loop is disabled.
type HTTPCompleter struct {
	api      openai.Client
	logger   zerolog.Logger
	observer AttemptObserver
	wait     func(context.Context, time.Duration) error
}

func NewHTTPCompleter(cfg Config) *HTTPCompleter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	opts := []option.RequestOption{
		option.WithBaseURL(BaseURL(cfg.APIURL)),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		option.WithMaxRetries(0),
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	return &HTTPCompleter{
		api:      openai.NewClient(opts...),
		logger:   cfg.Logger,
		observer: cfg.Observer,
		wait:     reliability.Wait,
	}
}

func (c *HTTPCompleter) Complete(ctx context.Context, req Request) Result {
	policy := req.Policy
	attempts := policy.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		model := policy.ModelForAttempt(i)
		text, outcome, err := c.attempt(ctx, model, req)
		c.observe(model, outcome)

		if outcome == reliability.OutcomeSuccess {
			if i > 0 {
				c.logger.Info().Str("model", model).Int("attempt", i+1).Msg("completion succeeded on retry")
			}
			return Result{Text: text, Model: model, Attempts: i + 1}
		}
		c.logger.Warn().Err(err).Str("model", model).Int("attempt", i+1).Str("outcome", string(outcome)).Msg("completion attempt failed")

		if i == attempts-1 {
			break
		}
		if err := c.wait(ctx, reliability.RetryWait(outcome, policy.RetryDelay)); err != nil {
			c.logger.Warn().Err(err).Msg("completion retries interrupted")
			return c.fallback(policy.ModelForAttempt(i), i+1)
		}
	}

	c.logger.Error().Int("attempts", attempts).Msg("all completion attempts failed")
	return c.fallback(policy.ModelForAttempt(attempts-1), attempts)
}

func (c *HTTPCompleter) fallback(model string, attempts int) Result {
	if c.observer != nil {
		c.observer.ObserveFallbackReply()
	}
	return Result{Text: FallbackReply, Model: model, Attempts: attempts, Fallback: true}
}

func (c *HTTPCompleter) observe(model string, outcome reliability.Outcome) {
	if c.observer != nil {
		c.observer.ObserveCompletionAttempt(model, string(outcome))
	}
}

// BaseURL accepts either a full chat completions endpoint or an API base
// and returns the base the client appends its paths to.
func BaseURL(endpoint string) string {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	return strings.TrimSuffix(endpoint, chatCompletionsPath) + "/"
}

func (c *HTTPCompleter) attempt(ctx context.Context, model string, req Request) (string, reliability.Outcome, error) {
	var raw *http.Response
	completion, err := c.api.Chat.Completions.New(ctx, buildParams(model, req.Prompt, req.Image), option.WithResponseInto(&raw))
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			outcome := reliability.ClassifyHTTPStatus(apiErr.StatusCode)
			if outcome == reliability.OutcomeSuccess {
				outcome = reliability.OutcomeAPIError
			}
			return "", outcome, fmt.Errorf("model %s: http status %d: %w", model, apiErr.StatusCode, err)
		}
		if raw != nil && raw.StatusCode < http.StatusBadRequest {
			return "", reliability.OutcomeMalformed, fmt.Errorf("decode response: %w", err)
		}
		return "", reliability.OutcomeTransport, fmt.Errorf("send request: %w", err)
	}

	var envelope errorEnvelope
	if err := json.Unmarshal([]byte(completion.RawJSON()), &envelope); err == nil && envelope.Error != nil {
		msg := envelope.Error.Message
		if msg == "" {
			msg = "error in response body"
		}
		return "", reliability.OutcomeAPIError, fmt.Errorf("model %s: %s", model, truncate(msg, 256))
	}

	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return "", reliability.OutcomeEmpty, fmt.Errorf("model %s: no choices returned", model)
	}
	return completion.Choices[0].Message.Content, reliability.OutcomeSuccess, nil
}

func buildParams(model, prompt string, image []byte) openai.ChatCompletionNewParams {
	parts := []openai.ChatCompletionContentPartUnionParam{{
		OfText: &openai.ChatCompletionContentPartTextParam{Text: prompt},
	}}
	if len(image) > 0 {
		parts = append(parts, openai.ChatCompletionContentPartUnionParam{
			OfImageURL: &openai.ChatCompletionContentPartImageParam{
				ImageURL: openai.ChatCompletionContentPartImageImageURLParam{
					URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image),
				},
			},
		})
	}
	return openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfArrayOfContentParts: parts,
				},
			},
		}},
		Temperature:      openai.Float(temperature),
		TopP:             openai.Float(topP),
		FrequencyPenalty: openai.Float(frequencyPenalty),
		PresencePenalty:  openai.Float(presencePenalty),
		MaxTokens:        openai.Int(maxTokens),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
