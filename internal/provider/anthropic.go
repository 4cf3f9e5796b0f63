package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentbazaar/backend/internal/retry"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

// Anthropic produces written deliverables synchronously.
type Anthropic struct {
	client    anthropic.Client
	maxTokens int64
	opts      Options
}

func NewAnthropic(apiKey, baseURL string, opts Options) *Anthropic {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	return &Anthropic{client: anthropic.NewClient(reqOpts...), maxTokens: 4096, opts: opts}
}

func (a *Anthropic) Key() string { return KeyAnthropic }

func (a *Anthropic) Generate(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: a.maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	policy := a.opts.Retry
	policy.Retryable = anthropicRetryable

	msg, err := retry.Do(ctx, policy, func(ctx context.Context) (*anthropic.Message, error) {
		return a.client.Messages.New(ctx, params)
	})
	if err != nil {
		return nil, classify(KeyAnthropic, err)
	}
	if msg.StopReason == "refusal" {
		return nil, &Error{Provider: KeyAnthropic, Kind: KindRejected, Err: errors.New("model refused the request")}
	}

	var parts []string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			parts = append(parts, tb.Text)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, "\n"))
	if text == "" {
		return nil, &Error{Provider: KeyAnthropic, Kind: KindFailed, Err: ErrNoOutput}
	}
	return &Result{MediaType: "text/markdown", Model: model, Data: []byte(text)}, nil
}

func anthropicRetryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return isRetryableStatus(apiErr.StatusCode) || apiErr.StatusCode == 529
	}
	return retry.IsTransient(err)
}
