package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentbazaar/backend/internal/retry"
)

// OpenAI generates images synchronously.
type OpenAI struct {
	client *openai.Client
	opts   Options
}

// NewOpenAI builds an adapter. baseURL overrides the API endpoint when non-empty.
func NewOpenAI(apiKey, baseURL string, opts Options) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), opts: opts}
}

func (a *OpenAI) Key() string { return KeyOpenAI }

func (a *OpenAI) Generate(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = openai.CreateImageModelDallE3
	}
	policy := a.opts.Retry
	policy.Retryable = openAIRetryable

	resp, err := retry.Do(ctx, policy, func(ctx context.Context) (openai.ImageResponse, error) {
		return a.client.CreateImage(ctx, openai.ImageRequest{
			Prompt:         req.FullPrompt(),
			Model:          model,
			N:              1,
			Size:           sizeFor(req.AspectRatio),
			ResponseFormat: openai.CreateImageResponseFormatURL,
		})
	})
	if err != nil {
		return nil, classify(KeyOpenAI, err)
	}
	if len(resp.Data) == 0 {
		return nil, &Error{Provider: KeyOpenAI, Kind: KindFailed, Err: ErrNoOutput}
	}
	img := resp.Data[0]
	res := &Result{MediaType: "image/png", Model: model}
	switch {
	case img.URL != "":
		res.URL = img.URL
	case img.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return nil, &Error{Provider: KeyOpenAI, Kind: KindFailed, Err: fmt.Errorf("decode image: %w", err)}
		}
		res.Data = data
	default:
		return nil, &Error{Provider: KeyOpenAI, Kind: KindFailed, Err: ErrNoOutput}
	}
	return res, nil
}

func openAIRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return isRetryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return isRetryableStatus(reqErr.HTTPStatusCode)
	}
	return retry.IsTransient(err)
}

func isRetryableStatus(code int) bool {
	return retry.IsTransientStatus(code)
}

func sizeFor(aspect string) string {
	switch aspect {
	case "16:9", "landscape":
		return openai.CreateImageSize1792x1024
	case "9:16", "portrait":
		return openai.CreateImageSize1024x1792
	default:
		return openai.CreateImageSize1024x1024
	}
}
