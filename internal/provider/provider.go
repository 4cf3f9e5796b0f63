// Package provider adapts third-party generation APIs to one Generate contract.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentbazaar/backend/internal/retry"
)

// Provider keys stored on services.provider_key.
const (
	KeyOpenAI    = "openai"
	KeyAnthropic = "anthropic"
	KeyReplicate = "replicate"
	KeyFal       = "fal"
	KeyRunway    = "runway"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrNoOutput        = errors.New("provider returned no output")
)

// Failure kinds carried by *Error.
const (
	KindRejected = "rejected" // content safety or input refusal
	KindFailed   = "failed"
	KindTimeout  = "timeout"
)

// Request is a single generation job.
type Request struct {
	Prompt       string `json:"prompt"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	AudioURL     string `json:"audio_url,omitempty"`
	AspectRatio  string `json:"aspect_ratio,omitempty"`
}

// Result is a finished artifact. Either URL points at the provider's hosted copy or
// Data holds the bytes inline (text output, base64 images).
type Result struct {
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type"`
	Model     string `json:"model"`
	Data      []byte `json:"-"`
}

// Adapter generates artifacts for one provider.
type Adapter interface {
	Key() string
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Error is a terminal provider failure.
type Error struct {
	Provider string
	Kind     string
	Err      error
}

func (e *Error) Error() string { return fmt.Sprintf("%s %s: %v", e.Provider, e.Kind, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// IsRejected reports whether err is a content-safety rejection.
func IsRejected(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindRejected
}

// Options tune retry and polling for every adapter.
type Options struct {
	Retry        retry.Policy
	PollInterval time.Duration
	PollTimeout  time.Duration
}

func (o Options) poll() retry.PollConfig {
	return retry.PollConfig{Interval: o.PollInterval, Timeout: o.PollTimeout}
}

// wrapPoll converts a poll timeout into a provider timeout error.
func wrapPoll(provider string, err error) error {
	if errors.Is(err, retry.ErrPollTimeout) {
		return &Error{Provider: provider, Kind: KindTimeout, Err: err}
	}
	return err
}

// Registry maps provider keys to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Key()] = a
}

func (r *Registry) Get(key string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, key)
	}
	return a, nil
}

// Keys lists registered providers in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FullPrompt prepends the service's system prompt for back-ends without a separate system field.
func (r Request) FullPrompt() string {
	if r.SystemPrompt == "" {
		return r.Prompt
	}
	return r.SystemPrompt + "\n\n" + r.Prompt
}
