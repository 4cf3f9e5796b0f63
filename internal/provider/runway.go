package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentbazaar/backend/internal/retry"
)

const (
	runwayBaseURL      = "https://api.dev.runwayml.com/v1"
	runwayAPIVersion   = "2024-11-06"
	defaultRunwayModel = "gen4_turbo"
)

// Runway creates an image-to-video or text-to-image task and polls it.
type Runway struct {
	api     *jsonClient
	baseURL string
	opts    Options
}

func NewRunway(secret, baseURL string, hc *http.Client, opts Options) *Runway {
	if baseURL == "" {
		baseURL = runwayBaseURL
	}
	return &Runway{
		api: newJSONClient(hc, map[string]string{
			"Authorization":    "Bearer " + secret,
			"X-Runway-Version": runwayAPIVersion,
		}),
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
	}
}

func (a *Runway) Key() string { return KeyRunway }

type runwayTask struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Output      []string `json:"output"`
	Failure     string   `json:"failure"`
	FailureCode string   `json:"failureCode"`
}

func (a *Runway) Generate(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = defaultRunwayModel
	}
	ratio := req.AspectRatio
	if ratio == "" {
		ratio = "1280:720"
	}
	body := map[string]any{"model": model, "promptText": req.FullPrompt(), "ratio": ratio}
	endpoint := "/text_to_image"
	mediaType := "image/png"
	if req.ImageURL != "" {
		endpoint = "/image_to_video"
		body["promptImage"] = req.ImageURL
		mediaType = "video/mp4"
	}

	created, err := retry.Do(ctx, a.opts.Retry, func(ctx context.Context) (*runwayTask, error) {
		var t runwayTask
		if err := a.api.do(ctx, http.MethodPost, a.baseURL+endpoint, body, &t); err != nil {
			return nil, err
		}
		return &t, nil
	})
	if err != nil {
		return nil, classify(KeyRunway, err)
	}

	final, err := retry.Poll(ctx, a.opts.poll(), func(ctx context.Context) (*runwayTask, bool, error) {
		var t runwayTask
		if err := a.api.do(ctx, http.MethodGet, a.baseURL+"/tasks/"+created.ID, nil, &t); err != nil {
			if retry.IsTransientRead(err) {
				return nil, false, nil
			}
			return nil, false, err
		}
		switch t.Status {
		case "SUCCEEDED":
			return &t, true, nil
		case "FAILED", "CANCELLED":
			return nil, false, runwayFailure(&t)
		}
		return nil, false, nil
	})
	if err != nil {
		return nil, classify(KeyRunway, wrapPoll(KeyRunway, err))
	}
	if len(final.Output) == 0 {
		return nil, &Error{Provider: KeyRunway, Kind: KindFailed, Err: ErrNoOutput}
	}
	return &Result{URL: final.Output[0], MediaType: mediaType, Model: model}, nil
}

func runwayFailure(t *runwayTask) error {
	msg := t.Failure
	if msg == "" {
		msg = "task " + strings.ToLower(t.Status)
	}
	if strings.HasPrefix(t.FailureCode, "SAFETY") {
		return &Error{Provider: KeyRunway, Kind: KindRejected, Err: fmt.Errorf("%s: %s", t.FailureCode, msg)}
	}
	return &Error{Provider: KeyRunway, Kind: KindFailed, Err: fmt.Errorf("%s", msg)}
}
