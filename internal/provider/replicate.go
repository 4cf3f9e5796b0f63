package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentbazaar/backend/internal/retry"
)

const replicateBaseURL = "https://api.replicate.com/v1"

// Replicate runs a prediction and polls it until it settles.
type Replicate struct {
	api     *jsonClient
	baseURL string
	opts    Options
}

func NewReplicate(token, baseURL string, hc *http.Client, opts Options) *Replicate {
	if baseURL == "" {
		baseURL = replicateBaseURL
	}
	return &Replicate{
		api:     newJSONClient(hc, map[string]string{"Authorization": "Bearer " + token}),
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
	}
}

func (a *Replicate) Key() string { return KeyReplicate }

type replicatePrediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
}

func (a *Replicate) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.Model == "" {
		return nil, &Error{Provider: KeyReplicate, Kind: KindFailed, Err: fmt.Errorf("model is required")}
	}
	input := map[string]any{"prompt": req.FullPrompt()}
	if req.ImageURL != "" {
		input["image"] = req.ImageURL
	}
	if req.AudioURL != "" {
		input["audio"] = req.AudioURL
	}
	if req.AspectRatio != "" {
		input["aspect_ratio"] = req.AspectRatio
	}

	created, err := retry.Do(ctx, a.opts.Retry, func(ctx context.Context) (*replicatePrediction, error) {
		var p replicatePrediction
		url := fmt.Sprintf("%s/models/%s/predictions", a.baseURL, req.Model)
		if err := a.api.do(ctx, http.MethodPost, url, map[string]any{"input": input}, &p); err != nil {
			return nil, err
		}
		return &p, nil
	})
	if err != nil {
		return nil, classify(KeyReplicate, err)
	}

	final, err := retry.Poll(ctx, a.opts.poll(), func(ctx context.Context) (*replicatePrediction, bool, error) {
		var p replicatePrediction
		err := a.api.do(ctx, http.MethodGet, a.baseURL+"/predictions/"+created.ID, nil, &p)
		if err != nil {
			if retry.IsTransientRead(err) {
				return nil, false, nil
			}
			return nil, false, err
		}
		switch p.Status {
		case "succeeded":
			return &p, true, nil
		case "failed", "canceled":
			return nil, false, predictionError(&p)
		}
		return nil, false, nil
	})
	if err != nil {
		return nil, classify(KeyReplicate, wrapPoll(KeyReplicate, err))
	}

	url := firstOutputURL(final.Output)
	if url == "" {
		return nil, &Error{Provider: KeyReplicate, Kind: KindFailed, Err: ErrNoOutput}
	}
	return &Result{URL: url, MediaType: mediaTypeFromURL(url), Model: req.Model}, nil
}

func predictionError(p *replicatePrediction) error {
	msg := fmt.Sprint(p.Error)
	if p.Error == nil {
		msg = "prediction " + p.Status
	}
	kind := KindFailed
	if looksUnsafe(msg) {
		kind = KindRejected
	}
	return &Error{Provider: KeyReplicate, Kind: kind, Err: fmt.Errorf("%s", msg)}
}

// firstOutputURL accepts a string or an array of strings.
func firstOutputURL(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}
