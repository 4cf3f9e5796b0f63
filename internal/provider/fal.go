package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentbazaar/backend/internal/retry"
)

const falQueueURL = "https://queue.fal.run"

// Fal submits to the fal.ai queue, polls the status URL, then fetches the response.
type Fal struct {
	api     *jsonClient
	baseURL string
	opts    Options
}

func NewFal(key, baseURL string, hc *http.Client, opts Options) *Fal {
	if baseURL == "" {
		baseURL = falQueueURL
	}
	return &Fal{
		api:     newJSONClient(hc, map[string]string{"Authorization": "Key " + key}),
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
	}
}

func (a *Fal) Key() string { return KeyFal }

type falSubmit struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
}

type falStatus struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

type falFile struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

type falResponse struct {
	Images []falFile `json:"images"`
	Image  *falFile  `json:"image"`
	Video  *falFile  `json:"video"`
	Audio  *falFile  `json:"audio"`
}

func (r *falResponse) file() *falFile {
	switch {
	case len(r.Images) > 0:
		return &r.Images[0]
	case r.Image != nil:
		return r.Image
	case r.Video != nil:
		return r.Video
	case r.Audio != nil:
		return r.Audio
	}
	return nil
}

func (a *Fal) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.Model == "" {
		return nil, &Error{Provider: KeyFal, Kind: KindFailed, Err: fmt.Errorf("model is required")}
	}
	input := map[string]any{"prompt": req.FullPrompt()}
	if req.ImageURL != "" {
		input["image_url"] = req.ImageURL
	}
	if req.AudioURL != "" {
		input["audio_url"] = req.AudioURL
	}
	if req.AspectRatio != "" {
		input["aspect_ratio"] = req.AspectRatio
	}

	sub, err := retry.Do(ctx, a.opts.Retry, func(ctx context.Context) (*falSubmit, error) {
		var s falSubmit
		if err := a.api.do(ctx, http.MethodPost, a.baseURL+"/"+req.Model, input, &s); err != nil {
			return nil, err
		}
		return &s, nil
	})
	if err != nil {
		return nil, classify(KeyFal, err)
	}
	if sub.StatusURL == "" {
		sub.StatusURL = fmt.Sprintf("%s/%s/requests/%s/status", a.baseURL, req.Model, sub.RequestID)
	}
	if sub.ResponseURL == "" {
		sub.ResponseURL = fmt.Sprintf("%s/%s/requests/%s", a.baseURL, req.Model, sub.RequestID)
	}

	_, err = retry.Poll(ctx, a.opts.poll(), func(ctx context.Context) (struct{}, bool, error) {
		var st falStatus
		if err := a.api.do(ctx, http.MethodGet, sub.StatusURL, nil, &st); err != nil {
			if retry.IsTransientRead(err) {
				return struct{}{}, false, nil
			}
			return struct{}{}, false, err
		}
		switch st.Status {
		case "COMPLETED":
			if st.Error != "" {
				return struct{}{}, false, fmt.Errorf("%s", st.Error)
			}
			return struct{}{}, true, nil
		case "FAILED", "ERROR":
			return struct{}{}, false, fmt.Errorf("request failed: %s", st.Error)
		}
		return struct{}{}, false, nil
	})
	if err != nil {
		return nil, classify(KeyFal, wrapPoll(KeyFal, err))
	}

	resp, err := retry.Do(ctx, a.opts.Retry, func(ctx context.Context) (*falResponse, error) {
		var r falResponse
		if err := a.api.do(ctx, http.MethodGet, sub.ResponseURL, nil, &r); err != nil {
			return nil, err
		}
		return &r, nil
	})
	if err != nil {
		return nil, classify(KeyFal, err)
	}
	f := resp.file()
	if f == nil || f.URL == "" {
		return nil, &Error{Provider: KeyFal, Kind: KindFailed, Err: ErrNoOutput}
	}
	mt := f.ContentType
	if mt == "" {
		mt = mediaTypeFromURL(f.URL)
	}
	return &Result{URL: f.URL, MediaType: mt, Model: req.Model}, nil
}
