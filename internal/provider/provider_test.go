package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbazaar/backend/internal/retry"
)

func testOptions() Options {
	return Options{
		Retry:        retry.Policy{Attempts: 3, BaseDelay: time.Millisecond},
		PollInterval: time.Millisecond,
		PollTimeout:  time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ---- registry

type stubAdapter struct{ key string }

func (s stubAdapter) Key() string { return s.key }
func (s stubAdapter) Generate(context.Context, Request) (*Result, error) {
	return &Result{URL: "https://x/" + s.key}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubAdapter{"b"}, stubAdapter{"a"})
	a, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", a.Key())
	assert.Equal(t, []string{"a", "b"}, r.Keys())

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

// ---- replicate

func TestReplicate_PollsUntilSucceeded(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/models/black-forest-labs/flux-schnell/predictions":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			writeJSON(w, http.StatusCreated, map[string]any{"id": "p1", "status": "starting"})
		case r.Method == http.MethodGet && r.URL.Path == "/predictions/p1":
			if atomic.AddInt32(&polls, 1) < 3 {
				writeJSON(w, http.StatusOK, map[string]any{"id": "p1", "status": "processing"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": "p1", "status": "succeeded", "output": []string{"https://cdn.example/out.webp"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := NewReplicate("tok", srv.URL, srv.Client(), testOptions())
	res, err := a.Generate(context.Background(), Request{Prompt: "a cat", Model: "black-forest-labs/flux-schnell"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/out.webp", res.URL)
	assert.Equal(t, "image/webp", res.MediaType)
	assert.EqualValues(t, 3, atomic.LoadInt32(&polls))
}

func TestReplicate_RetriesTransientSubmit(t *testing.T) {
	var submits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if atomic.AddInt32(&submits, 1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"id": "p2", "status": "starting"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "p2", "status": "succeeded", "output": "https://cdn.example/a.mp4"})
	}))
	defer srv.Close()

	res, err := NewReplicate("tok", srv.URL, srv.Client(), testOptions()).
		Generate(context.Background(), Request{Prompt: "x", Model: "o/m"})
	require.NoError(t, err)
	assert.Equal(t, "video/mp4", res.MediaType)
	assert.EqualValues(t, 2, atomic.LoadInt32(&submits))
}

func TestReplicate_NSFWIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writeJSON(w, http.StatusCreated, map[string]any{"id": "p3", "status": "starting"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "p3", "status": "failed", "error": "NSFW content detected"})
	}))
	defer srv.Close()

	_, err := NewReplicate("tok", srv.URL, srv.Client(), testOptions()).
		Generate(context.Background(), Request{Prompt: "x", Model: "o/m"})
	require.Error(t, err)
	assert.True(t, IsRejected(err))
}

func TestReplicate_PermanentSubmitErrorNotRetried(t *testing.T) {
	var submits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&submits, 1)
		http.Error(w, `{"detail":"invalid version"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := NewReplicate("tok", srv.URL, srv.Client(), testOptions()).
		Generate(context.Background(), Request{Prompt: "x", Model: "o/m"})
	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindFailed, pe.Kind)
	assert.EqualValues(t, 1, atomic.LoadInt32(&submits))
}

func TestReplicate_PollTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "p4", "status": "processing"})
	}))
	defer srv.Close()

	opts := testOptions()
	opts.PollTimeout = 20 * time.Millisecond
	opts.PollInterval = 5 * time.Millisecond
	_, err := NewReplicate("tok", srv.URL, srv.Client(), opts).
		Generate(context.Background(), Request{Prompt: "x", Model: "o/m"})
	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, KindTimeout, pe.Kind)
	assert.ErrorIs(t, err, retry.ErrPollTimeout)
}

// ---- fal

func TestFal_QueueFlow(t *testing.T) {
	var srv *httptest.Server
	var statusCalls int32
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Key k", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/fal-ai/flux/dev":
			writeJSON(w, http.StatusOK, map[string]any{
				"request_id":   "r1",
				"status_url":   srv.URL + "/fal-ai/flux/requests/r1/status",
				"response_url": srv.URL + "/fal-ai/flux/requests/r1",
			})
		case "/fal-ai/flux/requests/r1/status":
			if atomic.AddInt32(&statusCalls, 1) == 1 {
				writeJSON(w, http.StatusAccepted, map[string]any{"status": "IN_QUEUE"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "COMPLETED"})
		case "/fal-ai/flux/requests/r1":
			writeJSON(w, http.StatusOK, map[string]any{"images": []map[string]any{{"url": "https://fal.media/x.jpg", "content_type": "image/jpeg"}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	res, err := NewFal("k", srv.URL, srv.Client(), testOptions()).
		Generate(context.Background(), Request{Prompt: "x", Model: "fal-ai/flux/dev"})
	require.NoError(t, err)
	assert.Equal(t, "https://fal.media/x.jpg", res.URL)
	assert.Equal(t, "image/jpeg", res.MediaType)
}

// ---- runway

func TestRunway_SafetyFailureIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, runwayAPIVersion, r.Header.Get("X-Runway-Version"))
		switch r.URL.Path {
		case "/image_to_video":
			writeJSON(w, http.StatusOK, map[string]any{"id": "t1"})
		case "/tasks/t1":
			writeJSON(w, http.StatusOK, map[string]any{"id": "t1", "status": "FAILED", "failure": "blocked", "failureCode": "SAFETY.INPUT.IMAGE"})
		}
	}))
	defer srv.Close()

	_, err := NewRunway("s", srv.URL, srv.Client(), testOptions()).
		Generate(context.Background(), Request{Prompt: "x", ImageURL: "https://img/x.png"})
	assert.True(t, IsRejected(err))
}

func TestRunway_Succeeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/image_to_video":
			writeJSON(w, http.StatusOK, map[string]any{"id": "t2"})
		case "/tasks/t2":
			writeJSON(w, http.StatusOK, map[string]any{"id": "t2", "status": "SUCCEEDED", "output": []string{"https://rw/v.mp4"}})
		}
	}))
	defer srv.Close()

	res, err := NewRunway("s", srv.URL, srv.Client(), testOptions()).
		Generate(context.Background(), Request{Prompt: "x", ImageURL: "https://img/x.png"})
	require.NoError(t, err)
	assert.Equal(t, "video/mp4", res.MediaType)
	assert.Equal(t, defaultRunwayModel, res.Model)
}

// ---- openai

func TestOpenAI_CreateImage(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/images/generations", r.URL.Path)
		if atomic.AddInt32(&calls, 1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": map[string]any{"message": "overloaded", "type": "server_error"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"created": 1, "data": []map[string]any{{"url": "https://oai/img.png"}}})
	}))
	defer srv.Close()

	res, err := NewOpenAI("k", srv.URL+"/v1", testOptions()).Generate(context.Background(), Request{Prompt: "a fox"})
	require.NoError(t, err)
	assert.Equal(t, "https://oai/img.png", res.URL)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestOpenAI_ContentPolicyRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{
			"message": "Your request was rejected as a result of our safety system.",
			"type":    "invalid_request_error",
			"code":    "content_policy_violation",
		}})
	}))
	defer srv.Close()

	_, err := NewOpenAI("k", srv.URL+"/v1", testOptions()).Generate(context.Background(), Request{Prompt: "x"})
	assert.True(t, IsRejected(err))
}

// ---- anthropic

func TestAnthropic_TextDeliverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-test", body["model"])
		writeJSON(w, http.StatusOK, map[string]any{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content":     []map[string]any{{"type": "text", "text": "# Report\nDone."}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 3, "output_tokens": 4},
		})
	}))
	defer srv.Close()

	res, err := NewAnthropic("k", srv.URL, testOptions()).
		Generate(context.Background(), Request{Prompt: "write", Model: "claude-test", SystemPrompt: "be brief"})
	require.NoError(t, err)
	assert.Equal(t, "text/markdown", res.MediaType)
	assert.Equal(t, "# Report\nDone.", string(res.Data))
}

func TestMediaTypeFromURL(t *testing.T) {
	cases := map[string]string{
		"https://x/a.png?sig=1": "image/png",
		"https://x/a.mp4":       "video/mp4",
		"https://x/a.mp3":       "audio/mpeg",
		"https://x/noext":       "application/octet-stream",
	}
	for in, want := range cases {
		t.Run(fmt.Sprint(in), func(t *testing.T) {
			assert.Equal(t, want, mediaTypeFromURL(in))
		})
	}
}
