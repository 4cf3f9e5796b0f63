package provider

import (
	"context"
	"errors"
	"strings"
)

var safetyMarkers = []string{"safety", "content policy", "content_policy", "nsfw", "moderation"}

// classify turns a raw failure into a terminal *Error. Context errors pass through.
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if looksUnsafe(err.Error()) {
		return &Error{Provider: provider, Kind: KindRejected, Err: err}
	}
	return &Error{Provider: provider, Kind: KindFailed, Err: err}
}

func looksUnsafe(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range safetyMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
