// Package storage persists generated media so provider URLs are never the system of record.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MaxMediaBytes caps a single mirrored artifact.
const MaxMediaBytes = 100 << 20

var (
	ErrNotFound = errors.New("media not found")
	ErrTooLarge = errors.New("media exceeds size limit")
)

// Store writes a blob and returns its public URL.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
}

// Fetcher downloads provider output.
type Fetcher struct {
	http     *http.Client
	maxBytes int64
}

func NewFetcher(hc *http.Client, maxBytes int64) *Fetcher {
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	if maxBytes <= 0 {
		maxBytes = MaxMediaBytes
	}
	return &Fetcher{http: hc, maxBytes: maxBytes}
}

// Fetch GETs url and returns the body and its content type. Bodies larger than the
// limit fail with ErrTooLarge.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, "", ErrTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", ErrTooLarge
	}
	ct := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i > 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return data, ct, nil
}

// Mirror copies a provider URL into the store.
type Mirror struct {
	fetcher *Fetcher
	store   Store
}

func NewMirror(fetcher *Fetcher, store Store) *Mirror {
	return &Mirror{fetcher: fetcher, store: store}
}

// Copy fetches url and stores it. fallbackType is used when the response has no content type.
func (m *Mirror) Copy(ctx context.Context, url, fallbackType string) (string, string, error) {
	data, ct, err := m.fetcher.Fetch(ctx, url)
	if err != nil {
		return "", "", err
	}
	if fallbackType != "" && (ct == "" || ct == "application/octet-stream") {
		ct = fallbackType
	}
	stored, err := m.store.Put(ctx, data, ct)
	if err != nil {
		return "", "", err
	}
	return stored, ct, nil
}

// Save stores inline bytes.
func (m *Mirror) Save(ctx context.Context, data []byte, contentType string) (string, error) {
	if int64(len(data)) > m.fetcher.maxBytes {
		return "", ErrTooLarge
	}
	return m.store.Put(ctx, data, contentType)
}
