package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"blast/internal/model"
)

// MediaResolver turns a media reference into local bytes plus a mime type.
// Media is resolved once per job and reused across recipients.
type MediaResolver interface {
	Resolve(ctx context.Context, ref model.MediaRef) ([]byte, string, error)
}

// ErrNoMedia is returned when the reference resolves to nothing.
var ErrNoMedia = errors.New("media reference is empty")

// Retry/backoff configuration for media fetches.
var (
	fetchMaxAttempts = 3
	fetchBaseBackoff = 2 * time.Second
	fetchMaxBackoff  = 20 * time.Second
	fetchJitterPct   = 0.20
)

type httpStatusError struct {
	code int
	url  string
}

func (e *httpStatusError) Error() string { return fmt.Sprintf("fetch %s: status %d", e.url, e.code) }

// HTTPResolver fetches media over HTTP. Asset ids are resolved against the
// asset collaborator's base URL.
type HTTPResolver struct {
	Client       *http.Client
	AssetBaseURL string
}

func NewHTTPResolver(timeout time.Duration, assetBaseURL string) *HTTPResolver {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPResolver{
		Client:       &http.Client{Timeout: timeout},
		AssetBaseURL: assetBaseURL,
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, ref model.MediaRef) ([]byte, string, error) {
	target := ref.URL
	if target == "" && ref.AssetID != "" {
		if r.AssetBaseURL == "" {
			return nil, "", fmt.Errorf("asset %s: no asset base URL configured", ref.AssetID)
		}
		target = strings.TrimRight(r.AssetBaseURL, "/") + "/" + url.PathEscape(ref.AssetID)
	}
	if target == "" {
		return nil, "", ErrNoMedia
	}

	var data []byte
	var mime string
	err := withRetry(ctx, func() error {
		var err error
		data, mime, err = r.fetch(ctx, target)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return data, mime, nil
}

func (r *HTTPResolver) fetch(ctx context.Context, target string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", err
	}
	res, err := r.Client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		// typed error for retry classification
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, "", &httpStatusError{code: res.StatusCode, url: target}
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, "", err
	}
	ct := res.Header.Get("Content-Type")
	if ct == "" {
		ct = sniffContentType(target)
	}
	return body, ct, nil
}

func sniffContentType(target string) string {
	lower := strings.ToLower(target)
	switch {
	case strings.Contains(lower, ".jpg"), strings.Contains(lower, ".jpeg"):
		return "image/jpeg"
	case strings.Contains(lower, ".png"):
		return "image/png"
	case strings.Contains(lower, ".mp4"):
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var he *httpStatusError
	if errors.As(err, &he) {
		return he.code == http.StatusTooManyRequests || (he.code >= 500 && he.code <= 599)
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "temporary"),
		strings.Contains(s, "eof"),
		strings.Contains(s, "reset"),
		strings.Contains(s, "deadline"):
		return true
	default:
		return false
	}
}

func withRetry(ctx context.Context, fn func() error) error {
	attempt := 0
	backoff := fetchBaseBackoff
	for {
		err := fn()
		if err == nil {
			return nil
		}
		attempt++
		if attempt >= fetchMaxAttempts || !isRetryable(err) {
			return err
		}
		// exponential backoff with jitter
		jit := time.Duration(rand.Int63n(int64(float64(backoff) * fetchJitterPct)))
		wait := backoff + jit
		if wait > fetchMaxBackoff {
			wait = fetchMaxBackoff
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > fetchMaxBackoff {
			backoff = fetchMaxBackoff
		}
	}
}
