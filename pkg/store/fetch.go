package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// FetchFunc retrieves the body behind a url. The default implementation is
// HTTPFetch; tests substitute fakes.
type FetchFunc func(ctx context.Context, url string) ([]byte, error)

var httpClient = &http.Client{Timeout: 2 * time.Minute}

// HTTPFetch downloads a url with a small retry budget. Server errors and
// transport errors are retried with exponential backoff; client errors are
// permanent.
func HTTPFetch(ctx context.Context, url string) ([]byte, error) {
	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		req.Header.Set("User-Agent", "wpm")

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
		}

		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(fmt.Errorf("GET %s: %s", url, resp.Status))
		}

		return io.ReadAll(resp.Body)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4),
	)
}

func sha256Hex(body []byte) string {
	digest := sha256.Sum256(body)
	return hex.EncodeToString(digest[:])
}
