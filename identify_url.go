package sandwich

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
)

// IdentifyViaURL is a bare minimum identify provider that uses a URL to identify shards.
// This will send a POST request to the URL with the shard_id, shard_count, token, token_hash and max_concurrency in the body, or in the URL.

// This is done using formatting tags:
// - {shard_id}
// - {shard_count}
// - {token}
// - {token_hash}
// - {max_concurrency}

// This will expect a 200 or 204 response.
// Any other response is retried after the header `X-Retry-After-Ms` or StandardIdentifyLimit.
type IdentifyViaURL struct {
	Client  *http.Client
	URL     string
	Headers map[string]string
}

func NewIdentifyViaURL(url string, headers map[string]string) *IdentifyViaURL {
	return &IdentifyViaURL{
		Client:  http.DefaultClient,
		URL:     url,
		Headers: headers,
	}
}

type identifyURLPayload struct {
	Token          string `json:"token"`
	TokenHash      string `json:"token_hash"`
	ShardID        int32  `json:"shard_id"`
	ShardCount     int32  `json:"shard_count"`
	MaxConcurrency int32  `json:"max_concurrency"`
}

func (i *IdentifyViaURL) Identify(ctx context.Context, request IdentifyRequest) error {
	hash := tokenHash(request.Token)

	identifyURL := strings.NewReplacer(
		"{shard_id}", strconv.Itoa(int(request.ShardID)),
		"{shard_count}", strconv.Itoa(int(request.ShardCount)),
		"{token}", request.Token,
		"{token_hash}", hash,
		"{max_concurrency}", strconv.Itoa(int(request.MaxConcurrency)),
	).Replace(i.URL)

	_, err := url.Parse(identifyURL)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}

	body, err := sandwichjson.Marshal(identifyURLPayload{
		Token:          request.Token,
		TokenHash:      hash,
		ShardID:        request.ShardID,
		ShardCount:     request.ShardCount,
		MaxConcurrency: request.MaxConcurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal identify payload: %w", err)
	}

	client := i.Client
	if client == nil {
		client = http.DefaultClient
	}

	for {
		retryAfter, err := i.attempt(ctx, client, identifyURL, body)
		if err != nil {
			return err
		}

		if retryAfter == 0 {
			return nil
		}

		timer := time.NewTimer(retryAfter)

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}
}

// attempt returns how long to wait before retrying, or zero once the identify is allowed.
func (i *IdentifyViaURL) attempt(ctx context.Context, client *http.Client, identifyURL string, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, identifyURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create identify request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	for key, value := range i.Headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		return StandardIdentifyLimit, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		return 0, nil
	}

	retryAfterInt, _ := strconv.Atoi(resp.Header.Get("X-Retry-After-Ms"))
	if retryAfterInt > 0 {
		return time.Duration(retryAfterInt) * time.Millisecond, nil
	}

	return StandardIdentifyLimit, nil
}
