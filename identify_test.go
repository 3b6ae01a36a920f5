package sandwich

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestIdentifyBucket(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int32(0), identifyBucket(7, 0))
	assert.Equal(t, int32(0), identifyBucket(7, 1))
	assert.Equal(t, int32(3), identifyBucket(7, 4))
	assert.Equal(t, int32(0), identifyBucket(16, 16))
}

func TestIdentifyViaBucketsStaggersSameBucket(t *testing.T) {
	t.Parallel()

	const window = 150 * time.Millisecond

	provider := NewIdentifyViaBuckets(window)
	ctx := context.Background()

	start := time.Now()

	require.NoError(t, provider.Identify(ctx, IdentifyRequest{Token: "token", ShardID: 0, ShardCount: 4, MaxConcurrency: 2}))
	assert.Less(t, time.Since(start), window)

	// Shard 1 is in a different bucket and identifies immediately.
	require.NoError(t, provider.Identify(ctx, IdentifyRequest{Token: "token", ShardID: 1, ShardCount: 4, MaxConcurrency: 2}))
	assert.Less(t, time.Since(start), window)

	// Shard 2 shares a bucket with shard 0.
	require.NoError(t, provider.Identify(ctx, IdentifyRequest{Token: "token", ShardID: 2, ShardCount: 4, MaxConcurrency: 2}))
	assert.GreaterOrEqual(t, time.Since(start), window-10*time.Millisecond)
}

func TestIdentifyViaBucketsCancelled(t *testing.T) {
	t.Parallel()

	provider := NewIdentifyViaBuckets(time.Minute)

	require.NoError(t, provider.Identify(context.Background(), IdentifyRequest{Token: "token"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := provider.Identify(ctx, IdentifyRequest{Token: "token"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIdentifyViaURL(t *testing.T) {
	t.Parallel()

	attempts := atomic.NewInt32(0)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/identify/3/8", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)

		var payload identifyURLPayload
		assert.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, int32(3), payload.ShardID)
		assert.Equal(t, tokenHash("token"), payload.TokenHash)

		if attempts.Inc() == 1 {
			w.Header().Set("X-Retry-After-Ms", "10")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	provider := NewIdentifyViaURL(server.URL+"/identify/{shard_id}/{shard_count}", map[string]string{
		"Authorization": "secret",
	})

	err := provider.Identify(context.Background(), IdentifyRequest{Token: "token", ShardID: 3, ShardCount: 8, MaxConcurrency: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestIdentifyViaURLCancelled(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Retry-After-Ms", "60000")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	provider := NewIdentifyViaURL(server.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := provider.Identify(ctx, IdentifyRequest{Token: "token"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
