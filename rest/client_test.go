package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(zerolog.Nop(), ClientOptions{
		BaseURL:    server.URL,
		Token:      "token",
		RetryDelay: 10 * time.Millisecond,
	})

	return client, server
}

func TestClientBucketExhaustionScenario(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex

	var served int

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		served++
		remaining := 5 - served

		if served > 5 {
			remaining = 4
		}
		mu.Unlock()

		w.Header().Set(HeaderRateLimitBucket, "msgbucket")
		w.Header().Set(HeaderRateLimitLimit, "5")
		w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(remaining))
		w.Header().Set(HeaderRateLimitResetAfter, "0.3")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))

	ctx := context.Background()
	route := ParseRoute(http.MethodPost, "/channels/1/messages")

	for _, expected := range []int32{4, 3, 2, 1, 0} {
		_, err := client.Submit(ctx, &Request{Method: http.MethodPost, Endpoint: "/channels/1/messages", Body: []byte(`{}`)})
		require.NoError(t, err)

		snapshot, ok := client.RateLimiter.BucketForRoute(route)
		require.True(t, ok)
		assert.Equal(t, expected, snapshot.Remaining)
	}

	start := time.Now()

	resp, err := client.Submit(ctx, &Request{Method: http.MethodPost, Endpoint: "/channels/1/messages", Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, "msgbucket:channels/1", resp.Bucket)

	snapshot, ok := client.RateLimiter.BucketForRoute(route)
	require.True(t, ok)
	assert.Equal(t, int32(4), snapshot.Remaining)
}

func TestClientRetriesThrottledRequests(t *testing.T) {
	t.Parallel()

	calls := atomic.NewInt32(0)

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderRateLimitBucket, "abc")

		if calls.Inc() == 1 {
			w.Header().Set(HeaderRetryAfter, "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"You are being rate limited.","retry_after":0.2,"global":false}`))

			return
		}

		w.Header().Set(HeaderRateLimitRemaining, "4")
		w.Header().Set(HeaderRateLimitLimit, "5")
		w.WriteHeader(http.StatusOK)
	}))

	start := time.Now()

	resp, err := client.Submit(context.Background(), &Request{Method: http.MethodGet, Endpoint: "/channels/1"})
	require.NoError(t, err)

	elapsed := time.Since(start)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 900*time.Millisecond, "body retry_after should be preferred over the rounded header")
}

func TestClientThrottleRetriesAreBounded(t *testing.T) {
	t.Parallel()

	calls := atomic.NewInt32(0)

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		w.Header().Set(HeaderRetryAfter, "0.01")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	client.MaxThrottleRetries = 2

	_, err := client.Submit(context.Background(), &Request{Method: http.MethodGet, Endpoint: "/channels/1"})

	var throttleError *ThrottleError
	require.ErrorAs(t, err, &throttleError)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientRetriesServerErrors(t *testing.T) {
	t.Parallel()

	calls := atomic.NewInt32(0)

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Inc() <= 2 {
			w.WriteHeader(http.StatusBadGateway)

			return
		}

		_, _ = w.Write([]byte(`{"url":"wss://gateway.discord.gg","shards":4,"session_start_limit":{"total":1000,"remaining":999,"reset_after":14400000,"max_concurrency":16}}`))
	}))

	gateway, err := client.GetGatewayBot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.EqualValues(t, 4, gateway.Shards)
	assert.EqualValues(t, 16, gateway.SessionStartLimit.MaxConcurrency)
	assert.Equal(t, "wss://gateway.discord.gg", gateway.URL)
}

func TestClientSurfacesPersistentServerErrors(t *testing.T) {
	t.Parallel()

	calls := atomic.NewInt32(0)

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	client.MaxRetries = 2

	_, err := client.Submit(context.Background(), &Request{Method: http.MethodGet, Endpoint: "/gateway/bot"})

	var serverError *ServerError
	require.ErrorAs(t, err, &serverError)
	assert.Equal(t, http.StatusInternalServerError, serverError.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	calls := atomic.NewInt32(0)

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()

		if r.URL.Path == "/users/@me" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"401: Unauthorized","code":0}`))

			return
		}

		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Unknown Channel","code":10003}`))
	}))

	_, err := client.Submit(context.Background(), &Request{Method: http.MethodGet, Endpoint: "/channels/1"})

	var requestError *RequestError
	require.ErrorAs(t, err, &requestError)
	assert.Equal(t, http.StatusNotFound, requestError.StatusCode)
	require.NotNil(t, requestError.Discord)
	assert.Equal(t, int32(10003), requestError.Discord.Code)
	assert.Equal(t, int32(1), calls.Load())

	_, err = client.Submit(context.Background(), &Request{Method: http.MethodGet, Endpoint: "/users/@me"})
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientNetworkErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	client := NewClient(zerolog.Nop(), ClientOptions{
		BaseURL:    server.URL,
		Token:      "token",
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})

	_, err := client.Submit(context.Background(), &Request{Method: http.MethodGet, Endpoint: "/gateway/bot"})

	var networkError *NetworkError
	assert.ErrorAs(t, err, &networkError)
}

func TestClientCancellation(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()

	_, err := client.Submit(ctx, &Request{Method: http.MethodGet, Endpoint: "/channels/1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClientHeaders(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()

		w.WriteHeader(http.StatusNoContent)
	}))

	guildID := discord.Snowflake(10)
	channelID := discord.Snowflake(20)

	err := client.ModifyCurrentUserVoiceState(context.Background(), guildID, ModifyCurrentUserVoiceState{ChannelID: &channelID})
	require.NoError(t, err)

	header := <-headers
	assert.Equal(t, "Bot token", header.Get("Authorization"))
	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.Equal(t, UserAgent, header.Get("User-Agent"))

	_, err = client.Submit(context.Background(), &Request{Method: http.MethodGet, Endpoint: "/gateway", NoAuth: true, Reason: "hello world"})
	require.NoError(t, err)

	header = <-headers
	assert.Empty(t, header.Get("Authorization"))
	assert.Equal(t, "hello%20world", header.Get("X-Audit-Log-Reason"))
}

func TestClientWithoutToken(t *testing.T) {
	t.Parallel()

	client := NewClient(zerolog.Nop(), ClientOptions{BaseURL: "http://127.0.0.1:1"})

	_, err := client.Submit(context.Background(), &Request{Method: http.MethodGet, Endpoint: "/gateway/bot"})
	assert.ErrorIs(t, err, ErrNoToken)
}
