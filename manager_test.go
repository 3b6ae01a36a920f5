package sandwich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/rest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"nhooyr.io/websocket"
)

// autoGateway answers connections like discord would.
type autoGateway struct {
	mu    sync.Mutex
	conns []*fakeConn

	identifies *atomic.Int32
	failDials  *atomic.Bool
	rejectAuth bool
}

func newAutoGateway() *autoGateway {
	return &autoGateway{
		identifies: atomic.NewInt32(0),
		failDials:  atomic.NewBool(false),
	}
}

func (gateway *autoGateway) dial(_ context.Context, _ string) (GatewayConn, error) {
	if gateway.failDials.Load() {
		return nil, errors.New("connection refused")
	}

	conn := newFakeConn()

	gateway.mu.Lock()
	gateway.conns = append(gateway.conns, conn)
	gateway.mu.Unlock()

	go gateway.serve(conn)

	return conn, nil
}

func (gateway *autoGateway) last() *fakeConn {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()

	return gateway.conns[len(gateway.conns)-1]
}

func (gateway *autoGateway) serve(conn *fakeConn) {
	send := func(frame fakeFrame) bool {
		select {
		case conn.reads <- frame:
			return true
		case <-conn.closed:
			return false
		}
	}

	if !send(fakeFrame{data: []byte(`{"op":10,"d":{"heartbeat_interval":45000}}`)}) {
		return
	}

	for {
		var frame sentFrame

		select {
		case frame = <-conn.writes:
		case <-conn.closed:
			return
		}

		switch frame.Op {
		case discord.GatewayOpHeartbeat:
			send(fakeFrame{data: []byte(`{"op":11}`)})
		case discord.GatewayOpIdentify:
			gateway.identifies.Inc()

			if gateway.rejectAuth {
				send(fakeFrame{err: websocket.CloseError{Code: discord.CloseAuthenticationFailed}})

				return
			}

			var identify discord.Identify
			_ = json.Unmarshal(frame.Data, &identify)

			send(fakeFrame{data: []byte(fmt.Sprintf(
				`{"op":0,"s":1,"t":"READY","d":{"session_id":"session-%d","user":{"id":"1234"},"shard":[%d,%d]}}`,
				identify.Shard[0], identify.Shard[0], identify.Shard[1],
			))})
		case discord.GatewayOpVoiceStateUpdate:
			var update VoiceStateRequest
			_ = json.Unmarshal(frame.Data, &update)

			send(fakeFrame{data: []byte(fmt.Sprintf(
				`{"op":0,"s":2,"t":"VOICE_STATE_UPDATE","d":{"guild_id":"%d","channel_id":"%d","user_id":"999","session_id":"other"}}`,
				update.GuildID, *update.ChannelID,
			))})
			send(fakeFrame{data: []byte(fmt.Sprintf(
				`{"op":0,"s":3,"t":"VOICE_STATE_UPDATE","d":{"guild_id":"%d","channel_id":"%d","user_id":"1234","session_id":"voice-session"}}`,
				update.GuildID, *update.ChannelID,
			))})
			send(fakeFrame{data: []byte(fmt.Sprintf(
				`{"op":0,"s":4,"t":"VOICE_SERVER_UPDATE","d":{"guild_id":"%d","token":"voice-token","endpoint":null}}`,
				update.GuildID,
			))})
			send(fakeFrame{data: []byte(fmt.Sprintf(
				`{"op":0,"s":5,"t":"VOICE_SERVER_UPDATE","d":{"guild_id":"%d","token":"voice-token","endpoint":"voice.discord.media"}}`,
				update.GuildID,
			))})
		}
	}
}

type immediateIdentify struct{}

func (immediateIdentify) Identify(context.Context, IdentifyRequest) error {
	return nil
}

func testManagerConfiguration(shardCount int32) *Configuration {
	configuration := &Configuration{
		Identifier: "test",
		Token:      "token",
	}

	configuration.Sharding.ShardCount = shardCount
	configuration.Reconnect.BaseDelay = 10 * time.Millisecond
	configuration.Reconnect.MaxDelay = 50 * time.Millisecond
	configuration.setDefaults()

	return configuration
}

func newTestManager(t *testing.T, configuration *Configuration, gateway *autoGateway, configure func(options *ManagerOptions)) *Manager {
	t.Helper()

	options := ManagerOptions{
		Configuration:    configuration,
		Logger:           zerolog.Nop(),
		IdentifyProvider: immediateIdentify{},
		Dialer:           gateway.dial,
		Random:           func() float64 { return 0 },
	}

	if configure != nil {
		configure(&options)
	}

	manager := NewManager(options)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()

		_ = manager.Shutdown(ctx)
	})

	return manager
}

func waitForShards(t *testing.T, manager *Manager, count int) {
	t.Helper()

	require.Eventually(t, func() bool {
		snapshots := manager.Snapshot()
		if len(snapshots) != count {
			return false
		}

		for _, snapshot := range snapshots {
			if snapshot.Status != ShardStatusReady {
				return false
			}
		}

		return true
	}, testTimeout, 10*time.Millisecond)
}

func TestManagerStartsAllShards(t *testing.T) {
	t.Parallel()

	gateway := newAutoGateway()
	manager := newTestManager(t, testManagerConfiguration(3), gateway, nil)

	require.NoError(t, manager.Start(context.Background(), 0))
	assert.Equal(t, ManagerStatusRunning, manager.Status())

	waitForShards(t, manager, 3)

	snapshots := manager.Snapshot()
	for i, snapshot := range snapshots {
		assert.Equal(t, int32(i), snapshot.ShardID)
		assert.Equal(t, int32(3), snapshot.ShardCount)
		assert.Equal(t, int64(1), snapshot.Sequence)
	}

	status := manager.StatusSnapshot()
	assert.Equal(t, "test", status.Identifier)
	assert.Equal(t, int32(3), status.ShardCount)
	assert.Len(t, status.Shards, 3)

	assert.ErrorIs(t, manager.Start(context.Background(), 0), ErrManagerAlreadyStarted)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	require.NoError(t, manager.Shutdown(ctx))
	assert.Equal(t, ManagerStatusStopped, manager.Status())

	for _, snapshot := range manager.Snapshot() {
		assert.Equal(t, ShardStatusDisconnected, snapshot.Status)
	}
}

func TestManagerClusterFilter(t *testing.T) {
	t.Parallel()

	configuration := testManagerConfiguration(6)
	configuration.Sharding.ClusterCount = 2
	configuration.Sharding.ClusterID = 1

	manager := newTestManager(t, configuration, newAutoGateway(), nil)

	require.NoError(t, manager.Start(context.Background(), 0))
	waitForShards(t, manager, 3)

	var shardIDs []int32
	for _, snapshot := range manager.Snapshot() {
		shardIDs = append(shardIDs, snapshot.ShardID)
	}

	assert.Equal(t, []int32{1, 3, 5}, shardIDs)
}

func TestManagerAuthenticationFailure(t *testing.T) {
	t.Parallel()

	gateway := newAutoGateway()
	gateway.rejectAuth = true

	fatal := make(chan error, 1)

	manager := newTestManager(t, testManagerConfiguration(2), gateway, func(options *ManagerOptions) {
		options.OnShardFatal = func(shardID int32, err error) {
			assert.Equal(t, int32(0), shardID)
			fatal <- err
		}
	})

	err := manager.Start(context.Background(), 0)

	var authenticationError *AuthenticationError
	require.ErrorAs(t, err, &authenticationError)
	assert.Equal(t, ManagerStatusFailed, manager.Status())

	select {
	case err := <-fatal:
		assert.True(t, IsFatal(err))
	case <-time.After(testTimeout):
		t.Fatal("fatal callback was not called")
	}

	// Only the first shard tried to identify.
	assert.Equal(t, int32(1), gateway.identifies.Load())
}

func TestManagerRestartsExhaustedShard(t *testing.T) {
	t.Parallel()

	gateway := newAutoGateway()

	configuration := testManagerConfiguration(1)
	configuration.Reconnect.MaxAttempts = 1

	fatal := make(chan error, 4)

	manager := newTestManager(t, configuration, gateway, func(options *ManagerOptions) {
		options.OnShardFatal = func(_ int32, err error) {
			gateway.failDials.Store(false)
			fatal <- err
		}
	})

	require.NoError(t, manager.Start(context.Background(), 0))
	waitForShards(t, manager, 1)

	gateway.failDials.Store(true)
	gateway.last().fail(errors.New("connection reset by peer"))

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, ErrReconnectExhausted)
		assert.False(t, IsFatal(err))
	case <-time.After(testTimeout):
		t.Fatal("fatal callback was not called")
	}

	// The replacement identifies from scratch.
	require.Eventually(t, func() bool {
		return gateway.identifies.Load() == 2
	}, testTimeout, 10*time.Millisecond)

	waitForShards(t, manager, 1)
}

func TestManagerSessionStartLimit(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gateway/bot", r.URL.Path)
		assert.Equal(t, "Bot token", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"wss://gateway.discord.gg","shards":4,"session_start_limit":{"total":1000,"remaining":2,"reset_after":1000,"max_concurrency":1}}`))
	}))
	defer server.Close()

	client := rest.NewClient(zerolog.Nop(), rest.ClientOptions{
		BaseURL:   server.URL,
		Token:     "token",
		TokenType: rest.TokenTypeBot,
	})

	manager := newTestManager(t, testManagerConfiguration(0), newAutoGateway(), func(options *ManagerOptions) {
		options.REST = client
	})

	err := manager.Start(context.Background(), 0)
	assert.ErrorIs(t, err, ErrSessionLimitExhausted)
	assert.Equal(t, int32(4), manager.ShardCount())
	assert.Equal(t, ManagerStatusFailed, manager.Status())
}

func TestManagerMissingShards(t *testing.T) {
	t.Parallel()

	configuration := testManagerConfiguration(2)
	configuration.Sharding.ShardIDs = "5-6"

	manager := newTestManager(t, configuration, newAutoGateway(), nil)

	assert.ErrorIs(t, manager.Start(context.Background(), 0), ErrManagerMissingShards)
}

func TestManagerJoinVoiceChannel(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex

	var dispatched []string

	manager := newTestManager(t, testManagerConfiguration(1), newAutoGateway(), func(options *ManagerOptions) {
		options.Handler = HandlerFuncs{
			Dispatch: func(_ context.Context, event *DispatchEvent) error {
				mu.Lock()
				dispatched = append(dispatched, event.Name)
				mu.Unlock()

				return nil
			},
		}
	})

	_, err := manager.JoinVoiceChannel(context.Background(), 10, 20, false, true)
	assert.ErrorIs(t, err, ErrInvalidShard)

	require.NoError(t, manager.Start(context.Background(), 0))
	waitForShards(t, manager, 1)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	info, err := manager.JoinVoiceChannel(ctx, 10, 20, false, true)
	require.NoError(t, err)

	assert.Equal(t, discord.Snowflake(10), info.GuildID)
	assert.Equal(t, discord.Snowflake(1234), info.UserID)
	require.NotNil(t, info.ChannelID)
	assert.Equal(t, discord.Snowflake(20), *info.ChannelID)
	assert.Equal(t, "voice-session", info.SessionID)
	assert.Equal(t, "voice-token", info.Token)
	assert.Equal(t, "voice.discord.media", info.Endpoint)

	// Voice events still reach consumers.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(dispatched) == 5
	}, testTimeout, 10*time.Millisecond)
}

func TestManagerShardForGuild(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t, testManagerConfiguration(4), newAutoGateway(), nil)

	require.NoError(t, manager.Start(context.Background(), 0))
	waitForShards(t, manager, 4)

	guildID := discord.Snowflake(81384788765712384)

	shard, ok := manager.ShardForGuild(guildID)
	require.True(t, ok)
	assert.Equal(t, ShardIDForGuild(guildID, 4), shard.ShardID)
}
