package sandwich

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
	csmap "github.com/mhmtszr/concurrent-swiss-map"
)

// VoiceConnectionInfo is what a voice transport needs to connect to a
// voice server.
type VoiceConnectionInfo struct {
	ChannelID *discord.Snowflake `json:"channel_id"`
	SessionID string             `json:"session_id"`
	Token     string             `json:"token"`
	Endpoint  string             `json:"endpoint"`
	GuildID   discord.Snowflake  `json:"guild_id"`
	UserID    discord.Snowflake  `json:"user_id"`
}

// VoiceStateRequest is sent to join, move or leave a voice channel.
// A nil ChannelID disconnects.
type VoiceStateRequest struct {
	GuildID   discord.Snowflake  `json:"guild_id"`
	ChannelID *discord.Snowflake `json:"channel_id"`
	SelfMute  bool               `json:"self_mute"`
	SelfDeaf  bool               `json:"self_deaf"`
}

// voiceServerUpdate is dispatched in VOICE_SERVER_UPDATE. The endpoint is
// null while the voice server is being reallocated.
type voiceServerUpdate struct {
	Endpoint *string           `json:"endpoint"`
	Token    string            `json:"token"`
	GuildID  discord.Snowflake `json:"guild_id"`
}

type voiceWaiter struct {
	mu   sync.Mutex
	info VoiceConnectionInfo

	haveState  bool
	haveServer bool

	done     chan struct{}
	doneOnce sync.Once
}

func (w *voiceWaiter) complete() {
	if w.haveState && w.haveServer {
		w.doneOnce.Do(func() { close(w.done) })
	}
}

// voiceTracker matches voice state and voice server updates to pending
// joins.
type voiceTracker struct {
	waiters *csmap.CsMap[discord.Snowflake, *voiceWaiter]
}

func newVoiceTracker() *voiceTracker {
	return &voiceTracker{
		waiters: csmap.Create(
			csmap.WithSize[discord.Snowflake, *voiceWaiter](16),
		),
	}
}

func (v *voiceTracker) wait(guildID, userID discord.Snowflake) *voiceWaiter {
	waiter := &voiceWaiter{
		info: VoiceConnectionInfo{GuildID: guildID, UserID: userID},
		done: make(chan struct{}),
	}

	v.waiters.Store(guildID, waiter)

	return waiter
}

// release removes the waiter unless a newer join for the guild replaced it.
func (v *voiceTracker) release(guildID discord.Snowflake, waiter *voiceWaiter) {
	v.waiters.DeleteIf(guildID, func(current *voiceWaiter) bool {
		return current == waiter
	})
}

func (v *voiceTracker) OnDispatch(_ context.Context, event *DispatchEvent) error {
	switch event.Name {
	case discord.DiscordEventVoiceStateUpdate:
		// Peek before decoding, most voice states belong to other users.
		guildID, err := strconv.ParseUint(sandwichjson.GetString(event.Data, "guild_id"), 10, 64)
		if err != nil {
			return nil
		}

		waiter, ok := v.waiters.Load(discord.Snowflake(guildID))
		if !ok {
			return nil
		}

		var state discord.VoiceState
		if err := sandwichjson.Unmarshal(event.Data, &state); err != nil {
			return fmt.Errorf("failed to unmarshal voice state update: %w", err)
		}

		waiter.mu.Lock()
		defer waiter.mu.Unlock()

		if state.UserID != waiter.info.UserID {
			return nil
		}

		waiter.info.SessionID = state.SessionID
		waiter.info.ChannelID = nil

		if state.ChannelID != 0 {
			channelID := state.ChannelID
			waiter.info.ChannelID = &channelID
		}
		waiter.haveState = true
		waiter.complete()
	case discord.DiscordEventVoiceServerUpdate:
		var server voiceServerUpdate
		if err := sandwichjson.Unmarshal(event.Data, &server); err != nil {
			return fmt.Errorf("failed to unmarshal voice server update: %w", err)
		}

		waiter, ok := v.waiters.Load(server.GuildID)
		if !ok {
			return nil
		}

		waiter.mu.Lock()
		defer waiter.mu.Unlock()

		// A null endpoint means the voice server is being reallocated.
		if server.Endpoint == nil {
			return nil
		}

		waiter.info.Token = server.Token
		waiter.info.Endpoint = *server.Endpoint
		waiter.haveServer = true
		waiter.complete()
	}

	return nil
}

func (v *voiceTracker) OnShardStateChanged(int32, ShardStatus, ShardStatus) {}

// UpdateVoiceState joins, moves or leaves (nil channelID) a voice channel on
// the shard owning the guild.
func (m *Manager) UpdateVoiceState(ctx context.Context, guildID discord.Snowflake, channelID *discord.Snowflake, mute, deaf bool) error {
	shard, ok := m.ShardForGuild(guildID)
	if !ok {
		return ErrInvalidShard
	}

	if !shard.Status().IsReady() {
		return ErrVoiceNotReady
	}

	return shard.UpdateVoiceState(ctx, VoiceStateRequest{
		GuildID:   guildID,
		ChannelID: channelID,
		SelfMute:  mute,
		SelfDeaf:  deaf,
	})
}

// JoinVoiceChannel joins a voice channel and waits for discord to hand out
// the voice session and server.
func (m *Manager) JoinVoiceChannel(ctx context.Context, guildID, channelID discord.Snowflake, mute, deaf bool) (*VoiceConnectionInfo, error) {
	shard, ok := m.ShardForGuild(guildID)
	if !ok {
		return nil, ErrInvalidShard
	}

	if !shard.Status().IsReady() {
		return nil, ErrVoiceNotReady
	}

	waiter := m.voice.wait(guildID, shard.UserID())
	defer m.voice.release(guildID, waiter)

	err := shard.UpdateVoiceState(ctx, VoiceStateRequest{
		GuildID:   guildID,
		ChannelID: &channelID,
		SelfMute:  mute,
		SelfDeaf:  deaf,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update voice state: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-waiter.done:
	}

	waiter.mu.Lock()
	info := waiter.info
	waiter.mu.Unlock()

	return &info, nil
}
