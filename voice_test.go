package sandwich

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func voiceEvent(name, data string) *DispatchEvent {
	return &DispatchEvent{Name: name, Data: []byte(data)}
}

func TestVoiceTrackerReleaseKeepsNewerWaiter(t *testing.T) {
	t.Parallel()

	tracker := newVoiceTracker()

	first := tracker.wait(10, 1234)
	second := tracker.wait(10, 1234)

	// The first join finishing must not drop the join that replaced it.
	tracker.release(10, first)

	current, ok := tracker.waiters.Load(10)
	require.True(t, ok)
	assert.Same(t, second, current)

	ctx := context.Background()

	require.NoError(t, tracker.OnDispatch(ctx, voiceEvent("VOICE_STATE_UPDATE",
		`{"guild_id":"10","channel_id":"20","user_id":"1234","session_id":"voice-session"}`)))
	require.NoError(t, tracker.OnDispatch(ctx, voiceEvent("VOICE_SERVER_UPDATE",
		`{"guild_id":"10","token":"voice-token","endpoint":"voice.discord.media"}`)))

	select {
	case <-second.done:
	default:
		t.Fatal("newer waiter was not completed")
	}

	require.NotNil(t, second.info.ChannelID)
	assert.EqualValues(t, 20, *second.info.ChannelID)
	assert.Equal(t, "voice.discord.media", second.info.Endpoint)

	select {
	case <-first.done:
		t.Fatal("replaced waiter was completed")
	default:
	}

	tracker.release(10, second)
	assert.False(t, tracker.waiters.Has(10))
}

func TestVoiceTrackerIgnoresInvalidGuildIDs(t *testing.T) {
	t.Parallel()

	tracker := newVoiceTracker()
	waiter := tracker.wait(-10, 1234)

	ctx := context.Background()

	for _, data := range []string{
		`{"channel_id":"20","user_id":"1234","session_id":"a"}`,
		`{"guild_id":"","user_id":"1234","session_id":"a"}`,
		`{"guild_id":"abc","user_id":"1234","session_id":"a"}`,
		`{"guild_id":"-10","user_id":"1234","session_id":"a"}`,
	} {
		require.NoError(t, tracker.OnDispatch(ctx, voiceEvent("VOICE_STATE_UPDATE", data)))
	}

	waiter.mu.Lock()
	defer waiter.mu.Unlock()

	assert.False(t, waiter.haveState)
}

func TestVoiceTrackerChannelLeft(t *testing.T) {
	t.Parallel()

	tracker := newVoiceTracker()
	waiter := tracker.wait(10, 1234)

	require.NoError(t, tracker.OnDispatch(context.Background(), voiceEvent("VOICE_STATE_UPDATE",
		`{"guild_id":"10","channel_id":null,"user_id":"1234","session_id":"voice-session"}`)))

	waiter.mu.Lock()
	defer waiter.mu.Unlock()

	assert.True(t, waiter.haveState)
	assert.Nil(t, waiter.info.ChannelID)
	assert.Equal(t, "voice-session", waiter.info.SessionID)
}
