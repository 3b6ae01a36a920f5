package sandwich

import (
	"context"
	"fmt"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
)

// DispatchHandler reacts to a dispatch before it is forwarded.
type DispatchHandler func(ctx context.Context, sh *Shard, msg *discord.GatewayPayload) error

var dispatchHandlers = make(map[string]DispatchHandler)

// RegisterDispatchHandler registers the handler for a dispatch event name.
func RegisterDispatchHandler(eventType string, handler DispatchHandler) {
	dispatchHandlers[eventType] = handler
}

func onReady(_ context.Context, sh *Shard, msg *discord.GatewayPayload) error {
	var readyPayload discord.Ready

	var readyGatewayURL struct {
		ResumeGatewayURL string `json:"resume_gateway_url"`
	}

	err := sandwichjson.Unmarshal(msg.Data, &readyPayload)
	if err != nil {
		return &ProtocolError{Err: fmt.Errorf("failed to unmarshal ready: %w", err)}
	}

	err = sandwichjson.Unmarshal(msg.Data, &readyGatewayURL)
	if err != nil {
		return &ProtocolError{Err: fmt.Errorf("failed to unmarshal ready gateway url: %w", err)}
	}

	sh.sessionID.Store(readyPayload.SessionID)
	sh.resumeGatewayURL.Store(readyGatewayURL.ResumeGatewayURL)
	sh.userID.Store(uint64(readyPayload.User.ID))

	sh.Logger.Info().
		Str("user", readyPayload.User.Username).
		Int64("sequence", sh.sequence.Load()).
		Msg("Received READY event")

	sh.markReady()

	return nil
}

func onResumed(_ context.Context, sh *Shard, _ *discord.GatewayPayload) error {
	sh.Logger.Debug().Msg("Received RESUMED event")

	return nil
}

func init() {
	RegisterDispatchHandler(discord.DiscordEventReady, onReady)
	RegisterDispatchHandler(discord.DiscordEventResumed, onResumed)
}
