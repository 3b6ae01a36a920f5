package sandwich

import (
	"context"
	"fmt"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
	"nhooyr.io/websocket"
)

// GatewayHandler handles a single opcode. Returning an error ends the
// session and the error decides how the shard reconnects.
type GatewayHandler func(ctx context.Context, sh *Shard, msg *discord.GatewayPayload) error

var gatewayHandlers = make(map[discord.GatewayOp]GatewayHandler)

// RegisterGatewayEvent registers the handler for an opcode.
func RegisterGatewayEvent(op discord.GatewayOp, handler GatewayHandler) {
	gatewayHandlers[op] = handler
}

func gatewayOpDispatch(ctx context.Context, sh *Shard, msg *discord.GatewayPayload) error {
	// The sequence is stored before anything else sees the event.
	sh.storeSequence(int64(msg.Sequence))

	if handler, ok := dispatchHandlers[msg.Type]; ok {
		err := handler(ctx, sh, msg)
		if err != nil {
			return err
		}
	}

	// Any replayed event proves the resume was accepted.
	if sh.Status() == ShardStatusResuming {
		sh.Logger.Info().Int64("sequence", sh.sequence.Load()).Msg("Resumed session")
		sh.markReady()
	}

	if !sh.Status().IsReady() {
		sh.Logger.Debug().Str("type", msg.Type).Str("status", sh.Status().String()).Msg("Dropping dispatch received before ready")

		return nil
	}

	sh.dispatch(ctx, msg)

	return nil
}

func gatewayOpHeartbeat(ctx context.Context, sh *Shard, _ *discord.GatewayPayload) error {
	err := sh.sendHeartbeat(ctx)
	if err != nil {
		return &TransportError{Err: err}
	}

	return nil
}

func gatewayOpReconnect(_ context.Context, sh *Shard, _ *discord.GatewayPayload) error {
	sh.Logger.Info().Msg("Shard has been requested to reconnect")

	sh.closeCode = WebsocketReconnectCloseCode

	return &TransportError{Err: ErrReconnectRequested}
}

func gatewayOpInvalidSession(_ context.Context, sh *Shard, msg *discord.GatewayPayload) error {
	var resumable bool

	if len(msg.Data) > 0 {
		err := sandwichjson.Unmarshal(msg.Data, &resumable)
		if err != nil {
			return &ProtocolError{Err: fmt.Errorf("failed to unmarshal invalid session: %w", err)}
		}
	}

	sh.Logger.Warn().Bool("resumable", resumable).Msg("Shard has received an invalid session")

	if resumable {
		sh.closeCode = WebsocketReconnectCloseCode
	} else {
		sh.closeCode = websocket.StatusNormalClosure
	}

	return &SessionInvalidatedError{Resumable: resumable}
}

func gatewayOpHello(_ context.Context, sh *Shard, msg *discord.GatewayPayload) error {
	var hello discord.Hello

	err := sandwichjson.Unmarshal(msg.Data, &hello)
	if err != nil {
		return &ProtocolError{Err: fmt.Errorf("failed to unmarshal hello: %w", err)}
	}

	if hello.HeartbeatInterval <= 0 {
		return &ProtocolError{Err: ErrInvalidHeartbeat}
	}

	now := time.Now().UTC()
	sh.lastHeartbeatSent.Store(now)
	sh.lastHeartbeatAck.Store(now)

	sh.startHeartbeat(time.Duration(hello.HeartbeatInterval) * time.Millisecond)

	return nil
}

func gatewayOpHeartbeatAck(_ context.Context, sh *Shard, _ *discord.GatewayPayload) error {
	now := time.Now().UTC()
	sh.lastHeartbeatAck.Store(now)

	sh.awaitingAck = false
	sh.missedAcks = 0

	if lastHeartbeatSent := sh.lastHeartbeatSent.Load(); !lastHeartbeatSent.IsZero() {
		latency := now.Sub(lastHeartbeatSent)

		sh.latency.Store(latency)
		UpdateGatewayLatency(sh.options.Identifier, sh.ShardID, latency.Seconds())
	}

	if sh.Status() == ShardStatusDegraded {
		sh.setStatus(ShardStatusReady)
	}

	sh.Logger.Trace().Msg("Received heartbeat ack")

	return nil
}

func init() {
	RegisterGatewayEvent(discord.GatewayOpDispatch, gatewayOpDispatch)
	RegisterGatewayEvent(discord.GatewayOpHeartbeat, gatewayOpHeartbeat)
	RegisterGatewayEvent(discord.GatewayOpReconnect, gatewayOpReconnect)
	RegisterGatewayEvent(discord.GatewayOpInvalidSession, gatewayOpInvalidSession)
	RegisterGatewayEvent(discord.GatewayOpHello, gatewayOpHello)
	RegisterGatewayEvent(discord.GatewayOpHeartbeatACK, gatewayOpHeartbeatAck)
}
