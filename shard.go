package sandwich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/WelcomerTeam/RealRock/limiter"
	"github.com/rs/zerolog"
	gotils_strconv "github.com/savsgio/gotils/strconv"
	"go.uber.org/atomic"
	"nhooyr.io/websocket"
)

// VERSION is reported to discord in identify properties.
const VERSION = "1.0.0"

const (
	WebsocketReadLimit          = 512 << 20
	WebsocketReconnectCloseCode = 4000

	MessageChannelBuffer = 64

	// Consecutive heartbeats without an ack before the connection is
	// considered zombied.
	ShardMaxMissedAcks = 2

	// We use 110 both to allow heartbeating to not be limited and to allow
	// bursts of 10 messages can be sent.
	ShardWSRateLimit         = 110
	ShardWSRateLimitDuration = time.Minute

	HelloTimeout = 20 * time.Second

	SessionSaveTimeout = 5 * time.Second
)

// DefaultGatewayURL is used when neither configuration nor discord provide one.
const DefaultGatewayURL = "wss://gateway.discord.gg"

// GatewayConn is the websocket connection a shard talks over. *websocket.Conn
// satisfies it.
type GatewayConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, messageType websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a gateway connection.
type Dialer func(ctx context.Context, gatewayURL string) (GatewayConn, error)

// DialGateway returns a Dialer using nhooyr websockets.
func DialGateway(options *websocket.DialOptions) Dialer {
	return func(ctx context.Context, gatewayURL string) (GatewayConn, error) {
		conn, _, err := websocket.Dial(ctx, gatewayURL, options)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to websocket: %w", err)
		}

		conn.SetReadLimit(WebsocketReadLimit)

		return conn, nil
	}
}

// ReconnectOptions controls how a shard reconnects.
type ReconnectOptions struct {
	UnknownCloseCodePolicy UnknownCloseCodePolicy
	BaseDelay              time.Duration
	MaxDelay               time.Duration
	StableAfter            time.Duration
	// InvalidSessionDelay is waited before identifying after a non resumable
	// invalid session. Zero waits a random one to five seconds.
	InvalidSessionDelay time.Duration
	MaxAttempts         int
}

// ShardOptions is everything a shard needs to run a session.
type ShardOptions struct {
	Handler  EventHandler
	Identify IdentifyProvider
	Sessions SessionStore
	Dialer   Dialer
	Presence *discord.UpdateStatus

	// Random returns values in [0, 1) and is used for heartbeat jitter.
	Random func() float64

	// Identifier labels metrics.
	Identifier string
	Token      string
	GatewayURL string

	Reconnect ReconnectOptions

	HeartbeatJitter float64
	Intents         int32
	APIVersion      int
	Compression     CompressionMode
	LargeThreshold  int32
	MaxConcurrency  int32
}

// Shard represents a single gateway session.
type Shard struct {
	Logger zerolog.Logger

	ShardID    int32
	ShardCount int32

	options ShardOptions

	status           *atomic.Int32
	sequence         *atomic.Int64
	sessionID        *atomic.String
	resumeGatewayURL *atomic.String
	userID           *atomic.Uint64
	reconnects       *atomic.Int32

	startedAt         *atomic.Time
	readyAt           *atomic.Time
	lastHeartbeatAck  *atomic.Time
	lastHeartbeatSent *atomic.Time
	latency           *atomic.Duration

	connMu sync.RWMutex
	conn   GatewayConn

	codec       *FrameCodec
	wsRatelimit *limiter.DurationLimiter

	// Owned by the session goroutine.
	heartbeater       *time.Timer
	heartbeatInterval time.Duration
	awaitingAck       bool
	missedAcks        int
	closeCode         websocket.StatusCode
	identified        chan error

	done chan struct{}
}

// NewShard creates a new shard object.
func NewShard(logger zerolog.Logger, shardID, shardCount int32, options ShardOptions) *Shard {
	if options.Dialer == nil {
		options.Dialer = DialGateway(nil)
	}

	if options.Random == nil {
		options.Random = rand.Float64
	}

	if options.GatewayURL == "" {
		options.GatewayURL = DefaultGatewayURL
	}

	if options.Reconnect.MaxAttempts <= 0 {
		options.Reconnect.MaxAttempts = DefaultReconnectMaxAttempts
	}

	if options.Reconnect.StableAfter <= 0 {
		options.Reconnect.StableAfter = DefaultReconnectStableAfter
	}

	return &Shard{
		Logger: logger.With().Int32("shardId", shardID).Logger(),

		ShardID:    shardID,
		ShardCount: shardCount,

		options: options,

		status:           atomic.NewInt32(int32(ShardStatusDisconnected)),
		sequence:         &atomic.Int64{},
		sessionID:        &atomic.String{},
		resumeGatewayURL: &atomic.String{},
		userID:           &atomic.Uint64{},
		reconnects:       &atomic.Int32{},

		startedAt:         &atomic.Time{},
		readyAt:           &atomic.Time{},
		lastHeartbeatAck:  &atomic.Time{},
		lastHeartbeatSent: &atomic.Time{},
		latency:           &atomic.Duration{},

		codec:       NewFrameCodec(options.Compression),
		wsRatelimit: limiter.NewDurationLimiter(ShardWSRateLimit, ShardWSRateLimitDuration),

		done: make(chan struct{}),
	}
}

// Status returns the current status of the shard.
func (sh *Shard) Status() ShardStatus {
	return ShardStatus(sh.status.Load())
}

// Sequence returns the last sequence received.
func (sh *Shard) Sequence() int64 {
	return sh.sequence.Load()
}

// SessionID returns the session id from the last ready.
func (sh *Shard) SessionID() string {
	return sh.sessionID.Load()
}

// UserID returns the user the shard identified as.
func (sh *Shard) UserID() discord.Snowflake {
	return discord.Snowflake(sh.userID.Load())
}

// Done is closed once Open has returned.
func (sh *Shard) Done() <-chan struct{} {
	return sh.done
}

func (sh *Shard) setStatus(status ShardStatus) {
	old := ShardStatus(sh.status.Swap(int32(status)))
	if old == status {
		return
	}

	UpdateShardStatus(sh.options.Identifier, sh.ShardID, status)

	sh.Logger.Debug().Str("from", old.String()).Str("to", status.String()).Msg("Shard status changed")

	if sh.options.Handler != nil {
		sh.options.Handler.OnShardStateChanged(sh.ShardID, old, status)
	}
}

// Open runs the shard until ctx is cancelled or the shard can no longer
// continue. A cancelled context returns nil. Authentication and
// configuration failures return the error that stopped the shard.
func (sh *Shard) Open(ctx context.Context) error {
	defer close(sh.done)

	sh.Logger.Debug().Msg("Started listening to shard")

	sh.loadSession(ctx)

	backoff := NewBackoff(sh.options.Reconnect.BaseDelay, sh.options.Reconnect.MaxDelay)

	for {
		err := sh.runSession(ctx)

		if ctx.Err() != nil {
			sh.saveSession()
			sh.setStatus(ShardStatusDisconnected)

			return nil
		}

		action := reconnectAction(err, sh.options.Reconnect.UnknownCloseCodePolicy)

		RecordReconnect(sh.options.Identifier, action)

		var protocolError *ProtocolError
		if errors.As(err, &protocolError) {
			sh.Logger.Error().Err(err).Msg("Protocol violation from gateway")
		} else {
			sh.Logger.Warn().Err(err).Str("action", action.String()).Msg("Shard session ended")
		}

		switch action {
		case CloseActionFatal:
			sh.clearSession()
			sh.deleteSession()
			sh.setStatus(ShardStatusStopped)

			return err
		case CloseActionReidentify:
			sh.clearSession()
		case CloseActionResume:
		}

		if readyAt := sh.readyAt.Load(); !readyAt.IsZero() && time.Since(readyAt) >= sh.options.Reconnect.StableAfter {
			backoff.Reset()
		}

		if backoff.Attempts() >= sh.options.Reconnect.MaxAttempts {
			sh.setStatus(ShardStatusStopped)

			return fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, backoff.Attempts(), err)
		}

		wait := backoff.Next()

		var invalidated *SessionInvalidatedError
		if errors.As(err, &invalidated) && !invalidated.Resumable {
			wait = sh.invalidSessionDelay()
		}

		sh.reconnects.Inc()
		sh.setStatus(ShardStatusReconnecting)

		sh.Logger.Info().Dur("wait", wait).Str("action", action.String()).Msg("Trying to reconnect to gateway")

		if !sleepContext(ctx, wait) {
			sh.saveSession()
			sh.setStatus(ShardStatusDisconnected)

			return nil
		}
	}
}

func (sh *Shard) invalidSessionDelay() time.Duration {
	if sh.options.Reconnect.InvalidSessionDelay > 0 {
		return sh.options.Reconnect.InvalidSessionDelay
	}

	return time.Second + time.Duration(sh.options.Random()*float64(4*time.Second))
}

// runSession runs a single connection from dial until it ends.
func (sh *Shard) runSession(ctx context.Context) (err error) {
	sh.setStatus(ShardStatusConnecting)

	sh.readyAt.Store(time.Time{})

	gatewayURL, err := sh.connectionURL()
	if err != nil {
		return &ProtocolError{Err: err}
	}

	sh.Logger.Debug().Str("url", gatewayURL).Msg("Dialing gateway")

	conn, err := sh.options.Dialer(ctx, gatewayURL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return &TransportError{Err: err}
	}

	sessionCtx, cancel := context.WithCancel(ctx)

	payloads := make(chan discord.GatewayPayload, MessageChannelBuffer)
	readErrors := make(chan error, 1)

	var reader sync.WaitGroup

	sh.codec.Reset()
	sh.setConn(conn)

	sh.closeCode = WebsocketReconnectCloseCode
	sh.awaitingAck = false
	sh.missedAcks = 0
	sh.identified = nil

	reader.Add(1)

	go func() {
		defer reader.Done()

		sh.feed(sessionCtx, conn, payloads, readErrors)
	}()

	defer func() {
		sh.stopHeartbeat()
		sh.setConn(nil)

		if ctx.Err() != nil {
			sh.closeCode = sh.shutdownCloseCode()
		}

		closeErr := conn.Close(sh.closeCode, "")
		if closeErr != nil {
			sh.Logger.Debug().Err(closeErr).Msg("Encountered error closing websocket")
		}

		cancel()
		reader.Wait()
	}()

	sh.startedAt.Store(time.Now().UTC())
	sh.setStatus(ShardStatusAwaitingHello)

	err = sh.awaitHello(ctx, payloads, readErrors)
	if err != nil {
		return err
	}

	if sh.sessionID.Load() != "" && sh.sequence.Load() > 0 {
		sh.setStatus(ShardStatusResuming)

		err = sh.resume(ctx)
		if err != nil {
			return &TransportError{Err: err}
		}
	} else {
		sh.setStatus(ShardStatusIdentifying)
		sh.waitForIdentify(sessionCtx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err = <-readErrors:
			return err
		case err = <-sh.identified:
			sh.identified = nil

			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				return fmt.Errorf("failed to wait for identify: %w", err)
			}

			err = sh.identify(ctx)
			if err != nil {
				return &TransportError{Err: err}
			}
		case <-sh.heartbeatC():
			err = sh.onHeartbeatTick(ctx)
			if err != nil {
				return err
			}
		case payload := <-payloads:
			err = sh.OnEvent(ctx, &payload)
			if err != nil {
				return err
			}
		}
	}
}

func (sh *Shard) shutdownCloseCode() websocket.StatusCode {
	// Closing with a normal closure invalidates the session on discord's side.
	if sh.options.Sessions != nil {
		return WebsocketReconnectCloseCode
	}

	return websocket.StatusNormalClosure
}

// connectionURL returns the url to dial, preferring the resume url while a
// session can be resumed.
func (sh *Shard) connectionURL() (string, error) {
	base := sh.options.GatewayURL

	if resumeURL := sh.resumeGatewayURL.Load(); resumeURL != "" && sh.sessionID.Load() != "" {
		base = resumeURL
	}

	gatewayURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse gateway url: %w", err)
	}

	version := sh.options.APIVersion
	if version <= 0 {
		version = 10
	}

	query := gatewayURL.Query()
	query.Set("v", strconv.Itoa(version))
	query.Set("encoding", "json")

	if sh.options.Compression == CompressionZlibStream {
		query.Set("compress", "zlib-stream")
	}

	gatewayURL.RawQuery = query.Encode()

	return gatewayURL.String(), nil
}

// feed reads websocket frames, decodes them and feeds them through a channel.
func (sh *Shard) feed(ctx context.Context, conn GatewayConn, payloads chan<- discord.GatewayPayload, readErrors chan<- error) {
	for {
		messageType, data, err := conn.Read(ctx)
		if err != nil {
			readErrors <- sh.readError(ctx, err)

			return
		}

		payload, err := sh.codec.Decode(messageType, data)
		if errors.Is(err, ErrNeedMoreData) {
			continue
		}

		if err != nil {
			readErrors <- err

			return
		}

		if sh.Logger.GetLevel() <= zerolog.TraceLevel && messageType == websocket.MessageText {
			sh.Logger.Trace().Msg(">>> " + gotils_strconv.B2S(data))
		}

		RecordEvent(sh.options.Identifier, gatewayOpName(payload.Op))

		select {
		case payloads <- payload:
		case <-ctx.Done():
			return
		}
	}
}

func (sh *Shard) readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	code := websocket.CloseStatus(err)
	if code < 0 {
		return &TransportError{Err: err}
	}

	sh.Logger.Warn().Int("code", int(code)).Msg("Websocket was closed")

	return closeError(int(code), err, sh.options.Reconnect.UnknownCloseCodePolicy)
}

func (sh *Shard) awaitHello(ctx context.Context, payloads <-chan discord.GatewayPayload, readErrors <-chan error) error {
	timeout := time.NewTimer(HelloTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-readErrors:
		return err
	case <-timeout.C:
		return &TransportError{Err: ErrHelloTimeout}
	case payload := <-payloads:
		if payload.Op != discord.GatewayOpHello {
			return &ProtocolError{Err: fmt.Errorf("%w, got %s", ErrUnexpectedHello, gatewayOpName(payload.Op))}
		}

		return sh.OnEvent(ctx, &payload)
	}
}

// OnEvent routes a payload to its gateway handler.
func (sh *Shard) OnEvent(ctx context.Context, msg *discord.GatewayPayload) error {
	handler, ok := gatewayHandlers[msg.Op]
	if !ok {
		sh.Logger.Debug().Int("op", int(msg.Op)).Err(ErrNoGatewayHandler).Msg("Ignoring gateway payload")

		return nil
	}

	return handler(ctx, sh, msg)
}

// dispatch forwards a dispatch to the event handler. Handler failures are
// logged and never affect the session.
func (sh *Shard) dispatch(ctx context.Context, msg *discord.GatewayPayload) {
	if sh.options.Handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			sh.Logger.Error().Interface("recovered", r).Str("type", msg.Type).Msg("Recovered panic in event handler")
		}
	}()

	RecordDispatch(sh.options.Identifier, msg.Type)

	err := sh.options.Handler.OnDispatch(ctx, &DispatchEvent{
		ReceivedAt: time.Now().UTC(),
		Name:       msg.Type,
		Data:       json.RawMessage(msg.Data),
		Sequence:   int64(msg.Sequence),
		ShardID:    sh.ShardID,
		ShardCount: sh.ShardCount,
	})
	if err != nil {
		sh.Logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to dispatch event")
	}
}

// storeSequence keeps the highest sequence received.
func (sh *Shard) storeSequence(sequence int64) {
	for {
		current := sh.sequence.Load()
		if sequence <= current || sh.sequence.CompareAndSwap(current, sequence) {
			return
		}
	}
}

func (sh *Shard) markReady() {
	sh.readyAt.Store(time.Now().UTC())
	sh.setStatus(ShardStatusReady)
	sh.saveSession()
}

func (sh *Shard) clearSession() {
	sh.sessionID.Store("")
	sh.resumeGatewayURL.Store("")
	sh.sequence.Store(0)
}

func (sh *Shard) heartbeatC() <-chan time.Time {
	if sh.heartbeater == nil {
		return nil
	}

	return sh.heartbeater.C
}

// startHeartbeat starts heartbeating at interval. The first beat is brought
// forward by up to jitter of the interval.
func (sh *Shard) startHeartbeat(interval time.Duration) {
	sh.heartbeatInterval = interval

	first := interval - time.Duration(float64(interval)*sh.options.HeartbeatJitter*sh.options.Random())

	sh.stopHeartbeat()
	sh.heartbeater = time.NewTimer(first)

	sh.Logger.Debug().Dur("interval", interval).Dur("first", first).Msg("Started heartbeating")
}

func (sh *Shard) stopHeartbeat() {
	if sh.heartbeater != nil {
		sh.heartbeater.Stop()
		sh.heartbeater = nil
	}
}

func (sh *Shard) onHeartbeatTick(ctx context.Context) error {
	if sh.awaitingAck {
		sh.missedAcks++

		if sh.missedAcks >= ShardMaxMissedAcks {
			sh.Logger.Warn().Int("missed", sh.missedAcks).Msg("Failed to ack and passed heartbeat failure interval")

			return &TransportError{Err: ErrHeartbeatTimeout}
		}

		sh.Logger.Warn().Int("missed", sh.missedAcks).Msg("Heartbeat was not acknowledged")

		if sh.Status() == ShardStatusReady {
			sh.setStatus(ShardStatusDegraded)
		}
	}

	err := sh.sendHeartbeat(ctx)
	if err != nil {
		return &TransportError{Err: err}
	}

	sh.heartbeater.Reset(sh.heartbeatInterval)

	return nil
}

func (sh *Shard) sendHeartbeat(ctx context.Context) error {
	var sequence *int64

	if seq := sh.sequence.Load(); seq > 0 {
		sequence = &seq
	}

	err := sh.SendEvent(ctx, discord.GatewayOpHeartbeat, sequence)
	if err != nil {
		return fmt.Errorf("failed to heartbeat: %w", err)
	}

	sh.awaitingAck = true
	sh.lastHeartbeatSent.Store(time.Now().UTC())

	return nil
}

// waitForIdentify waits on the identify provider without blocking the
// session, so heartbeats continue while the shard queues.
func (sh *Shard) waitForIdentify(ctx context.Context) {
	identified := make(chan error, 1)
	sh.identified = identified

	if sh.options.Identify == nil {
		identified <- nil

		return
	}

	request := IdentifyRequest{
		Token:          sh.options.Token,
		ShardID:        sh.ShardID,
		ShardCount:     sh.ShardCount,
		MaxConcurrency: sh.options.MaxConcurrency,
	}

	sh.Logger.Debug().Msg("Waiting for identify")

	go func() {
		identified <- sh.options.Identify.Identify(ctx, request)
	}()
}

// identify sends the identify packet to discord.
func (sh *Shard) identify(ctx context.Context) error {
	sh.Logger.Debug().Msg("Sending identify")

	RecordIdentify(sh.options.Identifier)

	return sh.SendEvent(ctx, discord.GatewayOpIdentify, discord.Identify{
		Token: sh.options.Token,
		Properties: &discord.IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "Sandwich " + VERSION,
			Device:  "Sandwich " + VERSION,
		},
		Compress:       sh.options.Compression == CompressionPayload,
		LargeThreshold: sh.options.LargeThreshold,
		Shard:          [2]int32{sh.ShardID, sh.ShardCount},
		Presence:       sh.fillInUpdateStatus(sh.options.Presence),
		Intents:        sh.options.Intents,
	})
}

// resume sends the resume packet to discord.
func (sh *Shard) resume(ctx context.Context) error {
	sh.Logger.Debug().Int64("sequence", sh.sequence.Load()).Msg("Sending resume")

	return sh.SendEvent(ctx, discord.GatewayOpResume, discord.Resume{
		Token:     sh.options.Token,
		SessionID: sh.sessionID.Load(),
		Sequence:  int32(sh.sequence.Load()),
	})
}

// fillInUpdateStatus returns a copy of the status with {{shard_id}} replaced.
func (sh *Shard) fillInUpdateStatus(us *discord.UpdateStatus) *discord.UpdateStatus {
	if us == nil {
		return nil
	}

	shardID := strconv.Itoa(int(sh.ShardID))

	filled := *us
	filled.Activities = make([]*discord.Activity, 0, len(us.Activities))

	for _, activity := range us.Activities {
		if activity == nil {
			continue
		}

		filledActivity := *activity
		filledActivity.Name = strings.ReplaceAll(activity.Name, "{{shard_id}}", shardID)
		filledActivity.State = strings.ReplaceAll(activity.State, "{{shard_id}}", shardID)

		filled.Activities = append(filled.Activities, &filledActivity)
	}

	return &filled
}

// UpdatePresence changes the presence of the shard.
func (sh *Shard) UpdatePresence(ctx context.Context, us *discord.UpdateStatus) error {
	sh.Logger.Debug().Msg("Sending update status")

	return sh.SendEvent(ctx, discord.GatewayOpStatusUpdate, sh.fillInUpdateStatus(us))
}

// RequestGuildMembers requests guild members. A nonce is generated when not
// set and returned so responses can be matched.
func (sh *Shard) RequestGuildMembers(ctx context.Context, request discord.RequestGuildMembers) (string, error) {
	if request.Nonce == "" {
		request.Nonce = randomHex(16)
	}

	return request.Nonce, sh.SendEvent(ctx, discord.GatewayOpRequestGuildMembers, request)
}

// UpdateVoiceState joins, moves or leaves a voice channel in a guild on this shard.
func (sh *Shard) UpdateVoiceState(ctx context.Context, state VoiceStateRequest) error {
	return sh.SendEvent(ctx, discord.GatewayOpVoiceStateUpdate, state)
}

// SendEvent sends an event to discord. Everything except heartbeats is
// limited to ShardWSRateLimit per ShardWSRateLimitDuration.
func (sh *Shard) SendEvent(ctx context.Context, op discord.GatewayOp, data any) error {
	res, err := sh.codec.Encode(op, data)
	if err != nil {
		return err
	}

	// Checked before the limiter so a disconnected shard does not spend quota.
	if sh.getConn() == nil {
		return ErrShardNotConnected
	}

	if op != discord.GatewayOpHeartbeat {
		sh.wsRatelimit.Lock()
	}

	conn := sh.getConn()
	if conn == nil {
		return ErrShardNotConnected
	}

	sh.Logger.Trace().Msg("<<< " + gotils_strconv.B2S(res))

	err = conn.Write(ctx, websocket.MessageText, res)
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

func (sh *Shard) getConn() GatewayConn {
	sh.connMu.RLock()
	defer sh.connMu.RUnlock()

	return sh.conn
}

func (sh *Shard) setConn(conn GatewayConn) {
	sh.connMu.Lock()
	sh.conn = conn
	sh.connMu.Unlock()
}

func (sh *Shard) loadSession(ctx context.Context) {
	if sh.options.Sessions == nil {
		return
	}

	state, ok, err := sh.options.Sessions.Load(ctx, sh.ShardID, sh.ShardCount)
	if err != nil {
		sh.Logger.Warn().Err(err).Msg("Failed to load session")

		return
	}

	if !ok || !state.Resumable() {
		return
	}

	sh.sessionID.Store(state.SessionID)
	sh.sequence.Store(state.Sequence)
	sh.resumeGatewayURL.Store(state.ResumeGatewayURL)

	sh.Logger.Info().Int64("sequence", state.Sequence).Msg("Loaded stored session")
}

func (sh *Shard) saveSession() {
	if sh.options.Sessions == nil || sh.sessionID.Load() == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), SessionSaveTimeout)
	defer cancel()

	err := sh.options.Sessions.Save(ctx, SessionState{
		UpdatedAt:        time.Now().UTC(),
		SessionID:        sh.sessionID.Load(),
		ResumeGatewayURL: sh.resumeGatewayURL.Load(),
		Sequence:         sh.sequence.Load(),
		ShardID:          sh.ShardID,
		ShardCount:       sh.ShardCount,
	})
	if err != nil {
		sh.Logger.Warn().Err(err).Msg("Failed to save session")
	}
}

func (sh *Shard) deleteSession() {
	if sh.options.Sessions == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), SessionSaveTimeout)
	defer cancel()

	err := sh.options.Sessions.Delete(ctx, sh.ShardID, sh.ShardCount)
	if err != nil {
		sh.Logger.Warn().Err(err).Msg("Failed to delete session")
	}
}

// ShardSnapshot is a read only view of a shard.
type ShardSnapshot struct {
	StartedAt         time.Time   `json:"started_at"`
	ReadyAt           time.Time   `json:"ready_at"`
	LastHeartbeatAck  time.Time   `json:"last_heartbeat_ack"`
	LastHeartbeatSent time.Time   `json:"last_heartbeat_sent"`
	Status            ShardStatus `json:"status"`
	LatencyMS         int64       `json:"latency_ms"`
	Sequence          int64       `json:"sequence"`
	ShardID           int32       `json:"shard_id"`
	ShardCount        int32       `json:"shard_count"`
	Reconnects        int32       `json:"reconnects"`
	Resumable         bool        `json:"resumable"`
}

// Snapshot returns the current state of the shard.
func (sh *Shard) Snapshot() ShardSnapshot {
	return ShardSnapshot{
		StartedAt:         sh.startedAt.Load(),
		ReadyAt:           sh.readyAt.Load(),
		LastHeartbeatAck:  sh.lastHeartbeatAck.Load(),
		LastHeartbeatSent: sh.lastHeartbeatSent.Load(),
		Status:            sh.Status(),
		LatencyMS:         sh.latency.Load().Milliseconds(),
		Sequence:          sh.sequence.Load(),
		ShardID:           sh.ShardID,
		ShardCount:        sh.ShardCount,
		Reconnects:        sh.reconnects.Load(),
		Resumable:         sh.sessionID.Load() != "" && sh.sequence.Load() > 0,
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
