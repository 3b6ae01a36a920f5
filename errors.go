package sandwich

import (
	"errors"
	"fmt"
)

var (
	ErrReadConfigurationFailure        = errors.New("failed to read configuration")
	ErrLoadConfigurationFailure        = errors.New("failed to load configuration")
	ErrConfigurationValidateIdentifier = errors.New("configuration missing identifier")
	ErrConfigurationValidateToken      = errors.New("configuration missing token")
	ErrConfigurationValidateSharding   = errors.New("configuration has invalid sharding")
	ErrConfigurationValidateHTTP       = errors.New("configuration missing valid HTTP host")
)

var (
	ErrManagerAlreadyStarted = errors.New("manager already started")
	ErrManagerMissingShards  = errors.New("manager has no shards to start")
	ErrSessionLimitExhausted = errors.New("session start limit has been reached")
	ErrInvalidShard          = errors.New("invalid shard id specified")
)

var (
	// ErrNeedMoreData is returned by the codec until a full message has been received.
	ErrNeedMoreData = errors.New("need more data")

	ErrNoGatewayHandler    = errors.New("no registered handler for gateway event")
	ErrShardNotConnected   = errors.New("shard has no connection")
	ErrHeartbeatTimeout    = errors.New("gateway did not acknowledge heartbeats")
	ErrReconnectRequested  = errors.New("gateway requested a reconnect")
	ErrReconnectExhausted  = errors.New("ran out of reconnect attempts")
	ErrHelloTimeout        = errors.New("timed out waiting for hello")
	ErrUnexpectedHello     = errors.New("expected hello as first payload")
	ErrInvalidHeartbeat    = errors.New("invalid heartbeat interval")
	ErrShardPanicked       = errors.New("shard panicked")
	ErrVoiceNotReady       = errors.New("shard owning guild is not ready")
	ErrProducerMissing     = errors.New("no producer client configured")
	ErrProducerQueueFull   = errors.New("producer queue is full")
	ErrProducerClosed      = errors.New("producer is closed")
	ErrUnknownSessionStore = errors.New("unknown session store")
)

// TransportError is a failure of the underlying connection. It is retried
// through reconnect backoff.
type TransportError struct {
	Err       error
	CloseCode int
}

func (e *TransportError) Error() string {
	if e.CloseCode > 0 {
		return fmt.Sprintf("transport closed with code %d: %v", e.CloseCode, e.Err)
	}

	return "transport failure: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is a frame that could not be decoded. The connection is
// dropped and resumed.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return "protocol violation: " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// SessionInvalidatedError is received when the gateway rejects the session.
type SessionInvalidatedError struct {
	Resumable bool
}

func (e *SessionInvalidatedError) Error() string {
	if e.Resumable {
		return "session invalidated, resumable"
	}

	return "session invalidated"
}

// AuthenticationError is fatal for the shard and is never retried.
type AuthenticationError struct {
	CloseCode int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed with close code %d", e.CloseCode)
}

// ConfigurationError is a close code telling us the identify payload can
// never succeed, such as invalid intents or sharding. It is not retried.
type ConfigurationError struct {
	CloseCode int
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("gateway rejected configuration with close code %d (%s)", e.CloseCode, closeCodeName(e.CloseCode))
}

// IsFatal reports whether err stops a shard without restarting it.
func IsFatal(err error) bool {
	var authenticationError *AuthenticationError

	var configurationError *ConfigurationError

	return errors.As(err, &authenticationError) || errors.As(err, &configurationError)
}
