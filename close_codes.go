package sandwich

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/WelcomerTeam/Discord/discord"
	"nhooyr.io/websocket"
)

// CloseAction is what a shard does after its connection ends.
type CloseAction uint8

const (
	// CloseActionResume reconnects keeping the session id and sequence.
	CloseActionResume CloseAction = iota
	// CloseActionReidentify reconnects with a fresh identify.
	CloseActionReidentify
	// CloseActionFatal stops the shard.
	CloseActionFatal
)

func (action CloseAction) String() string {
	switch action {
	case CloseActionResume:
		return "resume"
	case CloseActionReidentify:
		return "reidentify"
	case CloseActionFatal:
		return "fatal"
	default:
		return "CloseAction(" + strconv.Itoa(int(action)) + ")"
	}
}

// UnknownCloseCodePolicy is the action taken for close codes that are not documented.
type UnknownCloseCodePolicy string

const (
	UnknownCloseCodeResume     UnknownCloseCodePolicy = "resume"
	UnknownCloseCodeReidentify UnknownCloseCodePolicy = "reidentify"
	UnknownCloseCodeFatal      UnknownCloseCodePolicy = "fatal"
)

// ParseUnknownCloseCodePolicy accepts the configuration spelling of a policy.
// An empty value is resume.
func ParseUnknownCloseCodePolicy(value string) (UnknownCloseCodePolicy, error) {
	switch policy := UnknownCloseCodePolicy(strings.ToLower(value)); policy {
	case "", UnknownCloseCodeResume:
		return UnknownCloseCodeResume, nil
	case UnknownCloseCodeReidentify, UnknownCloseCodeFatal:
		return policy, nil
	default:
		return "", fmt.Errorf("unknown close code policy %q", value)
	}
}

func (policy UnknownCloseCodePolicy) action() CloseAction {
	switch policy {
	case UnknownCloseCodeReidentify:
		return CloseActionReidentify
	case UnknownCloseCodeFatal:
		return CloseActionFatal
	default:
		return CloseActionResume
	}
}

var closeCodeActions = map[int]CloseAction{
	discord.CloseUnknownError:         CloseActionResume,
	discord.CloseUnknownOpCode:        CloseActionResume,
	discord.CloseDecodeError:          CloseActionResume,
	discord.CloseNotAuthenticated:     CloseActionReidentify,
	discord.CloseAuthenticationFailed: CloseActionFatal,
	discord.CloseAlreadyAuthenticated: CloseActionResume,
	discord.CloseInvalidSeq:           CloseActionReidentify,
	discord.CloseRateLimited:          CloseActionResume,
	discord.CloseSessionTimeout:       CloseActionReidentify,
	discord.CloseInvalidShard:         CloseActionFatal,
	discord.CloseShardingRequired:     CloseActionFatal,
	discord.CloseInvalidAPIVersion:    CloseActionFatal,
	discord.CloseInvalidIntents:       CloseActionFatal,
	discord.CloseDisallowedIntents:    CloseActionFatal,

	// A normal close from discord ends the session.
	int(websocket.StatusNormalClosure): CloseActionReidentify,
	int(websocket.StatusGoingAway):     CloseActionReidentify,
}

var closeCodeNames = map[int]string{
	discord.CloseUnknownError:         "unknown error",
	discord.CloseUnknownOpCode:        "unknown opcode",
	discord.CloseDecodeError:          "decode error",
	discord.CloseNotAuthenticated:     "not authenticated",
	discord.CloseAuthenticationFailed: "authentication failed",
	discord.CloseAlreadyAuthenticated: "already authenticated",
	discord.CloseInvalidSeq:           "invalid seq",
	discord.CloseRateLimited:          "rate limited",
	discord.CloseSessionTimeout:       "session timed out",
	discord.CloseInvalidShard:         "invalid shard",
	discord.CloseShardingRequired:     "sharding required",
	discord.CloseInvalidAPIVersion:    "invalid api version",
	discord.CloseInvalidIntents:       "invalid intents",
	discord.CloseDisallowedIntents:    "disallowed intents",
}

func closeCodeName(code int) string {
	if name, ok := closeCodeNames[code]; ok {
		return name
	}

	return websocket.StatusCode(code).String()
}

// ClassifyCloseCode returns the action for a transport close code. A
// negative code means the connection dropped without a close frame.
func ClassifyCloseCode(code int, policy UnknownCloseCodePolicy) CloseAction {
	if code < 0 {
		return CloseActionResume
	}

	if action, ok := closeCodeActions[code]; ok {
		return action
	}

	// Remaining websocket level codes describe the transport, not the session.
	if code > int(websocket.StatusGoingAway) && code < 2000 {
		return CloseActionResume
	}

	return policy.action()
}

// closeError turns a transport close into the error the session ends with.
func closeError(code int, err error, policy UnknownCloseCodePolicy) error {
	if code == discord.CloseAuthenticationFailed {
		return &AuthenticationError{CloseCode: code}
	}

	if ClassifyCloseCode(code, policy) == CloseActionFatal {
		return &ConfigurationError{CloseCode: code}
	}

	return &TransportError{Err: err, CloseCode: code}
}

// reconnectAction decides how a shard continues after a session ended with err.
func reconnectAction(err error, policy UnknownCloseCodePolicy) CloseAction {
	if IsFatal(err) {
		return CloseActionFatal
	}

	var invalidated *SessionInvalidatedError
	if errors.As(err, &invalidated) {
		if invalidated.Resumable {
			return CloseActionResume
		}

		return CloseActionReidentify
	}

	var transportError *TransportError
	if errors.As(err, &transportError) && transportError.CloseCode != 0 {
		return ClassifyCloseCode(transportError.CloseCode, policy)
	}

	return CloseActionResume
}
