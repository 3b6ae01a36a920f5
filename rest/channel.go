package rest

import (
	"fmt"
	"strings"
)

// APIChannel selects which discord release channel requests are sent to.
type APIChannel string

const (
	APIChannelStable  APIChannel = "stable"
	APIChannelCanary  APIChannel = "canary"
	APIChannelPTB     APIChannel = "ptb"
	APIChannelStaging APIChannel = "staging"
)

// DefaultAPIVersion is the REST and gateway version this client speaks.
const DefaultAPIVersion = 10

// BaseURI returns the host root for the channel.
func (c APIChannel) BaseURI() string {
	switch c {
	case APIChannelCanary:
		return "https://canary.discord.com"
	case APIChannelPTB:
		return "https://ptb.discord.com"
	case APIChannelStaging:
		return "https://staging.discord.co"
	default:
		return "https://discord.com"
	}
}

// APIURL returns the versioned API root for the channel, e.g. https://discord.com/api/v10.
func (c APIChannel) APIURL(version int) string {
	if version <= 0 {
		version = DefaultAPIVersion
	}

	return fmt.Sprintf("%s/api/v%d", c.BaseURI(), version)
}

// ParseAPIChannel accepts the configuration spelling of a channel.
func ParseAPIChannel(value string) (APIChannel, error) {
	switch channel := APIChannel(strings.ToLower(value)); channel {
	case "", APIChannelStable:
		return APIChannelStable, nil
	case APIChannelCanary, APIChannelPTB, APIChannelStaging:
		return channel, nil
	default:
		return "", fmt.Errorf("unknown api channel %q", value)
	}
}

// TokenType is the scheme used in the Authorization header.
type TokenType string

const (
	TokenTypeBot    TokenType = "Bot"
	TokenTypeBearer TokenType = "Bearer"
)

// FormatToken returns the Authorization header value for a raw token.
// Tokens already carrying a scheme are returned untouched.
func FormatToken(tokenType TokenType, token string) string {
	if token == "" {
		return ""
	}

	if strings.HasPrefix(token, string(TokenTypeBot)+" ") || strings.HasPrefix(token, string(TokenTypeBearer)+" ") {
		return token
	}

	if tokenType == "" {
		tokenType = TokenTypeBot
	}

	return string(tokenType) + " " + token
}
