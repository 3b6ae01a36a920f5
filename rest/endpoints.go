package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/sandwichjson"
)

const (
	EndpointGateway    = "/gateway"
	EndpointGatewayBot = "/gateway/bot"
)

// ModifyCurrentUserVoiceState is the body of PATCH /guilds/{guild.id}/voice-states/@me.
type ModifyCurrentUserVoiceState struct {
	ChannelID               *discord.Snowflake `json:"channel_id,omitempty"`
	Suppress                *bool              `json:"suppress,omitempty"`
	RequestToSpeakTimestamp *time.Time         `json:"request_to_speak_timestamp,omitempty"`
}

// ModifyUserVoiceState is the body of PATCH /guilds/{guild.id}/voice-states/{user.id}.
type ModifyUserVoiceState struct {
	ChannelID discord.Snowflake `json:"channel_id"`
	Suppress  *bool             `json:"suppress,omitempty"`
}

func EndpointGuildVoiceState(guildID, userID string) string {
	return "/guilds/" + guildID + "/voice-states/" + userID
}

// GetGateway returns the gateway URL. It does not require authentication.
func (c *Client) GetGateway(ctx context.Context) (*discord.GatewayResponse, error) {
	resp, err := c.Submit(ctx, &Request{
		Method:   http.MethodGet,
		Endpoint: EndpointGateway,
		NoAuth:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get gateway: %w", err)
	}

	gateway := &discord.GatewayResponse{}

	if err := unmarshalResponse(resp, gateway); err != nil {
		return nil, err
	}

	return gateway, nil
}

// GetGatewayBot returns the recommended shard count and identify limits.
func (c *Client) GetGatewayBot(ctx context.Context) (*discord.GatewayBotResponse, error) {
	gateway := &discord.GatewayBotResponse{}

	err := c.FetchJSON(ctx, http.MethodGet, EndpointGatewayBot, nil, gateway)
	if err != nil {
		return nil, fmt.Errorf("failed to get gateway bot: %w", err)
	}

	return gateway, nil
}

// ModifyCurrentUserVoiceState updates the current user's voice state in a stage channel.
func (c *Client) ModifyCurrentUserVoiceState(ctx context.Context, guildID discord.Snowflake, params ModifyCurrentUserVoiceState) error {
	err := c.FetchJSON(ctx, http.MethodPatch, EndpointGuildVoiceState(guildID.String(), "@me"), params, nil)
	if err != nil {
		return fmt.Errorf("failed to modify current user voice state: %w", err)
	}

	return nil
}

// ModifyUserVoiceState updates another user's voice state in a stage channel.
func (c *Client) ModifyUserVoiceState(ctx context.Context, guildID, userID discord.Snowflake, params ModifyUserVoiceState) error {
	err := c.FetchJSON(ctx, http.MethodPatch, EndpointGuildVoiceState(guildID.String(), userID.String()), params, nil)
	if err != nil {
		return fmt.Errorf("failed to modify user voice state: %w", err)
	}

	return nil
}

func unmarshalResponse(resp *Response, out any) error {
	if err := sandwichjson.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}
