package sandwich

import (
	"testing"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/stretchr/testify/assert"
)

func TestReturnRangeInt32(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		rangeString string
		nodeCount   int32
		nodeID      int32
		max         int32
		expected    []int32
	}{
		{name: "ranges", rangeString: "0-4,6-7", max: 8, expected: []int32{0, 1, 2, 3, 4, 6, 7}},
		{name: "single", rangeString: "0", max: 8, expected: []int32{0}},
		{name: "empty", rangeString: "", max: 8, expected: nil},
		{name: "outside max", rangeString: "0-4,6-7,8", max: 8, expected: []int32{0, 1, 2, 3, 4, 6, 7}},
		{name: "duplicates", rangeString: "0-2,1-3", max: 8, expected: []int32{0, 1, 2, 3}},
		{name: "spaces", rangeString: " 1 - 2 , 5", max: 8, expected: []int32{1, 2, 5}},
		{name: "cluster", rangeString: "0-7", nodeCount: 2, nodeID: 1, max: 8, expected: []int32{1, 3, 5, 7}},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, test.expected, returnRangeInt32(test.nodeCount, test.nodeID, test.rangeString, test.max))
		})
	}
}

func TestRandomHex(t *testing.T) {
	t.Parallel()

	assert.Len(t, randomHex(16), 32)
	assert.Empty(t, randomHex(0))
	assert.NotEqual(t, randomHex(8), randomHex(8))
}

func TestShardIDForGuild(t *testing.T) {
	t.Parallel()

	guildID := discord.Snowflake(81384788765712384)

	assert.Equal(t, int32(0), ShardIDForGuild(guildID, 0))
	assert.Equal(t, int32(0), ShardIDForGuild(guildID, 1))
	assert.Equal(t, int32((81384788765712384>>22)%16), ShardIDForGuild(guildID, 16))
}

func TestGatewayOpName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Hello", gatewayOpName(discord.GatewayOpHello))
	assert.Equal(t, "HeartbeatACK", gatewayOpName(discord.GatewayOpHeartbeatACK))
	assert.Equal(t, "GatewayOp(5)", gatewayOpName(discord.GatewayOp(5)))
}
