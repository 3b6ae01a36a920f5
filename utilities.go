package sandwich

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/WelcomerTeam/Discord/discord"
)

// Bits of a snowflake below the timestamp.
const snowflakeTimestampShift = 22

// ShardIDForGuild returns the shard that receives events for a guild.
func ShardIDForGuild(guildID discord.Snowflake, shardCount int32) int32 {
	if shardCount <= 0 {
		return 0
	}

	return int32((uint64(guildID) >> snowflakeTimestampShift) % uint64(shardCount))
}

var gatewayOpNames = map[discord.GatewayOp]string{
	discord.GatewayOpDispatch:            "Dispatch",
	discord.GatewayOpHeartbeat:           "Heartbeat",
	discord.GatewayOpIdentify:            "Identify",
	discord.GatewayOpStatusUpdate:        "StatusUpdate",
	discord.GatewayOpVoiceStateUpdate:    "VoiceStateUpdate",
	discord.GatewayOpResume:              "Resume",
	discord.GatewayOpReconnect:           "Reconnect",
	discord.GatewayOpRequestGuildMembers: "RequestGuildMembers",
	discord.GatewayOpInvalidSession:      "InvalidSession",
	discord.GatewayOpHello:               "Hello",
	discord.GatewayOpHeartbeatACK:        "HeartbeatACK",
}

// gatewayOpName is the label used for an opcode in logs and metrics.
func gatewayOpName(op discord.GatewayOp) string {
	if name, ok := gatewayOpNames[op]; ok {
		return name
	}

	return "GatewayOp(" + strconv.Itoa(int(op)) + ")"
}

func randomHex(length int) string {
	if length <= 0 {
		return ""
	}

	buf := make([]byte, length)

	_, err := rand.Read(buf)
	if err != nil {
		return ""
	}

	return hex.EncodeToString(buf)
}

// returnRangeInt32 converts a string like 0-4,6-7 to [0,1,2,3,4,6,7].
// Ids outside [0, max) are dropped. When nodeCount is above one, only ids
// where id % nodeCount == nodeID are kept.
func returnRangeInt32(nodeCount, nodeID int32, rangeString string, max int32) (result []int32) {
	seen := make(map[int32]struct{})

	for _, split := range strings.Split(rangeString, ",") {
		split = strings.TrimSpace(split)
		if split == "" {
			continue
		}

		ranges := strings.Split(split, "-")

		low, err := strconv.Atoi(strings.TrimSpace(ranges[0]))
		if err != nil {
			continue
		}

		hi, err := strconv.Atoi(strings.TrimSpace(ranges[len(ranges)-1]))
		if err != nil {
			continue
		}

		for i := int32(low); i <= int32(hi); i++ {
			if i < 0 || i >= max {
				continue
			}

			if _, ok := seen[i]; ok {
				continue
			}

			seen[i] = struct{}{}
			result = append(result, i)
		}
	}

	if nodeCount > 1 {
		filtered := make([]int32, 0, len(result))

		for _, id := range result {
			if id%nodeCount == nodeID {
				filtered = append(filtered, id)
			}
		}

		result = filtered
	}

	return result
}
