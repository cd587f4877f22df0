package ferry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/FerryTeam/Ferry/discord"
	"github.com/FerryTeam/Ferry/wire"
)

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

// returnRangeInt32 converts a string like 0-4,6-7 to [0,1,2,3,4,6,7],
// keeping only IDs below max and, when running as one node of many, only
// the IDs belonging to this node.
func returnRangeInt32(nodeCount, nodeID int32, rangeString string, max int32) (result []int32) {
	splits := strings.Split(rangeString, ",")

	for _, split := range splits {
		ranges := strings.Split(split, "-")

		if low, err := strconv.Atoi(ranges[0]); err == nil {
			if hi, err := strconv.Atoi(ranges[len(ranges)-1]); err == nil {
				for i := int32(low); i <= int32(hi); i++ {
					if 0 <= i && i < max {
						result = append(result, i)
					}
				}
			}
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

// shardIDForGuild routes a guild to its shard.
func shardIDForGuild(guildID discord.Snowflake, shardCount int32) int32 {
	if shardCount <= 0 {
		return 0
	}

	return int32((int64(guildID) >> 22) % int64(shardCount))
}

func unmarshalPayload(payload discord.GatewayPayload, out any) error {
	err := wire.Unmarshal(payload.Data, out)
	if err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	return nil
}
