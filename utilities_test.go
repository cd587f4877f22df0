package ferry

import (
	"reflect"
	"testing"

	"github.com/FerryTeam/Ferry/discord"
)

func TestReturnRangeInt32(t *testing.T) {
	result := returnRangeInt32(0, 0, "0-4,6-7", 8)
	expected := []int32{0, 1, 2, 3, 4, 6, 7}

	if !reflect.DeepEqual(result, expected) {
		t.Errorf("Expected %v, but got %v", expected, result)
	}
}

func TestReturnRangeInt32Single(t *testing.T) {
	result := returnRangeInt32(0, 0, "3", 8)
	expected := []int32{3}

	if !reflect.DeepEqual(result, expected) {
		t.Errorf("Expected %v, but got %v", expected, result)
	}
}

func TestReturnRangeInt32OutOfBounds(t *testing.T) {
	result := returnRangeInt32(0, 0, "6-10", 8)
	expected := []int32{6, 7}

	if !reflect.DeepEqual(result, expected) {
		t.Errorf("Expected %v, but got %v", expected, result)
	}
}

func TestReturnRangeInt32NodePartition(t *testing.T) {
	result := returnRangeInt32(2, 1, "0-7", 8)
	expected := []int32{1, 3, 5, 7}

	if !reflect.DeepEqual(result, expected) {
		t.Errorf("Expected %v, but got %v", expected, result)
	}
}

func TestRandomHex(t *testing.T) {
	result := randomHex(16)
	if len(result) != 32 {
		t.Errorf("Expected length 32, but got %d", len(result))
	}
}

func TestRandomHexNonPositiveLength(t *testing.T) {
	if result := randomHex(0); result != "" {
		t.Errorf("Expected empty string, but got %q", result)
	}

	if result := randomHex(-10); result != "" {
		t.Errorf("Expected empty string, but got %q", result)
	}
}

func TestShardIDForGuild(t *testing.T) {
	cases := []struct {
		guildID    discord.Snowflake
		shardCount int32
		expected   int32
	}{
		{discord.Snowflake(0), 4, 0},
		{discord.Snowflake(1 << 22), 4, 1},
		{discord.Snowflake(5 << 22), 4, 1},
		{discord.Snowflake(7 << 22), 4, 3},
		{discord.Snowflake(7 << 22), 0, 0},
	}

	for _, c := range cases {
		if got := shardIDForGuild(c.guildID, c.shardCount); got != c.expected {
			t.Errorf("Expected shard %d for guild %d over %d shards, but got %d", c.expected, c.guildID, c.shardCount, got)
		}
	}
}
