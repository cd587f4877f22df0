package ferry

import (
	"github.com/FerryTeam/Ferry/discord"
	"github.com/FerryTeam/Ferry/wire"
)

// Event is a decoded gateway dispatch delivered to subscribers, tagged with
// the shard that received it. Ordering is preserved per shard only; the
// merged stream is partitioned.
type Event struct {
	Payload discord.GatewayPayload
	ShardID int32
}

// ParseFailure surfaces a malformed inbound frame. Parse failures never
// close the connection.
type ParseFailure struct {
	Err     error
	Data    []byte
	ShardID int32
}

// Synthetic event types emitted by ferry itself on the event stream.
const (
	FerryEventShardStatusUpdate       = "FERRY_SHARD_STATUS_UPDATE"
	FerryEventApplicationStatusUpdate = "FERRY_APPLICATION_STATUS_UPDATE"
	FerryEventShardStopped            = "FERRY_SHARD_STOPPED"
)

type ShardStatusUpdateEvent struct {
	Identifier string      `json:"identifier"`
	ShardID    int32       `json:"shard_id"`
	Status     ShardStatus `json:"status"`
}

type ApplicationStatusUpdateEvent struct {
	Identifier string            `json:"identifier"`
	Status     ApplicationStatus `json:"status"`
}

// ShardStoppedEvent is emitted when a shard hits a terminal close. The
// remaining shards keep running.
type ShardStoppedEvent struct {
	Identifier   string `json:"identifier"`
	CloseCode    int32  `json:"close_code"`
	ShardID      int32  `json:"shard_id"`
	ConnectionID int64  `json:"connection_id"`
}

func newSyntheticEvent(eventType string, data any, shardID int32) (Event, error) {
	payload, err := wire.Marshal(data)
	if err != nil {
		return Event{}, err
	}

	return Event{
		Payload: discord.GatewayPayload{
			Op:   discord.GatewayOpDispatch,
			Type: eventType,
			Data: payload,
		},
		ShardID: shardID,
	}, nil
}
