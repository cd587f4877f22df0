package ferry

import "errors"

var (
	ErrApplicationMissingIdentifier = errors.New("application missing identifier")
	ErrApplicationMissingBotToken   = errors.New("application missing bot token")
	ErrApplicationIdentifierExists  = errors.New("application identifier already exists")
	ErrApplicationMissingShards     = errors.New("application missing shards")

	ErrShardConnectFailed            = errors.New("shard connect failed")
	ErrShardInvalidHeartbeatInterval = errors.New("shard invalid heartbeat interval")
	ErrShardClosedByDiscord          = errors.New("shard closed by discord")
	ErrShardStopping                 = errors.New("shard stopping")
	ErrShardReadyTimeout             = errors.New("shard did not become ready in time")
	ErrShardNotConnected             = errors.New("shard is not connected")
)
