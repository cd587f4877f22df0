package ferry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/FerryTeam/Ferry/discord"
)

const (
	WebsocketReconnectCloseCode = 4000
)

type GatewayHandler func(ctx context.Context, shard *Shard, msg discord.GatewayPayload) error

var gatewayEvents = make(map[discord.GatewayOp]GatewayHandler)

func RegisterGatewayEvent(eventType discord.GatewayOp, handler GatewayHandler) {
	gatewayEvents[eventType] = handler
}

func gatewayOpDispatch(ctx context.Context, shard *Shard, msg discord.GatewayPayload) error {
	// Sequences are strictly non-decreasing within a session; a stale frame
	// must not move the cursor backwards.
	for {
		current := shard.sequence.Load()
		if msg.Sequence <= current || shard.sequence.CompareAndSwap(current, msg.Sequence) {
			break
		}
	}

	switch msg.Type {
	case discord.DiscordEventReady:
		if err := onReady(ctx, shard, msg); err != nil {
			return err
		}
	case discord.DiscordEventResumed:
		shard.Logger.Info("Shard has resumed", "sequence", shard.sequence.Load())

		select {
		case shard.ready <- struct{}{}:
		default:
		}
	case discord.DiscordEventGuildCreate:
		onGuildCreate(shard, msg)
	case discord.DiscordEventGuildDelete:
		onGuildDelete(shard, msg)
	case discord.DiscordEventGuildMembersChunk:
		onGuildMembersChunk(shard, msg)
	}

	shard.Application.dispatch(Event{
		Payload: msg,
		ShardID: shard.ShardID,
	})

	return nil
}

func onReady(_ context.Context, shard *Shard, msg discord.GatewayPayload) error {
	var ready discord.Ready

	err := unmarshalPayload(msg, &ready)
	if err != nil {
		return err
	}

	shard.Logger.Info("Shard is ready",
		"session_id", ready.SessionID,
		"version", ready.Version,
		"guilds", len(ready.Guilds),
	)

	shard.sessionID.Store(&ready.SessionID)
	if ready.ResumeGatewayURL != "" {
		shard.resumeGatewayURL.Store(&ready.ResumeGatewayURL)
	}

	shard.Application.SetUser(&ready.User)
	shard.Application.ApplicationID.Store(int64(ready.Application.ID))

	for _, guild := range ready.Guilds {
		shard.LazyGuilds.Store(guild.ID, true)
		shard.Guilds.Store(guild.ID, true)

		if guild.Unavailable {
			shard.UnavailableGuilds.Store(guild.ID, true)
		}
	}

	select {
	case shard.ready <- struct{}{}:
	default:
	}

	configuration := shard.Application.Configuration.Load()

	if configuration.ChunkGuildsOnStart {
		shard.chunkAllGuilds(context.Background())
	}

	return nil
}

func onGuildCreate(shard *Shard, msg discord.GatewayPayload) {
	var guild discord.UnavailableGuild

	if err := unmarshalPayload(msg, &guild); err != nil {
		shard.Logger.Warn("Failed to unmarshal guild create", "error", err)

		return
	}

	shard.Guilds.Store(guild.ID, true)
	shard.LazyGuilds.Delete(guild.ID)
	shard.UnavailableGuilds.Delete(guild.ID)
}

func onGuildDelete(shard *Shard, msg discord.GatewayPayload) {
	var guild discord.UnavailableGuild

	if err := unmarshalPayload(msg, &guild); err != nil {
		shard.Logger.Warn("Failed to unmarshal guild delete", "error", err)

		return
	}

	if guild.Unavailable {
		shard.UnavailableGuilds.Store(guild.ID, true)
	} else {
		shard.Guilds.Delete(guild.ID)
		shard.UnavailableGuilds.Delete(guild.ID)
	}
}

func onGuildMembersChunk(shard *Shard, msg discord.GatewayPayload) {
	var chunk discord.GuildMembersChunk

	if err := unmarshalPayload(msg, &chunk); err != nil {
		shard.Logger.Warn("Failed to unmarshal guild members chunk", "error", err)

		return
	}

	guildChunk, ok := shard.Application.guildChunks.Load(chunk.GuildID)
	if !ok || guildChunk.complete.Load() {
		return
	}

	select {
	case guildChunk.chunkingChannel <- GuildChunkPartial{
		chunkIndex: chunk.ChunkIndex,
		chunkCount: chunk.ChunkCount,
		nonce:      chunk.Nonce,
	}:
	default:
	}
}

func gatewayOpHeartbeat(ctx context.Context, shard *Shard, _ discord.GatewayPayload) error {
	// The server asked for an immediate heartbeat.
	err := shard.SendEvent(ctx, discord.GatewayOpHeartbeat, shard.sequence.Load())
	if err != nil {
		err = shard.reconnect(ctx, WebsocketReconnectCloseCode)
		if err != nil {
			return fmt.Errorf("failed to reconnect due to heartbeat failure: %w", err)
		}
	}

	return nil
}

func gatewayOpReconnect(ctx context.Context, shard *Shard, _ discord.GatewayPayload) error {
	shard.Logger.Debug("Shard has been requested to reconnect")

	err := shard.reconnect(ctx, WebsocketReconnectCloseCode)
	if err != nil {
		return fmt.Errorf("failed to reconnect due to reconnect event: %w", err)
	}

	return nil
}

func gatewayOpInvalidSession(ctx context.Context, shard *Shard, msg discord.GatewayPayload) error {
	var resumable bool

	err := unmarshalPayload(msg, &resumable)
	if err != nil {
		resumable = false
	}

	shard.Logger.Warn("Shard has received an invalid session", "resumable", resumable)

	if !resumable {
		shard.sessionID.Store(nil)
		shard.sequence.Store(0)
	}

	// Discord expects a wait of 1 to 5 seconds before the next identify or
	// resume after an invalid session.
	wait := time.Second + time.Duration(rand.Int64N(int64(4*time.Second)))

	if err := sleepContext(ctx, wait); err != nil {
		return nil
	}

	err = shard.reconnect(ctx, WebsocketReconnectCloseCode)
	if err != nil {
		return fmt.Errorf("failed to reconnect due to invalid session: %w", err)
	}

	return nil
}

func gatewayOpHello(_ context.Context, shard *Shard, msg discord.GatewayPayload) error {
	var hello discord.Hello

	err := unmarshalPayload(msg, &hello)
	if err != nil {
		return err
	}

	if hello.HeartbeatInterval <= 0 {
		return ErrShardInvalidHeartbeatInterval
	}

	now := time.Now()
	shard.LastHeartbeatSent.Store(&now)
	shard.LastHeartbeatAck.Store(&now)

	heartbeatInterval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	shard.heartbeatInterval.Store(&heartbeatInterval)

	if shard.heartbeater != nil {
		shard.heartbeater.Reset(heartbeatInterval)
	}

	return nil
}

func gatewayOpHeartbeatAck(_ context.Context, shard *Shard, _ discord.GatewayPayload) error {
	now := time.Now()
	shard.LastHeartbeatAck.Store(&now)

	if lastHeartbeatSent := shard.LastHeartbeatSent.Load(); lastHeartbeatSent != nil {
		latency := now.Sub(*lastHeartbeatSent)

		shard.GatewayLatency.Store(latency.Milliseconds())

		UpdateGatewayLatency(
			shard.Application.Identifier,
			shard.ShardID,
			latency.Seconds(),
		)
	}

	return nil
}

func init() {
	RegisterGatewayEvent(discord.GatewayOpDispatch, gatewayOpDispatch)
	RegisterGatewayEvent(discord.GatewayOpHeartbeat, gatewayOpHeartbeat)
	RegisterGatewayEvent(discord.GatewayOpReconnect, gatewayOpReconnect)
	RegisterGatewayEvent(discord.GatewayOpInvalidSession, gatewayOpInvalidSession)
	RegisterGatewayEvent(discord.GatewayOpHello, gatewayOpHello)
	RegisterGatewayEvent(discord.GatewayOpHeartbeatACK, gatewayOpHeartbeatAck)
}
