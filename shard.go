package ferry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerryTeam/Ferry/discord"
	"github.com/FerryTeam/Ferry/pkg/limiter"
	"github.com/FerryTeam/Ferry/rest"
	"github.com/FerryTeam/Ferry/wire"
	"github.com/WelcomerTeam/czlib"
	"github.com/coder/websocket"
	csmap "github.com/mhmtszr/concurrent-swiss-map"
)

var (
	// Number of connect attempts ConnectWithRetry makes before giving up on a shard
	ShardConnectRetries = int32(3)

	GatewayLargeThreshold = int32(250)

	MemberChunkTimeout = time.Second * 3

	// Reconnect backoff bounds. Waits grow exponentially with jitter.
	ReconnectBackoffBase = time.Second
	ReconnectBackoffCap  = 128 * time.Second

	// Discord acknowledges an identify with a READY dispatch within this.
	IdentifyAckTimeout = 60 * time.Second

	// How long Stop waits for a clean close before aborting the transport.
	DisconnectGracePeriod = 5 * time.Second
)

var gatewayURL = url.URL{
	Scheme: "wss",
	Host:   "gateway.discord.gg",
}

// errParseFailure marks a frame that could not be decoded. The frame is
// surfaced on the parse-failure stream and the connection stays up.
var errParseFailure = errors.New("failed to parse gateway payload")

type Shard struct {
	Logger *slog.Logger

	Ferry       *Ferry
	Application *Application

	ShardID int32

	// ConnectionID is bumped each time a transport is established and once
	// more when the shard stops (Stop or a terminal close), so observers can
	// detect lifecycle edges.
	ConnectionID *atomic.Int64

	retriesRemaining *atomic.Int32
	StartedAt        *atomic.Pointer[time.Time]
	InitializedAt    *atomic.Pointer[time.Time]

	HeartbeatActive   *atomic.Bool
	LastHeartbeatAck  *atomic.Pointer[time.Time]
	LastHeartbeatSent *atomic.Pointer[time.Time]
	GatewayLatency    *atomic.Int64

	heartbeater       *time.Ticker
	heartbeatInterval *atomic.Pointer[time.Duration]

	UnavailableGuilds *csmap.CsMap[discord.Snowflake, bool]
	LazyGuilds        *csmap.CsMap[discord.Snowflake, bool]
	Guilds            *csmap.CsMap[discord.Snowflake, bool]

	sequence  *atomic.Int64
	sessionID *atomic.Pointer[string]

	websocketConn  *websocket.Conn
	websocketMu    sync.Mutex
	websocketWrite sync.Mutex

	websocketRatelimit *limiter.DurationLimiter

	resumeGatewayURL *atomic.Pointer[string]

	ready chan struct{}
	stop  chan struct{}
	error chan error

	stopping *atomic.Bool

	Status *atomic.Int32
}

func NewShard(ferry *Ferry, application *Application, shardID int32) *Shard {
	shard := &Shard{
		Logger: application.Logger.With("shard_id", shardID),

		Ferry:       ferry,
		Application: application,

		ShardID: shardID,

		ConnectionID: &atomic.Int64{},

		retriesRemaining: &atomic.Int32{},
		StartedAt:        &atomic.Pointer[time.Time]{},
		InitializedAt:    &atomic.Pointer[time.Time]{},

		HeartbeatActive:   &atomic.Bool{},
		LastHeartbeatAck:  &atomic.Pointer[time.Time]{},
		LastHeartbeatSent: &atomic.Pointer[time.Time]{},
		GatewayLatency:    &atomic.Int64{},

		heartbeater:       nil,
		heartbeatInterval: &atomic.Pointer[time.Duration]{},

		UnavailableGuilds: csmap.Create[discord.Snowflake, bool](),
		LazyGuilds:        csmap.Create[discord.Snowflake, bool](),
		Guilds:            csmap.Create[discord.Snowflake, bool](),

		sequence:  &atomic.Int64{},
		sessionID: &atomic.Pointer[string]{},

		websocketConn: nil,

		// We have a ratelimit of 120 messages per minute we can send to the
		// gateway. We use less than 120/minute to account for heartbeating.
		websocketRatelimit: limiter.NewDurationLimiter(110, time.Minute),

		resumeGatewayURL: &atomic.Pointer[string]{},

		ready: make(chan struct{}, 1),
		stop:  make(chan struct{}, 1),
		error: make(chan error, 1),

		stopping: &atomic.Bool{},

		Status: &atomic.Int32{},
	}

	shard.retriesRemaining.Store(ShardConnectRetries)

	now := time.Now()
	shard.InitializedAt.Store(&now)

	return shard
}

func (shard *Shard) SetStatus(status ShardStatus) {
	UpdateShardStatus(shard.Application.Identifier, shard.ShardID, status)
	shard.Status.Store(int32(status))
	shard.Logger.Debug("Shard status updated", "status", status.String())

	shard.Application.broadcastSynthetic(FerryEventShardStatusUpdate, ShardStatusUpdateEvent{
		Identifier: shard.Application.Identifier,
		ShardID:    shard.ShardID,
		Status:     status,
	}, shard.ShardID)
}

func (shard *Shard) ConnectWithRetry(ctx context.Context) error {
	for {
		err := shard.Connect(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			newValue := shard.retriesRemaining.Add(-1)
			if newValue <= 0 {
				shard.SetStatus(ShardStatusFailed)

				return fmt.Errorf("%w: %w", ErrShardConnectFailed, err)
			}

			shard.Logger.Error("Failed to connect to shard", "error", err, "retries_remaining", newValue)
		} else if err == nil {
			break
		}
	}

	return nil
}

func (shard *Shard) Connect(ctx context.Context) error {
	shard.Logger.Debug("Shard is connecting")

	shard.SetStatus(ShardStatusConnecting)

	// Empties the ready channel.
readyConsumer:
	for {
		select {
		case <-shard.ready:
		default:
			break readyConsumer
		}
	}

	var err error

	defer func() {
		if err != nil {
			shard.closeWS(websocket.StatusNormalClosure)
		}
	}()

	var websocketURL string

	resumeGatewayURL := shard.resumeGatewayURL.Load()
	if resumeGatewayURL == nil || *resumeGatewayURL == "" {
		websocketURL = gatewayURL.String()
	} else {
		websocketURL = *resumeGatewayURL
	}

	if shard.websocketConn != nil {
		shard.closeWS(websocket.StatusNormalClosure)
	}

	websocketURL += "?v=" + rest.APIVersion + "&encoding=json"

	shard.Logger.Debug("Dialing websocket", "url", websocketURL)

	conn, _, err := websocket.Dial(ctx, websocketURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial websocket: %w", err)
	}

	conn.SetReadLimit(-1)

	shard.websocketMu.Lock()
	shard.websocketConn = conn
	shard.websocketMu.Unlock()

	// Each transport gets its own connection ID; observers watch it to
	// detect reconnects and shutdown.
	shard.ConnectionID.Add(1)

	shard.SetStatus(ShardStatusAwaitingHello)

	// Read the initial payload
	payload, _, err := shard.read(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to read initial payload: %w", err)
	}

	var hello discord.Hello

	err = unmarshalPayload(payload, &hello)
	if err != nil {
		return fmt.Errorf("failed to unmarshal hello: %w", err)
	}

	if hello.HeartbeatInterval <= 0 {
		err = ErrShardInvalidHeartbeatInterval

		return err
	}

	now := time.Now()
	shard.StartedAt.Store(&now)
	shard.LastHeartbeatAck.Store(&now)
	shard.LastHeartbeatSent.Store(&now)

	heartbeatInterval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	shard.heartbeatInterval.Store(&heartbeatInterval)

	shard.Logger.Debug("Received hello", "heartbeat_interval", heartbeatInterval.Milliseconds())

	// A heartbeater may have survived a reconnect; retune it instead of
	// racing a second one.
	if shard.HeartbeatActive.Load() && shard.heartbeater != nil {
		shard.heartbeater.Reset(heartbeatInterval)
	} else {
		go shard.heartbeat(ctx)
	}

	sequence := shard.sequence.Load()
	sessionID := shard.sessionID.Load()

	if sequence == 0 || (sessionID == nil || *sessionID == "") {
		shard.SetStatus(ShardStatusIdentifying)

		err = shard.identify(ctx)
		if err != nil {
			return fmt.Errorf("failed to identify: %w", err)
		}
	} else {
		shard.SetStatus(ShardStatusResuming)

		err = shard.resume(ctx)
		if err != nil {
			return fmt.Errorf("failed to resume: %w", err)
		}
	}

	shard.SetStatus(ShardStatusConnected)

	return nil
}

func (shard *Shard) Start(ctx context.Context) error {
	shard.Logger.Debug("Shard is starting")

	for {
		err := shard.Listen(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrShardStopping) {
				return nil
			}

			select {
			case shard.error <- err:
			default:
			}

			var closeError websocket.CloseError

			// If the status code is not recoverable, stop the shard for good.
			if ok := errors.As(err, &closeError); ok {
				if !IsStatusCodeRecoverable(closeError.Code) {
					shard.onTerminalClose(closeError)

					return err
				}
			}

			shard.SetStatus(ShardStatusFailed)
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// Stop disconnects the shard. It is idempotent; only the first call closes
// the transport and bumps the connection ID.
func (shard *Shard) Stop(ctx context.Context, code websocket.StatusCode) {
	if !shard.stopping.CompareAndSwap(false, true) {
		return
	}

	shard.Logger.Debug("Shard is stopping")

	shard.SetStatus(ShardStatusStopping)

	shard.stop <- struct{}{}

	if shard.heartbeater != nil {
		shard.heartbeater.Stop()
	}

	closed := make(chan struct{})

	go func() {
		shard.closeWS(code)
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(DisconnectGracePeriod):
		shard.Logger.Warn("Close grace period elapsed, aborting transport")

		shard.websocketMu.Lock()
		if shard.websocketConn != nil {
			_ = shard.websocketConn.CloseNow()
		}
		shard.websocketMu.Unlock()
	case <-ctx.Done():
	}

	shard.ConnectionID.Add(1)

	shard.SetStatus(ShardStatusStopped)
}

func (shard *Shard) Listen(ctx context.Context) error {
	shard.Logger.Debug("Shard is listening")

	websocketConn := shard.websocketConn

	for {
		msg, raw, err := shard.readWithWatchdog(ctx, websocketConn)

		select {
		case <-shard.stop:
			return ErrShardStopping
		case <-ctx.Done():
			return nil
		default:
		}

		if err == nil {
			err = shard.OnEvent(ctx, msg)
			if err != nil {
				shard.Logger.Error("Failed to handle event", "error", err)
			}

			continue
		}

		// If the context is done, we can just return.
		if errors.Is(err, context.Canceled) {
			return nil
		}

		// A frame we could not decode is surfaced to consumers, but does
		// not take the connection down.
		if errors.Is(err, errParseFailure) {
			shard.Logger.Warn("Received malformed payload", "error", err)

			shard.Application.emitParseFailure(ParseFailure{
				Err:     err,
				Data:    raw,
				ShardID: shard.ShardID,
			})

			continue
		}

		// The read watchdog fired without the parent being cancelled: the
		// link is a zombie. Close it and reconnect over a fresh transport.
		if errors.Is(err, context.DeadlineExceeded) {
			shard.Logger.Error("Read watchdog expired, link is a zombie")

			return shard.reconnect(ctx, WebsocketReconnectCloseCode)
		}

		var closeError websocket.CloseError

		if ok := errors.As(err, &closeError); ok {
			return shard.handleClose(ctx, closeError)
		}

		shard.Logger.Error("Shard received error", "error", err)

		// If the websocket connection is the same as the one we're using,
		// we need to reconnect.
		if websocketConn == shard.websocketConn {
			err = shard.reconnect(ctx, websocket.StatusNormalClosure)
			if err != nil {
				return err
			}
		}

		return nil
	}
}

// readWithWatchdog reads a frame, bounding the wait to 1.5x the heartbeat
// interval once it is known. A link that stays silent past the watchdog is
// treated as a zombie even when TCP still considers it open.
func (shard *Shard) readWithWatchdog(ctx context.Context, conn *websocket.Conn) (discord.GatewayPayload, []byte, error) {
	if interval := shard.heartbeatInterval.Load(); interval != nil {
		watchdogCtx, cancel := context.WithTimeout(ctx, *interval*3/2)
		defer cancel()

		return shard.read(watchdogCtx, conn)
	}

	return shard.read(ctx, conn)
}

// IsStatusCodeRecoverable reports whether a close code allows a reconnect.
func IsStatusCodeRecoverable(code websocket.StatusCode) bool {
	return code != discord.CloseAuthenticationFailed &&
		code != discord.CloseInvalidShard &&
		code != discord.CloseShardingRequired &&
		code != discord.CloseInvalidAPIVersion &&
		code != discord.CloseInvalidIntents &&
		code != discord.CloseDisallowedIntents
}

const authenticationFailedMessage = "Will not reconnect because Discord does not allow it. " +
	"Something is wrong. Your close code is 'authenticationFailed', check Discord docs at " +
	"https://discord.com/developers/docs/topics/opcodes-and-status-codes#gateway-gateway-close-event-codes " +
	"and see what it means. Report at https://github.com/FerryTeam/Ferry/issues if you think this is a library issue"

func (shard *Shard) handleClose(ctx context.Context, closeError websocket.CloseError) error {
	shard.Logger.Debug("Shard received close frame", "code", int(closeError.Code), "reason", closeError.Reason)

	if !IsStatusCodeRecoverable(closeError.Code) {
		return fmt.Errorf("%w: %w", ErrShardClosedByDiscord, closeError)
	}

	switch closeError.Code {
	case discord.CloseSessionTimeout, discord.CloseInvalidSeq:
		// The session is gone or the resume was refused. Identify fresh.
		shard.sessionID.Store(nil)
		shard.sequence.Store(0)
	case discord.CloseRateLimited:
		shard.Logger.Warn("Gateway rate limited, delaying reconnect")

		if err := sleepContext(ctx, StandardIdentifyLimit); err != nil {
			return nil
		}
	}

	return shard.reconnect(ctx, websocket.StatusNormalClosure)
}

// onTerminalClose finalizes a shard Discord refuses to take back. The other
// shards of the application keep running.
func (shard *Shard) onTerminalClose(closeError websocket.CloseError) {
	if closeError.Code == discord.CloseAuthenticationFailed {
		shard.Logger.Error(authenticationFailedMessage)
	}

	shard.ConnectionID.Add(1)

	shard.SetStatus(ShardStatusStopped)

	shard.Application.broadcastSynthetic(FerryEventShardStopped, ShardStoppedEvent{
		Identifier:   shard.Application.Identifier,
		CloseCode:    int32(closeError.Code),
		ShardID:      shard.ShardID,
		ConnectionID: shard.ConnectionID.Load(),
	}, shard.ShardID)
}

func (shard *Shard) reconnect(ctx context.Context, code websocket.StatusCode) error {
	shard.Logger.Debug("Shard is reconnecting")

	RecordShardReconnect(shard.Application.Identifier, shard.ShardID)

	shard.closeWS(code)

	wait := ReconnectBackoffBase

	for {
		err := shard.Connect(ctx)
		if err == nil {
			shard.retriesRemaining.Store(ShardConnectRetries)

			return nil
		}

		if ctx.Err() != nil {
			return nil
		}

		shard.Logger.Error("Failed to reconnect", "error", err, "wait", wait)

		// Equal jitter: half the current backoff window plus a random share
		// of the other half.
		sleep := wait/2 + time.Duration(rand.Int64N(int64(wait/2)+1))

		if err := sleepContext(ctx, sleep); err != nil {
			return nil
		}

		wait *= 2
		if wait > ReconnectBackoffCap {
			wait = ReconnectBackoffCap
		}
	}
}

func (shard *Shard) closeWS(code websocket.StatusCode) {
	shard.websocketMu.Lock()
	defer shard.websocketMu.Unlock()

	if shard.websocketConn == nil {
		return
	}

	shard.Logger.Debug("Shard is closing websocket", "code", int(code))

	err := shard.websocketConn.Close(code, "")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		shard.Logger.Debug("Failed to close websocket", "error", err)
	}
}

func (shard *Shard) waitForReady() error {
	shard.Logger.Debug("Shard is waiting for ready")

	since := time.Now()
	ticker := time.NewTicker(time.Second * 15)
	timeout := time.NewTimer(IdentifyAckTimeout)

	defer ticker.Stop()
	defer timeout.Stop()

	for {
		select {
		case <-shard.ready:
			shard.SetStatus(ShardStatusReady)

			return nil
		case err := <-shard.error:
			return err
		case <-ticker.C:
			shard.Logger.Error("Shard not ready", "duration", time.Since(since))
		case <-timeout.C:
			return ErrShardReadyTimeout
		}
	}
}

func (shard *Shard) heartbeat(ctx context.Context) {
	if !shard.HeartbeatActive.CompareAndSwap(false, true) {
		return
	}

	defer shard.HeartbeatActive.Store(false)

	// The first heartbeat fires after interval*jitter, jitter in [0,1), so
	// a fleet of shards does not heartbeat in lockstep.
	hasJitter := true
	heartbeatJitter := time.Millisecond * time.Duration(rand.Int64N(shard.heartbeatInterval.Load().Milliseconds()))

	if shard.heartbeater == nil {
		shard.heartbeater = time.NewTicker(heartbeatJitter)
	} else {
		shard.heartbeater.Reset(heartbeatJitter)
	}

	shard.Logger.Debug("Shard is heartbeating", "heartbeat_jitter", heartbeatJitter.Milliseconds())

	for {
		select {
		case <-ctx.Done():
			return
		case <-shard.heartbeater.C:
			if hasJitter {
				hasJitter = false

				shard.heartbeater.Reset(*shard.heartbeatInterval.Load())
			}

			lastSent := shard.LastHeartbeatSent.Load()
			lastAck := shard.LastHeartbeatAck.Load()

			// The previous heartbeat was never acknowledged: zombie link.
			// Kill the transport; the listen loop reconnects.
			if lastSent != nil && lastAck != nil && lastSent.After(*lastAck) {
				shard.Logger.Error("Heartbeat was not acknowledged, link is a zombie")

				shard.closeWS(WebsocketReconnectCloseCode)

				return
			}

			err := shard.SendEvent(ctx, discord.GatewayOpHeartbeat, shard.sequence.Load())

			now := time.Now()
			shard.LastHeartbeatSent.Store(&now)

			if err != nil {
				shard.Logger.Error("Heartbeat failed", "error", err)

				return
			}
		}
	}
}

func (shard *Shard) identify(ctx context.Context) error {
	configuration := shard.Application.Configuration.Load()
	shardCount := shard.Application.ShardCount.Load()

	shard.Logger.Debug("Shard is identifying", "shard_count", shardCount)

	shard.Application.gatewaySessionStartLimitRemaining.Add(-1)

	err := shard.waitForIdentify(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for identify: %w", err)
	}

	return shard.SendEvent(ctx, discord.GatewayOpIdentify, discord.Identify{
		Properties: &discord.IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "Ferry " + Version,
			Device:  "Ferry " + Version,
		},
		Presence:       configuration.DefaultPresence,
		Token:          configuration.BotToken.Reveal(),
		Shard:          [2]int32{shard.ShardID, shardCount},
		LargeThreshold: GatewayLargeThreshold,
		Intents:        configuration.Intents,
		Compress:       true,
	})
}

func (shard *Shard) waitForIdentify(ctx context.Context) error {
	shard.Logger.Debug("Shard is waiting for identify")

	err := shard.Ferry.identifyProvider.Identify(ctx, shard)
	if err != nil {
		return fmt.Errorf("failed to identify: %w", err)
	}

	return nil
}

func (shard *Shard) resume(ctx context.Context) error {
	shard.Logger.Debug("Shard is resuming", "sequence", shard.sequence.Load())

	configuration := shard.Application.Configuration.Load()

	return shard.SendEvent(ctx, discord.GatewayOpResume, discord.Resume{
		Token:     configuration.BotToken.Reveal(),
		SessionID: *shard.sessionID.Load(),
		Sequence:  shard.sequence.Load(),
	})
}

func (shard *Shard) SendEvent(ctx context.Context, gatewayOp discord.GatewayOp, data any) error {
	packet := discord.SentPayload{
		Op:   gatewayOp,
		Data: data,
	}

	return shard.send(ctx, gatewayOp, packet)
}

func (shard *Shard) send(ctx context.Context, gatewayOp discord.GatewayOp, data any) error {
	defer func() {
		if r := recover(); r != nil {
			if shard.Ferry.panicHandler != nil {
				shard.Ferry.panicHandler(shard.Ferry, r)
			}
		}
	}()

	payload, err := wire.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	// We don't need to ratelimit heartbeats.
	if gatewayOp != discord.GatewayOpHeartbeat {
		if err := shard.websocketRatelimit.LockContext(ctx); err != nil {
			return err
		}
	}

	// The write lock keeps heartbeats from interleaving with an identify or
	// resume mid-frame; the shard is the sole writer to its transport.
	shard.websocketWrite.Lock()
	defer shard.websocketWrite.Unlock()

	conn := shard.websocketConn
	if conn == nil {
		return ErrShardNotConnected
	}

	err = conn.Write(ctx, websocket.MessageText, payload)
	if err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}

	return nil
}

func (shard *Shard) read(ctx context.Context, websocketConn *websocket.Conn) (discord.GatewayPayload, []byte, error) {
	var gatewayPayload discord.GatewayPayload

	messageType, data, err := websocketConn.Read(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return gatewayPayload, nil, context.Canceled
		}

		return gatewayPayload, nil, fmt.Errorf("failed to read message: %w", err)
	}

	if messageType == websocket.MessageBinary {
		data, err = czlib.Decompress(data)
		if err != nil {
			return gatewayPayload, data, fmt.Errorf("%w: failed to decompress payload: %w", errParseFailure, err)
		}
	}

	err = wire.Unmarshal(data, &gatewayPayload)
	if err != nil {
		return gatewayPayload, data, fmt.Errorf("%w: %w", errParseFailure, err)
	}

	return gatewayPayload, data, nil
}

func (shard *Shard) OnEvent(ctx context.Context, msg discord.GatewayPayload) error {
	if f, ok := gatewayEvents[msg.Op]; ok {
		return f(ctx, shard, msg)
	}

	return nil
}

// UpdatePresence sends a presence update. The command is dropped silently
// when the shard is not connected.
func (shard *Shard) UpdatePresence(ctx context.Context, presence *discord.UpdateStatus) error {
	if !shard.isConnected() {
		shard.Logger.Debug("Dropping presence update, shard is not connected")

		return nil
	}

	return shard.SendEvent(ctx, discord.GatewayOpPresenceUpdate, presence)
}

// UpdateVoiceState moves the client between voice channels. The command is
// dropped silently when the shard is not connected.
func (shard *Shard) UpdateVoiceState(ctx context.Context, voiceState discord.UpdateVoiceState) error {
	if !shard.isConnected() {
		shard.Logger.Debug("Dropping voice state update, shard is not connected")

		return nil
	}

	return shard.SendEvent(ctx, discord.GatewayOpVoiceStateUpdate, voiceState)
}

// RequestGuildMembersChunk asks the gateway for member chunks. The command
// is dropped silently when the shard is not connected.
func (shard *Shard) RequestGuildMembersChunk(ctx context.Context, request discord.RequestGuildMembers) error {
	if !shard.isConnected() {
		shard.Logger.Debug("Dropping guild members request, shard is not connected")

		return nil
	}

	return shard.SendEvent(ctx, discord.GatewayOpRequestGuildMembers, request)
}

func (shard *Shard) isConnected() bool {
	status := ShardStatus(shard.Status.Load())

	return status == ShardStatusConnected || status == ShardStatusReady
}

func (shard *Shard) chunkAllGuilds(ctx context.Context) chan struct{} {
	shard.Logger.Debug("Chunking all guilds")

	done := make(chan struct{})

	go func() {
		guildIDs := make([]discord.Snowflake, 0, shard.Guilds.Count())

		shard.Guilds.Range(func(key discord.Snowflake, _ bool) bool {
			guildIDs = append(guildIDs, key)

			return false
		})

		for _, guildID := range guildIDs {
			err := shard.ChunkGuild(ctx, guildID)
			if err != nil {
				shard.Logger.Error("Failed to chunk guild", "error", err, "guild_id", guildID)
			}
		}

		shard.Logger.Debug("Chunked all guilds", "count", len(guildIDs))

		close(done)
	}()

	return done
}

// ChunkGuild requests all members of a guild and waits until every chunk
// arrived or the chunk timeout elapses.
func (shard *Shard) ChunkGuild(ctx context.Context, guildID discord.Snowflake) error {
	shard.Logger.Debug("Chunking guild", "guild_id", guildID)

	guildChunk, ok := shard.Application.guildChunks.Load(guildID)
	if !ok {
		guildChunk = &GuildChunk{
			complete:        &atomic.Bool{},
			chunkingChannel: make(chan GuildChunkPartial),
			startedAt:       &atomic.Pointer[time.Time]{},
			completedAt:     &atomic.Pointer[time.Time]{},
		}

		shard.Application.guildChunks.Store(guildID, guildChunk)
	}

	guildChunk.complete.Store(false)

	now := time.Now()
	guildChunk.startedAt.Store(&now)

	nonce := randomHex(16)

	err := shard.RequestGuildMembersChunk(ctx, discord.RequestGuildMembers{
		GuildID: guildID,
		Nonce:   nonce,
	})
	if err != nil {
		return fmt.Errorf("failed to request guild members: %w", err)
	}

	var chunksReceived, totalChunks int32

	timeout := time.NewTimer(MemberChunkTimeout)
	defer timeout.Stop()

guildChunkLoop:
	for {
		select {
		case guildChunkPartial := <-guildChunk.chunkingChannel:
			if guildChunkPartial.nonce != nonce {
				continue
			}

			chunksReceived++
			totalChunks = guildChunkPartial.chunkCount

			// Reset the timeout.
			timeout.Reset(MemberChunkTimeout)

			if chunksReceived >= totalChunks {
				break guildChunkLoop
			}
		case <-timeout.C:
			shard.Logger.Error("Timeout while waiting for guild members", "guild_id", guildID)

			break guildChunkLoop
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	guildChunk.complete.Store(true)

	now = time.Now()
	guildChunk.completedAt.Store(&now)

	return nil
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)

	select {
	case <-ctx.Done():
		timer.Stop()

		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
