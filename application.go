package ferry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/FerryTeam/Ferry/discord"
	"github.com/FerryTeam/Ferry/pkg/broadcast"
	"github.com/FerryTeam/Ferry/pkg/syncmap"
	"github.com/FerryTeam/Ferry/rest"
	"github.com/coder/websocket"
	csmap "github.com/mhmtszr/concurrent-swiss-map"
)

// Application orchestrates the shards of one bot token: it discovers the
// shard count, gates identifies under discord's max-concurrency limit and
// merges every shard's events into a single subscriber stream.
type Application struct {
	Logger *slog.Logger

	Identifier string

	Ferry         *Ferry
	Configuration *atomic.Pointer[ApplicationConfiguration]

	Rest *rest.Client

	Gateway                           *atomic.Pointer[discord.GatewayBotResponse]
	gatewaySessionStartLimitRemaining *atomic.Int32

	User          *atomic.Pointer[discord.User]
	ApplicationID *atomic.Int64

	ShardCount *atomic.Int32

	Shards *syncmap.Map[int32, *Shard]

	guildChunks *csmap.CsMap[discord.Snowflake, *GuildChunk]

	events        *broadcast.Server[Event]
	parseFailures *broadcast.Server[ParseFailure]

	startedAt *atomic.Pointer[time.Time]

	Status *atomic.Int32
}

type GuildChunk struct {
	complete        *atomic.Bool
	chunkingChannel chan GuildChunkPartial
	startedAt       *atomic.Pointer[time.Time]
	completedAt     *atomic.Pointer[time.Time]
}

type GuildChunkPartial struct {
	nonce      string
	chunkIndex int32
	chunkCount int32
}

func NewApplication(ferry *Ferry, config *ApplicationConfiguration) *Application {
	subscriberBuffer := config.SubscriberBuffer
	if subscriberBuffer <= 0 {
		subscriberBuffer = broadcast.DefaultListenerBuffer
	}

	application := &Application{
		Logger: ferry.Logger.With("application_identifier", config.ApplicationIdentifier),

		Identifier: config.ApplicationIdentifier,

		Ferry:         ferry,
		Configuration: &atomic.Pointer[ApplicationConfiguration]{},

		Rest: rest.NewClient(
			ferry.Logger.With("application_identifier", config.ApplicationIdentifier),
			config.BotToken,
			UserAgent,
		),

		Gateway:                           &atomic.Pointer[discord.GatewayBotResponse]{},
		gatewaySessionStartLimitRemaining: &atomic.Int32{},

		User:          &atomic.Pointer[discord.User]{},
		ApplicationID: &atomic.Int64{},

		ShardCount: &atomic.Int32{},

		Shards: &syncmap.Map[int32, *Shard]{},

		guildChunks: csmap.Create[discord.Snowflake, *GuildChunk](),

		events:        broadcast.NewServer[Event](subscriberBuffer),
		parseFailures: broadcast.NewServer[ParseFailure](subscriberBuffer),

		startedAt: &atomic.Pointer[time.Time]{},

		Status: &atomic.Int32{},
	}

	application.events.OnDrop = func() {
		application.Logger.Warn("Dropped event from slow subscriber queue")
		RecordDroppedEvent(application.Identifier)
	}

	application.parseFailures.OnDrop = func() {
		application.Logger.Warn("Dropped parse failure from slow subscriber queue")
	}

	application.Configuration.Store(config)

	application.SetStatus(ApplicationStatusIdle)

	return application
}

func (application *Application) SetStatus(status ApplicationStatus) {
	UpdateApplicationStatus(application.Identifier, status)
	application.Status.Store(int32(status))
	application.Logger.Info("Application status updated", "status", status.String())

	application.broadcastSynthetic(FerryEventApplicationStatusUpdate, ApplicationStatusUpdateEvent{
		Identifier: application.Identifier,
		Status:     status,
	}, -1)
}

func (application *Application) SetUser(user *discord.User) {
	existingUser := application.User.Load()
	application.User.Store(user)

	if existingUser != nil && existingUser.ID == user.ID {
		return
	}

	application.Logger.Debug("Application user updated", "user", user.Username)
}

// SubscribeEvents returns a new subscriber on the merged event stream.
// Events preserve server order per shard; the merged stream is partitioned
// by shard.
func (application *Application) SubscribeEvents() <-chan Event {
	return application.events.Subscribe()
}

// UnsubscribeEvents removes a subscriber returned by SubscribeEvents.
func (application *Application) UnsubscribeEvents(channel <-chan Event) {
	application.events.Unsubscribe(channel)
}

// SubscribeParseFailures returns a new subscriber on the merged
// parse-failure stream.
func (application *Application) SubscribeParseFailures() <-chan ParseFailure {
	return application.parseFailures.Subscribe()
}

// UnsubscribeParseFailures removes a subscriber returned by
// SubscribeParseFailures.
func (application *Application) UnsubscribeParseFailures(channel <-chan ParseFailure) {
	application.parseFailures.Unsubscribe(channel)
}

// dispatch fans a shard event out to subscribers, honoring the event
// blacklist.
func (application *Application) dispatch(event Event) {
	configuration := application.Configuration.Load()

	for _, blacklistedEvent := range configuration.EventBlacklist {
		if blacklistedEvent == event.Payload.Type {
			return
		}
	}

	RecordEvent(application.Identifier, event.Payload.Type)

	application.events.Broadcast(event)
}

func (application *Application) broadcastSynthetic(eventType string, data any, shardID int32) {
	event, err := newSyntheticEvent(eventType, data, shardID)
	if err != nil {
		application.Logger.Error("Failed to marshal synthetic event", "error", err, "event_type", eventType)

		return
	}

	application.events.Broadcast(event)
}

func (application *Application) emitParseFailure(failure ParseFailure) {
	application.parseFailures.Broadcast(failure)
}

// Initialize fetches the gateway bot endpoint, which carries the
// recommended shard count and the identify concurrency gate.
func (application *Application) Initialize(ctx context.Context) error {
	application.Logger.Debug("Initializing application")

	gatewayBot, err := application.Rest.GetGatewayBot(ctx)
	if err != nil {
		return fmt.Errorf("failed to get gateway bot: %w", err)
	}

	application.Gateway.Store(gatewayBot)
	application.gatewaySessionStartLimitRemaining.Store(gatewayBot.SessionStartLimit.Remaining)

	application.Logger.Debug("Application initialized",
		"shards", gatewayBot.Shards,
		"max_concurrency", gatewayBot.SessionStartLimit.MaxConcurrency,
		"session_start_limit_remaining", gatewayBot.SessionStartLimit.Remaining,
	)

	return nil
}

func (application *Application) Start(ctx context.Context) error {
	application.Logger.Info("Starting application")

	application.SetStatus(ApplicationStatusStarting)

	configuration := application.Configuration.Load()

	shardIDs, shardCount := application.getInitialShardCount(
		configuration.ShardCount,
		configuration.ShardIDs,
		configuration.AutoSharded,
	)

	application.Logger.Debug("Initializing shards", "shard_count", shardCount, "shard_ids", shardIDs)

	application.ShardCount.Store(shardCount)

	ready, err := application.startShards(ctx, shardIDs, shardCount)
	if err != nil {
		application.SetStatus(ApplicationStatusFailed)

		return fmt.Errorf("failed to start: %w", err)
	}

	<-ready

	application.SetStatus(ApplicationStatusReady)

	return nil
}

func (application *Application) Stop(ctx context.Context) error {
	application.SetStatus(ApplicationStatusStopping)

	application.Shards.Range(func(_ int32, shard *Shard) bool {
		shard.Stop(ctx, websocket.StatusNormalClosure)

		return true
	})

	application.SetStatus(ApplicationStatusStopped)

	application.events.Close()
	application.parseFailures.Close()

	return nil
}

// ShardForGuild returns the shard a guild is routed to.
func (application *Application) ShardForGuild(guildID discord.Snowflake) (*Shard, bool) {
	return application.Shards.Load(shardIDForGuild(guildID, application.ShardCount.Load()))
}

// UpdatePresence fans a presence update out to every shard.
func (application *Application) UpdatePresence(ctx context.Context, presence *discord.UpdateStatus) error {
	var firstErr error

	application.Shards.Range(func(_ int32, shard *Shard) bool {
		if err := shard.UpdatePresence(ctx, presence); err != nil && firstErr == nil {
			firstErr = err
		}

		return true
	})

	return firstErr
}

// UpdateVoiceState routes a voice state update to the guild's shard.
func (application *Application) UpdateVoiceState(ctx context.Context, voiceState discord.UpdateVoiceState) error {
	shard, ok := application.ShardForGuild(voiceState.GuildID)
	if !ok {
		return ErrShardNotConnected
	}

	return shard.UpdateVoiceState(ctx, voiceState)
}

// RequestGuildMembersChunk routes a guild members request to the guild's
// shard.
func (application *Application) RequestGuildMembersChunk(ctx context.Context, request discord.RequestGuildMembers) error {
	shard, ok := application.ShardForGuild(request.GuildID)
	if !ok {
		return ErrShardNotConnected
	}

	return shard.RequestGuildMembersChunk(ctx, request)
}

// getInitialShardCount returns the shard IDs and shard count for the
// application.
func (application *Application) getInitialShardCount(customShardCount int32, customShardIDs string, autoSharded bool) ([]int32, int32) {
	config := application.Ferry.Config.Load()

	var shardCount int32

	var shardIDs []int32

	if autoSharded {
		shardCount = application.Gateway.Load().Shards
	} else {
		shardCount = customShardCount
	}

	if shardCount < 1 {
		shardCount = 1
	}

	if customShardIDs == "" {
		for i := range shardCount {
			shardIDs = append(shardIDs, i)
		}

		// If we have a node count, split the shards evenly across nodes.
		if config.Ferry.NodeCount > 1 {
			filteredShardIDs := make([]int32, 0, len(shardIDs))

			for _, id := range shardIDs {
				if id%config.Ferry.NodeCount == config.Ferry.NodeID {
					filteredShardIDs = append(filteredShardIDs, id)
				}
			}

			shardIDs = filteredShardIDs
		}
	} else {
		shardIDs = returnRangeInt32(config.Ferry.NodeCount, config.Ferry.NodeID, customShardIDs, shardCount)
	}

	return shardIDs, shardCount
}

func (application *Application) startShards(ctx context.Context, shardIDs []int32, shardCount int32) (ready chan struct{}, err error) {
	application.Logger.Info("Starting shards", "shard_count", shardCount, "shard_ids", shardIDs)

	ready = make(chan struct{})

	now := time.Now()
	application.startedAt.Store(&now)

	application.ShardCount.Store(shardCount)

	// If we have no shards, we can't start the application
	if len(shardIDs) == 0 {
		return ready, ErrApplicationMissingShards
	}

	// Kill any shards that are already running
	application.Shards.Range(func(_ int32, shard *Shard) bool {
		shard.Stop(ctx, websocket.StatusNormalClosure)

		return true
	})

	// Create new shards
	for _, shardID := range shardIDs {
		shard := NewShard(application.Ferry, application, shardID)

		application.Shards.Store(shardID, shard)
	}

	application.SetStatus(ApplicationStatusConnecting)

	initialShard, ok := application.Shards.Load(shardIDs[0])
	if !ok {
		panic("failed to load initial shard")
	}

	if err := initialShard.ConnectWithRetry(ctx); err != nil {
		return ready, fmt.Errorf("failed to connect to initial shard: %w", err)
	}

	go initialShard.Start(ctx)

	if err := initialShard.waitForReady(); err != nil {
		return ready, fmt.Errorf("failed to wait for initial shard: %w", err)
	}

	application.Logger.Debug("Initial shard is ready", "shard_id", shardIDs[0])

	application.SetStatus(ApplicationStatusConnected)

	openWg := sync.WaitGroup{}

	for _, shardID := range shardIDs[1:] {
		shard, ok := application.Shards.Load(shardID)
		if !ok {
			panic("failed to load shard")
		}

		openWg.Add(1)

		go func(shard *Shard) {
			defer openWg.Done()

			if err := shard.ConnectWithRetry(ctx); err != nil {
				return
			}

			go shard.Start(ctx)
		}(shard)
	}

	openWg.Wait()

	// All shards have now connected, but are not ready yet.

	go func() {
		application.Shards.Range(func(index int32, shard *Shard) bool {
			// Skip the initial shard
			if index == shardIDs[0] {
				return true
			}

			if err := shard.waitForReady(); err != nil {
				shard.Logger.Error("Shard failed to become ready", "error", err)
			}

			return true
		})

		close(ready)
	}()

	return ready, nil
}
