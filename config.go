package ferry

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/FerryTeam/Ferry/discord"
	"github.com/FerryTeam/Ferry/rest"
	"github.com/FerryTeam/Ferry/wire"
)

type Configuration struct {
	Ferry        *NodeConfiguration          `json:"ferry"`
	Applications []*ApplicationConfiguration `json:"applications"`
}

// NodeConfiguration is used to segment automatically sharded applications
// across multiple processes.
type NodeConfiguration struct {
	NodeCount int32 `json:"node_count"`
	NodeID    int32 `json:"node_id"`
}

type ApplicationConfiguration struct {
	// ApplicationIdentifier is used in logs and metrics to identify the
	// application.
	ApplicationIdentifier string `json:"application_identifier"`

	// This is the display name of the application. It is stored with the
	// configuration only; status events do not carry it.
	DisplayName string `json:"display_name"`

	BotToken  rest.Token `json:"bot_token"`
	AutoStart bool       `json:"auto_start"`

	DefaultPresence    *discord.UpdateStatus `json:"default_presence,omitempty"`
	Intents            int32                 `json:"intents"`
	ChunkGuildsOnStart bool                  `json:"chunk_guilds_on_start"`

	// Events that the application should not deliver to subscribers.
	EventBlacklist []string `json:"event_blacklist"`

	AutoSharded bool   `json:"auto_sharded"`
	ShardCount  int32  `json:"shard_count"`
	ShardIDs    string `json:"shard_ids"`

	// SubscriberBuffer is the per-subscriber queue depth before the oldest
	// event is dropped. Zero uses the default.
	SubscriberBuffer int `json:"subscriber_buffer"`
}

type ConfigProvider interface {
	GetConfig(ctx context.Context) (*Configuration, error)
	SaveConfig(ctx context.Context, config *Configuration) error
}

// ConfigProviderFromPath is a basic config provider that reads and writes to a file.

type ConfigProviderFromPath struct {
	path string
}

func NewConfigProviderFromPath(path string) ConfigProviderFromPath {
	return ConfigProviderFromPath{path}
}

func (c ConfigProviderFromPath) GetConfig(_ context.Context) (*Configuration, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Configuration
	if err := wire.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	if config.Ferry == nil {
		config.Ferry = &NodeConfiguration{}
	}

	slog.Info("Loaded config", "applications", len(config.Applications))

	return &config, nil
}

func (c ConfigProviderFromPath) SaveConfig(_ context.Context, config *Configuration) error {
	data, err := wire.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(c.path, data, 0o600)
}
