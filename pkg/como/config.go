package como

import (
	"context"

	"github.com/ghalamif/como/internal/adapters/opcua"
	"github.com/ghalamif/como/internal/app/config"
	"github.com/ghalamif/como/internal/channel"
	"github.com/ghalamif/como/internal/client"
	"github.com/ghalamif/como/internal/ports"
	"github.com/ghalamif/como/internal/server"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// ServerConfig configures the publisher's listener.
	ServerConfig = server.Config
	// ChannelConfig describes one monitored publisher.
	ChannelConfig = channel.Config
	// ClientConfig holds per-session settings such as the update throttle.
	ClientConfig = client.Config
	// ReconnectConfig controls channel reconnect backoff.
	ReconnectConfig = channel.ReconnectConfig
	// RecorderConfig holds journal location and backpressure policy.
	RecorderConfig = config.RecorderConfig
	// Policy controls journal/queue thresholds.
	Policy = ports.Policy
	// HistoryConfig selects the history database.
	HistoryConfig = config.HistoryConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
	// OPCUAConfig holds connection + node details.
	OPCUAConfig = opcua.Config
	// OPCUANodeConfig maps an OPC UA node to a source.
	OPCUANodeConfig = opcua.NodeConfig
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseConfig decodes and validates an in-memory YAML document.
func ParseConfig(raw []byte) (*Config, error) {
	return config.Parse(raw)
}

// WatchConfig reloads path whenever it changes and passes every valid config
// to fn until ctx is done.
func WatchConfig(ctx context.Context, path string, obs Observability, fn func(*Config)) error {
	return config.Watch(ctx, path, obs, fn)
}
