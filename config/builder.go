package config

import (
	"time"
)

// ConfigBuilder provides a fluent API for building configuration
type ConfigBuilder struct {
	config *AppConfig
}

// NewConfigBuilder creates a new configuration builder with defaults
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		config: DefaultConfig(),
	}
}

// FromConfig creates a builder from an existing configuration
func FromConfig(config *AppConfig) *ConfigBuilder {
	builder := NewConfigBuilder()
	*builder.config = *config
	return builder
}

// Network Configuration

// WithAddress sets the websocket listener address
func (b *ConfigBuilder) WithAddress(address string) *ConfigBuilder {
	b.config.Network.Address = address
	return b
}

// WithMaxConnections sets the maximum number of client connections
func (b *ConfigBuilder) WithMaxConnections(max int) *ConfigBuilder {
	b.config.Network.MaxConnections = max
	return b
}

// WithHeartbeat sets the client heartbeat interval
func (b *ConfigBuilder) WithHeartbeat(interval time.Duration) *ConfigBuilder {
	b.config.Network.HeartbeatInterval = interval
	return b
}

// WithBufferSizes sets websocket read and write buffer sizes
func (b *ConfigBuilder) WithBufferSizes(readSize, writeSize int) *ConfigBuilder {
	b.config.Network.ReadBufferSize = readSize
	b.config.Network.WriteBufferSize = writeSize
	return b
}

// Registry Configuration

// WithSingleSession makes every device class conflict with every other
func (b *ConfigBuilder) WithSingleSession(enabled bool) *ConfigBuilder {
	b.config.Registry.SingleSession = enabled
	return b
}

// Outbox Configuration

// WithMemoryOutbox configures the in-memory outbox store
func (b *ConfigBuilder) WithMemoryOutbox() *ConfigBuilder {
	b.config.Outbox.Backend = "memory"
	b.config.Outbox.Path = ""
	b.config.Outbox.DSN = ""
	return b
}

// WithBadgerOutbox configures the Badger outbox store
func (b *ConfigBuilder) WithBadgerOutbox(path string) *ConfigBuilder {
	b.config.Outbox.Backend = "badger"
	b.config.Outbox.Path = path
	return b
}

// WithPostgresOutbox configures the Postgres outbox store
func (b *ConfigBuilder) WithPostgresOutbox(dsn string) *ConfigBuilder {
	b.config.Outbox.Backend = "postgres"
	b.config.Outbox.DSN = dsn
	return b
}

// WithDispatcher sets worker pool and claim parameters
func (b *ConfigBuilder) WithDispatcher(workers, batchSize int, lease time.Duration) *ConfigBuilder {
	b.config.Outbox.Workers = workers
	b.config.Outbox.BatchSize = batchSize
	b.config.Outbox.LeaseDuration = lease
	return b
}

// WithRetryPolicy sets retry budgets and backoff bounds
func (b *ConfigBuilder) WithRetryPolicy(maxRetry, maxReturnedRetry int, base, cap time.Duration) *ConfigBuilder {
	b.config.Outbox.MaxRetry = maxRetry
	b.config.Outbox.MaxReturnedRetry = maxReturnedRetry
	b.config.Outbox.RetryBackoffBase = base
	b.config.Outbox.RetryBackoffCap = cap
	return b
}

// Broker Configuration

// WithMemoryBroker configures the in-process broker gateway
func (b *ConfigBuilder) WithMemoryBroker() *ConfigBuilder {
	b.config.Broker.Backend = "memory"
	return b
}

// WithAMQPBroker configures the AMQP broker gateway
func (b *ConfigBuilder) WithAMQPBroker(url string) *ConfigBuilder {
	b.config.Broker.Backend = "amqp"
	b.config.Broker.URL = url
	return b
}

// WithExchange sets the delivery exchange name
func (b *ConfigBuilder) WithExchange(exchange string) *ConfigBuilder {
	b.config.Broker.Exchange = exchange
	return b
}

// WithConfirmTimeout bounds the wait for a publisher confirm
func (b *ConfigBuilder) WithConfirmTimeout(timeout time.Duration) *ConfigBuilder {
	b.config.Broker.ConfirmTimeout = timeout
	return b
}

// Routing Configuration

// WithTargetedRouting resolves routes through the presence directory
func (b *ConfigBuilder) WithTargetedRouting(directory string) *ConfigBuilder {
	b.config.Routing.Strategy = "targeted"
	b.config.Routing.Directory = directory
	return b
}

// WithBroadcastRouting publishes every message on the broadcast key
func (b *ConfigBuilder) WithBroadcastRouting() *ConfigBuilder {
	b.config.Routing.Strategy = "broadcast"
	return b
}

// WithRedisDirectory configures the redis-backed presence directory
func (b *ConfigBuilder) WithRedisDirectory(addr string, ttl time.Duration) *ConfigBuilder {
	b.config.Routing.Directory = "redis"
	b.config.Routing.RedisAddr = addr
	b.config.Routing.DirectoryTTL = ttl
	return b
}

// Metrics Configuration

// WithMetrics configures prometheus exposition
func (b *ConfigBuilder) WithMetrics(enabled bool, address string) *ConfigBuilder {
	b.config.Metrics.Enabled = enabled
	b.config.Metrics.Address = address
	return b
}

// Server Configuration

// WithNodeID names this connect-node
func (b *ConfigBuilder) WithNodeID(nodeID string) *ConfigBuilder {
	b.config.Server.NodeID = nodeID
	return b
}

// WithLogging configures logging settings
func (b *ConfigBuilder) WithLogging(level, logFile string) *ConfigBuilder {
	b.config.Server.LogLevel = level
	b.config.Server.LogFile = logFile
	return b
}

// Build returns the configured AppConfig
func (b *ConfigBuilder) Build() (*AppConfig, error) {
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	return b.config, nil
}

// BuildUnsafe returns the configured AppConfig without validation
func (b *ConfigBuilder) BuildUnsafe() *AppConfig {
	return b.config
}
