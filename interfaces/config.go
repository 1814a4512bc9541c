package interfaces

import (
	"time"
)

// Config defines the interface for delivery-node configuration
type Config interface {
	// GetNetwork returns network configuration
	GetNetwork() NetworkConfig

	// GetRegistry returns channel-registry configuration
	GetRegistry() RegistryConfig

	// GetOutbox returns outbox store and dispatcher configuration
	GetOutbox() OutboxConfig

	// GetBroker returns broker gateway configuration
	GetBroker() BrokerConfig

	// GetRouting returns routing-resolver configuration
	GetRouting() RoutingConfig

	// GetMetrics returns metrics exposition configuration
	GetMetrics() MetricsConfig

	// GetServer returns node identification configuration
	GetServer() ServerConfig

	// Validate validates the configuration
	Validate() error
}

// NetworkConfig holds the connect-node listener configuration
type NetworkConfig struct {
	// Address to bind the websocket listener to
	Address string `koanf:"address"`

	// Maximum number of concurrent client connections
	MaxConnections int `koanf:"max_connections"`

	// Time allowed for the websocket handshake
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`

	// Per-write deadline on client connections
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// Heartbeat interval; a connection missing two beats is closed
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// Websocket buffer sizes
	ReadBufferSize  int `koanf:"read_buffer_size"`
	WriteBufferSize int `koanf:"write_buffer_size"`
}

// RegistryConfig holds channel-registry behavior
type RegistryConfig struct {
	// SingleSession makes every device class conflict with every other,
	// allowing one live connection per user
	SingleSession bool `koanf:"single_session"`
}

// OutboxConfig holds outbox store and dispatcher configuration
type OutboxConfig struct {
	// Backend type ("memory", "badger", "postgres")
	Backend string `koanf:"backend"`

	// Badger data directory
	Path string `koanf:"path"`

	// Postgres connection string
	DSN string `koanf:"dsn"`

	// Number of dispatcher workers
	Workers int `koanf:"workers"`

	// Maximum messages claimed per ClaimDue call
	BatchSize int `koanf:"batch_size"`

	// Lease duration stamped on claimed messages
	LeaseDuration time.Duration `koanf:"lease_duration"`

	// Pause between claim attempts when the store has nothing due
	ClaimInterval time.Duration `koanf:"claim_interval"`

	// Upper bound on claim calls per second across the worker pool;
	// 0 disables rate limiting
	ClaimRate float64 `koanf:"claim_rate"`

	// Retry budget for transient publish failures
	MaxRetry int `koanf:"max_retry"`

	// Retry budget for returned (unroutable) messages
	MaxReturnedRetry int `koanf:"max_returned_retry"`

	// Exponential backoff parameters: delay = min(base * 2^(n-1), cap)
	RetryBackoffBase time.Duration `koanf:"retry_backoff_base"`
	RetryBackoffCap  time.Duration `koanf:"retry_backoff_cap"`
}

// BrokerConfig holds broker gateway configuration
type BrokerConfig struct {
	// Backend type ("amqp", "memory")
	Backend string `koanf:"backend"`

	// AMQP connection URL
	URL string `koanf:"url"`

	// Exchange all delivery traffic is published to
	Exchange string `koanf:"exchange"`

	// Bounded wait for a publisher confirm before treating the publish
	// as nacked
	ConfirmTimeout time.Duration `koanf:"confirm_timeout"`

	// Consumer prefetch count
	Prefetch int `koanf:"prefetch"`
}

// RoutingConfig holds routing-resolver configuration
type RoutingConfig struct {
	// Strategy selects "targeted" (directory lookup) or "broadcast"
	// (fixed key, consumers filter locally)
	Strategy string `koanf:"strategy"`

	// Routing-key prefix; keys are prefix + node ID (targeted) or
	// prefix + "all" (broadcast)
	KeyPrefix string `koanf:"key_prefix"`

	// Directory backend ("memory", "redis")
	Directory string `koanf:"directory"`

	// Redis address for the redis directory
	RedisAddr string `koanf:"redis_addr"`

	// TTL on directory entries
	DirectoryTTL time.Duration `koanf:"directory_ttl"`

	// Interval at which a connect-node refreshes entries for its users
	RefreshInterval time.Duration `koanf:"refresh_interval"`
}

// MetricsConfig holds metrics exposition configuration
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Address   string `koanf:"address"`
	Namespace string `koanf:"namespace"`
}

// ServerConfig holds node identification and logging configuration
type ServerConfig struct {
	// NodeID names this connect-node; it is the queue name and the value
	// stored in the directory. Empty means derive from hostname.
	NodeID string `koanf:"node_id"`

	LogLevel string `koanf:"log_level"`
	LogFile  string `koanf:"log_file"`
}
