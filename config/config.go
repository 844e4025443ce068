// Package config loads node configuration via spf13/viper: YAML (or
// JSON) on disk, overridable with TCE_-prefixed environment variables,
// unmarshalled into a typed Config struct covering every parameter
// spec.md §6 names plus the connection strings and listen addresses a
// real deployment needs. Grounded on
// celestiaorg-popsigner/control-plane/internal/config.Config's
// Load/setDefaults shape.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is this node's full runtime configuration.
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Sampling  SamplingConfig  `mapstructure:"sampling"`
	Gossip    GossipConfig    `mapstructure:"gossip"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Stream    StreamConfig    `mapstructure:"stream"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RPC       RPCConfig       `mapstructure:"rpc"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Log       LogConfig       `mapstructure:"log"`
}

// NodeConfig identifies this node and its signing key.
type NodeConfig struct {
	// PrivateKeyHex is a 32-byte secp256k1 scalar, hex-encoded. The
	// corresponding SubnetId (public key x-coordinate) is this node's
	// own identity for sampling, broadcast and signing.
	PrivateKeyHex string `mapstructure:"private_key"`
}

// SamplingConfig covers spec.md §6's echo/ready/delivery sample and
// threshold parameters.
type SamplingConfig struct {
	EchoSampleSize     int `mapstructure:"echo_sample_size"`
	EchoThreshold      int `mapstructure:"echo_threshold"`
	ReadySampleSize    int `mapstructure:"ready_sample_size"`
	ReadyThreshold     int `mapstructure:"ready_threshold"`
	DeliverySampleSize int `mapstructure:"delivery_sample_size"`
	DeliveryThreshold  int `mapstructure:"delivery_threshold"`

	// HandshakeTimeout bounds how long the Oracle waits for a peer to ack
	// an outstanding Echo/Ready subscribe handshake before evicting it and
	// drawing a replacement (spec.md §4.2). Defaults to
	// sampling.DefaultHandshakeTimeout when zero.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	// HandshakeTimeoutCheckEvery sets how often the background loop sweeps
	// for timed-out handshakes. Defaults to HandshakeTimeout when zero.
	HandshakeTimeoutCheckEvery time.Duration `mapstructure:"handshake_timeout_check_interval"`
}

// GossipConfig covers the Adapter's batch tick pacing and known peers.
type GossipConfig struct {
	BatchSize          int           `mapstructure:"gossip_batch_size"`
	BatchIntervalMs    int           `mapstructure:"gossip_batch_interval_ms"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	ListenAddr         string        `mapstructure:"listen_addr"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	Peers              []PeerConfig  `mapstructure:"peers"`
}

// PeerConfig is one statically configured peer's identity and address.
// Peer discovery itself is out of scope (spec.md §1); this is the
// minimal directory a deployment supplies by hand.
type PeerConfig struct {
	SubnetIDHex string `mapstructure:"subnet_id"`
	GossipAddr  string `mapstructure:"gossip_addr"`
	RPCAddr     string `mapstructure:"rpc_addr"`
}

// BroadcastConfig covers the Double-Echo Engine's pending-certificate
// retry cadence.
type BroadcastConfig struct {
	PendingTTL        time.Duration `mapstructure:"pending_ttl"`
	PendingRetryEvery time.Duration `mapstructure:"pending_retry_interval"`
}

// SyncConfig covers the Checkpoint Synchronizer's tick interval and
// fetch batching.
type SyncConfig struct {
	IntervalSeconds  int  `mapstructure:"sync_interval_seconds"`
	MaxFetchBatch    int  `mapstructure:"max_fetch_batch"`
	DedupCacheEnable bool `mapstructure:"dedup_cache_enabled"`
}

// StreamConfig covers the Push-Stream API's per-subscription queue
// depth.
type StreamConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

// RateLimitConfig covers SubmitCertificate's admission control.
type RateLimitConfig struct {
	PerSubnetRate  float64 `mapstructure:"per_subnet_rate"`
	PerSubnetBurst int     `mapstructure:"per_subnet_burst"`
	QuotaEnabled   bool    `mapstructure:"quota_enabled"`
	QuotaLimit     int64   `mapstructure:"quota_limit"`
	QuotaWindow    time.Duration `mapstructure:"quota_window"`
}

// StorageConfig selects and configures the durable certificate log.
type StorageConfig struct {
	// Driver is "memory" or "mysql". A real deployment sets "mysql";
	// "memory" is for local/standalone runs and tests.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// RedisConfig configures the shared Redis instance backing the
// submission-rate quota and the checkpoint synchronizer's dedup cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RPCConfig covers the node's externally facing HTTP surface.
type RPCConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// MetricsConfig covers the Prometheus scrape endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// TracingConfig covers the OTLP/gRPC collector this node exports spans
// to. An empty Endpoint disables tracing (tracing.NewProvider no-ops).
type TracingConfig struct {
	Endpoint string `mapstructure:"otlp_endpoint"`
}

// LogConfig covers the log level blog's standard logger is constructed
// at.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from path (if non-empty) and the environment,
// applying defaults for everything left unset. Environment variables
// override file values, prefixed TCE_ and with "." replaced by "_" —
// e.g. TCE_SAMPLING_ECHO_SAMPLE_SIZE overrides sampling.echo_sample_size.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tce-node")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tce-node")
	}

	v.SetEnvPrefix("TCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshalling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sampling.echo_sample_size", 6)
	v.SetDefault("sampling.echo_threshold", 4)
	v.SetDefault("sampling.ready_sample_size", 6)
	v.SetDefault("sampling.ready_threshold", 4)
	v.SetDefault("sampling.delivery_sample_size", 6)
	v.SetDefault("sampling.delivery_threshold", 4)
	v.SetDefault("sampling.handshake_timeout", "10s")
	v.SetDefault("sampling.handshake_timeout_check_interval", "10s")

	v.SetDefault("gossip.gossip_batch_size", 10)
	v.SetDefault("gossip.gossip_batch_interval_ms", 100)
	v.SetDefault("gossip.handshake_timeout", "10s")
	v.SetDefault("gossip.request_timeout", "5s")
	v.SetDefault("gossip.listen_addr", ":9001")

	v.SetDefault("broadcast.pending_ttl", "30s")
	v.SetDefault("broadcast.pending_retry_interval", "30s")

	v.SetDefault("sync.sync_interval_seconds", 5)
	v.SetDefault("sync.max_fetch_batch", 10)
	v.SetDefault("sync.dedup_cache_enabled", false)

	v.SetDefault("stream.queue_size", 64)

	v.SetDefault("ratelimit.per_subnet_rate", 1.0)
	v.SetDefault("ratelimit.per_subnet_burst", 20)
	v.SetDefault("ratelimit.quota_enabled", false)
	v.SetDefault("ratelimit.quota_limit", 120)
	v.SetDefault("ratelimit.quota_window", "1m")

	v.SetDefault("storage.driver", "memory")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rpc.listen_addr", ":9000")
	v.SetDefault("metrics.listen_addr", ":9100")

	v.SetDefault("log.level", "info")
}
