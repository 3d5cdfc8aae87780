package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// BrokerType selects the notification transport
type BrokerType string

const (
	BrokerNATS  BrokerType = "nats"
	BrokerKafka BrokerType = "kafka"
)

// NATSConfiguration for the JetStream event feed
type NATSConfiguration struct {
	URL            string `toml:"url"`
	SubjectPrefix  string `toml:"subject_prefix"`
	DurablePrefix  string `toml:"durable_prefix"`
	AckWaitSeconds int    `toml:"ack_wait_seconds"`
	FetchBatch     int    `toml:"fetch_batch"`
}

// KafkaConfiguration for the Kafka event feed
type KafkaConfiguration struct {
	Brokers     []string `toml:"brokers"`
	GroupID     string   `toml:"group_id"`
	TopicPrefix string   `toml:"topic_prefix"`
}

// BrokerConfiguration controls how change events are consumed
type BrokerConfiguration struct {
	Type  BrokerType         `toml:"type"`
	Kinds []string           `toml:"kinds"` // entity kinds to subscribe, one consumer partition each
	NATS  NATSConfiguration  `toml:"nats"`
	Kafka KafkaConfiguration `toml:"kafka"`
}

// EngineConfiguration for the source engine write API
type EngineConfiguration struct {
	BaseURL   string `toml:"base_url"`
	Package   string `toml:"package"`
	Protocol  string `toml:"protocol"`
	TimeoutMS int    `toml:"timeout_ms"`
}

// QueryServiceConfiguration for the read-side projection service
type QueryServiceConfiguration struct {
	BaseURL   string `toml:"base_url"`
	TimeoutMS int    `toml:"timeout_ms"`
}

// LegacyConfiguration for the legacy platform REST API
type LegacyConfiguration struct {
	BaseURL          string `toml:"base_url"`
	ConnectTimeoutMS int    `toml:"connect_timeout_ms"`
	RequestTimeoutMS int    `toml:"request_timeout_ms"`
	MaxIdleConns     int    `toml:"max_idle_conns"`
}

// RetryConfiguration controls sync-path backoff
type RetryConfiguration struct {
	BaseDelayMS  int `toml:"base_delay_ms"`
	MaxDelayMS   int `toml:"max_delay_ms"`
	MaxAttempts  int `toml:"max_attempts"`
	MaxElapsedMS int `toml:"max_elapsed_ms"` // total retry budget per event, 0 = unlimited
}

// CacheConfiguration controls the read-your-writes cache
type CacheConfiguration struct {
	TTLSeconds           int `toml:"ttl_seconds"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

// RouteConfiguration is one routing rule: (method, pattern) -> classification.
// Rules are evaluated in file order, first match wins.
type RouteConfiguration struct {
	Method         string `toml:"method"`
	Pattern        string `toml:"pattern"`        // glob over the URL path, e.g. "/api/device/*"
	Classification string `toml:"classification"` // "read", "write" or "passthrough"
	Kind           string `toml:"kind"`           // entity kind the rule addresses
	Operation      string `toml:"operation"`      // engine operation name for writes
}

// ProxyConfiguration for the caller-facing listener
type ProxyConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// AdminConfiguration for the operational API listener
type AdminConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // empty disables auth
}

// TokenConfiguration for the bearer token provider used on the sync path
type TokenConfiguration struct {
	Static      string `toml:"static"`       // fixed token, takes precedence
	ExchangeURL string `toml:"exchange_url"` // token endpoint, used when static is empty
	ClientID    string `toml:"client_id"`
	ClientKey   string `toml:"client_key"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	ConsumerID uint64 `toml:"consumer_id"`
	DataDir    string `toml:"data_dir"`

	Broker     BrokerConfiguration       `toml:"broker"`
	Engine     EngineConfiguration       `toml:"engine"`
	Query      QueryServiceConfiguration `toml:"query"`
	Legacy     LegacyConfiguration       `toml:"legacy"`
	Retry      RetryConfiguration        `toml:"retry"`
	Cache      CacheConfiguration        `toml:"cache"`
	Routes     []RouteConfiguration      `toml:"routes"`
	Proxy      ProxyConfiguration        `toml:"proxy"`
	Admin      AdminConfiguration        `toml:"admin"`
	Token      TokenConfiguration        `toml:"token"`
	Logging    LoggingConfiguration      `toml:"logging"`
	Prometheus PrometheusConfiguration   `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	ConsumerIDFlag = flag.Uint64("consumer-id", 0, "Consumer ID (overrides config, 0=auto)")
	ProxyPortFlag  = flag.Int("proxy-port", 0, "Proxy port (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	ConsumerID: 0, // Auto-generate
	DataDir:    "./relay-data",

	Broker: BrokerConfiguration{
		Type:  BrokerNATS,
		Kinds: []string{"device", "asset", "customer"},
		NATS: NATSConfiguration{
			URL:            "nats://127.0.0.1:4222",
			SubjectPrefix:  "engine.changes",
			DurablePrefix:  "relay",
			AckWaitSeconds: 60,
			FetchBatch:     16,
		},
		Kafka: KafkaConfiguration{
			Brokers:     []string{"127.0.0.1:9092"},
			GroupID:     "relay",
			TopicPrefix: "engine.changes",
		},
	},

	Engine: EngineConfiguration{
		BaseURL:   "http://127.0.0.1:8081",
		Package:   "registry",
		Protocol:  "DeviceTwin",
		TimeoutMS: 5000,
	},

	Query: QueryServiceConfiguration{
		BaseURL:   "http://127.0.0.1:8082",
		TimeoutMS: 3000,
	},

	Legacy: LegacyConfiguration{
		BaseURL:          "http://127.0.0.1:8080",
		ConnectTimeoutMS: 2000,
		RequestTimeoutMS: 10000,
		MaxIdleConns:     32,
	},

	Retry: RetryConfiguration{
		BaseDelayMS:  500,
		MaxDelayMS:   30000,
		MaxAttempts:  8,
		MaxElapsedMS: 300000, // 5 minutes per event
	},

	Cache: CacheConfiguration{
		TTLSeconds:           30,
		SweepIntervalSeconds: 10,
	},

	Proxy: ProxyConfiguration{
		BindAddress: "0.0.0.0",
		Port:        8079,
	},

	Admin: AdminConfiguration{
		BindAddress: "0.0.0.0",
		Port:        9090,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *ConsumerIDFlag != 0 {
		Config.ConsumerID = *ConsumerIDFlag
	}
	if *ProxyPortFlag != 0 {
		Config.Proxy.Port = *ProxyPortFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate consumer ID if not set
	if Config.ConsumerID == 0 {
		var err error
		Config.ConsumerID, err = generateConsumerID()
		if err != nil {
			return fmt.Errorf("failed to generate consumer ID: %w", err)
		}
		log.Info().Uint64("consumer_id", Config.ConsumerID).Msg("Auto-generated consumer ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateConsumerID creates a stable unique consumer ID based on machine ID
func generateConsumerID() (uint64, error) {
	id, err := machineid.ProtectedID("relay")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Broker.Type {
	case BrokerNATS, BrokerKafka:
	default:
		return fmt.Errorf("invalid broker type: %s", Config.Broker.Type)
	}

	if len(Config.Broker.Kinds) == 0 {
		return fmt.Errorf("at least one entity kind must be configured")
	}

	if Config.Broker.Type == BrokerNATS && Config.Broker.NATS.URL == "" {
		return fmt.Errorf("broker.nats.url is required")
	}

	if Config.Broker.Type == BrokerKafka && len(Config.Broker.Kafka.Brokers) == 0 {
		return fmt.Errorf("broker.kafka.brokers is required")
	}

	if Config.Engine.BaseURL == "" {
		return fmt.Errorf("engine.base_url is required")
	}

	if Config.Query.BaseURL == "" {
		return fmt.Errorf("query.base_url is required")
	}

	if Config.Legacy.BaseURL == "" {
		return fmt.Errorf("legacy.base_url is required")
	}

	if Config.Retry.BaseDelayMS < 1 {
		return fmt.Errorf("retry base delay must be >= 1ms")
	}

	if Config.Retry.MaxDelayMS < Config.Retry.BaseDelayMS {
		return fmt.Errorf("retry max delay must be >= base delay")
	}

	if Config.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1")
	}

	if Config.Retry.MaxElapsedMS < 0 {
		return fmt.Errorf("retry max elapsed must be >= 0")
	}

	if Config.Cache.TTLSeconds < 1 {
		return fmt.Errorf("cache TTL must be >= 1 second")
	}

	if Config.Cache.SweepIntervalSeconds < 1 {
		return fmt.Errorf("cache sweep interval must be >= 1 second")
	}

	if Config.Proxy.Port < 1 || Config.Proxy.Port > 65535 {
		return fmt.Errorf("invalid proxy port: %d", Config.Proxy.Port)
	}

	if Config.Admin.Port < 1 || Config.Admin.Port > 65535 {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	validClassification := map[string]bool{
		"read": true, "write": true, "passthrough": true,
	}

	// An empty route method matches any method
	for i, route := range Config.Routes {
		if route.Pattern == "" {
			return fmt.Errorf("route %d: pattern is required", i)
		}
		if !validClassification[route.Classification] {
			return fmt.Errorf("route %d: invalid classification: %s", i, route.Classification)
		}
		if route.Classification != "passthrough" && route.Kind == "" {
			return fmt.Errorf("route %d: kind is required for %s rules", i, route.Classification)
		}
		if route.Classification == "write" && route.Operation == "" {
			return fmt.Errorf("route %d: operation is required for write rules", i)
		}
	}

	return nil
}

// IsAdminAuthEnabled returns true when admin endpoints require a secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}

// GetAdminSecret returns the configured admin secret
func GetAdminSecret() string {
	return Config.Admin.Secret
}
