// Package config loads txqueue configuration from defaults, an optional
// config file, a .env file, TXQUEUE_* environment variables and command
// line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	API       APIConfig       `mapstructure:"api"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Transport TransportConfig `mapstructure:"transport"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Loopback  LoopbackConfig  `mapstructure:"loopback"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Environment string `mapstructure:"environment"`
}

// APIConfig holds API-related configuration
type APIConfig struct {
	Port               string   `mapstructure:"port"`
	Version            string   `mapstructure:"version"`
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
	// SubmitRateLimit is the number of submissions allowed per IP per minute.
	SubmitRateLimit int `mapstructure:"submit_rate_limit"`
}

// AuthConfig holds authentication-related configuration
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// QueueConfig holds transaction queue configuration
type QueueConfig struct {
	// SettleOn is "finality" or "inclusion".
	SettleOn string `mapstructure:"settle_on"`
	// CompletedPolicy is "retain" or "remove".
	CompletedPolicy string        `mapstructure:"completed_policy"`
	RetainFor       time.Duration `mapstructure:"retain_for"`
	DispatchWorkers int           `mapstructure:"dispatch_workers"`
}

// TransportConfig selects the transport implementation
type TransportConfig struct {
	// Kind is "loopback" or "kafka".
	Kind string `mapstructure:"kind"`
	// DevAccounts is the number of keys generated into the keyring at start.
	DevAccounts int `mapstructure:"dev_accounts"`
	// Keys are hex encoded private keys imported into the keyring.
	Keys []string `mapstructure:"keys"`
}

// KafkaConfig holds Kafka-related configuration
type KafkaConfig struct {
	Brokers       string `mapstructure:"brokers"`
	ConsumerGroup string `mapstructure:"consumer_group"`
	SubmitTopic   string `mapstructure:"submit_topic"`
	StatusTopic   string `mapstructure:"status_topic"`
}

// RedisConfig holds Redis-related configuration
type RedisConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Address    string        `mapstructure:"address"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	HistoryTTL time.Duration `mapstructure:"history_ttl"`
	KeyPrefix  string        `mapstructure:"key_prefix"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// LoopbackConfig configures the in-process simulated chain
type LoopbackConfig struct {
	StepDelay time.Duration `mapstructure:"step_delay"`
}

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// ConfigFile is an optional yaml/json/toml file.
	ConfigFile string
	// EnvFile is an optional dotenv file; a missing file is not an error.
	EnvFile string
	// EnvPrefix prefixes every environment variable.
	EnvPrefix string
	// Flags, when set, override every other source for the flags they define.
	Flags *pflag.FlagSet
}

// DefaultLoadOptions returns the default load options.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		EnvFile:   ".env",
		EnvPrefix: "TXQUEUE",
	}
}

// flagKeys maps command line flag names to config keys.
var flagKeys = map[string]string{
	"log-level":        "log.level",
	"api-port":         "api.port",
	"transport":        "transport.kind",
	"kafka-brokers":    "kafka.brokers",
	"redis-address":    "redis.address",
	"settle-on":        "queue.settle_on",
	"completed-policy": "queue.completed_policy",
}

// BindFlags defines the command line flags understood by LoadWithOptions.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.String("api-port", "", "Port of the HTTP API")
	fs.String("transport", "", "Transport implementation (loopback, kafka)")
	fs.String("kafka-brokers", "", "Kafka bootstrap servers")
	fs.String("redis-address", "", "Redis address of the completed transaction archive")
	fs.String("settle-on", "", "Status that settles a transaction (finality, inclusion)")
	fs.String("completed-policy", "", "What happens to settled transactions (retain, remove)")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.environment", "development")

	v.SetDefault("api.port", "8080")
	v.SetDefault("api.version", "v1")
	v.SetDefault("api.cors_allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("api.submit_rate_limit", 60)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("queue.settle_on", "finality")
	v.SetDefault("queue.completed_policy", "retain")
	v.SetDefault("queue.retain_for", 5*time.Second)
	v.SetDefault("queue.dispatch_workers", 4)

	v.SetDefault("transport.kind", "loopback")
	v.SetDefault("transport.dev_accounts", 0)

	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.consumer_group", "txqueue")
	v.SetDefault("kafka.submit_topic", "extrinsics")
	v.SetDefault("kafka.status_topic", "extrinsic_status")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.history_ttl", 24*time.Hour)
	v.SetDefault("redis.key_prefix", "txqueue:")

	v.SetDefault("metrics.namespace", "txqueue")

	v.SetDefault("loopback.step_delay", 200*time.Millisecond)
}

// Load loads configuration with the default options.
func Load() (*Config, error) {
	return LoadWithOptions(DefaultLoadOptions())
}

// LoadWithOptions loads configuration from the sources named in opts.
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading env file %s: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if opts.EnvPrefix != "" {
		v.SetEnvPrefix(opts.EnvPrefix)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", opts.ConfigFile, err)
		}
	}

	if opts.Flags != nil {
		for name, key := range flagKeys {
			f := opts.Flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding flag %s: %w", name, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the rest of the application cannot act on.
func (c *Config) Validate() error {
	switch c.Queue.SettleOn {
	case "finality", "inclusion":
	default:
		return fmt.Errorf("invalid queue.settle_on %q: expected finality or inclusion", c.Queue.SettleOn)
	}
	switch c.Queue.CompletedPolicy {
	case "retain", "remove":
	default:
		return fmt.Errorf("invalid queue.completed_policy %q: expected retain or remove", c.Queue.CompletedPolicy)
	}
	switch c.Transport.Kind {
	case "loopback", "kafka":
	default:
		return fmt.Errorf("invalid transport.kind %q: expected loopback or kafka", c.Transport.Kind)
	}
	if c.Queue.DispatchWorkers < 1 {
		return fmt.Errorf("queue.dispatch_workers must be positive, got %d", c.Queue.DispatchWorkers)
	}
	if c.Queue.RetainFor < 0 {
		return fmt.Errorf("queue.retain_for must not be negative")
	}
	return nil
}
