package sandwich

import (
	"fmt"
	"os"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/WelcomerTeam/Sandwich-Gateway/rest"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHeartbeatJitter = 0.1
	DefaultLargeThreshold  = 250
	DefaultCompression     = "zlib-stream"
	DefaultLogLevel        = "info"
)

// Configuration represents the configuration file.
type Configuration struct {
	// Unique name that will be referenced internally.
	Identifier string `json:"identifier" yaml:"identifier"`

	Token     string `json:"-" yaml:"token"`
	TokenType string `json:"token_type" yaml:"token_type"`

	APIChannel string `json:"api_channel" yaml:"api_channel"`
	APIVersion int    `json:"api_version" yaml:"api_version"`

	// GatewayURL overrides the url returned by the gateway bot endpoint.
	GatewayURL string `json:"gateway_url" yaml:"gateway_url"`

	Intents        int32                 `json:"intents" yaml:"intents"`
	Compression    string                `json:"compression" yaml:"compression"`
	LargeThreshold int32                 `json:"large_threshold" yaml:"large_threshold"`
	Presence       *discord.UpdateStatus `json:"presence" yaml:"presence"`

	Sharding struct {
		// ShardIDs restricts the shards ran, such as 0-4,6-7. Empty runs all.
		ShardIDs     string `json:"shard_ids" yaml:"shard_ids"`
		ShardCount   int32  `json:"shard_count" yaml:"shard_count"`
		ClusterCount int32  `json:"cluster_count" yaml:"cluster_count"`
		ClusterID    int32  `json:"cluster_id" yaml:"cluster_id"`
	} `json:"sharding" yaml:"sharding"`

	Heartbeat struct {
		// Fraction of the interval the first heartbeat is offset by.
		// Unset uses DefaultHeartbeatJitter, 0 disables jitter.
		Jitter *float64 `json:"jitter" yaml:"jitter"`
	} `json:"heartbeat" yaml:"heartbeat"`

	Reconnect struct {
		UnknownCloseCodePolicy string        `json:"unknown_close_code_policy" yaml:"unknown_close_code_policy"`
		BaseDelay              time.Duration `json:"base_delay" yaml:"base_delay"`
		MaxDelay               time.Duration `json:"max_delay" yaml:"max_delay"`
		StableAfter            time.Duration `json:"stable_after" yaml:"stable_after"`
		MaxAttempts            int           `json:"max_attempts" yaml:"max_attempts"`
	} `json:"reconnect" yaml:"reconnect"`

	Identify struct {
		Headers map[string]string `json:"headers" yaml:"headers"`
		// URL allows for variables:
		// {shard_id}, {shard_count}, {token} {token_hash}, {max_concurrency}
		URL    string        `json:"url" yaml:"url"`
		Window time.Duration `json:"window" yaml:"window"`
	} `json:"identify" yaml:"identify"`

	REST struct {
		ProxyURL           string        `json:"proxy_url" yaml:"proxy_url"`
		MaxRetries         int           `json:"max_retries" yaml:"max_retries"`
		MaxThrottleRetries int           `json:"max_throttle_retries" yaml:"max_throttle_retries"`
		GlobalLimit        int           `json:"global_limit" yaml:"global_limit"`
		Timeout            time.Duration `json:"timeout" yaml:"timeout"`
	} `json:"rest" yaml:"rest"`

	Producer struct {
		Configuration map[string]any `json:"-" yaml:"configuration"`
		Type          string         `json:"type" yaml:"type"`
		Channel       string         `json:"channel" yaml:"channel"`
	} `json:"producer" yaml:"producer"`

	Events struct {
		// Events that are not handled at all.
		Blacklist []string `json:"blacklist" yaml:"blacklist"`
		// Events that are handled but not produced.
		ProduceBlacklist []string `json:"produce_blacklist" yaml:"produce_blacklist"`
	} `json:"events" yaml:"events"`

	Sessions struct {
		Store string `json:"store" yaml:"store"`
		Path  string `json:"path" yaml:"path"`
		Redis struct {
			Address  string `json:"address" yaml:"address"`
			Password string `json:"-" yaml:"password"`
			DB       int    `json:"db" yaml:"db"`
		} `json:"redis" yaml:"redis"`
	} `json:"sessions" yaml:"sessions"`

	HTTP struct {
		Host    string `json:"host" yaml:"host"`
		Enabled bool   `json:"enabled" yaml:"enabled"`
	} `json:"http" yaml:"http"`

	Logging LoggingConfiguration `json:"logging" yaml:"logging"`
}

// HeartbeatJitter returns the configured jitter or DefaultHeartbeatJitter when unset.
func (c *Configuration) HeartbeatJitter() float64 {
	if c.Heartbeat.Jitter == nil {
		return DefaultHeartbeatJitter
	}

	return *c.Heartbeat.Jitter
}

// LoggingConfiguration controls the console and rotating file loggers.
type LoggingConfiguration struct {
	Level              string `json:"level" yaml:"level"`
	Filename           string `json:"filename" yaml:"filename"`
	MaxSize            int    `json:"max_size" yaml:"max_size"`
	MaxBackups         int    `json:"max_backups" yaml:"max_backups"`
	MaxAge             int    `json:"max_age" yaml:"max_age"`
	ConsoleJSON        bool   `json:"console_json" yaml:"console_json"`
	FileLoggingEnabled bool   `json:"file_logging_enabled" yaml:"file_logging_enabled"`
	Compress           bool   `json:"compress" yaml:"compress"`
}

// LoadConfiguration reads a yaml configuration file. Environment variables
// in the form ${NAME} are expanded before parsing.
func LoadConfiguration(path string) (*Configuration, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadConfigurationFailure, err)
	}

	return ParseConfiguration(file)
}

// ParseConfiguration parses, defaults and validates a yaml configuration.
func ParseConfiguration(data []byte) (*Configuration, error) {
	configuration := &Configuration{}

	err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), configuration)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfigurationFailure, err)
	}

	configuration.setDefaults()

	err = configuration.Validate()
	if err != nil {
		return nil, err
	}

	return configuration, nil
}

func (c *Configuration) setDefaults() {
	if c.TokenType == "" {
		c.TokenType = string(rest.TokenTypeBot)
	}

	if c.APIChannel == "" {
		c.APIChannel = string(rest.APIChannelStable)
	}

	if c.APIVersion == 0 {
		c.APIVersion = rest.DefaultAPIVersion
	}

	if c.Compression == "" {
		c.Compression = DefaultCompression
	}

	if c.LargeThreshold == 0 {
		c.LargeThreshold = DefaultLargeThreshold
	}

	if c.Heartbeat.Jitter == nil {
		jitter := DefaultHeartbeatJitter
		c.Heartbeat.Jitter = &jitter
	}

	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBaseDelay
	}

	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMaxDelay
	}

	if c.Reconnect.StableAfter == 0 {
		c.Reconnect.StableAfter = DefaultReconnectStableAfter
	}

	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultReconnectMaxAttempts
	}

	if c.Reconnect.UnknownCloseCodePolicy == "" {
		c.Reconnect.UnknownCloseCodePolicy = string(UnknownCloseCodeResume)
	}

	if c.Identify.Window == 0 {
		c.Identify.Window = IdentifyRateLimit
	}

	if c.REST.MaxRetries == 0 {
		c.REST.MaxRetries = rest.DefaultMaxRetries
	}

	if c.REST.MaxThrottleRetries == 0 {
		c.REST.MaxThrottleRetries = rest.DefaultMaxThrottleRetries
	}

	if c.REST.GlobalLimit == 0 {
		c.REST.GlobalLimit = rest.DefaultGlobalLimit
	}

	if c.REST.Timeout == 0 {
		c.REST.Timeout = rest.DefaultTimeout
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}

// Validate checks the configuration can be used to start a manager.
func (c *Configuration) Validate() error {
	if c.Identifier == "" {
		return ErrConfigurationValidateIdentifier
	}

	if c.Token == "" {
		return ErrConfigurationValidateToken
	}

	if c.Sharding.ShardCount < 0 || c.Sharding.ClusterCount < 0 {
		return ErrConfigurationValidateSharding
	}

	if c.Sharding.ClusterCount > 0 && (c.Sharding.ClusterID < 0 || c.Sharding.ClusterID >= c.Sharding.ClusterCount) {
		return fmt.Errorf("cluster id %d outside of cluster count %d: %w", c.Sharding.ClusterID, c.Sharding.ClusterCount, ErrConfigurationValidateSharding)
	}

	if c.HTTP.Enabled && c.HTTP.Host == "" {
		return ErrConfigurationValidateHTTP
	}

	if jitter := c.HeartbeatJitter(); jitter < 0 || jitter >= 1 {
		return fmt.Errorf("heartbeat jitter %v must be within [0, 1): %w", jitter, ErrLoadConfigurationFailure)
	}

	if _, err := ParseCompressionMode(c.Compression); err != nil {
		return fmt.Errorf("%w: %v", ErrLoadConfigurationFailure, err)
	}

	if _, err := ParseUnknownCloseCodePolicy(c.Reconnect.UnknownCloseCodePolicy); err != nil {
		return fmt.Errorf("%w: %v", ErrLoadConfigurationFailure, err)
	}

	if _, err := rest.ParseAPIChannel(c.APIChannel); err != nil {
		return fmt.Errorf("%w: %v", ErrLoadConfigurationFailure, err)
	}

	switch c.Sessions.Store {
	case "", SessionStoreMemory, SessionStoreBolt, SessionStoreRedis:
	default:
		return fmt.Errorf("%q: %w", c.Sessions.Store, ErrUnknownSessionStore)
	}

	return nil
}
