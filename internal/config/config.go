package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gregtusar/replicator/pkg/secrets"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Coinbase CoinbaseConfig `mapstructure:"coinbase"`
	Target   TargetConfig   `mapstructure:"target"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Defaults DefaultsConfig `mapstructure:"defaults"`
	Markets  []MarketConfig `mapstructure:"markets"`
	GCP      GCPConfig      `mapstructure:"gcp"`
}

type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type CoinbaseConfig struct {
	// Legacy authentication
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Passphrase string `mapstructure:"passphrase"`

	// JWT authentication
	AuthType      string `mapstructure:"auth_type"`    // "legacy" or "jwt"
	APIKeyName    string `mapstructure:"api_key_name"` // organizations/{org_id}/apiKeys/{key_id}
	PrivateKeyPEM string `mapstructure:"private_key_pem"`

	Sandbox   bool            `mapstructure:"sandbox"`
	RestURL   string          `mapstructure:"rest_url"`
	Timeout   time.Duration   `mapstructure:"timeout"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

type WebSocketConfig struct {
	URL               string        `mapstructure:"url"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
	MaxReconnects     int           `mapstructure:"max_reconnects"`
}

type TargetConfig struct {
	Venue string      `mapstructure:"venue"` // "paper" or "coinbase"
	Paper PaperConfig `mapstructure:"paper"`
}

type PaperConfig struct {
	FillFromSource bool          `mapstructure:"fill_from_source"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	URL      string        `mapstructure:"url"`
	Password string        `mapstructure:"password"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type EngineConfig struct {
	RefreshInterval        time.Duration `mapstructure:"refresh_interval"`
	BalanceInterval        time.Duration `mapstructure:"balance_interval"`
	ReplaceTolerance       string        `mapstructure:"replace_tolerance"`
	StalenessWindow        time.Duration `mapstructure:"staleness_window"`
	PriceSignificantDigits int           `mapstructure:"price_significant_digits"`
	QuantityDecimals       int32         `mapstructure:"quantity_decimals"`
}

type DefaultsConfig struct {
	Side SideConfig `mapstructure:"side"`
}

// SideConfig holds per-side limits. Nil fields are unset and fall through
// to the next layer of the merge.
type SideConfig struct {
	MaxValue    *string `mapstructure:"max_value"`
	TargetValue *string `mapstructure:"target_value"`
	MaxQuantity *string `mapstructure:"max_quantity"`
	Scale       *string `mapstructure:"scale"`
	Levels      *int    `mapstructure:"levels"`
	Spread      *string `mapstructure:"spread"`
	LevelSlope  *string `mapstructure:"level_slope"`
}

type MarketConfig struct {
	Symbol        string     `mapstructure:"symbol"`
	SourceSymbol  string     `mapstructure:"source_symbol"`
	PriceAdjust   string     `mapstructure:"price_adjust"`
	Fee           string     `mapstructure:"fee"`
	PriceDecimals *int32     `mapstructure:"price_decimals"`
	Rebalance     bool       `mapstructure:"rebalance"`
	MinHedgeBase  string     `mapstructure:"min_hedge_base"`
	Base          SideConfig `mapstructure:"base"`
	Buy           SideConfig `mapstructure:"buy"`
	Sell          SideConfig `mapstructure:"sell"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// Load reads configuration from file, .env and the environment. Unknown keys
// in the file are rejected.
func Load(configPath string) (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/replicator")
	}

	v.SetEnvPrefix("REPLICATOR")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.UnmarshalExact(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("coinbase.auth_type", "legacy")
	v.SetDefault("coinbase.sandbox", false)
	v.SetDefault("coinbase.rest_url", "")
	v.SetDefault("coinbase.timeout", 10*time.Second)
	v.SetDefault("coinbase.rate_limit.per_second", 10.0)
	v.SetDefault("coinbase.rate_limit.burst", 5)
	v.SetDefault("coinbase.websocket.url", "wss://ws-feed.exchange.coinbase.com")
	v.SetDefault("coinbase.websocket.reconnect_delay", 250*time.Millisecond)
	v.SetDefault("coinbase.websocket.max_reconnect_delay", 10*time.Second)
	v.SetDefault("coinbase.websocket.max_reconnects", 0)

	v.SetDefault("target.venue", "paper")
	v.SetDefault("target.paper.fill_from_source", true)
	v.SetDefault("target.paper.sweep_interval", time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.ttl", 5*time.Minute)

	v.SetDefault("engine.refresh_interval", 500*time.Millisecond)
	v.SetDefault("engine.balance_interval", 5*time.Second)
	v.SetDefault("engine.replace_tolerance", "0.2")
	v.SetDefault("engine.staleness_window", 10*time.Second)
	v.SetDefault("engine.price_significant_digits", 5)
	v.SetDefault("engine.quantity_decimals", 8)

	v.SetDefault("defaults.side.max_value", "100")
	v.SetDefault("defaults.side.target_value", "100")
	v.SetDefault("defaults.side.scale", "0.25")
	v.SetDefault("defaults.side.levels", 2)
	v.SetDefault("defaults.side.spread", "0.005")
	v.SetDefault("defaults.side.level_slope", "1.0001")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.coinbase_api_key", secretNames.CoinbaseAPIKey)
	v.SetDefault("gcp.secret_names.coinbase_api_secret", secretNames.CoinbaseAPISecret)
	v.SetDefault("gcp.secret_names.coinbase_passphrase", secretNames.CoinbasePassphrase)
	v.SetDefault("gcp.secret_names.coinbase_api_key_name", secretNames.CoinbaseAPIKeyName)
	v.SetDefault("gcp.secret_names.coinbase_private_key", secretNames.CoinbasePrivateKey)
	v.SetDefault("gcp.secret_names.redis_password", secretNames.RedisPassword)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("COINBASE_API_KEY"); apiKey != "" {
		config.Coinbase.APIKey = apiKey
	}
	if apiSecret := os.Getenv("COINBASE_API_SECRET"); apiSecret != "" {
		config.Coinbase.APISecret = apiSecret
	}
	if passphrase := os.Getenv("COINBASE_PASSPHRASE"); passphrase != "" {
		config.Coinbase.Passphrase = passphrase
	}
	if authType := os.Getenv("COINBASE_AUTH_TYPE"); authType != "" {
		config.Coinbase.AuthType = authType
	}
	if apiKeyName := os.Getenv("COINBASE_API_KEY_NAME"); apiKeyName != "" {
		config.Coinbase.APIKeyName = apiKeyName
	}
	if privateKey := os.Getenv("COINBASE_PRIVATE_KEY"); privateKey != "" {
		config.Coinbase.PrivateKeyPEM = privateKey
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	applySecrets(ctx, config, secretManager, logger)

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

// applySecrets fills credentials that are not already set.
func applySecrets(ctx context.Context, config *Config, a secrets.Accessor, logger *logrus.Logger) {
	names := config.GCP.SecretNames
	fill := func(dst *string, name string) {
		if *dst == "" {
			*dst = secrets.GetSecretWithDefault(ctx, a, logger, name, "")
		}
	}

	fill(&config.Coinbase.APIKey, names.CoinbaseAPIKey)
	fill(&config.Coinbase.APISecret, names.CoinbaseAPISecret)
	fill(&config.Coinbase.Passphrase, names.CoinbasePassphrase)
	fill(&config.Coinbase.APIKeyName, names.CoinbaseAPIKeyName)
	fill(&config.Coinbase.PrivateKeyPEM, names.CoinbasePrivateKey)
	fill(&config.Redis.Password, names.RedisPassword)
}

// Tolerance parses engine.replace_tolerance.
func (c *Config) Tolerance() (decimal.Decimal, error) {
	tol, err := decimal.NewFromString(c.Engine.ReplaceTolerance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: engine.replace_tolerance: %v", ErrInvalid, err)
	}
	if tol.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("%w: engine.replace_tolerance must not be negative", ErrInvalid)
	}
	return tol, nil
}
