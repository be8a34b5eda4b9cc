// Package config holds the settings of the quizduel binaries. Every setting is a flag that can
// also be supplied through a QUIZDUEL_-prefixed environment variable.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. QUIZDUEL_DATABASE_URL.
const EnvPrefix = "QUIZDUEL"

// Config is the lobby server configuration.
type Config struct {
	Bind            string
	Port            int
	BaseURL         string
	ShutdownTimeout time.Duration

	// DatabaseURL selects the Postgres store; empty keeps lobbies in memory.
	DatabaseURL string
	// RedisAddr selects the Redis bus, presence tracker and historian queue; empty stays in-process.
	RedisAddr string
	RedisDB   int

	PresenceGrace  time.Duration
	CodeLength     int
	CodeRetries    int
	FixedCount     int
	DefaultLives   int
	HistorianQueue string

	TokenExpiry   time.Duration
	JWTPrivateKey string
	JWTPublicKey  string

	LogLevel string
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	if c.CodeLength < 5 || c.CodeLength > 8 {
		return fmt.Errorf("invalid code length (must be between 5-8 inclusive): %d", c.CodeLength)
	}
	if c.CodeRetries < 1 {
		return fmt.Errorf("code retries must be at least 1, got %d", c.CodeRetries)
	}
	if c.FixedCount < 1 {
		return fmt.Errorf("fixed count must be at least 1, got %d", c.FixedCount)
	}
	if c.DefaultLives < 1 {
		return fmt.Errorf("default lives must be at least 1, got %d", c.DefaultLives)
	}
	if c.PresenceGrace <= 0 {
		return errors.New("presence grace must be positive")
	}
	if (c.JWTPrivateKey == "") != (c.JWTPublicKey == "") {
		return errors.New("both --jwt-private-key and --jwt-public-key must be provided together")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// JoinURL is the link encoded into a room's QR code.
func (c *Config) JoinURL(code string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	return base + "/join/" + code
}

// RegisterFlags declares the server flags on fs with their defaults.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Bind, "bind", "b", "0.0.0.0", "address to bind to (env: QUIZDUEL_BIND)")
	fs.IntVarP(&c.Port, "port", "p", 8080, "port to listen on (env: QUIZDUEL_PORT)")
	fs.StringVar(&c.BaseURL, "base-url", "", "public URL used in join links (env: QUIZDUEL_BASE_URL)")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for in-flight requests on shutdown (env: QUIZDUEL_SHUTDOWN_TIMEOUT)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "postgres connection string; empty keeps lobbies in memory (env: QUIZDUEL_DATABASE_URL)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis address for multi-node fan-out; empty stays in-process (env: QUIZDUEL_REDIS_ADDR)")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database index (env: QUIZDUEL_REDIS_DB)")
	fs.DurationVar(&c.PresenceGrace, "presence-grace", 30*time.Second, "how long a silent connection counts as online (env: QUIZDUEL_PRESENCE_GRACE)")
	fs.IntVar(&c.CodeLength, "code-length", 6, "room code length (env: QUIZDUEL_CODE_LENGTH)")
	fs.IntVar(&c.CodeRetries, "code-retries", 8, "room code allocation attempts (env: QUIZDUEL_CODE_RETRIES)")
	fs.IntVar(&c.FixedCount, "fixed-count", 10, "default target for the fixed mode (env: QUIZDUEL_FIXED_COUNT)")
	fs.IntVar(&c.DefaultLives, "default-lives", 5, "default starting lives for the lives mode (env: QUIZDUEL_DEFAULT_LIVES)")
	fs.StringVar(&c.HistorianQueue, "historian-queue", "quizduel_events", "redis list receiving match events (env: QUIZDUEL_HISTORIAN_QUEUE)")
	fs.DurationVar(&c.TokenExpiry, "token-expiry", 72*time.Hour, "session token lifetime, 0 for none (env: QUIZDUEL_TOKEN_EXPIRY)")
	fs.StringVar(&c.JWTPrivateKey, "jwt-private-key", "", "path to raw ed25519 private key; empty generates one (env: QUIZDUEL_JWT_PRIVATE_KEY)")
	fs.StringVar(&c.JWTPublicKey, "jwt-public-key", "", "path to raw ed25519 public key (env: QUIZDUEL_JWT_PUBLIC_KEY)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "logrus level (env: QUIZDUEL_LOG_LEVEL)")
}

// HistorianConfig configures the event drainer.
type HistorianConfig struct {
	DatabaseURL string
	RedisAddr   string
	RedisDB     int
	Queue       string
	BatchSize   int
	FlushDelay  time.Duration
	LogLevel    string
}

func (c *HistorianConfig) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("--database-url is required")
	}
	if c.RedisAddr == "" {
		return errors.New("--redis-addr is required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *HistorianConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DatabaseURL, "database-url", "", "postgres connection string (env: QUIZDUEL_DATABASE_URL)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "localhost:6379", "redis address (env: QUIZDUEL_REDIS_ADDR)")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database index (env: QUIZDUEL_REDIS_DB)")
	fs.StringVar(&c.Queue, "historian-queue", "quizduel_events", "redis list to drain (env: QUIZDUEL_HISTORIAN_QUEUE)")
	fs.IntVar(&c.BatchSize, "batch-size", 20, "events per insert batch (env: QUIZDUEL_BATCH_SIZE)")
	fs.DurationVar(&c.FlushDelay, "flush-delay", 500*time.Millisecond, "max time an event waits in a partial batch (env: QUIZDUEL_FLUSH_DELAY)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "logrus level (env: QUIZDUEL_LOG_LEVEL)")
}

// BindEnv lets environment variables fill any flag not set on the command line.
// Call it after all flags are registered and before the command runs.
func BindEnv(fs *pflag.FlagSet) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

// NewLogger builds the process logger at the given level.
func NewLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger, nil
}
