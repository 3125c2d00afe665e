package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// RunModeWebhook receives updates through the shared HTTP server.
	RunModeWebhook = "webhook"
	// RunModeLongpoll polls Telegram directly; used for local runs.
	RunModeLongpoll = "longpoll"
)

const (
	// StoreFile keeps config records as JSON files on disk.
	StoreFile = "file"
	// StoreSQLite keeps config records in an embedded SQLite database.
	StoreSQLite = "sqlite"
	// StorePostgres keeps config records in PostgreSQL.
	StorePostgres = "postgres"
	// StoreRedis keeps config records in Redis.
	StoreRedis = "redis"
)

// Bot names used in webhook paths and store record names.
const (
	BotCalls     = "calls"
	BotFlashcall = "flashcall"
	BotStats     = "stats"
)

// HTTPConfig controls the shared HTTP server.
type HTTPConfig struct {
	Listen          string        `yaml:"listen" envconfig:"HTTP_LISTEN"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"HTTP_REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"HTTP_SHUTDOWN_TIMEOUT"`
}

// WebhookConfig specifies how bots register their webhook URLs.
type WebhookConfig struct {
	PublicURL   string `yaml:"public_url" envconfig:"WEBHOOK_PUBLIC_URL"`
	DropPending bool   `yaml:"drop_pending" envconfig:"WEBHOOK_DROP_PENDING"`
	// Secret is sent by Telegram in X-Telegram-Bot-Api-Secret-Token; empty disables the check.
	Secret string `yaml:"secret" envconfig:"WEBHOOK_SECRET"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format      string `yaml:"format" envconfig:"LOG_FORMAT"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Dir         string `yaml:"dir" envconfig:"LOG_DIR"`
	File        string `yaml:"file" envconfig:"LOG_FILE"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile" envconfig:"LOG_PROFILE"`
}

// DispatcherConfig tunes the outbound message queue of every bot.
type DispatcherConfig struct {
	Parallelism int           `yaml:"parallelism" envconfig:"DISPATCHER_PARALLELISM"`
	Interval    time.Duration `yaml:"interval" envconfig:"DISPATCHER_INTERVAL"`
	SendTimeout time.Duration `yaml:"send_timeout" envconfig:"DISPATCHER_SEND_TIMEOUT"`
}

// ScheduleConfig holds the scheduler time zone.
type ScheduleConfig struct {
	Timezone string `yaml:"timezone" envconfig:"SCHEDULE_TIMEZONE"`
}

// StoreConfig selects the config-store backend.
type StoreConfig struct {
	Backend string `yaml:"backend" envconfig:"STORE_BACKEND"`
	Dir     string `yaml:"dir" envconfig:"STORE_DIR"`
	// SQLitePath is used by the sqlite backend.
	SQLitePath string `yaml:"sqlite_path" envconfig:"STORE_SQLITE_PATH"`
}

// DatabaseConfig holds PostgreSQL connection settings for the postgres store backend.
type DatabaseConfig struct {
	Host           string `yaml:"host" envconfig:"DB_HOST"`
	Port           string `yaml:"port" envconfig:"DB_PORT"`
	User           string `yaml:"user" envconfig:"DB_USER"`
	Password       string `yaml:"password" envconfig:"DB_PASSWORD"`
	Name           string `yaml:"name" envconfig:"DB_NAME"`
	SSLMode        string `yaml:"sslmode" envconfig:"DB_SSLMODE"`
	MaxConnections int    `yaml:"max_connections" envconfig:"DB_MAX_CONNECTIONS"`
}

// RedisConfig holds connection settings for the redis store backend and run locks.
type RedisConfig struct {
	Addr     string `yaml:"addr" envconfig:"REDIS_ADDR"`
	Password string `yaml:"password" envconfig:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" envconfig:"REDIS_DB"`
	Prefix   string `yaml:"prefix" envconfig:"REDIS_PREFIX"`
}

// CDRConfig points to the telephony vendor export.
type CDRConfig struct {
	BaseURL   string        `yaml:"base_url" envconfig:"CDR_BASE_URL"`
	Key       string        `yaml:"key" envconfig:"CDR_KEY"`
	Secret    string        `yaml:"secret" envconfig:"CDR_SECRET"`
	Timeout   time.Duration `yaml:"timeout" envconfig:"CDR_TIMEOUT"`
	CachePath string        `yaml:"cache_path" envconfig:"CDR_CACHE_PATH"`
	// CacheKeepDays is how long closed intervals stay in the cache.
	CacheKeepDays int `yaml:"cache_keep_days" envconfig:"CDR_CACHE_KEEP_DAYS"`
	// StatsURL serves the operator sales export used by the stats bot.
	StatsURL     string `yaml:"stats_url" envconfig:"CDR_STATS_URL"`
	StatsSession string `yaml:"stats_session" envconfig:"CDR_STATS_SESSION"`
}

// BotConfig holds per-bot settings. Environment keys follow the
// BOTS_<NAME>_<FIELD> pattern, e.g. BOTS_CALLS_TOKEN.
type BotConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Token     string  `yaml:"token"`
	Admins    []int64 `yaml:"admins"`
	ErrorChat int64   `yaml:"error_chat" split_words:"true"`
	DataDir   string  `yaml:"data_dir" split_words:"true"`
}

// BotsConfig groups the three bots hosted by the process.
type BotsConfig struct {
	Calls     BotConfig `yaml:"calls"`
	Flashcall BotConfig `yaml:"flashcall"`
	Stats     BotConfig `yaml:"stats"`
}

// Config aggregates the whole application configuration.
type Config struct {
	RunMode string `yaml:"run_mode" envconfig:"RUN_MODE"`
	// LongPollTimeout is used only in longpoll mode.
	LongPollTimeout time.Duration `yaml:"longpoll_timeout" envconfig:"LONGPOLL_TIMEOUT"`
	// TransportTimeout bounds every Telegram API call.
	TransportTimeout time.Duration `yaml:"transport_timeout" envconfig:"TRANSPORT_TIMEOUT"`

	HTTP       HTTPConfig       `yaml:"http"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Logging    LoggingConfig    `yaml:"logging"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Store      StoreConfig      `yaml:"store"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	CDR        CDRConfig        `yaml:"cdr"`
	Bots       BotsConfig       `yaml:"bots"`
}

// Load reads configuration from a YAML file and environment variables.
// A missing file is not an error: the environment alone may carry the config.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates required fields and fills defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	rm := strings.ToLower(strings.TrimSpace(cfg.RunMode))
	switch rm {
	case "":
		rm = RunModeWebhook
	case "polling":
		rm = RunModeLongpoll
	}
	switch rm {
	case RunModeWebhook:
		if strings.TrimSpace(cfg.Webhook.PublicURL) == "" {
			return fmt.Errorf("webhook.public_url is required when run_mode is 'webhook'")
		}
		cfg.Webhook.PublicURL = strings.TrimRight(strings.TrimSpace(cfg.Webhook.PublicURL), "/")
	case RunModeLongpoll:
		if cfg.LongPollTimeout < 0 {
			return fmt.Errorf("longpoll_timeout must be >= 0")
		}
		if cfg.LongPollTimeout == 0 {
			cfg.LongPollTimeout = 10 * time.Second
		}
	default:
		return fmt.Errorf("invalid run_mode %q; allowed: webhook, longpoll", cfg.RunMode)
	}
	cfg.RunMode = rm

	if cfg.TransportTimeout <= 0 {
		cfg.TransportTimeout = 15 * time.Second
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = ":8080"
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 60 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout <= 0 {
		cfg.HTTP.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Dispatcher.Parallelism <= 0 {
		cfg.Dispatcher.Parallelism = 15
	}
	if cfg.Dispatcher.Interval <= 0 {
		cfg.Dispatcher.Interval = time.Second
	}
	if cfg.Dispatcher.SendTimeout <= 0 {
		cfg.Dispatcher.SendTimeout = 10 * time.Second
	}

	if strings.TrimSpace(cfg.Schedule.Timezone) == "" {
		cfg.Schedule.Timezone = "Europe/Kyiv"
	}
	if _, err := time.LoadLocation(cfg.Schedule.Timezone); err != nil {
		return fmt.Errorf("invalid schedule.timezone %q: %w", cfg.Schedule.Timezone, err)
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if backend == "" {
		backend = StoreFile
	}
	switch backend {
	case StoreFile:
		if strings.TrimSpace(cfg.Store.Dir) == "" {
			cfg.Store.Dir = "data/config"
		}
	case StoreSQLite:
		if strings.TrimSpace(cfg.Store.SQLitePath) == "" {
			cfg.Store.SQLitePath = "data/config.db"
		}
	case StorePostgres:
		if cfg.Database.Host == "" || cfg.Database.Name == "" {
			return fmt.Errorf("database.host and database.name are required for the postgres store")
		}
		if cfg.Database.SSLMode == "" {
			cfg.Database.SSLMode = "disable"
		}
		if cfg.Database.MaxConnections <= 0 {
			cfg.Database.MaxConnections = 4
		}
	case StoreRedis:
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			return fmt.Errorf("redis.addr is required for the redis store")
		}
	default:
		return fmt.Errorf("invalid store.backend %q; allowed: file, sqlite, postgres, redis", cfg.Store.Backend)
	}
	cfg.Store.Backend = backend
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "callbots:"
	}

	if cfg.CDR.Timeout <= 0 {
		cfg.CDR.Timeout = 30 * time.Second
	}
	if cfg.CDR.CachePath == "" {
		cfg.CDR.CachePath = "data/cdr.db"
	}
	if cfg.CDR.CacheKeepDays <= 0 {
		cfg.CDR.CacheKeepDays = 14
	}

	enabled := 0
	for name, bot := range cfg.Bots.byName() {
		if !bot.Enabled {
			continue
		}
		enabled++
		if strings.TrimSpace(bot.Token) == "" {
			return fmt.Errorf("bots.%s.token is required when the bot is enabled", name)
		}
		if bot.DataDir == "" {
			bot.DataDir = "data/" + name
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no bots enabled")
	}
	return nil
}

// Location returns the scheduler time zone. Normalize has validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Bot returns the settings of the named bot.
func (c *Config) Bot(name string) (BotConfig, bool) {
	b, ok := c.Bots.byName()[name]
	if !ok {
		return BotConfig{}, false
	}
	return *b, true
}

func (b *BotsConfig) byName() map[string]*BotConfig {
	return map[string]*BotConfig{
		BotCalls:     &b.Calls,
		BotFlashcall: &b.Flashcall,
		BotStats:     &b.Stats,
	}
}

// IsAdmin reports whether the user id is in the bot admin list.
// An empty list grants nobody access.
func (b BotConfig) IsAdmin(userID int64) bool {
	for _, id := range b.Admins {
		if id == userID {
			return true
		}
	}
	return false
}
