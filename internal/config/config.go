package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Teleport    TeleportConfig    `yaml:"teleport"`
	Redis       RedisConfig       `yaml:"redis"`
	Economy     EconomyConfig     `yaml:"economy"`
	Presence    PresenceConfig    `yaml:"presence"`
	Events      EventsConfig      `yaml:"events"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Messages    MessagesConfig    `yaml:"messages"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
	// CallbackURL is the public base URL Cloud Tasks calls back on.
	CallbackURL string `yaml:"callback_url"`
}

type TeleportConfig struct {
	PendingTTLSeconds    int     `yaml:"pending_ttl_seconds"`
	SweepIntervalSeconds int     `yaml:"sweep_interval_seconds"`
	AllowSelf            bool    `yaml:"allow_self"`
	SafeMode             bool    `yaml:"safe_mode"`
	CurrencySymbol       string  `yaml:"currency_symbol"`
	Cost                 float64 `yaml:"cost"`
	WarmupSeconds        int     `yaml:"warmup_seconds"`
}

// PendingTTL returns the TTL as a duration.
func (t TeleportConfig) PendingTTL() time.Duration {
	return time.Duration(t.PendingTTLSeconds) * time.Second
}

func (t TeleportConfig) SweepInterval() time.Duration {
	return time.Duration(t.SweepIntervalSeconds) * time.Second
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type EconomyConfig struct {
	Backend         string  `yaml:"backend"` // memory, redis, postgres
	PostgresDSN     string  `yaml:"postgres_dsn"`
	KeyPrefix       string  `yaml:"key_prefix"`
	StartingBalance float64 `yaml:"starting_balance"`
}

type PresenceConfig struct {
	Backend       string   `yaml:"backend"` // memory, redis
	KeyPrefix     string   `yaml:"key_prefix"`
	BlockedWorlds []string `yaml:"blocked_worlds"`
	MinY          float64  `yaml:"min_y"`
	MaxY          float64  `yaml:"max_y"`
}

type EventsConfig struct {
	Backend   string `yaml:"backend"` // memory, pubsub
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type SchedulerConfig struct {
	Backend    string `yaml:"backend"` // timer, cloudtasks
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type PermissionsConfig struct {
	// OverrideActors may teleport to actors that opted out of requests.
	OverrideActors []string `yaml:"override_actors"`
}

type MessagesConfig struct {
	File string `yaml:"file"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Teleport: TeleportConfig{
			PendingTTLSeconds:    20,
			SweepIntervalSeconds: 5,
			SafeMode:             true,
			CurrencySymbol:       "$",
		},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Economy:   EconomyConfig{Backend: "memory"},
		Presence:  PresenceConfig{Backend: "memory", MinY: -64, MaxY: 320},
		Events:    EventsConfig{Backend: "memory", TopicID: "waypoint-notices"},
		Scheduler: SchedulerConfig{Backend: "timer", LocationID: "us-central1", QueueID: "waypoint-warmups"},
		RateLimit: RateLimitConfig{RequestsPerMinute: 30, Burst: 5},
	}
}

// LoadConfig decodes path over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from WAYPOINT_* variables. PORT is honoured
// for Cloud Run.
func (c *Config) ApplyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("PORT", &c.Server.Port)
	setString("WAYPOINT_PORT", &c.Server.Port)
	setString("WAYPOINT_ENV", &c.Server.Env)
	setString("WAYPOINT_CALLBACK_URL", &c.Server.CallbackURL)
	setInt("WAYPOINT_PENDING_TTL_SECONDS", &c.Teleport.PendingTTLSeconds)
	setString("WAYPOINT_REDIS_ADDR", &c.Redis.Addr)
	setString("WAYPOINT_REDIS_PASSWORD", &c.Redis.Password)
	setInt("WAYPOINT_REDIS_DB", &c.Redis.DB)
	setString("WAYPOINT_ECONOMY_BACKEND", &c.Economy.Backend)
	setString("WAYPOINT_POSTGRES_DSN", &c.Economy.PostgresDSN)
	setString("WAYPOINT_PRESENCE_BACKEND", &c.Presence.Backend)
	setString("WAYPOINT_EVENTS_BACKEND", &c.Events.Backend)
	setString("WAYPOINT_SCHEDULER_BACKEND", &c.Scheduler.Backend)
	setString("WAYPOINT_MESSAGES_FILE", &c.Messages.File)

	if p := os.Getenv("WAYPOINT_GCP_PROJECT"); p != "" {
		c.Events.ProjectID = p
		c.Scheduler.ProjectID = p
	}
}

// Validate rejects unknown backends and settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Teleport.PendingTTLSeconds <= 0 {
		return fmt.Errorf("teleport.pending_ttl_seconds must be positive, got %d", c.Teleport.PendingTTLSeconds)
	}
	if c.Teleport.Cost < 0 || c.Teleport.WarmupSeconds < 0 {
		return fmt.Errorf("teleport cost and warmup must not be negative")
	}
	if err := oneOf("economy.backend", c.Economy.Backend, "memory", "redis", "postgres"); err != nil {
		return err
	}
	if c.Economy.Backend == "postgres" && c.Economy.PostgresDSN == "" {
		return fmt.Errorf("economy.postgres_dsn is required for the postgres backend")
	}
	if err := oneOf("presence.backend", c.Presence.Backend, "memory", "redis"); err != nil {
		return err
	}
	if err := oneOf("events.backend", c.Events.Backend, "memory", "pubsub"); err != nil {
		return err
	}
	if c.Events.Backend == "pubsub" && c.Events.ProjectID == "" {
		return fmt.Errorf("events.project_id is required for the pubsub backend")
	}
	if err := oneOf("scheduler.backend", c.Scheduler.Backend, "timer", "cloudtasks"); err != nil {
		return err
	}
	if c.Scheduler.Backend == "cloudtasks" && (c.Scheduler.ProjectID == "" || c.Server.CallbackURL == "") {
		return fmt.Errorf("scheduler.project_id and server.callback_url are required for cloudtasks")
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unknown value %q (want one of %v)", field, value, allowed)
}
