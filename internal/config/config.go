// Package config loads the enumerated options the core consumes (§6) using
// github.com/spf13/viper for layered env/file binding. github.com/joho/godotenv
// loads a local .env file before viper reads the environment, the same
// bootstrap order cmd/controller/main.go follows before connecting to any
// other dependency.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ChoiceLimits bounds poll choice count and per-choice description length.
type ChoiceLimits struct {
	Min     int
	Max     int
	DescMin int
	DescMax int
}

// DurationLimits bounds a duration-valued input (poll duration, timer
// duration) to a [Min, Max] window.
type DurationLimits struct {
	Min time.Duration
	Max time.Duration
}

// Tariff carries the opaque policy values a room's tariff may set.
type Tariff struct {
	ParticipantLimit int           // 0 means unlimited
	TimeLimit        time.Duration // 0 means unlimited
}

// Config is the fully-resolved, immutable configuration for one controller
// process. It is parsed once at startup; nothing in the hot path re-reads
// viper.
type Config struct {
	WaitingRoomDefaultEnabled bool
	RaiseHandsDefaultEnabled  bool
	ChatDefaultEnabled        bool

	ChatMaxMessageSize int

	PollChoiceLimits   ChoiceLimits
	PollDurationLimits DurationLimits

	TimerDurationLimits DurationLimits

	ModulesEnabled map[string]bool

	// DefaultTariff seeds a room's tariff when the external room-config
	// resolver (internal/roomconfig) has no override for it.
	DefaultTariff Tariff

	RedisURL   string
	PostgresDSN string

	EtherpadBaseURL string
	EtherpadAPIKey  string

	WhiteboardBaseURL string
	WhiteboardAPIKey  string

	ObjectStoreBaseURL   string
	ObjectStoreSigningKey string

	BrokerRedisURL string

	HTTPListenAddr string

	RoomLockLease time.Duration
}

// defaults mirrors the §6 "Configuration" defaults, applied before any
// env/file override is read.
func defaults() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("waiting_room.default_enabled", false)
	v.SetDefault("raise_hands.default_enabled", true)
	v.SetDefault("chat.default_enabled", true)
	v.SetDefault("chat.max_message_size", 4096)

	v.SetDefault("poll.choice_limits.min", 2)
	v.SetDefault("poll.choice_limits.max", 64)
	v.SetDefault("poll.choice_limits.desc_min", 2)
	v.SetDefault("poll.choice_limits.desc_max", 100)
	v.SetDefault("poll.duration_limits.min", "2s")
	v.SetDefault("poll.duration_limits.max", "1h")

	v.SetDefault("timer.durations.min", "0s")
	v.SetDefault("timer.durations.max", "24h")

	v.SetDefault("modules.enabled", []string{
		"control", "moderation", "chat", "poll", "timer", "protocol", "whiteboard", "recording",
	})

	v.SetDefault("tariffs.participant_limit", 0)
	v.SetDefault("tariffs.time_limit", "0s")

	v.SetDefault("http.listen_addr", ":8090")
	v.SetDefault("room.lock_lease", "10s")

	return v
}

// Load resolves Config from environment variables (and, if CONFIG_FILE
// names one, a file viper can parse), applying the §6 defaults first.
func Load() (*Config, error) {
	v := defaults()
	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	pollDurMin, err := time.ParseDuration(v.GetString("poll.duration_limits.min"))
	if err != nil {
		return nil, fmt.Errorf("config: poll.duration_limits.min: %w", err)
	}
	pollDurMax, err := time.ParseDuration(v.GetString("poll.duration_limits.max"))
	if err != nil {
		return nil, fmt.Errorf("config: poll.duration_limits.max: %w", err)
	}
	timerMin, err := time.ParseDuration(v.GetString("timer.durations.min"))
	if err != nil {
		return nil, fmt.Errorf("config: timer.durations.min: %w", err)
	}
	timerMax, err := time.ParseDuration(v.GetString("timer.durations.max"))
	if err != nil {
		return nil, fmt.Errorf("config: timer.durations.max: %w", err)
	}
	timeLimit, err := time.ParseDuration(v.GetString("tariffs.time_limit"))
	if err != nil {
		return nil, fmt.Errorf("config: tariffs.time_limit: %w", err)
	}
	lockLease, err := time.ParseDuration(v.GetString("room.lock_lease"))
	if err != nil {
		return nil, fmt.Errorf("config: room.lock_lease: %w", err)
	}

	enabled := make(map[string]bool)
	for _, name := range v.GetStringSlice("modules.enabled") {
		enabled[name] = true
	}
	if !enabled["control"] {
		return nil, fmt.Errorf("config: modules.enabled must include %q", "control")
	}

	return &Config{
		WaitingRoomDefaultEnabled: v.GetBool("waiting_room.default_enabled"),
		RaiseHandsDefaultEnabled:  v.GetBool("raise_hands.default_enabled"),
		ChatDefaultEnabled:        v.GetBool("chat.default_enabled"),
		ChatMaxMessageSize:        v.GetInt("chat.max_message_size"),
		PollChoiceLimits: ChoiceLimits{
			Min:     v.GetInt("poll.choice_limits.min"),
			Max:     v.GetInt("poll.choice_limits.max"),
			DescMin: v.GetInt("poll.choice_limits.desc_min"),
			DescMax: v.GetInt("poll.choice_limits.desc_max"),
		},
		PollDurationLimits:  DurationLimits{Min: pollDurMin, Max: pollDurMax},
		TimerDurationLimits: DurationLimits{Min: timerMin, Max: timerMax},
		ModulesEnabled:      enabled,
		DefaultTariff: Tariff{
			ParticipantLimit: v.GetInt("tariffs.participant_limit"),
			TimeLimit:        timeLimit,
		},

		RedisURL:    v.GetString("redis.url"),
		PostgresDSN: v.GetString("postgres.dsn"),

		EtherpadBaseURL: v.GetString("etherpad.base_url"),
		EtherpadAPIKey:  v.GetString("etherpad.api_key"),

		WhiteboardBaseURL: v.GetString("whiteboard.base_url"),
		WhiteboardAPIKey:  v.GetString("whiteboard.api_key"),

		ObjectStoreBaseURL:    v.GetString("objectstore.base_url"),
		ObjectStoreSigningKey: v.GetString("objectstore.signing_key"),

		BrokerRedisURL: v.GetString("broker.redis_url"),

		HTTPListenAddr: v.GetString("http.listen_addr"),
		RoomLockLease:  lockLease,
	}, nil
}
