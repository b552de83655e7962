package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`

	// TraceExporter is none, stdout or otlp. A non-empty OTLPEndpoint implies otlp.
	TraceExporter    string  `yaml:"trace_exporter"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Store       StoreConfig      `yaml:"store"`
	Discord     DiscordConfig    `yaml:"discord"`
	Voice       VoiceConfig      `yaml:"voice"`
	TTS         TTSConfig        `yaml:"tts"`
	Filter      FilterConfig     `yaml:"filter"`
	Sessions    SessionsConfig   `yaml:"sessions"`
	Router      RouterConfig     `yaml:"router"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxGuilds     int    `yaml:"max_guilds"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// StoreConfig selects the guild configuration backend.
type StoreConfig struct {
	Driver        string `yaml:"driver"` // memory, sqlite, redis
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

type DiscordConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Token          string `yaml:"token"`
	EncoderCommand string `yaml:"encoder_command"`
	CommandTimeout int    `yaml:"command_timeout_ms"`
}

type VoiceConfig struct {
	Mode          string `yaml:"mode"` // mock, discord
	MockPlayMS    int    `yaml:"mock_play_ms"`
	MockConnectMS int    `yaml:"mock_connect_ms"`
}

type TTSConfig struct {
	Mode              string  `yaml:"mode"` // engine, exec, mock
	Endpoint          string  `yaml:"endpoint"`
	Command           string  `yaml:"command"`
	TimeoutMS         int     `yaml:"timeout_ms"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MockDelayMS       int     `yaml:"mock_delay_ms"`
}

type FilterConfig struct {
	MaxLength int    `yaml:"max_length"`
	Ellipsis  string `yaml:"ellipsis"`
}

type SessionsConfig struct {
	IdleTimeoutMS    int            `yaml:"idle_timeout_ms"`
	SweepIntervalMS  int            `yaml:"sweep_interval_ms"`
	ConnectTimeoutMS int            `yaml:"connect_timeout_ms"`
	SynthTimeoutMS   int            `yaml:"synth_timeout_ms"`
	Announce         AnnounceConfig `yaml:"announce"`
}

// AnnounceConfig holds the spoken system messages. Member messages take the
// member's display name as their only format argument.
type AnnounceConfig struct {
	Connected     string `yaml:"connected"`
	AutoConnected string `yaml:"auto_connected"`
	MemberJoined  string `yaml:"member_joined"`
	MemberLeft    string `yaml:"member_left"`
}

type RouterConfig struct {
	Enabled          bool `yaml:"enabled"`
	CommandTimeoutMS int  `yaml:"command_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-yomiage",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceExporter:    "none",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/yomiage-events.db",
			RetentionMode: "session",
			RetentionDays: 14,
			MaxGuilds:     10000,
		},
		Store: StoreConfig{
			Driver:      "sqlite",
			Path:        "./data/yomiage-guilds.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "yomiage",
		},
		Discord: DiscordConfig{
			Enabled:        false,
			EncoderCommand: "ffmpeg -hide_banner -loglevel error -i pipe:0 -c:a libopus -b:a 64k -ar 48000 -ac 2 -page_duration 20000 -f ogg pipe:1",
			CommandTimeout: 10000,
		},
		Voice: VoiceConfig{
			Mode:          "mock",
			MockPlayMS:    1500,
			MockConnectMS: 200,
		},
		TTS: TTSConfig{
			Mode:              "mock",
			Endpoint:          "http://localhost:10101",
			TimeoutMS:         30000,
			RequestsPerSecond: 10,
			Burst:             4,
			MockDelayMS:       100,
		},
		Filter: FilterConfig{
			MaxLength: 200,
			Ellipsis:  "...",
		},
		Sessions: SessionsConfig{
			IdleTimeoutMS:    10 * 60 * 1000,
			SweepIntervalMS:  60 * 1000,
			ConnectTimeoutMS: 15000,
			SynthTimeoutMS:   45000,
			Announce: AnnounceConfig{
				Connected:     "接続しました。",
				AutoConnected: "自動接続しました。",
				MemberJoined:  "%s さんが入室しました。",
				MemberLeft:    "%s さんが退室しました。",
			},
		},
		Router: RouterConfig{
			Enabled:          true,
			CommandTimeoutMS: 10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "YOMIAGE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "YOMIAGE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "YOMIAGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "YOMIAGE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "YOMIAGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "YOMIAGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "YOMIAGE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "YOMIAGE_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.TraceExporter, "YOMIAGE_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "YOMIAGE_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Embedded, "YOMIAGE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "YOMIAGE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "YOMIAGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "YOMIAGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "YOMIAGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "YOMIAGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "YOMIAGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "YOMIAGE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "YOMIAGE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "YOMIAGE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "YOMIAGE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxGuilds, "YOMIAGE_EVENT_STORE_MAX_GUILDS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "YOMIAGE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Store.Driver, "YOMIAGE_STORE_DRIVER")
	overrideString(&cfg.Store.Path, "YOMIAGE_STORE_PATH")
	overrideString(&cfg.Store.RedisAddr, "YOMIAGE_STORE_REDIS_ADDR")
	overrideString(&cfg.Store.RedisPassword, "YOMIAGE_STORE_REDIS_PASSWORD")
	overrideInt(&cfg.Store.RedisDB, "YOMIAGE_STORE_REDIS_DB")
	overrideString(&cfg.Store.RedisPrefix, "YOMIAGE_STORE_REDIS_PREFIX")
	overrideBool(&cfg.Discord.Enabled, "YOMIAGE_DISCORD_ENABLED")
	overrideString(&cfg.Discord.Token, "YOMIAGE_DISCORD_TOKEN")
	overrideString(&cfg.Discord.EncoderCommand, "YOMIAGE_DISCORD_ENCODER_COMMAND")
	overrideInt(&cfg.Discord.CommandTimeout, "YOMIAGE_DISCORD_COMMAND_TIMEOUT_MS")
	overrideString(&cfg.Voice.Mode, "YOMIAGE_VOICE_MODE")
	overrideInt(&cfg.Voice.MockPlayMS, "YOMIAGE_VOICE_MOCK_PLAY_MS")
	overrideInt(&cfg.Voice.MockConnectMS, "YOMIAGE_VOICE_MOCK_CONNECT_MS")
	overrideString(&cfg.TTS.Mode, "YOMIAGE_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "YOMIAGE_TTS_ENDPOINT")
	overrideString(&cfg.TTS.Command, "YOMIAGE_TTS_COMMAND")
	overrideInt(&cfg.TTS.TimeoutMS, "YOMIAGE_TTS_TIMEOUT_MS")
	overrideFloat(&cfg.TTS.RequestsPerSecond, "YOMIAGE_TTS_REQUESTS_PER_SECOND")
	overrideInt(&cfg.TTS.Burst, "YOMIAGE_TTS_BURST")
	overrideInt(&cfg.TTS.MockDelayMS, "YOMIAGE_TTS_MOCK_DELAY_MS")
	overrideInt(&cfg.Filter.MaxLength, "YOMIAGE_FILTER_MAX_LENGTH")
	overrideString(&cfg.Filter.Ellipsis, "YOMIAGE_FILTER_ELLIPSIS")
	overrideInt(&cfg.Sessions.IdleTimeoutMS, "YOMIAGE_SESSIONS_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Sessions.SweepIntervalMS, "YOMIAGE_SESSIONS_SWEEP_INTERVAL_MS")
	overrideInt(&cfg.Sessions.ConnectTimeoutMS, "YOMIAGE_SESSIONS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Sessions.SynthTimeoutMS, "YOMIAGE_SESSIONS_SYNTH_TIMEOUT_MS")
	overrideBool(&cfg.Router.Enabled, "YOMIAGE_ROUTER_ENABLED")
	overrideInt(&cfg.Router.CommandTimeoutMS, "YOMIAGE_ROUTER_COMMAND_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "none", "stdout", "otlp":
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be within [0,1]")
	}
	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			return errors.New("store.path must be set when driver=sqlite")
		}
	case "redis":
		if cfg.Store.RedisAddr == "" {
			return errors.New("store.redis_addr must be set when driver=redis")
		}
	default:
		return errors.New("store.driver must be one of memory|sqlite|redis")
	}
	switch cfg.Voice.Mode {
	case "mock":
	case "discord":
		if !cfg.Discord.Enabled {
			return errors.New("discord.enabled must be true when voice.mode=discord")
		}
	default:
		return errors.New("voice.mode must be one of mock|discord")
	}
	if cfg.Discord.Enabled {
		if cfg.Discord.Token == "" {
			return errors.New("discord.token must be set when discord is enabled")
		}
		if cfg.Discord.EncoderCommand == "" {
			return errors.New("discord.encoder_command must not be empty")
		}
	}
	switch cfg.TTS.Mode {
	case "mock":
	case "engine":
		if cfg.TTS.Endpoint == "" {
			return errors.New("tts.endpoint must be set when mode=engine")
		}
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	default:
		return errors.New("tts.mode must be one of mock|engine|exec")
	}
	if cfg.TTS.TimeoutMS <= 0 {
		return errors.New("tts.timeout_ms must be positive")
	}
	if cfg.TTS.RequestsPerSecond < 0 {
		return errors.New("tts.requests_per_second must be >= 0")
	}
	if cfg.Filter.MaxLength <= 0 {
		return errors.New("filter.max_length must be positive")
	}
	if cfg.Sessions.IdleTimeoutMS <= 0 {
		return errors.New("sessions.idle_timeout_ms must be positive")
	}
	if cfg.Sessions.SweepIntervalMS <= 0 {
		return errors.New("sessions.sweep_interval_ms must be positive")
	}
	if cfg.Sessions.ConnectTimeoutMS <= 0 || cfg.Sessions.SynthTimeoutMS <= 0 {
		return errors.New("sessions.connect_timeout_ms and sessions.synth_timeout_ms must be positive")
	}
	if cfg.Router.Enabled && cfg.Router.CommandTimeoutMS <= 0 {
		return errors.New("router.command_timeout_ms must be positive")
	}
	return nil
}
