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
	LogLevel         string `yaml:"log_level"`
	TraceExporter    string `yaml:"trace_exporter"`
	OTLPEndpoint     string `yaml:"otlp_endpoint"`
	OTLPInsecure     bool   `yaml:"otlp_insecure"`
	DebugLogCapacity int    `yaml:"debug_log_capacity"`
}

type HTTPConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Chat        ChatConfig       `yaml:"chat"`
	Speech      SpeechConfig     `yaml:"speech"`
	Retry       RetryConfig      `yaml:"retry"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Generator   GeneratorConfig  `yaml:"generator"`
	Channels    ChannelsConfig   `yaml:"channels"`
	Monitor     MonitorConfig    `yaml:"monitor"`
	Station     StationConfig    `yaml:"station"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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
	MaxSegments   int    `yaml:"max_segments"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ChatConfig holds the chat-completion endpoint and request knobs.
type ChatConfig struct {
	Endpoint           string  `yaml:"endpoint"`
	APIKey             string  `yaml:"api_key"`
	Model              string  `yaml:"model"`
	Temperature        float64 `yaml:"temperature"`
	MaxTokens          int     `yaml:"max_tokens"`
	TimeoutMS          int     `yaml:"timeout_ms"`
	DegradedTimeoutMS  int     `yaml:"degraded_timeout_ms"`
	SecondaryTimeoutMS int     `yaml:"secondary_timeout_ms"`
}

type SpeechConfig struct {
	URL               string `yaml:"url"`
	VoicesURL         string `yaml:"voices_url"`
	TimeoutMS         int    `yaml:"timeout_ms"`
	LongTextThreshold int    `yaml:"long_text_threshold"`
	MaxChunkSize      int    `yaml:"max_chunk_size"`
	Rate              int    `yaml:"rate"`
	Pitch             int    `yaml:"pitch"`
	LocalCommand      string `yaml:"local_command"`
}

type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
}

type PlaybackConfig struct {
	Command string  `yaml:"command"`
	GapMS   int     `yaml:"gap_ms"`
	Volume  float64 `yaml:"volume"`
	TempDir string  `yaml:"temp_dir"`
}

type GeneratorConfig struct {
	PreemptProbability float64 `yaml:"preempt_probability"`
	TopicAttempts      int     `yaml:"topic_attempts"`
	TopicRetryDelayMS  int     `yaml:"topic_retry_delay_ms"`
	HistoryLimit       int     `yaml:"history_limit"`
}

// ChannelsConfig selects the channel catalog. An empty path uses the
// built-in channels.
type ChannelsConfig struct {
	Path    string `yaml:"path"`
	Default string `yaml:"default"`
}

type MonitorConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	IntervalMS int    `yaml:"interval_ms"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type StationConfig struct {
	Autostart bool `yaml:"autostart"`
}

func Default() Config {
	return Config{
		RuntimeName: "aibc",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			TraceExporter:    "none",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			DebugLogCapacity: 20,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/aibc-history.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxSegments:   10000,
		},
		Chat: ChatConfig{
			Model:              "gpt-3.5-turbo",
			Temperature:        0.7,
			MaxTokens:          1000,
			TimeoutMS:          60000,
			DegradedTimeoutMS:  30000,
			SecondaryTimeoutMS: 30000,
		},
		Speech: SpeechConfig{
			URL:               "https://tts.ciallo.de/api/tts",
			VoicesURL:         "https://tts.ciallo.de/api/voices",
			TimeoutMS:         30000,
			LongTextThreshold: 300,
			MaxChunkSize:      500,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMS: 1000,
		},
		Playback: PlaybackConfig{
			Command: "ffplay -nodisp -autoexit -loglevel quiet -volume {volume} {file}",
			GapMS:   500,
			Volume:  1,
		},
		Generator: GeneratorConfig{
			PreemptProbability: 0.5,
			TopicAttempts:      2,
			TopicRetryDelayMS:  1000,
			HistoryLimit:       200,
		},
		Monitor: MonitorConfig{
			Enabled:    true,
			URL:        "https://www.google.com/favicon.ico",
			IntervalMS: 30000,
			TimeoutMS:  5000,
		},
		Station: StationConfig{
			Autostart: true,
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
	overrideString(&cfg.RuntimeName, "AIBC_RUNTIME_NAME")
	overrideString(&cfg.Environment, "AIBC_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "AIBC_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "AIBC_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "AIBC_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "AIBC_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "AIBC_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "AIBC_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "AIBC_TELEMETRY_OTLP_INSECURE")
	overrideInt(&cfg.Telemetry.DebugLogCapacity, "AIBC_TELEMETRY_DEBUG_LOG_CAPACITY")
	overrideBool(&cfg.Bus.Enabled, "AIBC_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "AIBC_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "AIBC_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "AIBC_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "AIBC_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "AIBC_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "AIBC_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "AIBC_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "AIBC_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "AIBC_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "AIBC_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "AIBC_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSegments, "AIBC_EVENT_STORE_MAX_SEGMENTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "AIBC_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Chat.Endpoint, "AIBC_CHAT_ENDPOINT")
	overrideString(&cfg.Chat.APIKey, "AIBC_CHAT_API_KEY")
	overrideString(&cfg.Chat.Model, "AIBC_CHAT_MODEL")
	overrideFloat(&cfg.Chat.Temperature, "AIBC_CHAT_TEMPERATURE")
	overrideInt(&cfg.Chat.MaxTokens, "AIBC_CHAT_MAX_TOKENS")
	overrideInt(&cfg.Chat.TimeoutMS, "AIBC_CHAT_TIMEOUT_MS")
	overrideInt(&cfg.Chat.DegradedTimeoutMS, "AIBC_CHAT_DEGRADED_TIMEOUT_MS")
	overrideInt(&cfg.Chat.SecondaryTimeoutMS, "AIBC_CHAT_SECONDARY_TIMEOUT_MS")
	overrideString(&cfg.Speech.URL, "AIBC_SPEECH_URL")
	overrideString(&cfg.Speech.VoicesURL, "AIBC_SPEECH_VOICES_URL")
	overrideInt(&cfg.Speech.TimeoutMS, "AIBC_SPEECH_TIMEOUT_MS")
	overrideInt(&cfg.Speech.LongTextThreshold, "AIBC_SPEECH_LONG_TEXT_THRESHOLD")
	overrideInt(&cfg.Speech.MaxChunkSize, "AIBC_SPEECH_MAX_CHUNK_SIZE")
	overrideInt(&cfg.Speech.Rate, "AIBC_SPEECH_RATE")
	overrideInt(&cfg.Speech.Pitch, "AIBC_SPEECH_PITCH")
	overrideString(&cfg.Speech.LocalCommand, "AIBC_SPEECH_LOCAL_COMMAND")
	overrideInt(&cfg.Retry.MaxAttempts, "AIBC_RETRY_MAX_ATTEMPTS")
	overrideInt(&cfg.Retry.BaseDelayMS, "AIBC_RETRY_BASE_DELAY_MS")
	overrideString(&cfg.Playback.Command, "AIBC_PLAYBACK_COMMAND")
	overrideInt(&cfg.Playback.GapMS, "AIBC_PLAYBACK_GAP_MS")
	overrideFloat(&cfg.Playback.Volume, "AIBC_PLAYBACK_VOLUME")
	overrideString(&cfg.Playback.TempDir, "AIBC_PLAYBACK_TEMP_DIR")
	overrideFloat(&cfg.Generator.PreemptProbability, "AIBC_GENERATOR_PREEMPT_PROBABILITY")
	overrideInt(&cfg.Generator.TopicAttempts, "AIBC_GENERATOR_TOPIC_ATTEMPTS")
	overrideInt(&cfg.Generator.TopicRetryDelayMS, "AIBC_GENERATOR_TOPIC_RETRY_DELAY_MS")
	overrideInt(&cfg.Generator.HistoryLimit, "AIBC_GENERATOR_HISTORY_LIMIT")
	overrideString(&cfg.Channels.Path, "AIBC_CHANNELS_PATH")
	overrideString(&cfg.Channels.Default, "AIBC_CHANNELS_DEFAULT")
	overrideBool(&cfg.Monitor.Enabled, "AIBC_MONITOR_ENABLED")
	overrideString(&cfg.Monitor.URL, "AIBC_MONITOR_URL")
	overrideInt(&cfg.Monitor.IntervalMS, "AIBC_MONITOR_INTERVAL_MS")
	overrideInt(&cfg.Monitor.TimeoutMS, "AIBC_MONITOR_TIMEOUT_MS")
	overrideBool(&cfg.Station.Autostart, "AIBC_STATION_AUTOSTART")
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

// validate checks structural settings only. Missing chat credentials are
// allowed: the station reports them when a broadcast is started.
func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint is required for the otlp trace exporter")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.DebugLogCapacity <= 0 {
		return errors.New("telemetry.debug_log_capacity must be positive")
	}
	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		return errors.New("chat.temperature must be between 0 and 2")
	}
	if cfg.Chat.MaxTokens < 0 {
		return errors.New("chat.max_tokens must be >= 0")
	}
	if cfg.Chat.TimeoutMS <= 0 || cfg.Chat.DegradedTimeoutMS <= 0 || cfg.Chat.SecondaryTimeoutMS <= 0 {
		return errors.New("chat timeouts must be positive")
	}
	if cfg.Speech.URL == "" {
		return errors.New("speech.url must not be empty")
	}
	if cfg.Speech.TimeoutMS <= 0 {
		return errors.New("speech.timeout_ms must be positive")
	}
	if cfg.Speech.LongTextThreshold <= 0 || cfg.Speech.MaxChunkSize <= 0 {
		return errors.New("speech.long_text_threshold and speech.max_chunk_size must be positive")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	if cfg.Retry.BaseDelayMS < 0 {
		return errors.New("retry.base_delay_ms must be >= 0")
	}
	if cfg.Playback.Command == "" {
		return errors.New("playback.command must not be empty")
	}
	if cfg.Playback.GapMS < 0 {
		return errors.New("playback.gap_ms must be >= 0")
	}
	if cfg.Playback.Volume < 0 || cfg.Playback.Volume > 1 {
		return errors.New("playback.volume must be between 0 and 1")
	}
	if cfg.Generator.PreemptProbability < 0 || cfg.Generator.PreemptProbability > 1 {
		return errors.New("generator.preempt_probability must be between 0 and 1")
	}
	if cfg.Generator.TopicAttempts < 1 {
		return errors.New("generator.topic_attempts must be >= 1")
	}
	if cfg.Generator.HistoryLimit < 1 {
		return errors.New("generator.history_limit must be >= 1")
	}
	if cfg.Monitor.Enabled {
		if cfg.Monitor.URL == "" {
			return errors.New("monitor.url must be set when the monitor is enabled")
		}
		if cfg.Monitor.IntervalMS <= 0 || cfg.Monitor.TimeoutMS <= 0 {
			return errors.New("monitor.interval_ms and monitor.timeout_ms must be positive")
		}
	}
	return nil
}
