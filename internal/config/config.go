package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jerroldneal/kokorod/internal/voice"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
	Playback    PlaybackConfig  `yaml:"playback"`
	Encoder     EncoderConfig   `yaml:"encoder"`
	Jobs        JobsConfig      `yaml:"jobs"`
	History     HistoryConfig   `yaml:"history"`
	Watcher     WatcherConfig   `yaml:"watcher"`
	Stdio       StdioConfig     `yaml:"stdio"`
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

type SynthesisConfig struct {
	Mode         string  `yaml:"mode"` // mock, exec
	Command      string  `yaml:"command"`
	DefaultVoice string  `yaml:"default_voice"`
	DefaultSpeed float64 `yaml:"default_speed"`
	SampleRate   int     `yaml:"sample_rate"`
	CacheSize    int     `yaml:"cache_size"` // cached segments, 0 disables
}

type PlaybackConfig struct {
	Mode              string `yaml:"mode"` // mock, exec
	Command           string `yaml:"command"`
	QueueSize         int    `yaml:"queue_size"`     // buffered audio chunks
	PlayoutChunk      int    `yaml:"playout_chunk"`  // samples per sink write
	RestartMaxRetries int    `yaml:"restart_max_retries"`
}

// EncoderConfig controls artifact output. In exec mode the command receives
// float32 little-endian PCM on stdin and the destination path as its final
// argument; wav mode writes natively.
type EncoderConfig struct {
	Mode    string `yaml:"mode"` // wav, exec
	Command string `yaml:"command"`
}

type JobsConfig struct {
	MaxCharsPerSection int  `yaml:"max_chars_per_section"`
	CleanupParts       bool `yaml:"cleanup_parts"`
}

type HistoryConfig struct {
	Capacity      int    `yaml:"capacity"`
	ArchivePath   string `yaml:"archive_path"` // empty for in-memory
	RetentionDays int    `yaml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries"`
}

type WatcherConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Dir          string `yaml:"dir"`
	PollInterval int    `yaml:"poll_interval_ms"`
}

type StdioConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		RuntimeName: "kokorod",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Synthesis: SynthesisConfig{
			Mode:         "mock",
			DefaultVoice: voice.Default,
			DefaultSpeed: 1.0,
			SampleRate:   24000,
			CacheSize:    64,
		},
		Playback: PlaybackConfig{
			Mode: "mock",
			Command: "mpv --really-quiet --no-video --demuxer=rawaudio" +
				" --demuxer-rawaudio-format=floatle --demuxer-rawaudio-rate=24000" +
				" --demuxer-rawaudio-channels=1 -",
			QueueSize:         32,
			PlayoutChunk:      4096,
			RestartMaxRetries: 5,
		},
		Encoder: EncoderConfig{
			Mode: "wav",
		},
		Jobs: JobsConfig{
			MaxCharsPerSection: 4000,
			CleanupParts:       true,
		},
		History: HistoryConfig{
			Capacity:      50,
			ArchivePath:   "./data/kokoro-history.db",
			RetentionDays: 30,
			MaxEntries:    10000,
		},
		Watcher: WatcherConfig{
			Enabled:      false,
			Dir:          "./data",
			PollInterval: 2000,
		},
		Stdio: StdioConfig{
			Enabled: false,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := ioutil.ReadFile(path)
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
	overrideString(&cfg.RuntimeName, "KOKORO_RUNTIME_NAME")
	overrideString(&cfg.Environment, "KOKORO_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "KOKORO_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "KOKORO_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "KOKORO_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "KOKORO_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "KOKORO_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "KOKORO_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "KOKORO_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "KOKORO_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "KOKORO_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "KOKORO_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "KOKORO_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "KOKORO_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "KOKORO_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "KOKORO_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Synthesis.Mode, "KOKORO_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Command, "KOKORO_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.DefaultVoice, "KOKORO_VOICE")
	overrideFloat(&cfg.Synthesis.DefaultSpeed, "KOKORO_SPEED")
	overrideInt(&cfg.Synthesis.SampleRate, "KOKORO_SYNTHESIS_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.CacheSize, "KOKORO_SYNTHESIS_CACHE_SIZE")
	overrideString(&cfg.Playback.Mode, "KOKORO_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Command, "KOKORO_PLAYBACK_COMMAND")
	overrideInt(&cfg.Playback.QueueSize, "KOKORO_PLAYBACK_QUEUE_SIZE")
	overrideInt(&cfg.Playback.PlayoutChunk, "KOKORO_PLAYBACK_PLAYOUT_CHUNK")
	overrideInt(&cfg.Playback.RestartMaxRetries, "KOKORO_PLAYBACK_RESTART_MAX_RETRIES")
	overrideString(&cfg.Encoder.Mode, "KOKORO_ENCODER_MODE")
	overrideString(&cfg.Encoder.Command, "KOKORO_ENCODER_COMMAND")
	overrideInt(&cfg.Jobs.MaxCharsPerSection, "KOKORO_JOBS_MAX_CHARS_PER_SECTION")
	overrideBool(&cfg.Jobs.CleanupParts, "KOKORO_JOBS_CLEANUP_PARTS")
	overrideInt(&cfg.History.Capacity, "KOKORO_HISTORY_CAPACITY")
	overrideString(&cfg.History.ArchivePath, "KOKORO_HISTORY_ARCHIVE_PATH")
	overrideInt(&cfg.History.RetentionDays, "KOKORO_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxEntries, "KOKORO_HISTORY_MAX_ENTRIES")
	overrideBool(&cfg.Watcher.Enabled, "KOKORO_WATCHER_ENABLED")
	overrideString(&cfg.Watcher.Dir, "KOKORO_WATCHER_DIR")
	overrideInt(&cfg.Watcher.PollInterval, "KOKORO_WATCHER_POLL_INTERVAL_MS")
	overrideBool(&cfg.Stdio.Enabled, "KOKORO_STDIO_ENABLED")
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Synthesis.Mode {
	case "mock", "exec":
	default:
		return errors.New("synthesis.mode must be one of mock|exec")
	}
	if cfg.Synthesis.Mode == "exec" && cfg.Synthesis.Command == "" {
		return errors.New("synthesis.command must be set when mode=exec")
	}
	if err := voice.Validate(cfg.Synthesis.DefaultVoice); err != nil {
		return fmt.Errorf("synthesis.default_voice: %w", err)
	}
	if cfg.Synthesis.DefaultSpeed <= 0 {
		return errors.New("synthesis.default_speed must be positive")
	}
	if cfg.Synthesis.SampleRate <= 0 {
		return errors.New("synthesis.sample_rate must be positive")
	}
	if cfg.Synthesis.CacheSize < 0 {
		return errors.New("synthesis.cache_size must be >= 0")
	}
	switch cfg.Playback.Mode {
	case "mock", "exec":
	default:
		return errors.New("playback.mode must be one of mock|exec")
	}
	if cfg.Playback.Mode == "exec" && cfg.Playback.Command == "" {
		return errors.New("playback.command must be set when mode=exec")
	}
	if cfg.Playback.QueueSize <= 0 {
		return errors.New("playback.queue_size must be positive")
	}
	if cfg.Playback.PlayoutChunk <= 0 {
		return errors.New("playback.playout_chunk must be positive")
	}
	if cfg.Playback.RestartMaxRetries < 0 {
		return errors.New("playback.restart_max_retries must be >= 0")
	}
	switch cfg.Encoder.Mode {
	case "wav", "exec":
	default:
		return errors.New("encoder.mode must be one of wav|exec")
	}
	if cfg.Encoder.Mode == "exec" && cfg.Encoder.Command == "" {
		return errors.New("encoder.command must be set when mode=exec")
	}
	if cfg.Jobs.MaxCharsPerSection <= 0 {
		return errors.New("jobs.max_chars_per_section must be positive")
	}
	if cfg.History.Capacity <= 0 {
		return errors.New("history.capacity must be positive")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.History.MaxEntries < 0 {
		return errors.New("history.max_entries must be >= 0")
	}
	if cfg.Watcher.Enabled {
		if cfg.Watcher.Dir == "" {
			return errors.New("watcher.dir must not be empty when enabled")
		}
		if cfg.Watcher.PollInterval <= 0 {
			return errors.New("watcher.poll_interval_ms must be positive")
		}
	}
	return nil
}
