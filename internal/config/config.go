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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type AudioConfig struct {
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	CaptureCommand  string `yaml:"capture_command"`
	ListCommand     string `yaml:"list_command"`
}

type VADConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Threshold      float64 `yaml:"threshold"`
	StartFrames    int     `yaml:"start_frames"`
	EndFrames      int     `yaml:"end_frames"`
	PrerollFrames  int     `yaml:"preroll_frames"`
	MaxUtteranceMS int     `yaml:"max_utterance_ms"`
}

type VoskConfig struct {
	ModelPath string `yaml:"model_path"`
}

type WhisperConfig struct {
	ModelPath string `yaml:"model_path"`
	Threads   int    `yaml:"threads"`
}

type ExecConfig struct {
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
}

type ProviderConfig struct {
	Name      string `yaml:"name"`
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type FallbackConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
}

type STTConfig struct {
	DefaultEngine     string         `yaml:"default_engine"`
	Language          string         `yaml:"language"`
	ModelSize         string         `yaml:"model_size"`
	PartialResults    bool           `yaml:"partial_results"`
	FinalizeTimeoutMS int            `yaml:"finalize_timeout_ms"`
	Vosk              VoskConfig     `yaml:"vosk"`
	Whisper           WhisperConfig  `yaml:"whisper"`
	Exec              ExecConfig     `yaml:"exec"`
	Fallback          FallbackConfig `yaml:"fallback"`
}

type SessionsConfig struct {
	MaxConcurrent  int `yaml:"max_concurrent"`
	EventQueueSize int `yaml:"event_queue_size"`
	PushQueueSize  int `yaml:"push_queue_size"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Store       StoreConfig     `yaml:"store"`
	Audio       AudioConfig     `yaml:"audio"`
	VAD         VADConfig       `yaml:"vad"`
	STT         STTConfig       `yaml:"stt"`
	Sessions    SessionsConfig  `yaml:"sessions"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path:          "./data/scribe-transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			CaptureCommand:  "arecord -q -f S16_LE -c 1 -t raw",
			ListCommand:     "arecord -L",
		},
		VAD: VADConfig{
			Enabled:        true,
			Threshold:      0.015,
			StartFrames:    3,
			EndFrames:      25,
			PrerollFrames:  5,
			MaxUtteranceMS: 30000,
		},
		STT: STTConfig{
			DefaultEngine:     "mock",
			Language:          "en",
			ModelSize:         "small",
			PartialResults:    true,
			FinalizeTimeoutMS: 45000,
		},
		Sessions: SessionsConfig{
			MaxConcurrent:  32,
			EventQueueSize: 256,
			PushQueueSize:  128,
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
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "SCRIBE_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "SCRIBE_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "SCRIBE_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "SCRIBE_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "SCRIBE_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Audio.SampleRate, "SCRIBE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "SCRIBE_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "SCRIBE_AUDIO_FRAME_DURATION_MS")
	overrideString(&cfg.Audio.CaptureCommand, "SCRIBE_AUDIO_CAPTURE_COMMAND")
	overrideString(&cfg.Audio.ListCommand, "SCRIBE_AUDIO_LIST_COMMAND")
	overrideBool(&cfg.VAD.Enabled, "SCRIBE_VAD_ENABLED")
	overrideFloat(&cfg.VAD.Threshold, "SCRIBE_VAD_THRESHOLD")
	overrideInt(&cfg.VAD.StartFrames, "SCRIBE_VAD_START_FRAMES")
	overrideInt(&cfg.VAD.EndFrames, "SCRIBE_VAD_END_FRAMES")
	overrideInt(&cfg.VAD.PrerollFrames, "SCRIBE_VAD_PREROLL_FRAMES")
	overrideInt(&cfg.VAD.MaxUtteranceMS, "SCRIBE_VAD_MAX_UTTERANCE_MS")
	overrideString(&cfg.STT.DefaultEngine, "SCRIBE_STT_DEFAULT_ENGINE")
	overrideString(&cfg.STT.Language, "SCRIBE_STT_LANGUAGE")
	overrideString(&cfg.STT.ModelSize, "SCRIBE_STT_MODEL_SIZE")
	overrideBool(&cfg.STT.PartialResults, "SCRIBE_STT_PARTIAL_RESULTS")
	overrideInt(&cfg.STT.FinalizeTimeoutMS, "SCRIBE_STT_FINALIZE_TIMEOUT_MS")
	overrideString(&cfg.STT.Vosk.ModelPath, "SCRIBE_STT_VOSK_MODEL_PATH")
	overrideString(&cfg.STT.Whisper.ModelPath, "SCRIBE_STT_WHISPER_MODEL_PATH")
	overrideInt(&cfg.STT.Whisper.Threads, "SCRIBE_STT_WHISPER_THREADS")
	overrideString(&cfg.STT.Exec.Command, "SCRIBE_STT_EXEC_COMMAND")
	overrideString(&cfg.STT.Exec.ModelPath, "SCRIBE_STT_EXEC_MODEL_PATH")
	overrideInt(&cfg.Sessions.MaxConcurrent, "SCRIBE_SESSIONS_MAX_CONCURRENT")
	overrideInt(&cfg.Sessions.EventQueueSize, "SCRIBE_SESSIONS_EVENT_QUEUE_SIZE")
	overrideInt(&cfg.Sessions.PushQueueSize, "SCRIBE_SESSIONS_PUSH_QUEUE_SIZE")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels != 1 {
		return errors.New("audio.channels must be 1 (mono)")
	}
	if cfg.Audio.FrameDurationMS < 10 || cfg.Audio.FrameDurationMS > 100 {
		return errors.New("audio.frame_duration_ms must be between 10 and 100")
	}
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		return errors.New("vad.threshold must be between 0 and 1")
	}
	if cfg.VAD.StartFrames <= 0 {
		return errors.New("vad.start_frames must be >= 1")
	}
	if cfg.VAD.EndFrames <= 0 {
		return errors.New("vad.end_frames must be >= 1")
	}
	if cfg.VAD.PrerollFrames < 0 {
		return errors.New("vad.preroll_frames must be >= 0")
	}
	if cfg.STT.DefaultEngine == "" {
		return errors.New("stt.default_engine must not be empty")
	}
	if cfg.STT.Language == "" {
		return errors.New("stt.language must not be empty")
	}
	if cfg.STT.FinalizeTimeoutMS <= 0 {
		return errors.New("stt.finalize_timeout_ms must be positive")
	}
	for i, p := range cfg.STT.Fallback.Providers {
		if p.Name == "" {
			return fmt.Errorf("stt.fallback.providers[%d].name must not be empty", i)
		}
		if p.Endpoint == "" {
			return fmt.Errorf("stt.fallback.providers[%d].endpoint must not be empty", i)
		}
	}
	if cfg.Sessions.MaxConcurrent <= 0 {
		return errors.New("sessions.max_concurrent must be >= 1")
	}
	if cfg.Sessions.EventQueueSize <= 0 {
		return errors.New("sessions.event_queue_size must be >= 1")
	}
	if cfg.Sessions.PushQueueSize <= 0 {
		return errors.New("sessions.push_queue_size must be >= 1")
	}
	return nil
}
