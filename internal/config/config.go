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

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Node         NodeConfig         `yaml:"node"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	Capture      CaptureConfig      `yaml:"capture"`
	Segmenter    SegmenterConfig    `yaml:"segmenter"`
	STT          STTConfig          `yaml:"stt"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Transcript   TranscriptConfig   `yaml:"transcript"`
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

type NodeConfig struct {
	ID                string   `yaml:"id"`
	Role              string   `yaml:"role"`
	HeartbeatInterval int      `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int      `yaml:"heartbeat_timeout_ms"`
	Capabilities      []string `yaml:"capabilities"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig selects the microphone source and its PCM layout.
type CaptureConfig struct {
	Mode          string `yaml:"mode"` // portaudio, file
	FilePath      string `yaml:"file_path"`
	Loop          bool   `yaml:"loop"`
	SampleRate    int    `yaml:"sample_rate"`
	BitsPerSample int    `yaml:"bits_per_sample"`
	Channels      int    `yaml:"channels"`
	ChunkMS       int    `yaml:"chunk_ms"`
	QueueChunks   int    `yaml:"queue_chunks"`
}

// SegmenterConfig tunes voice-activity segmentation.
type SegmenterConfig struct {
	SilenceThreshold float64 `yaml:"silence_threshold"`
	SilenceChunks    int     `yaml:"silence_chunks"`
	TickMS           int     `yaml:"tick_ms"`
	MaxRecordingMS   int     `yaml:"max_recording_ms"`
	MinAudioMS       int     `yaml:"min_audio_ms"`
	MaxGain          float64 `yaml:"max_gain"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, whisper, server
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	Endpoint  string `yaml:"endpoint"`
	MockText  string `yaml:"mock_text"`
	MockDelay int    `yaml:"mock_delay_ms"`
}

type OrchestratorConfig struct {
	Autostart          bool `yaml:"autostart"`
	ShortTimeoutMS     int  `yaml:"short_timeout_ms"`
	ShortUtteranceMS   int  `yaml:"short_utterance_ms"`
	MinScaledTimeoutMS int  `yaml:"min_scaled_timeout_ms"`
	CycleDelayMS       int  `yaml:"cycle_delay_ms"`
	ShutdownTimeoutMS  int  `yaml:"shutdown_timeout_ms"`
}

type TranscriptConfig struct {
	Lowercase  bool   `yaml:"lowercase"`
	Capitalize bool   `yaml:"capitalize"`
	Language   string `yaml:"language"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8085,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-dictate-1",
			Role:              "dictation",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities:      []string{"dictation.stt"},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-dictate.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Capture: CaptureConfig{
			Mode:          "portaudio",
			SampleRate:    16000,
			BitsPerSample: 16,
			Channels:      1,
			ChunkMS:       50,
			QueueChunks:   64,
		},
		Segmenter: SegmenterConfig{
			SilenceThreshold: 0.02,
			SilenceChunks:    8,
			TickMS:           50,
			MaxRecordingMS:   2500,
			MinAudioMS:       500,
			MaxGain:          4.0,
		},
		STT: STTConfig{
			Mode:      "mock",
			ModelPath: "ggml-base.bin",
			Language:  "en",
			Endpoint:  "http://localhost:8178",
		},
		Orchestrator: OrchestratorConfig{
			Autostart:          true,
			ShortTimeoutMS:     2000,
			ShortUtteranceMS:   2500,
			MinScaledTimeoutMS: 2000,
			CycleDelayMS:       200,
			ShutdownTimeoutMS:  5000,
		},
		Transcript: TranscriptConfig{
			Language: "en",
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Mode, "LOQA_CAPTURE_MODE")
	overrideString(&cfg.Capture.FilePath, "LOQA_CAPTURE_FILE_PATH")
	overrideBool(&cfg.Capture.Loop, "LOQA_CAPTURE_LOOP")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.ChunkMS, "LOQA_CAPTURE_CHUNK_MS")
	overrideFloat(&cfg.Segmenter.SilenceThreshold, "LOQA_SEGMENTER_SILENCE_THRESHOLD")
	overrideInt(&cfg.Segmenter.SilenceChunks, "LOQA_SEGMENTER_SILENCE_CHUNKS")
	overrideInt(&cfg.Segmenter.MaxRecordingMS, "LOQA_SEGMENTER_MAX_RECORDING_MS")
	overrideInt(&cfg.Segmenter.MinAudioMS, "LOQA_SEGMENTER_MIN_AUDIO_MS")
	overrideFloat(&cfg.Segmenter.MaxGain, "LOQA_SEGMENTER_MAX_GAIN")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideBool(&cfg.Orchestrator.Autostart, "LOQA_ORCHESTRATOR_AUTOSTART")
	overrideInt(&cfg.Orchestrator.ShortTimeoutMS, "LOQA_ORCHESTRATOR_SHORT_TIMEOUT_MS")
	overrideInt(&cfg.Orchestrator.CycleDelayMS, "LOQA_ORCHESTRATOR_CYCLE_DELAY_MS")
	overrideBool(&cfg.Transcript.Lowercase, "LOQA_TRANSCRIPT_LOWERCASE")
	overrideBool(&cfg.Transcript.Capitalize, "LOQA_TRANSCRIPT_CAPITALIZE")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
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
	switch cfg.Capture.Mode {
	case "portaudio":
	case "file":
		if cfg.Capture.FilePath == "" {
			return errors.New("capture.file_path must be set when mode=file")
		}
	default:
		return errors.New("capture.mode must be one of portaudio|file")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.BitsPerSample != 16 {
		return errors.New("capture.bits_per_sample must be 16")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.ChunkMS <= 0 {
		return errors.New("capture.chunk_ms must be positive")
	}
	if cfg.Segmenter.SilenceThreshold <= 0 || cfg.Segmenter.SilenceThreshold >= 1 {
		return errors.New("segmenter.silence_threshold must be within (0,1)")
	}
	if cfg.Segmenter.SilenceChunks <= 0 {
		return errors.New("segmenter.silence_chunks must be positive")
	}
	if cfg.Segmenter.TickMS <= 0 {
		return errors.New("segmenter.tick_ms must be positive")
	}
	if cfg.Segmenter.MaxRecordingMS < cfg.Segmenter.TickMS {
		return errors.New("segmenter.max_recording_ms must be at least one tick")
	}
	if cfg.Segmenter.MinAudioMS < 0 {
		return errors.New("segmenter.min_audio_ms must be >= 0")
	}
	if cfg.Segmenter.MaxGain < 1 || cfg.Segmenter.MaxGain > 4 {
		return errors.New("segmenter.max_gain must be between 1 and 4")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "whisper":
		if cfg.STT.ModelPath == "" {
			return errors.New("stt.model_path must be set when mode=whisper")
		}
	case "server":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=server")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|whisper|server")
	}
	if cfg.Orchestrator.ShortTimeoutMS <= 0 {
		return errors.New("orchestrator.short_timeout_ms must be positive")
	}
	if cfg.Orchestrator.MinScaledTimeoutMS <= 0 {
		return errors.New("orchestrator.min_scaled_timeout_ms must be positive")
	}
	if cfg.Orchestrator.CycleDelayMS < 0 {
		return errors.New("orchestrator.cycle_delay_ms must be >= 0")
	}
	return nil
}
