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
	SpeakerStore SpeakerStoreConfig `yaml:"speaker_store"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
	G2P          G2PConfig          `yaml:"g2p"`
	Synthesis    SynthesisConfig    `yaml:"synthesis"`
	TTS          TTSConfig          `yaml:"tts"`
	Speakers     []SpeakerConfig    `yaml:"speakers"`
}

type BusConfig struct {
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
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type SpeakerStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEvents     int    `yaml:"max_events"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type RuntimeConfig struct {
	Mode              string `yaml:"mode"` // mock, exec, onnx
	Command           string `yaml:"command"`
	LibraryPath       string `yaml:"library_path"`
	Device            string `yaml:"device"` // cpu, cuda
	NumThreads        int    `yaml:"num_threads"`
	ConcurrentForward bool   `yaml:"concurrent_forward"`
}

type ChineseConfig struct {
	Enabled       bool   `yaml:"enabled"`
	G2PWModelPath string `yaml:"g2pw_model_path"`
	PolyphonePath string `yaml:"polyphone_path"`
	BERTModelPath string `yaml:"bert_model_path"`
	BERTVocabPath string `yaml:"bert_vocab_path"`
	DictPath      string `yaml:"dict_path"`
}

type G2PCacheConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`
}

type G2PConfig struct {
	SymbolsPath     string         `yaml:"symbols_path"`
	Chinese         ChineseConfig  `yaml:"chinese"`
	EnglishDictPath string         `yaml:"english_dict_path"`
	EnableJapanese  bool           `yaml:"enable_japanese"`
	EmbeddingDim    int            `yaml:"embedding_dim"`
	Cache           G2PCacheConfig `yaml:"cache"`
}

type SynthesisConfig struct {
	SSLModelPath     string `yaml:"ssl_model_path"`
	Resampler        string `yaml:"resampler"` // soxr, runtime
	OutputSampleRate int    `yaml:"output_sample_rate"`
	DefaultChunkSize int    `yaml:"default_chunk_size"`
	Workers          int    `yaml:"workers"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	VoicesDir        string `yaml:"voices_dir"`
}

type TTSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Voice           string `yaml:"voice"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
}

type SpeakerConfig struct {
	Name      string `yaml:"name"`
	ModelPath string `yaml:"model_path"`
	RefAudio  string `yaml:"ref_audio"`
	RefText   string `yaml:"ref_text"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voice",
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
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-voice-1",
			Role:              "voice",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "voice.synthesis", Tier: "balanced"},
			},
		},
		SpeakerStore: SpeakerStoreConfig{
			Path:          "./data/loqa-voice.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxEvents:     10000,
		},
		Runtime: RuntimeConfig{
			Mode:   "mock",
			Device: "cpu",
		},
		G2P: G2PConfig{
			EnglishDictPath: "./models/cmudict.txt",
			EmbeddingDim:    1024,
			Cache: G2PCacheConfig{
				Dir: "./data/g2p-cache",
			},
		},
		Synthesis: SynthesisConfig{
			SSLModelPath:     "./models/ssl.onnx",
			Resampler:        "soxr",
			OutputSampleRate: 32000,
			DefaultChunkSize: 50,
			Workers:          1,
			RequestTimeoutMS: 60000,
		},
		TTS: TTSConfig{
			Enabled:         false,
			ChunkDurationMS: 400,
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
	if err := Validate(cfg); err != nil {
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
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
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
	overrideString(&cfg.SpeakerStore.Path, "LOQA_SPEAKER_STORE_PATH")
	overrideString(&cfg.SpeakerStore.RetentionMode, "LOQA_SPEAKER_STORE_RETENTION_MODE")
	overrideInt(&cfg.SpeakerStore.RetentionDays, "LOQA_SPEAKER_STORE_RETENTION_DAYS")
	overrideInt(&cfg.SpeakerStore.MaxEvents, "LOQA_SPEAKER_STORE_MAX_EVENTS")
	overrideBool(&cfg.SpeakerStore.VacuumOnStart, "LOQA_SPEAKER_STORE_VACUUM_ON_START")
	overrideString(&cfg.Runtime.Mode, "LOQA_RUNTIME_MODE")
	overrideString(&cfg.Runtime.Command, "LOQA_RUNTIME_COMMAND")
	overrideString(&cfg.Runtime.LibraryPath, "LOQA_RUNTIME_LIBRARY_PATH")
	overrideString(&cfg.Runtime.Device, "LOQA_RUNTIME_DEVICE")
	overrideInt(&cfg.Runtime.NumThreads, "LOQA_RUNTIME_NUM_THREADS")
	overrideBool(&cfg.Runtime.ConcurrentForward, "LOQA_RUNTIME_CONCURRENT_FORWARD")
	overrideString(&cfg.G2P.SymbolsPath, "LOQA_G2P_SYMBOLS_PATH")
	overrideBool(&cfg.G2P.Chinese.Enabled, "LOQA_G2P_CHINESE_ENABLED")
	overrideString(&cfg.G2P.Chinese.G2PWModelPath, "LOQA_G2P_CHINESE_G2PW_MODEL_PATH")
	overrideString(&cfg.G2P.Chinese.PolyphonePath, "LOQA_G2P_CHINESE_POLYPHONE_PATH")
	overrideString(&cfg.G2P.Chinese.BERTModelPath, "LOQA_G2P_CHINESE_BERT_MODEL_PATH")
	overrideString(&cfg.G2P.Chinese.BERTVocabPath, "LOQA_G2P_CHINESE_BERT_VOCAB_PATH")
	overrideString(&cfg.G2P.Chinese.DictPath, "LOQA_G2P_CHINESE_DICT_PATH")
	overrideString(&cfg.G2P.EnglishDictPath, "LOQA_G2P_ENGLISH_DICT_PATH")
	overrideBool(&cfg.G2P.EnableJapanese, "LOQA_G2P_ENABLE_JAPANESE")
	overrideInt(&cfg.G2P.EmbeddingDim, "LOQA_G2P_EMBEDDING_DIM")
	overrideBool(&cfg.G2P.Cache.Enabled, "LOQA_G2P_CACHE_ENABLED")
	overrideString(&cfg.G2P.Cache.Dir, "LOQA_G2P_CACHE_DIR")
	overrideBool(&cfg.G2P.Cache.InMemory, "LOQA_G2P_CACHE_IN_MEMORY")
	overrideString(&cfg.Synthesis.SSLModelPath, "LOQA_SYNTHESIS_SSL_MODEL_PATH")
	overrideString(&cfg.Synthesis.Resampler, "LOQA_SYNTHESIS_RESAMPLER")
	overrideInt(&cfg.Synthesis.OutputSampleRate, "LOQA_SYNTHESIS_OUTPUT_SAMPLE_RATE")
	overrideInt(&cfg.Synthesis.DefaultChunkSize, "LOQA_SYNTHESIS_DEFAULT_CHUNK_SIZE")
	overrideInt(&cfg.Synthesis.Workers, "LOQA_SYNTHESIS_WORKERS")
	overrideInt(&cfg.Synthesis.RequestTimeoutMS, "LOQA_SYNTHESIS_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Synthesis.VoicesDir, "LOQA_SYNTHESIS_VOICES_DIR")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
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

// Validate checks cfg for settings the daemon cannot start with.
func Validate(cfg Config) error {
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
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.SpeakerStore.Path == "" {
		return errors.New("speaker_store.path must not be empty")
	}
	switch cfg.SpeakerStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("speaker_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.SpeakerStore.RetentionDays < 0 {
		return errors.New("speaker_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Runtime.Mode {
	case "mock":
	case "exec":
		if cfg.Runtime.Command == "" {
			return errors.New("runtime.command must be set when mode=exec")
		}
	case "onnx":
		if cfg.Runtime.LibraryPath == "" {
			return errors.New("runtime.library_path must be set when mode=onnx")
		}
	default:
		return errors.New("runtime.mode must be one of mock|exec|onnx")
	}
	switch cfg.Runtime.Device {
	case "cpu", "cuda":
	default:
		return errors.New("runtime.device must be one of cpu|cuda")
	}
	if cfg.Runtime.NumThreads < 0 {
		return errors.New("runtime.num_threads must be >= 0")
	}
	if zh := cfg.G2P.Chinese; zh.Enabled {
		if zh.G2PWModelPath == "" || zh.PolyphonePath == "" || zh.BERTModelPath == "" || zh.BERTVocabPath == "" {
			return errors.New("g2p.chinese requires g2pw_model_path, polyphone_path, bert_model_path and bert_vocab_path when enabled")
		}
	}
	if cfg.G2P.EnglishDictPath == "" {
		return errors.New("g2p.english_dict_path must not be empty")
	}
	if cfg.G2P.EmbeddingDim <= 0 {
		return errors.New("g2p.embedding_dim must be positive")
	}
	if c := cfg.G2P.Cache; c.Enabled && !c.InMemory && c.Dir == "" {
		return errors.New("g2p.cache.dir must be set when the on-disk cache is enabled")
	}
	if cfg.Synthesis.SSLModelPath == "" {
		return errors.New("synthesis.ssl_model_path must not be empty")
	}
	switch cfg.Synthesis.Resampler {
	case "soxr", "runtime":
	default:
		return errors.New("synthesis.resampler must be one of soxr|runtime")
	}
	if cfg.Synthesis.OutputSampleRate <= 0 {
		return errors.New("synthesis.output_sample_rate must be positive")
	}
	if cfg.Synthesis.DefaultChunkSize < 0 {
		return errors.New("synthesis.default_chunk_size must be >= 0")
	}
	if cfg.Synthesis.Workers < 1 {
		return errors.New("synthesis.workers must be >= 1")
	}
	if cfg.Synthesis.RequestTimeoutMS < 0 {
		return errors.New("synthesis.request_timeout_ms must be >= 0")
	}
	if cfg.TTS.Enabled && cfg.TTS.ChunkDurationMS <= 0 {
		return errors.New("tts.chunk_duration_ms must be positive")
	}
	seen := make(map[string]bool, len(cfg.Speakers))
	for i, sp := range cfg.Speakers {
		if sp.Name == "" || sp.ModelPath == "" || sp.RefAudio == "" || sp.RefText == "" {
			return fmt.Errorf("speakers[%d] requires name, model_path, ref_audio and ref_text", i)
		}
		if seen[sp.Name] {
			return fmt.Errorf("speakers[%d]: duplicate name %q", i, sp.Name)
		}
		seen[sp.Name] = true
	}
	return nil
}
