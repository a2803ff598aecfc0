package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server    ServerConfig
	Inference InferenceConfig
	Storage   StorageConfig
	Log       LogConfig
	Engine    EngineConfig
	Alert     AlertConfig
}

type ServerConfig struct {
	Port           int
	MaxConnections int
}

type InferenceConfig struct {
	Backend    string // "ollama" or "openai"
	BaseURL    string
	ChatModel  string
	EmbedModel string
	APIKey     string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// EngineConfig tunes the ingestion runner. In the config file and
// environment the durations are Go duration strings ("500ms", "1m").
type EngineConfig struct {
	Concurrency    int
	PollInterval   time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	StepTimeout    time.Duration
}

type AlertConfig struct {
	WebhookURL string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           8787,
			MaxConnections: 256,
		},
		Inference: InferenceConfig{
			Backend:    "ollama",
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.1",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Engine: EngineConfig{
			Concurrency:    4,
			PollInterval:   500 * time.Millisecond,
			MaxAttempts:    3,
			RetryBaseDelay: time.Second,
			StepTimeout:    60 * time.Second,
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "fds-data"
		}
	}
	return filepath.Join(dir, "fds")
}

const (
	originDefault = "default"
	originFile    = "file"
	originEnv     = "env"
)

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/fds/config.json, then applies FDS_* environment overrides.
// The API key is a secret: it is only read from FDS_INFERENCE_API_KEY, falling
// back to OPENAI_API_KEY.
func Load() (Config, error) {
	f, err := openFileStore(configFilePath())
	if err != nil {
		return Config{}, err
	}
	cfg, _, err := load(f, envSource{})
	return cfg, err
}

// load layers defaults, file and env, and records which layer set each key.
func load(file, env Source) (Config, map[string]string, error) {
	cfg := defaults()
	origin := make(map[string]string)

	if err := applySource(&cfg, file, originFile, false, origin); err != nil {
		return Config{}, nil, err
	}
	if err := applySource(&cfg, env, originEnv, true, origin); err != nil {
		return Config{}, nil, err
	}

	if cfg.Inference.APIKey == "" {
		cfg.Inference.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := cfg.validate(); err != nil {
		return Config{}, nil, err
	}
	return cfg, origin, nil
}

// validate checks constraints that span keys. Single values were already
// checked when parsed.
func (c Config) validate() error {
	if c.Inference.Backend == "openai" && c.Inference.APIKey == "" {
		return fmt.Errorf("missing required config: API key for the openai backend. " +
			"Set it via environment variable FDS_INFERENCE_API_KEY or OPENAI_API_KEY")
	}
	return nil
}
