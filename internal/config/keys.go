package config

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

type kind int

const (
	kindString kind = iota
	kindInt
	kindDuration
)

// keySpec drives loading, validation and `fds config` for one key.
type keySpec struct {
	key     string
	env     string
	kind    kind
	choices []string // lower-case; empty means free text
	min     int      // ints only
	nonZero bool     // durations only
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", kind: kindInt, env: "FDS_SERVER_PORT", min: 1,
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		// 0 disables the cap.
		key: "server.max_connections", kind: kindInt, env: "FDS_SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "inference.backend", env: "FDS_INFERENCE_BACKEND", choices: []string{"ollama", "openai"},
		apply:   func(cfg *Config, v any) { cfg.Inference.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.Backend },
	},
	{
		key: "inference.base_url", env: "FDS_INFERENCE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Inference.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.BaseURL },
	},
	{
		key: "inference.chat_model", env: "FDS_INFERENCE_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Inference.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.ChatModel },
	},
	{
		key: "inference.embed_model", env: "FDS_INFERENCE_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Inference.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.EmbedModel },
	},
	{
		key: "inference.api_key", env: "FDS_INFERENCE_API_KEY", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Inference.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.APIKey },
	},
	{
		key: "storage.data_dir", env: "FDS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", env: "FDS_LOG_LEVEL", choices: []string{"debug", "info", "warn", "error"},
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "engine.concurrency", kind: kindInt, env: "FDS_ENGINE_CONCURRENCY", min: 1,
		apply:   func(cfg *Config, v any) { cfg.Engine.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.Concurrency },
	},
	{
		key: "engine.poll_interval", kind: kindDuration, env: "FDS_ENGINE_POLL_INTERVAL", nonZero: true,
		apply:   func(cfg *Config, v any) { cfg.Engine.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Engine.PollInterval },
	},
	{
		key: "engine.max_attempts", kind: kindInt, env: "FDS_ENGINE_MAX_ATTEMPTS", min: 1,
		apply:   func(cfg *Config, v any) { cfg.Engine.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.MaxAttempts },
	},
	{
		key: "engine.retry_base_delay", kind: kindDuration, env: "FDS_ENGINE_RETRY_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Engine.RetryBaseDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Engine.RetryBaseDelay },
	},
	{
		key: "engine.step_timeout", kind: kindDuration, env: "FDS_ENGINE_STEP_TIMEOUT", nonZero: true,
		apply:   func(cfg *Config, v any) { cfg.Engine.StepTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Engine.StepTimeout },
	},
	{
		key: "alert.webhook_url", env: "FDS_ALERT_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Alert.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Alert.WebhookURL },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts raw into the key's Go type, rejecting values Load would
// otherwise have to second-guess later.
func (s keySpec) parse(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch s.kind {
	case kindInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not an integer", s.key, raw)
		}
		if i < s.min {
			return nil, fmt.Errorf("%s: %d is below the minimum of %d", s.key, i, s.min)
		}
		return i, nil
	case kindDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a duration (e.g. 500ms, 2s, 1m)", s.key, raw)
		}
		if d < 0 || (s.nonZero && d == 0) {
			return nil, fmt.Errorf("%s: %s must be positive", s.key, d)
		}
		return d, nil
	default:
		if len(s.choices) == 0 {
			return raw, nil
		}
		v := strings.ToLower(raw)
		if !slices.Contains(s.choices, v) {
			return nil, fmt.Errorf("%s: %q is not one of %s", s.key, raw, strings.Join(s.choices, ", "))
		}
		return v, nil
	}
}

// applySource overlays every key src defines. Secrets are only taken from
// sources that allow them.
func applySource(cfg *Config, src Source, name string, withSecrets bool, origin map[string]string) error {
	for _, s := range specs {
		if s.secret && !withSecrets {
			continue
		}
		raw, ok := src.Lookup(s.key)
		if !ok {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			if name == originEnv {
				return fmt.Errorf("%s (from %s): %w", s.env, name, err)
			}
			return fmt.Errorf("%w (from %s)", err, name)
		}
		s.apply(cfg, v)
		origin[s.key] = name
	}
	return nil
}
