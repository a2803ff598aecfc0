package config

import (
	"fmt"
	"time"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Origin string // default, file or env
}

// Explain loads the configuration and reports every non-secret value together
// with the layer it came from.
func Explain() ([]KeyInfo, error) {
	f, err := openFileStore(configFilePath())
	if err != nil {
		return nil, err
	}
	cfg, origin, err := load(f, envSource{})
	if err != nil {
		return nil, err
	}
	return describe(cfg, origin), nil
}

func describe(cfg Config, origin map[string]string) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		from := origin[s.key]
		if from == "" {
			from = originDefault
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  formatValue(s.extract(cfg)),
			Origin: from,
		})
	}
	return result
}

func formatValue(v any) string {
	if d, ok := v.(time.Duration); ok {
		return d.String()
	}
	return fmt.Sprint(v)
}

// SetKey validates value and writes it to the config file.
func SetKey(key, value string) error {
	f, err := openFileStore(configFilePath())
	if err != nil {
		return err
	}
	return setKeyWith(f, key, value)
}

// UnsetKey removes key from the config file so the default applies again.
func UnsetKey(key string) error {
	s, ok := lookupSpec(key)
	if !ok || s.secret {
		return fmt.Errorf("unknown config key: %q", key)
	}
	f, err := openFileStore(configFilePath())
	if err != nil {
		return err
	}
	return f.Unset(key)
}

func setKeyWith(w Writer, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	}
	v, err := s.parse(value)
	if err != nil {
		return err
	}
	return w.Set(key, v)
}

// ValidKeys returns the names of all settable keys.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
