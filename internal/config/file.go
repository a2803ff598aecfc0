package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Source yields raw values for dotted keys such as "server.port".
type Source interface {
	Lookup(key string) (raw string, ok bool)
}

// Writer persists validated values.
type Writer interface {
	Set(key string, v any) error
	Unset(key string) error
}

// fileStore is the JSON config file: a flat object keyed by dotted names.
// Integers are stored as numbers, everything else as strings.
type fileStore struct {
	path   string
	values map[string]any
}

func openFileStore(path string) (*fileStore, error) {
	f := &fileStore{path: path, values: make(map[string]any)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &f.values); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return f, nil
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "fds", "config.json")
}

func (f *fileStore) Lookup(key string) (string, bool) {
	v, ok := f.values[key]
	if !ok {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	default:
		return fmt.Sprint(x), true
	}
}

func (f *fileStore) Set(key string, v any) error {
	if d, ok := v.(time.Duration); ok {
		v = d.String()
	}
	f.values[key] = v
	return f.save()
}

func (f *fileStore) Unset(key string) error {
	if _, ok := f.values[key]; !ok {
		return nil
	}
	delete(f.values, key)
	return f.save()
}

// save replaces the file through a rename so a crash never leaves it half
// written.
func (f *fileStore) save() error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(f.values, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// envSource reads each key from its FDS_* variable.
type envSource struct{}

func (envSource) Lookup(key string) (string, bool) {
	s, ok := lookupSpec(key)
	if !ok {
		return "", false
	}
	v := os.Getenv(s.env)
	return v, v != ""
}
