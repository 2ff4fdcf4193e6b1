// Package settings persists the operator-tunable runtime configuration,
// provider endpoint and batch defaults, as a JSON file beside the
// database. Reads are cheap; updates validate, write atomically and only
// then swap the in-memory copy.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/smsto/smsto/batch"
	"github.com/smsto/smsto/provider"
)

// Settings is everything an operator can change without a restart.
type Settings struct {
	Provider provider.Config `json:"provider"`
	Batch    batch.Options   `json:"batch"`
}

// Defaults returns the out-of-the-box configuration: a local
// OpenAI-compatible endpoint and conservative batch limits.
func Defaults() Settings {
	return Settings{
		Provider: provider.Config{
			Kind:        "openai",
			BaseURL:     "http://127.0.0.1:11434/v1",
			Model:       "qwen2.5:7b",
			Temperature: 0.1,
			MaxTokens:   512,
		},
		Batch: batch.Options{
			Mode:        "unlabeled",
			Concurrency: 4,
			TimeoutMS:   15000,
			MaxRetries:  2,
		},
	}
}

// Validate rejects settings the rest of the system cannot run with.
func Validate(s Settings) error {
	switch s.Provider.Kind {
	case "openai", "mock":
	default:
		return fmt.Errorf("settings: unknown provider kind %q", s.Provider.Kind)
	}
	if s.Provider.Kind == "openai" && s.Provider.Model == "" {
		return errors.New("settings: provider model is required")
	}
	if s.Provider.Temperature < 0 || s.Provider.Temperature > 2 {
		return fmt.Errorf("settings: temperature %v out of range [0,2]", s.Provider.Temperature)
	}
	if c := s.Batch.Concurrency; c < 1 || c > 8 {
		return fmt.Errorf("settings: concurrency %d out of range [1,8]", c)
	}
	if s.Batch.TimeoutMS <= 0 {
		return errors.New("settings: timeout_ms must be positive")
	}
	if s.Batch.MaxRetries < 0 {
		return errors.New("settings: max_retries must not be negative")
	}
	return nil
}

// Manager guards the settings file.
type Manager struct {
	path string

	mu  sync.RWMutex
	cur Settings
}

// Load reads the settings file, filling gaps with defaults. A missing file
// yields pure defaults; it is written on the first Update. Unknown JSON
// keys from older versions are ignored.
func Load(path string) (*Manager, error) {
	m := &Manager{path: path, cur: Defaults()}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}

	var loaded Settings
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	m.cur = migrate(loaded)
	return m, nil
}

// migrate fills fields older files did not carry.
func migrate(s Settings) Settings {
	def := Defaults()
	if s.Provider.Kind == "" {
		s.Provider.Kind = def.Provider.Kind
	}
	if s.Provider.BaseURL == "" {
		s.Provider.BaseURL = def.Provider.BaseURL
	}
	if s.Provider.Model == "" {
		s.Provider.Model = def.Provider.Model
	}
	if s.Provider.MaxTokens == 0 {
		s.Provider.MaxTokens = def.Provider.MaxTokens
	}
	if s.Batch.Mode == "" {
		s.Batch.Mode = def.Batch.Mode
	}
	if s.Batch.Concurrency == 0 {
		s.Batch.Concurrency = def.Batch.Concurrency
	}
	if s.Batch.TimeoutMS == 0 {
		s.Batch.TimeoutMS = def.Batch.TimeoutMS
	}
	return s
}

// Get returns the current settings.
func (m *Manager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Update validates, persists and swaps in new settings. The file write is
// atomic; a failed write leaves the previous settings in force.
func (m *Manager) Update(s Settings) error {
	if err := Validate(s); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("settings: mkdir: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("settings: rename: %w", err)
	}
	m.cur = s
	return nil
}
