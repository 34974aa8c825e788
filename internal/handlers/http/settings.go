package http

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// AgentSettings are the user-editable agent preferences, persisted as
// pretty-printed JSON next to the cache store. Zero values mean "not
// set": the static config keeps control of anything the user never
// touched.
type AgentSettings struct {
	ParticipantID string `json:"participantId"`
	RelayAddress  string `json:"relayAddress"`
	MaxCacheSize  int64  `json:"maxCacheSize"`
	AutoConnect   bool   `json:"autoConnect"`
}

func DefaultAgentSettings() AgentSettings {
	return AgentSettings{AutoConnect: true}
}

// EffectiveMaxCacheSize returns the persisted cache budget when one was
// set, the fallback otherwise.
func (s AgentSettings) EffectiveMaxCacheSize(fallback int64) int64 {
	if s.MaxCacheSize > 0 {
		return s.MaxCacheSize
	}
	return fallback
}

// EffectiveRelayAddress returns the persisted relay address when one was
// set, the fallback otherwise.
func (s AgentSettings) EffectiveRelayAddress(fallback string) string {
	if s.RelayAddress != "" {
		return s.RelayAddress
	}
	return fallback
}

// EffectiveParticipantID returns the persisted participant identity when
// one was set, the fallback otherwise.
func (s AgentSettings) EffectiveParticipantID(fallback string) string {
	if s.ParticipantID != "" {
		return s.ParticipantID
	}
	return fallback
}

// SettingsStore reads and writes agent settings on disk. An unreadable or
// corrupt file yields defaults rather than an error.
type SettingsStore struct {
	path   string
	logger *zap.SugaredLogger

	mu sync.Mutex
}

func NewSettingsStore(path string, logger *zap.SugaredLogger) *SettingsStore {
	return &SettingsStore{path: path, logger: logger}
}

func (s *SettingsStore) Load() AgentSettings {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warnw("failed to read agent settings, using defaults",
				"path", s.path, "error", err)
		}
		return DefaultAgentSettings()
	}

	settings := DefaultAgentSettings()
	if err := json.Unmarshal(data, &settings); err != nil {
		s.logger.Warnw("failed to parse agent settings, using defaults",
			"path", s.path, "error", err)
		return DefaultAgentSettings()
	}
	return settings
}

func (s *SettingsStore) Save(settings AgentSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize settings: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}

	s.logger.Infow("agent settings saved", "path", s.path)
	return nil
}
