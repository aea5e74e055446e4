package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Render modes for full-image uploads.
const (
	RenderDirect    = "direct"
	RenderOffscreen = "offscreen"
)

// Settings holds the runtime tunables of the image pipeline.
type Settings struct {
	MaxImageBytes      int    `json:"maxImageBytes"`
	DecodeHeadroom     int    `json:"decodeHeadroom"`
	DefaultTimeoutSec  int    `json:"defaultTimeoutSec"`
	MaxTimeoutSec      int    `json:"maxTimeoutSec"`
	StripBatchRows     int    `json:"stripBatchRows"`
	ReapGraceMs        int    `json:"reapGraceMs"`
	URLBodyMax         int    `json:"urlBodyMax"`
	URLMaxLength       int    `json:"urlMaxLength"`
	URLFetchTimeoutSec int    `json:"urlFetchTimeoutSec"`
	URLFetchMaxSec     int    `json:"urlFetchMaxSec"`
	RenderMode         string `json:"renderMode"` // "direct" or "offscreen"
	OffscreenBox       int    `json:"offscreenBox"`
	AltColorOrder      bool   `json:"altColorOrder"` // pack BGR instead of RGB

	// Fragmentation-aware headroom (used when there is no large region).
	MinHeadroom int `json:"minHeadroom"`
	LowFragPct  int `json:"lowFragPct"`
	LowFragCap  int `json:"lowFragCap"`
	MidFragPct  int `json:"midFragPct"`
	MidFragCap  int `json:"midFragCap"`
}

// DefaultSettings returns the defaults used on the reference hardware.
func DefaultSettings() Settings {
	return Settings{
		MaxImageBytes:      100 * 1024,
		DecodeHeadroom:     50 * 1024,
		DefaultTimeoutSec:  10,
		MaxTimeoutSec:      86400,
		StripBatchRows:     16,
		ReapGraceMs:        3000,
		URLBodyMax:         1024,
		URLMaxLength:       256,
		URLFetchTimeoutSec: 15,
		URLFetchMaxSec:     30,
		RenderMode:         RenderDirect,
		OffscreenBox:       200,
		MinHeadroom:        24 * 1024,
		LowFragPct:         45,
		LowFragCap:         32 * 1024,
		MidFragPct:         60,
		MidFragCap:         40 * 1024,
	}
}

// Validate reports the first setting that cannot work.
func (s Settings) Validate() error {
	var errs []error
	if s.MaxImageBytes <= 0 {
		errs = append(errs, errors.New("maxImageBytes must be positive"))
	}
	if s.DecodeHeadroom < 0 || s.MinHeadroom < 0 {
		errs = append(errs, errors.New("headroom must not be negative"))
	}
	if s.DefaultTimeoutSec < 0 || s.MaxTimeoutSec <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if s.StripBatchRows < 1 {
		errs = append(errs, errors.New("stripBatchRows must be at least 1"))
	}
	if s.URLBodyMax <= 0 || s.URLMaxLength <= 0 {
		errs = append(errs, errors.New("URL limits must be positive"))
	}
	if s.RenderMode != RenderDirect && s.RenderMode != RenderOffscreen {
		errs = append(errs, fmt.Errorf("renderMode must be %q or %q", RenderDirect, RenderOffscreen))
	}
	if s.LowFragPct > s.MidFragPct {
		errs = append(errs, errors.New("lowFragPct must not exceed midFragPct"))
	}
	return errors.Join(errs...)
}

// Store provides thread-safe settings persistence backed by a JSON file.
type Store struct {
	mu       sync.RWMutex
	settings Settings
	path     string
}

// NewStore creates a Store that persists settings to dataDir/settings.json.
// If the file does not exist or is invalid, default settings are used.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	s := &Store{
		path:     filepath.Join(dataDir, "settings.json"),
		settings: DefaultSettings(),
	}
	s.load()
	return s, nil
}

// NewMemoryStore creates a Store that keeps settings in memory only (no file persistence).
func NewMemoryStore() *Store {
	return &Store{settings: DefaultSettings()}
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Update validates and replaces the settings, then persists them.
func (s *Store) Update(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return s.save()
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return // file missing is OK, use defaults
	}
	// Start from defaults so fields missing from older files keep sane values.
	settings := DefaultSettings()
	if err := json.Unmarshal(data, &settings); err != nil {
		slog.Warn("invalid settings file, using defaults", "path", s.path, "err", err)
		return
	}
	if err := settings.Validate(); err != nil {
		slog.Warn("settings file rejected, using defaults", "path", s.path, "err", err)
		return
	}
	s.settings = settings
}

func (s *Store) save() error {
	if s.path == "" {
		return nil // memory-only mode
	}
	data, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
