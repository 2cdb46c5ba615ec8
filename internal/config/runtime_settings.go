package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Settings table keys. The table is a flat key-value store; every value is
// persisted as text.
const (
	KeyDownloadPath        = "download_path"
	KeyPreferredQuality    = "preferred_quality"
	KeyPreferredFormat     = "preferred_format"
	KeyMaxConcurrent       = "max_concurrent_downloads"
	KeyMaxDownloadSpeed    = "max_download_speed"
	KeyAutoFilename        = "auto_filename"
	KeyRememberPreferences = "remember_preferences"
	KeyClipboardMonitoring = "clipboard_monitoring"
)

const (
	DefaultPreferredQuality = "best"
	DefaultPreferredFormat  = "mp4"
	DefaultMaxConcurrent    = 3
)

// RuntimeSettings is the mutable configuration kept in the settings table.
// MaxDownloadSpeed is in KiB/s; zero means unlimited.
type RuntimeSettings struct {
	DownloadPath        string `json:"download_path"`
	PreferredQuality    string `json:"preferred_quality"`
	PreferredFormat     string `json:"preferred_format"`
	MaxConcurrent       int    `json:"max_concurrent_downloads"`
	MaxDownloadSpeed    int    `json:"max_download_speed"`
	AutoFilename        bool   `json:"auto_filename"`
	RememberPreferences bool   `json:"remember_preferences"`
	ClipboardMonitoring bool   `json:"clipboard_monitoring"`
}

func (s RuntimeSettings) Validate() error {
	if strings.TrimSpace(s.DownloadPath) == "" {
		return fmt.Errorf("download_path is required")
	}
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent_downloads must be at least 1")
	}
	if s.MaxDownloadSpeed < 0 {
		return fmt.Errorf("max_download_speed must not be negative")
	}
	return nil
}

// DefaultSettings returns the values seeded into a fresh settings table.
func DefaultSettings(downloadPath string) map[string]string {
	return map[string]string{
		KeyDownloadPath:        downloadPath,
		KeyPreferredQuality:    DefaultPreferredQuality,
		KeyPreferredFormat:     DefaultPreferredFormat,
		KeyMaxConcurrent:       strconv.Itoa(DefaultMaxConcurrent),
		KeyMaxDownloadSpeed:    "0",
		KeyAutoFilename:        "true",
		KeyRememberPreferences: "true",
		KeyClipboardMonitoring: "true",
	}
}

// KeyValueStore is the persistence surface the settings store needs,
// satisfied by *persistence.SQLiteStore.
type KeyValueStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// SettingsStore caches a validated snapshot of the settings table and writes
// every change through synchronously.
type SettingsStore struct {
	kv KeyValueStore

	mu      sync.RWMutex
	current RuntimeSettings
}

func NewSettingsStore(ctx context.Context, kv KeyValueStore) (*SettingsStore, error) {
	s := &SettingsStore{kv: kv}
	loaded, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.current = loaded
	return s, nil
}

func (s *SettingsStore) load(ctx context.Context) (RuntimeSettings, error) {
	var settings RuntimeSettings
	var err error
	if settings.DownloadPath, err = s.kv.GetSetting(ctx, KeyDownloadPath); err != nil {
		return RuntimeSettings{}, err
	}
	if settings.PreferredQuality, err = s.kv.GetSetting(ctx, KeyPreferredQuality); err != nil {
		return RuntimeSettings{}, err
	}
	if settings.PreferredFormat, err = s.kv.GetSetting(ctx, KeyPreferredFormat); err != nil {
		return RuntimeSettings{}, err
	}
	if settings.MaxConcurrent, err = s.intSetting(ctx, KeyMaxConcurrent, DefaultMaxConcurrent); err != nil {
		return RuntimeSettings{}, err
	}
	if settings.MaxDownloadSpeed, err = s.intSetting(ctx, KeyMaxDownloadSpeed, 0); err != nil {
		return RuntimeSettings{}, err
	}
	if settings.AutoFilename, err = s.boolSetting(ctx, KeyAutoFilename); err != nil {
		return RuntimeSettings{}, err
	}
	if settings.RememberPreferences, err = s.boolSetting(ctx, KeyRememberPreferences); err != nil {
		return RuntimeSettings{}, err
	}
	if settings.ClipboardMonitoring, err = s.boolSetting(ctx, KeyClipboardMonitoring); err != nil {
		return RuntimeSettings{}, err
	}
	return settings, nil
}

func (s *SettingsStore) intSetting(ctx context.Context, key string, fallback int) (int, error) {
	raw, err := s.kv.GetSetting(ctx, key)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, nil
	}
	return n, nil
}

func (s *SettingsStore) boolSetting(ctx context.Context, key string) (bool, error) {
	raw, err := s.kv.GetSetting(ctx, key)
	if err != nil {
		return false, err
	}
	return raw == "true", nil
}

func (s *SettingsStore) GetRuntimeSettings() (RuntimeSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

func (s *SettingsStore) UpdateRuntimeSettings(ctx context.Context, next RuntimeSettings) (RuntimeSettings, error) {
	if err := next.Validate(); err != nil {
		return RuntimeSettings{}, err
	}

	values := map[string]string{
		KeyDownloadPath:        next.DownloadPath,
		KeyPreferredQuality:    next.PreferredQuality,
		KeyPreferredFormat:     next.PreferredFormat,
		KeyMaxConcurrent:       strconv.Itoa(next.MaxConcurrent),
		KeyMaxDownloadSpeed:    strconv.Itoa(next.MaxDownloadSpeed),
		KeyAutoFilename:        strconv.FormatBool(next.AutoFilename),
		KeyRememberPreferences: strconv.FormatBool(next.RememberPreferences),
		KeyClipboardMonitoring: strconv.FormatBool(next.ClipboardMonitoring),
	}
	for key, value := range values {
		if err := s.kv.SetSetting(ctx, key, value); err != nil {
			return RuntimeSettings{}, err
		}
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	return next, nil
}
