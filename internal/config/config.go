// Package config is the adapter's sole external configuration read
// path: the log level, re-read from an INI file on every ReloadConfig
// command. The configuration source stays externally owned; nothing else
// in the core persists or reads settings.
package config

import (
	"sync"

	"gopkg.in/ini.v1"

	"github.com/wnbd-go/wnbd/internal/logging"
)

// Store holds the path to the config file and the last-loaded log level.
type Store struct {
	mu    sync.RWMutex
	path  string
	level logging.LogLevel
}

// New returns a Store that will read path on Reload. path may not exist
// yet; Reload then leaves the level at its current value (Info by
// default) rather than failing, since ReloadConfig's own contract
// carries no error return.
func New(path string) *Store {
	return &Store{path: path, level: logging.LevelInfo}
}

// Level returns the most recently loaded log level.
func (s *Store) Level() logging.LogLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.level
}

// Reload re-reads the [log] level entry from the config file and applies
// it to the default logger. Missing
// file or missing key is not an error; the level simply doesn't change.
func (s *Store) Reload() {
	cfg, err := ini.Load(s.path)
	if err != nil {
		logging.Default().Warn("reload_config: could not read config file", "path", s.path, "error", err)
		return
	}
	if !cfg.Section("log").HasKey("level") {
		return
	}

	raw := cfg.Section("log").Key("level").MustString("info")
	level := parseLevel(raw)

	s.mu.Lock()
	s.level = level
	s.mu.Unlock()

	logging.Default().SetLevel(level)
	logging.Default().Info("reload_config: log level applied", "level", raw)
}

func parseLevel(raw string) logging.LogLevel {
	switch raw {
	case "debug":
		return logging.LevelDebug
	case "warn", "warning":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
