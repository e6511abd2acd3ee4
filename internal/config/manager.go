package config

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Manager holds the committed config and republishes it when the file on
// disk changes. A reload that fails to parse or validate keeps the previous
// config; the scheduler never runs on a half-written file.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg Config

	// lastHash skips redundant reloads when editors fire several write
	// events for one save.
	lastHash uint64
}

func NewManager(path string) *Manager { return &Manager{path: path} }

// Load parses the file and commits the result.
func (m *Manager) Load() (Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return Config{}, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashFile(m.path)
	m.mu.Unlock()
}

func hashFile(path string) uint64 {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Watch blocks until ctx is cancelled, invoking onChange with each
// successfully reloaded config. The watch is on the directory, not the file,
// so atomic rename-into-place saves are seen too.
func (m *Manager) Watch(ctx context.Context, onChange func(Config)) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	log.Info().Str("path", m.path).Msg("watching config")

	// debounce so partial writes settle before parsing
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			m.mu.RLock()
			unchanged := m.lastHash != 0 && hashFile(m.path) == m.lastHash
			m.mu.RUnlock()
			if unchanged {
				return
			}

			cfg, err := Load(m.path)
			if err != nil {
				log.Warn().Err(err).Str("path", m.path).Msg("config reload rejected")
				return
			}
			m.commit(cfg)
			log.Info().Str("path", m.path).Msg("config reloaded")
			if onChange != nil {
				onChange(cfg)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("dir", dir).Msg("config watch error")
		}
	}
}
