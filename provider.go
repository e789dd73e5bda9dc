// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadDebounce is how long Watch waits for file events to settle.
const ReloadDebounce = 100 * time.Millisecond

// Provider holds the active Config and swaps it atomically on reload.
// Connections read the pointer once and keep using their snapshot.
type Provider struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]

	mu   sync.Mutex
	subs []func(*Config) error
}

// NewProvider creates a provider for the YAML file at path.
func NewProvider(path string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		path:   filepath.Clean(path),
		logger: logger,
	}
}

// NewStaticProvider returns a provider serving cfg without a backing file.
func NewStaticProvider(cfg *Config) *Provider {
	p := NewProvider("", nil)
	p.current.Store(cfg)
	return p
}

// Current returns the active configuration.
func (p *Provider) Current() *Config {
	if cfg := p.current.Load(); cfg != nil {
		return cfg
	}
	return Default()
}

// Subscribe registers fn to run for every parsed configuration before it
// becomes current. An error from fn fails the reload and the previous
// configuration stays active.
func (p *Provider) Subscribe(fn func(*Config) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
}

// Load reads the configuration file, writing the default document first if
// the file does not exist.
func (p *Provider) Load() (*Config, error) {
	if _, err := os.Stat(p.path); errors.Is(err, fs.ErrNotExist) {
		p.logger.Warn("config file not found, creating a default one", slog.String("path", p.path))
		data, err := Default().Marshal()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(p.path, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to create default config %s: %w", p.path, err)
		}
	}

	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p.Current(), nil
}

// Reload re-reads the file. On any error the previous configuration stays
// active.
func (p *Provider) Reload() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", p.path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return err
	}

	for _, fn := range p.subs {
		if err := fn(cfg); err != nil {
			return err
		}
	}
	p.current.Store(cfg)
	return nil
}

// Watch calls reload whenever the file changes, until ctx is done. A nil
// reload means p.Reload. The parent directory is watched so editors that
// replace the file are handled.
func (p *Provider) Watch(ctx context.Context, reload func() error) error {
	if reload == nil {
		reload = p.Reload
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", p.path, err)
	}

	debounce := time.NewTimer(ReloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != p.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(ReloadDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.logger.Error("config watcher error", slog.String("error", err.Error()))
		case <-debounce.C:
			p.logger.Info("config file changed, reloading", slog.String("path", p.path))
			if err := reload(); err != nil {
				p.logger.Error("failed to reload config, keeping previous", slog.String("error", err.Error()))
				continue
			}
			p.logger.Info("config reloaded")
		}
	}
}
