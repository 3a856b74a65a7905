// Package file provides file-based configuration with hot-reload.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/pkg/config"
)

// Provider implements ports.ConfigProvider using file-based configuration.
// It watches the config file for changes and triggers reload callbacks.
type Provider struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	mu      sync.RWMutex
	current *config.Config
}

var _ ports.ConfigProvider = (*Provider)(nil)

// NewProvider creates a new file-based config provider.
func NewProvider(path string) (*Provider, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}

	return &Provider{
		path:   path,
		logger: slog.Default(),
	}, nil
}

// Load loads the configuration from the file.
func (p *Provider) Load(ctx context.Context) (*config.Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg, err := config.LoadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", p.path, err)
	}

	p.current = cfg
	p.logger.Info("config loaded", slog.String("path", p.path))

	return cfg, nil
}

// Current returns the most recently loaded configuration.
func (p *Provider) Current() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Watch watches the config file for changes and calls onChange when the file
// is modified. The parent directory is watched so editors that replace the
// file by rename are picked up.
func (p *Provider) Watch(ctx context.Context, onChange func(*config.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	p.mu.Lock()
	p.watcher = watcher
	p.mu.Unlock()

	target := filepath.Clean(p.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", p.path, err)
	}

	p.logger.Info("watching config file for changes", slog.String("path", p.path))

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				p.logger.Debug("config watch stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				p.logger.Info("config file changed, reloading", slog.String("path", event.Name))

				cfg, err := config.LoadFile(p.path)
				if err != nil {
					p.logger.Error("failed to reload config",
						slog.String("error", err.Error()),
						slog.String("path", p.path))
					continue
				}

				p.mu.Lock()
				p.current = cfg
				p.mu.Unlock()

				onChange(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Error("config watch error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

// Close stops watching the config file.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.watcher != nil {
		err := p.watcher.Close()
		p.watcher = nil
		return err
	}

	return nil
}
