package config

import (
	"log/slog"
	"sync/atomic"
)

// Provider publishes the current configuration snapshot. Readers call
// Current and hold the returned value for the duration of one operation;
// Reload builds a complete replacement and swaps the pointer atomically,
// so in-flight operations observe either the old or the new snapshot,
// never a mix.
type Provider struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]
}

// NewProvider loads the initial configuration from path and returns a
// provider publishing it.
func NewProvider(path string, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		path:   path,
		logger: logger.With("component", "config_provider"),
	}
	p.current.Store(cfg)
	return p, nil
}

// Current returns the active configuration snapshot.
func (p *Provider) Current() *Config {
	return p.current.Load()
}

// Reload re-reads the configuration from disk and publishes it. On failure
// the previous snapshot stays active and the error is returned.
func (p *Provider) Reload() (*Config, error) {
	cfg, err := Load(p.path)
	if err != nil {
		p.logger.Error("Config reload failed, keeping previous snapshot", "path", p.path, "error", err)
		return nil, err
	}
	p.current.Store(cfg)
	p.logger.Info("Configuration reloaded", "path", p.path)
	return cfg, nil
}
