package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ReloadListener is notified after a successful hot reload with the
// previous and the newly active configuration.
type ReloadListener func(old, new *Config)

// Center owns the active configuration for the lifetime of the process.
// Readers take the current snapshot through Current and never see a
// partially applied reload.
type Center struct {
	path      string
	overrides map[string]interface{}
	current   atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []ReloadListener

	logger zerolog.Logger
}

// NewCenter loads the initial configuration and returns a Center holding it.
func NewCenter(path string, overrides map[string]interface{}) (*Center, error) {
	cfg, err := LoadWithOverrides(path, overrides)
	if err != nil {
		return nil, err
	}

	c := &Center{
		path:      path,
		overrides: overrides,
		logger:    NewLogger("config"),
	}
	c.current.Store(cfg)

	return c, nil
}

// Current returns the active configuration snapshot. The returned value must
// be treated as read-only; a reload swaps in a fresh pointer.
func (c *Center) Current() *Config {
	return c.current.Load()
}

// Subscribe registers a listener invoked after each successful reload.
// Listeners run on the reloading goroutine and should return quickly.
func (c *Center) Subscribe(fn ReloadListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Reload re-reads the configuration file, validates it, and swaps it in.
// Endpoint changes are rejected: the gateway address, market data URL, and
// admin address are fixed for the process lifetime and require a restart.
// On any error the previous configuration stays active.
func (c *Center) Reload() error {
	next, err := LoadWithOverrides(c.path, c.overrides)
	if err != nil {
		c.logger.Error().Err(err).Msg("Reload rejected: configuration failed to load")
		return err
	}

	prev := c.current.Load()
	if err := checkImmutable(prev, next); err != nil {
		c.logger.Error().Err(err).Msg("Reload rejected: endpoint change requires restart")
		return err
	}

	c.current.Store(next)

	c.mu.Lock()
	listeners := make([]ReloadListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(prev, next)
	}

	c.logger.Info().
		Str("path", c.path).
		Int("symbols", len(next.Symbols)).
		Msg("Configuration reloaded")

	return nil
}

// checkImmutable rejects changes to fields that existing connections depend on.
func checkImmutable(prev, next *Config) error {
	var changed []string

	// Mode is gated at launch (admission, trade-mode verification, canary);
	// flipping it on a running process would skip all of that.
	if prev.Trading.Mode != next.Trading.Mode {
		changed = append(changed, "trading.mode")
	}
	if prev.Gateway.Addr != next.Gateway.Addr {
		changed = append(changed, "gateway.addr")
	}
	if prev.MarketData.Transport != next.MarketData.Transport {
		changed = append(changed, "market_data.transport")
	}
	if prev.MarketData.URL != next.MarketData.URL {
		changed = append(changed, "market_data.url")
	}
	if prev.Admin.Addr != next.Admin.Addr {
		changed = append(changed, "admin.addr")
	}
	if prev.Journal.GetDSN() != next.Journal.GetDSN() {
		changed = append(changed, "journal")
	}

	if len(changed) > 0 {
		return fmt.Errorf("immutable fields changed, restart required: %v", changed)
	}

	return nil
}
