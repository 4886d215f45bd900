// Package settings reads and writes the runtime settings the sync engine
// consumes. Stored values override the process configuration defaults.
package settings

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bryan-buckman/sniffle/internal/model"
)

// ErrInvalid wraps validation failures.
var ErrInvalid = errors.New("invalid setting")

// KV is the settings part of database.Store.
type KV interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Settings are the user-editable runtime settings.
type Settings struct {
	ProxyURL         string `json:"proxy_url"`
	SyncEveryMinutes int    `json:"sync_every_minutes"`
}

// SyncInterval returns SyncEveryMinutes as a duration.
func (s Settings) SyncInterval() time.Duration {
	return time.Duration(s.SyncEveryMinutes) * time.Minute
}

// Validate checks s.
func (s Settings) Validate() error {
	if s.SyncEveryMinutes < 1 {
		return fmt.Errorf("%w: sync interval must be a positive number of minutes", ErrInvalid)
	}
	if s.ProxyURL != "" {
		u, err := url.Parse(s.ProxyURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: proxy url must be an absolute http(s) URL", ErrInvalid)
		}
	}
	return nil
}

// Provider serves settings from the store, falling back to defaults.
type Provider struct {
	kv       KV
	defaults Settings
}

// NewProvider creates a Provider.
func NewProvider(kv KV, defaults Settings) *Provider {
	if defaults.SyncEveryMinutes < 1 {
		defaults.SyncEveryMinutes = 30
	}
	return &Provider{kv: kv, defaults: defaults}
}

// Get returns the effective settings. Unparseable stored values are
// ignored in favour of the defaults.
func (p *Provider) Get(ctx context.Context) (Settings, error) {
	out := p.defaults

	proxy, ok, err := p.kv.GetSetting(ctx, model.SettingProxyURL)
	if err != nil {
		return out, fmt.Errorf("get %s: %w", model.SettingProxyURL, err)
	}
	if ok {
		out.ProxyURL = strings.TrimSpace(proxy)
	}

	raw, ok, err := p.kv.GetSetting(ctx, model.SettingSyncInterval)
	if err != nil {
		return out, fmt.Errorf("get %s: %w", model.SettingSyncInterval, err)
	}
	if ok {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n > 0 {
			out.SyncEveryMinutes = n
		}
	}
	return out, nil
}

// Update validates and stores s.
func (p *Provider) Update(ctx context.Context, s Settings) error {
	s.ProxyURL = strings.TrimSpace(s.ProxyURL)
	if err := s.Validate(); err != nil {
		return err
	}
	if err := p.kv.SetSetting(ctx, model.SettingProxyURL, s.ProxyURL); err != nil {
		return fmt.Errorf("set %s: %w", model.SettingProxyURL, err)
	}
	if err := p.kv.SetSetting(ctx, model.SettingSyncInterval, strconv.Itoa(s.SyncEveryMinutes)); err != nil {
		return fmt.Errorf("set %s: %w", model.SettingSyncInterval, err)
	}
	return nil
}
