package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionTunables controls session record lifetimes.
type SessionTunables struct {
	EditTTLSeconds            int64 `yaml:"edit_ttl_seconds"`
	ViewTTLSeconds            int64 `yaml:"view_ttl_seconds"`
	LegacyViewTTLHours        int64 `yaml:"legacy_view_ttl_hours"`
	MinRefreshIntervalSeconds int64 `yaml:"min_refresh_interval_seconds"`
}

// ContentionTunables controls the request/deny protocol timing.
type ContentionTunables struct {
	RequestTTLMinutes int64 `yaml:"request_ttl_minutes"`
	GraceSeconds      int64 `yaml:"grace_seconds"`
}

// PollTunables controls the bounded fixed-delay polls around external saves.
type PollTunables struct {
	SavePendingAttempts     int   `yaml:"save_pending_attempts"`
	SavePendingDelaySeconds int64 `yaml:"save_pending_delay_seconds"`
	RemovalAttempts         int   `yaml:"removal_attempts"`
	RemovalDelaySeconds     int64 `yaml:"removal_delay_seconds"`
}

// CoordinationTunables selects optional hardening behavior.
type CoordinationTunables struct {
	// EditReservation turns the check-then-create sequence into a single
	// atomic reservation keyed per file. Off by default to preserve the
	// legacy self-correcting behavior.
	EditReservation bool `yaml:"edit_reservation"`
}

// ProviderTunables describes one storage provider.
type ProviderTunables struct {
	RequiresCheckout bool `yaml:"requires_checkout"`
}

// Tunables is the YAML-backed tuning surface of the session daemon.
type Tunables struct {
	Session      SessionTunables             `yaml:"session"`
	Contention   ContentionTunables          `yaml:"contention"`
	Polling      PollTunables                `yaml:"polling"`
	Coordination CoordinationTunables        `yaml:"coordination"`
	Providers    map[string]ProviderTunables `yaml:"providers"`
}

// LoadTunables loads a YAML tunables file; returns defaults if missing.
func LoadTunables(path string) (*Tunables, error) {
	if path == "" {
		return defaultTunables(), nil
	}
	// #nosec G304 -- tunables config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultTunables(), fmt.Errorf("read tunables config: %w", err)
	}
	var cfg Tunables
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return defaultTunables(), fmt.Errorf("parse tunables config: %w", err)
	}
	fillTunableDefaults(&cfg)
	return &cfg, nil
}

func defaultTunables() *Tunables {
	cfg := &Tunables{}
	fillTunableDefaults(cfg)
	return cfg
}

func fillTunableDefaults(cfg *Tunables) {
	if cfg.Session.EditTTLSeconds <= 0 {
		cfg.Session.EditTTLSeconds = 300
	}
	if cfg.Session.ViewTTLSeconds <= 0 {
		cfg.Session.ViewTTLSeconds = 300
	}
	if cfg.Session.LegacyViewTTLHours <= 0 {
		cfg.Session.LegacyViewTTLHours = 24
	}
	if cfg.Session.MinRefreshIntervalSeconds <= 0 {
		cfg.Session.MinRefreshIntervalSeconds = 30
	}
	if cfg.Contention.RequestTTLMinutes <= 0 {
		cfg.Contention.RequestTTLMinutes = 2
	}
	if cfg.Contention.GraceSeconds <= 0 {
		cfg.Contention.GraceSeconds = 15
	}
	if cfg.Polling.SavePendingAttempts <= 0 {
		cfg.Polling.SavePendingAttempts = 5
	}
	if cfg.Polling.SavePendingDelaySeconds <= 0 {
		cfg.Polling.SavePendingDelaySeconds = 4
	}
	if cfg.Polling.RemovalAttempts <= 0 {
		cfg.Polling.RemovalAttempts = 5
	}
	if cfg.Polling.RemovalDelaySeconds <= 0 {
		cfg.Polling.RemovalDelaySeconds = 1
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderTunables{
			"sharepoint": {RequiresCheckout: true},
		}
	}
}

// EditTTL returns the lifetime of an EDIT session record.
func (t *Tunables) EditTTL() time.Duration {
	return time.Duration(t.Session.EditTTLSeconds) * time.Second
}

// ViewTTL returns the lifetime of a VIEW session record.
func (t *Tunables) ViewTTL() time.Duration {
	return time.Duration(t.Session.ViewTTLSeconds) * time.Second
}

// LegacyViewTTL returns the long lifetime used for long-poll view clients.
func (t *Tunables) LegacyViewTTL() time.Duration {
	return time.Duration(t.Session.LegacyViewTTLHours) * time.Hour
}

// MinRefreshInterval returns the minimum gap between TTL refreshes.
func (t *Tunables) MinRefreshInterval() time.Duration {
	return time.Duration(t.Session.MinRefreshIntervalSeconds) * time.Second
}

// RequestTTL returns the lifetime of a contention request.
func (t *Tunables) RequestTTL() time.Duration {
	return time.Duration(t.Contention.RequestTTLMinutes) * time.Minute
}

// RequestGrace returns the grace window applied after request expiry.
func (t *Tunables) RequestGrace() time.Duration {
	return time.Duration(t.Contention.GraceSeconds) * time.Second
}

// SavePendingDelay returns the delay between save-pending poll attempts.
func (t *Tunables) SavePendingDelay() time.Duration {
	return time.Duration(t.Polling.SavePendingDelaySeconds) * time.Second
}

// RemovalDelay returns the delay between removal-confirm poll attempts.
func (t *Tunables) RemovalDelay() time.Duration {
	return time.Duration(t.Polling.RemovalDelaySeconds) * time.Second
}

// RequiresCheckout reports whether the provider holds an external
// pessimistic lock that must be reconciled before granting EDIT.
func (t *Tunables) RequiresCheckout(provider string) bool {
	p, ok := t.Providers[provider]
	return ok && p.RequiresCheckout
}
