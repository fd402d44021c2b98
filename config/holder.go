package config

import (
	"errors"
	"sync/atomic"
)

// ErrNilConfig is returned when a nil config is stored.
var ErrNilConfig = errors.New("loom/config: nil config")

// Holder publishes the active config to concurrent readers. A stored
// config is validated and copied first, so readers only ever see a
// complete, valid value.
type Holder struct {
	cur atomic.Pointer[ObservabilityConfig]
}

// NewHolder creates a Holder with an initial config.
func NewHolder(cfg *ObservabilityConfig) (*Holder, error) {
	h := &Holder{}
	if err := h.Store(cfg); err != nil {
		return nil, err
	}
	return h, nil
}

// Load returns the active config. Callers must not modify it.
func (h *Holder) Load() *ObservabilityConfig {
	return h.cur.Load()
}

// Store validates cfg and makes a copy of it the active config. An invalid
// config leaves the active one untouched.
func (h *Holder) Store(cfg *ObservabilityConfig) error {
	if cfg == nil {
		return ErrNilConfig
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	h.cur.Store(cfg.Clone())
	return nil
}
