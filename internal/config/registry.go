package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/echolex/pkg/audio"
	"github.com/MrWong99/echolex/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps recognition backend and capture source names to their
// constructor functions. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	stt     map[string]func(*Config) (stt.Provider, error)
	sources map[string]func(*Config, *audio.Pool) (audio.Source, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:     make(map[string]func(*Config) (stt.Provider, error)),
		sources: make(map[string]func(*Config, *audio.Pool) (audio.Source, error)),
	}
}

// RegisterSTT registers a recognition backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(*Config) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterSource registers a capture source factory under name.
func (r *Registry) RegisterSource(name string, factory func(*Config, *audio.Pool) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// CreateSTT instantiates the recognition backend registered under name.
// The name is explicit rather than read from cfg so that one config can build
// both the primary backend (stt.provider) and the offline fallback
// (stt.offline). Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateSTT(name string, cfg *Config) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// CreateSource instantiates the capture source registered under name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateSource(name string, cfg *Config, pool *audio.Pool) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg, pool)
}
