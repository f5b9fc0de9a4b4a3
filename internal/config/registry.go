package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/seance/internal/device"
	"github.com/MrWong99/seance/pkg/audio/playback"
	"github.com/MrWong99/seance/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider and device backend names to their constructor
// functions. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	s2s      map[string]func(ProviderEntry) (s2s.Provider, error)
	capture  map[string]func(AudioConfig) (device.Source, error)
	playback map[string]func(AudioConfig) (playback.Sink, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:      make(map[string]func(ProviderEntry) (s2s.Provider, error)),
		capture:  make(map[string]func(AudioConfig) (device.Source, error)),
		playback: make(map[string]func(AudioConfig) (playback.Sink, error)),
	}
}

// RegisterS2S registers a conversational engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterCapture registers a microphone backend factory under name.
func (r *Registry) RegisterCapture(name string, factory func(AudioConfig) (device.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback registers a speaker backend factory under name.
func (r *Registry) RegisterPlayback(name string, factory func(AudioConfig) (playback.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// CreateS2S instantiates the engine registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCapture instantiates the microphone backend named by cfg.Input.Kind.
func (r *Registry) CreateCapture(cfg AudioConfig) (device.Source, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Input.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, cfg.Input.Kind)
	}
	return factory(cfg)
}

// CreatePlayback instantiates the speaker backend named by cfg.Output.Kind.
func (r *Registry) CreatePlayback(cfg AudioConfig) (playback.Sink, error) {
	r.mu.RLock()
	factory, ok := r.playback[cfg.Output.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrProviderNotRegistered, cfg.Output.Kind)
	}
	return factory(cfg)
}
