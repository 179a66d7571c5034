package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/livevox/internal/history"
	"github.com/MrWong99/livevox/pkg/audio/capture"
	"github.com/MrWong99/livevox/pkg/audio/playback"
	"github.com/MrWong99/livevox/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps backend names to their constructor functions for each
// kind. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	live    map[string]func(ProviderEntry) (live.Provider, error)
	capture map[string]func(AudioConfig) (capture.Opener, error)
	output  map[string]func(AudioConfig) (playback.Opener, error)
	history map[HistoryBackend]func(context.Context, HistoryConfig) (history.Store, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:    make(map[string]func(ProviderEntry) (live.Provider, error)),
		capture: make(map[string]func(AudioConfig) (capture.Opener, error)),
		output:  make(map[string]func(AudioConfig) (playback.Opener, error)),
		history: make(map[HistoryBackend]func(context.Context, HistoryConfig) (history.Store, error)),
	}
}

// RegisterLive registers a live transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory func(ProviderEntry) (live.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterCapture registers a microphone backend factory under name.
func (r *Registry) RegisterCapture(name string, factory func(AudioConfig) (capture.Opener, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterOutput registers a speaker backend factory under name.
func (r *Registry) RegisterOutput(name string, factory func(AudioConfig) (playback.Opener, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// RegisterHistory registers a transcript store factory for backend.
func (r *Registry) RegisterHistory(backend HistoryBackend, factory func(context.Context, HistoryConfig) (history.Store, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[backend] = factory
}

// CreateLive instantiates a live transport using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLive(entry ProviderEntry) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCapture instantiates the microphone backend named by cfg.Capture.
func (r *Registry) CreateCapture(cfg AudioConfig) (capture.Opener, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Capture]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, cfg.Capture)
	}
	return factory(cfg)
}

// CreateOutput instantiates the speaker backend named by cfg.Output.
func (r *Registry) CreateOutput(cfg AudioConfig) (playback.Opener, error) {
	r.mu.RLock()
	factory, ok := r.output[cfg.Output]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrProviderNotRegistered, cfg.Output)
	}
	return factory(cfg)
}

// CreateHistory opens the store selected by cfg.Backend. The "none"
// backend yields a nil store and no error.
func (r *Registry) CreateHistory(ctx context.Context, cfg HistoryConfig) (history.Store, error) {
	if cfg.Backend == HistoryNone {
		return nil, nil
	}
	r.mu.RLock()
	factory, ok := r.history[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: history/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(ctx, cfg)
}
