package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Devices is the capture/playback pair produced by an audio backend.
type Devices struct {
	Source audio.Source
	Sink   audio.Sink
}

// AudioFactory builds the device pair for an [AudioConfig].
type AudioFactory func(AudioConfig) (Devices, error)

// VADFactory builds a VAD engine for a [VADConfig].
type VADFactory func(VADConfig) (vad.Engine, error)

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	vad   map[string]VADFactory
	audio map[string]AudioFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad:   make(map[string]VADFactory),
		audio: make(map[string]AudioFactory),
	}
}

// RegisterVAD registers a VAD engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, factory VADFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterAudio registers an audio backend factory under name.
func (r *Registry) RegisterAudio(name string, factory AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateVAD instantiates the engine registered under cfg.Engine.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, cfg.Engine)
	}
	return factory(cfg)
}

// CreateAudio instantiates the devices of the backend registered under
// cfg.Backend.
func (r *Registry) CreateAudio(cfg AudioConfig) (Devices, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return Devices{}, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	d, err := factory(cfg)
	if err != nil {
		return Devices{}, err
	}
	if d.Source == nil || d.Sink == nil {
		return Devices{}, fmt.Errorf("config: audio backend %q returned incomplete devices", cfg.Backend)
	}
	return d, nil
}

// Backends returns the registered audio and VAD names, sorted.
func (r *Registry) Backends() (audioNames, vadNames []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range r.audio {
		audioNames = append(audioNames, name)
	}
	for name := range r.vad {
		vadNames = append(vadNames, name)
	}
	sort.Strings(audioNames)
	sort.Strings(vadNames)
	return audioNames, vadNames
}
