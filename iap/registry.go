package iap

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// BackendFactory builds a fresh, disconnected Backend for one market.
type BackendFactory func(log *zap.Logger) Backend

// Registry maps each market to the factory that builds its backend.
type Registry struct {
	mu        sync.RWMutex
	factories map[Market]BackendFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[Market]BackendFactory{}}
}

func (r *Registry) Register(market Market, factory BackendFactory) {
	if factory == nil {
		return
	}

	r.mu.Lock()
	r.factories[market] = factory
	r.mu.Unlock()
}

func (r *Registry) Supports(market Market) bool {
	if r == nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[market]
	return ok
}

func (r *Registry) NewBackend(market Market, log *zap.Logger) (Backend, error) {
	if r == nil {
		return nil, ErrUnknownMarket
	}

	r.mu.RLock()
	factory, ok := r.factories[market]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no backend registered for %s", ErrUnknownMarket, market)
	}
	return factory(log), nil
}
