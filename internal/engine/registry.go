package engine

import (
	"errors"
	"slices"
	"sync"

	"github.com/petrijr/stepwise/pkg/api"
)

// handlerRegistry routes step names to handlers.
type handlerRegistry struct {
	mu       sync.RWMutex
	byName   map[string]api.Handler
	fallback api.Handler
}

func newHandlerRegistry(fallback api.Handler) *handlerRegistry {
	return &handlerRegistry{
		byName:   make(map[string]api.Handler),
		fallback: fallback,
	}
}

func (r *handlerRegistry) Register(name string, h api.Handler) error {
	if name == "" {
		return errors.New("handler name is required")
	}
	if h == nil {
		return errors.New("handler is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byName[name] = h
	return nil
}

// Lookup returns the handler for name, falling back to the default handler.
func (r *handlerRegistry) Lookup(name string) (api.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.byName[name]; ok {
		return h, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

func (r *handlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
