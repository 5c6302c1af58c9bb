package signals

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
)

// Handler consumes one routed signal.
type Handler interface {
	Handle(ctx context.Context, s domain.Signal) error
}

type HandlerFunc func(ctx context.Context, s domain.Signal) error

func (f HandlerFunc) Handle(ctx context.Context, s domain.Signal) error {
	return f(ctx, s)
}

// Multi delivers to every handler in order and joins their errors.
func Multi(handlers ...Handler) Handler {
	return HandlerFunc(func(ctx context.Context, s domain.Signal) error {
		var errs []error
		for _, h := range handlers {
			if err := h.Handle(ctx, s); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Registry maps signal types to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.SignalType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[domain.SignalType]Handler{}}
}

// Register binds h to typ, replacing any previous handler.
func (r *Registry) Register(typ domain.SignalType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = h
}

// Add appends h to the handlers already bound to typ.
func (r *Registry) Add(typ domain.SignalType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.handlers[typ]; ok {
		r.handlers[typ] = Multi(prev, h)
		return
	}
	r.handlers[typ] = h
}

func (r *Registry) Lookup(typ domain.SignalType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	return h, ok
}

func (r *Registry) Types() []domain.SignalType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]domain.SignalType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
