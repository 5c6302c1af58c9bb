package tasks

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
)

// Executor performs the external effect of one task kind.
type Executor interface {
	Execute(ctx context.Context, t domain.Task) error
}

type ExecutorFunc func(ctx context.Context, t domain.Task) error

func (f ExecutorFunc) Execute(ctx context.Context, t domain.Task) error {
	return f(ctx, t)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The task fails immediately
// instead of consuming its remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Registry maps task kinds to executors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

func (r *Registry) Register(kind string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = e
}

func (r *Registry) Lookup(kind string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[kind]
	return e, ok
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
