package jobs

import (
	"context"
	"fmt"
	"sync"
)

// HandlerFunc executes one billing job and returns a human-readable
// result recorded on the job row.
type HandlerFunc func(ctx context.Context, job *BillingJob) (string, error)

// Registry maps job types to handlers. Handlers are registered once at
// startup; adding a job type is a table edit, not a branch edit.
type Registry struct {
	mu       sync.RWMutex
	handlers map[JobType]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[JobType]HandlerFunc),
	}
}

// Register installs the handler for a job type. Registering the same
// type twice is a programming error.
func (r *Registry) Register(jobType JobType, handler HandlerFunc) error {
	if !jobType.Valid() {
		return fmt.Errorf("unknown job type %q", jobType)
	}
	if handler == nil {
		return fmt.Errorf("nil handler for job type %q", jobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("handler already registered for job type %q", jobType)
	}
	r.handlers[jobType] = handler
	return nil
}

// MustRegister is Register but panics on error. Used during startup
// wiring where a bad registration is unrecoverable.
func (r *Registry) MustRegister(jobType JobType, handler HandlerFunc) {
	if err := r.Register(jobType, handler); err != nil {
		panic(err)
	}
}

// Handler returns the handler for a job type.
func (r *Registry) Handler(jobType JobType) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types.
func (r *Registry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
