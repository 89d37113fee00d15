package async

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ProgressFunc reports execution progress as a percentage (0-100). Values outside the
// range are clamped by the queue.
type ProgressFunc func(pct float64)

// Processor executes jobs of one name.
// Domain packages implement it; the worker pool runs jobs through it without knowing
// the payload shape.
type Processor interface {
	// Process runs the job. Returning an error triggers the retry policy;
	// returning nil completes the job at 100%.
	Process(ctx context.Context, job *Job, progress ProgressFunc) error

	// Name is the job name this processor handles (e.g. "dhis2-alma-sync")
	Name() string
}

// ProcessorFunc adapts a function to the Processor interface
type ProcessorFunc struct {
	name string
	fn   func(ctx context.Context, job *Job, progress ProgressFunc) error
}

// NewProcessorFunc wraps fn as a Processor named name
func NewProcessorFunc(name string, fn func(ctx context.Context, job *Job, progress ProgressFunc) error) *ProcessorFunc {
	return &ProcessorFunc{name: name, fn: fn}
}

func (p *ProcessorFunc) Process(ctx context.Context, job *Job, progress ProgressFunc) error {
	return p.fn(ctx, job, progress)
}

func (p *ProcessorFunc) Name() string {
	return p.name
}

// Registry manages processors by job name.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	processors map[string]Processor
	mu         sync.RWMutex
}

// NewRegistry creates an empty processor registry.
func NewRegistry() *Registry {
	return &Registry{
		processors: make(map[string]Processor),
	}
}

// Register adds a processor using its name.
// Panics if a processor is already registered with that name.
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.processors[name]; exists {
		panic(fmt.Sprintf("processor already registered for name: %s", name))
	}
	r.processors[name] = p
}

// Get retrieves the processor for a name, or nil.
func (r *Registry) Get(name string) Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.processors[name]
}

// Has checks if a processor is registered for a name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.processors[name]
	return exists
}

// Names returns all registered processor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.processors))
	for name := range r.processors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
