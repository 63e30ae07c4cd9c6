package kernel

import (
	"sync"
)

// PipelineInject is the built-in pipeline that expands per-entry
// sub-factories into additional layers.
const PipelineInject = "inject"

type processorEntry struct {
	unit string
	proc Processor
}

// Pipeline is the registry of named processors. Names and processors are
// kept in registration order; nothing is ever removed.
type Pipeline struct {
	mu         sync.RWMutex
	names      []string
	processors map[string][]processorEntry
}

// NewPipeline creates an empty pipeline registry.
func NewPipeline() *Pipeline {
	return &Pipeline{processors: make(map[string][]processorEntry)}
}

// Register appends proc to the processors of name on behalf of unit.
// A unit may register at most one processor per pipeline name.
func (p *Pipeline) Register(unit, name string, proc Processor) error {
	if name == "" {
		return newError(KindValidation, "pipeline name must not be empty", nil).WithUnit(unit)
	}
	if IsReserved(name) {
		return newError(KindValidation, "pipeline name is a reserved field", nil).WithUnit(unit).WithKey(name)
	}
	if proc == nil {
		return newError(KindValidation, "processor must not be nil", nil).WithUnit(unit).WithKey(name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entries, known := p.processors[name]
	for _, e := range entries {
		if e.unit == unit {
			return newError(KindDuplicateKey, "unit already registered a processor for this pipeline", nil).
				WithUnit(unit).
				WithKey(name)
		}
	}
	if !known {
		p.names = append(p.names, name)
	}
	p.processors[name] = append(entries, processorEntry{unit: unit, proc: proc})
	return nil
}

// Names returns the pipeline names in first-registration order.
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.names))
	copy(names, p.names)
	return names
}

// Processors returns the processors of name in registration order.
func (p *Pipeline) Processors(name string) []Processor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entries := p.processors[name]
	out := make([]Processor, len(entries))
	for i, e := range entries {
		out[i] = e.proc
	}
	return out
}

// Owners returns the units that registered processors for name, in order.
func (p *Pipeline) Owners(name string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entries := p.processors[name]
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.unit
	}
	return out
}
