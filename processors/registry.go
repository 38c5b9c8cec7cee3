package processors

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/yashrajoria/marketplace-payments/models"
)

// Registry maps payment methods to enabled backends. Disabled backends are
// never registered, so lookups for them fail the same way as unknown ones.
type Registry struct {
	mu         sync.RWMutex
	processors map[models.PaymentMethod]Processor
	initErrs   map[models.PaymentMethod]error
	logger     *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		processors: make(map[models.PaymentMethod]Processor),
		initErrs:   make(map[models.PaymentMethod]error),
		logger:     logger,
	}
}

// Register adds p for its method, replacing any previous backend.
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[p.Method()] = p
}

// Get returns the backend for method.
func (r *Registry) Get(method models.PaymentMethod) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[method]
	return p, ok
}

// Methods lists the enabled methods in a stable order.
func (r *Registry) Methods() []models.PaymentMethod {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.PaymentMethod, 0, len(r.processors))
	for m := range r.processors {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InScope resolves a reconciliation scope ("all" or a method) to backends.
func (r *Registry) InScope(scope string) ([]Processor, error) {
	if scope == "" || scope == models.ScopeAll {
		var out []Processor
		for _, m := range r.Methods() {
			p, _ := r.Get(m)
			out = append(out, p)
		}
		return out, nil
	}
	p, ok := r.Get(models.PaymentMethod(scope))
	if !ok {
		return nil, fmt.Errorf("processor %q is not enabled", scope)
	}
	return []Processor{p}, nil
}

// Initialize initializes every backend, recording failures for health
// reporting instead of aborting startup.
func (r *Registry) Initialize(ctx context.Context) {
	for _, m := range r.Methods() {
		p, _ := r.Get(m)
		err := p.Initialize(ctx)

		r.mu.Lock()
		if err != nil {
			r.initErrs[m] = err
		} else {
			delete(r.initErrs, m)
		}
		r.mu.Unlock()

		if err != nil {
			r.logger.Error("processor failed to initialize", zap.String("processor", p.Name()), zap.Error(err))
			continue
		}
		r.logger.Info("processor initialized", zap.String("processor", p.Name()), zap.String("method", string(m)))
	}
}

// ProcessorHealth is one backend's line in the health report.
type ProcessorHealth struct {
	Name         string       `json:"name"`
	Method       string       `json:"method"`
	Healthy      bool         `json:"healthy"`
	Error        string       `json:"error,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// Health reports initialization state per backend.
func (r *Registry) Health() []ProcessorHealth {
	var out []ProcessorHealth
	for _, m := range r.Methods() {
		p, _ := r.Get(m)
		r.mu.RLock()
		err := r.initErrs[m]
		r.mu.RUnlock()

		h := ProcessorHealth{Name: p.Name(), Method: string(m), Healthy: err == nil, Capabilities: p.Capabilities()}
		if err != nil {
			h.Error = err.Error()
		}
		out = append(out, h)
	}
	return out
}
