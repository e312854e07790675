// Package optim carries the optimizer state that travels with expert
// parameters when load balancing migrates them between ranks.
package optim

import (
	"sync"

	"github.com/emberml/expertpar/internal/tensor"
)

// SGD is stochastic gradient descent with momentum. Velocity buffers
// are keyed by parameter identity and can be detached and reinstalled,
// which expert migration requires: a migrated parameter must arrive at
// its new owner with its momentum intact.
type SGD struct {
	LR       float32
	Momentum float32

	mu       sync.Mutex
	velocity map[*tensor.Mat][]float32
}

// NewSGD creates an SGD optimizer with the given learning rate and
// momentum coefficient.
func NewSGD(lr, momentum float32) *SGD {
	return &SGD{
		LR:       lr,
		Momentum: momentum,
		velocity: make(map[*tensor.Mat][]float32),
	}
}

// Step applies one momentum update to p. grad must have len(p.Data).
func (o *SGD) Step(p *tensor.Mat, grad []float32) {
	if len(grad) != len(p.Data) {
		panic("optim: gradient length mismatch")
	}
	v := o.StateFor(p)
	for i := range p.Data {
		v[i] = o.Momentum*v[i] + grad[i]
		p.Data[i] -= o.LR * v[i]
	}
}

// StateFor returns the velocity buffer for p, allocating it on first use.
func (o *SGD) StateFor(p *tensor.Mat) []float32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.velocity[p]
	if !ok {
		v = make([]float32, len(p.Data))
		o.velocity[p] = v
	}
	return v
}

// Detach removes and returns p's velocity buffer, or nil if p has none.
// Used when p migrates to another rank.
func (o *SGD) Detach(p *tensor.Mat) []float32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := o.velocity[p]
	delete(o.velocity, p)
	return v
}

// Install registers a velocity buffer for p, replacing any existing
// one. Used when a migrated parameter arrives from another rank.
func (o *SGD) Install(p *tensor.Mat, velocity []float32) {
	if len(velocity) != len(p.Data) {
		panic("optim: velocity length mismatch")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.velocity[p] = velocity
}
