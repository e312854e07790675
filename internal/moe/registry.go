package moe

import (
	"sync"

	"github.com/emberml/expertpar/internal/optim"
)

// Registry is the flat list of MoE layers in a model. Layers register
// at construction and the training loop iterates the list directly;
// no module-tree traversal, no type dispatch.
type Registry struct {
	mu     sync.Mutex
	layers []*MoELayer
}

// Register adds a layer to the registry.
func (r *Registry) Register(l *MoELayer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layers = append(r.layers, l)
}

// Layers returns a snapshot of the registered layers.
func (r *Registry) Layers() []*MoELayer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*MoELayer(nil), r.layers...)
}

// ApplyLoadBalance rebalances every registered layer. Collective:
// every rank's training loop must call it on the same step.
func ApplyLoadBalance(r *Registry, opt *optim.SGD) error {
	for _, l := range r.Layers() {
		if err := l.BalanceLoad(opt); err != nil {
			return err
		}
	}
	return nil
}

// PrintTokenDist logs the token distribution of every registered layer.
func PrintTokenDist(r *Registry, step int) error {
	for _, l := range r.Layers() {
		if err := l.PrintTokenDist(step); err != nil {
			return err
		}
	}
	return nil
}
