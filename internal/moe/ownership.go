package moe

import "fmt"

// OwnershipTable records which rank hosts each expert. Tables are
// immutable once built; the load balancer installs a successor with a
// higher version and swaps it in atomically between forward passes, so
// an in-flight forward pass never observes a partially updated mapping.
type OwnershipTable struct {
	Version uint64

	ownerOf []int   // expert id -> owning rank
	localOf []int   // expert id -> position within the owner's local list
	local   [][]int // rank -> expert ids hosted, ascending
}

// NewOwnership builds a table from an expert->rank assignment. Every
// expert must be owned by exactly one valid rank and every rank must
// host the same number of experts.
func NewOwnership(ownerOf []int, worldSize int, version uint64) (*OwnershipTable, error) {
	numExperts := len(ownerOf)
	if numExperts == 0 || worldSize <= 0 || numExperts%worldSize != 0 {
		return nil, fmt.Errorf("%w: %d experts over %d ranks", ErrOwnership, numExperts, worldSize)
	}
	perRank := numExperts / worldSize

	t := &OwnershipTable{
		Version: version,
		ownerOf: append([]int(nil), ownerOf...),
		localOf: make([]int, numExperts),
		local:   make([][]int, worldSize),
	}
	for rank := range t.local {
		t.local[rank] = make([]int, 0, perRank)
	}
	for expert, rank := range t.ownerOf {
		if rank < 0 || rank >= worldSize {
			return nil, fmt.Errorf("%w: expert %d assigned to rank %d", ErrOwnership, expert, rank)
		}
		t.localOf[expert] = len(t.local[rank])
		t.local[rank] = append(t.local[rank], expert)
	}
	for rank, experts := range t.local {
		if len(experts) != perRank {
			return nil, fmt.Errorf("%w: rank %d hosts %d experts, want %d", ErrOwnership, rank, len(experts), perRank)
		}
	}
	return t, nil
}

// Partition computes the initial contiguous expert assignment: rank r
// owns experts [r*E/world, (r+1)*E/world). It is the table every layer
// starts from; the load balancer may later install non-contiguous
// successors.
func Partition(numExperts, worldSize int) (*OwnershipTable, error) {
	if worldSize <= 0 || numExperts <= 0 || numExperts%worldSize != 0 {
		return nil, fmt.Errorf("%w: %d experts over %d ranks", ErrConfig, numExperts, worldSize)
	}
	perRank := numExperts / worldSize
	ownerOf := make([]int, numExperts)
	for e := range ownerOf {
		ownerOf[e] = e / perRank
	}
	return NewOwnership(ownerOf, worldSize, 0)
}

// NumExperts returns the global expert count.
func (t *OwnershipTable) NumExperts() int { return len(t.ownerOf) }

// WorldSize returns the number of ranks sharing the experts.
func (t *OwnershipTable) WorldSize() int { return len(t.local) }

// Owner returns the rank hosting the given expert.
func (t *OwnershipTable) Owner(expert int) int { return t.ownerOf[expert] }

// LocalIndex returns the expert's position within its owner's local
// expert list.
func (t *OwnershipTable) LocalIndex(expert int) int { return t.localOf[expert] }

// LocalExperts returns the expert ids hosted by rank, ascending. The
// returned slice must not be modified.
func (t *OwnershipTable) LocalExperts(rank int) []int { return t.local[rank] }

// Owners returns a copy of the expert->rank assignment.
func (t *OwnershipTable) Owners() []int {
	return append([]int(nil), t.ownerOf...)
}
