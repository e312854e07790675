package moe

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/emberml/expertpar/internal/tensor"
)

// Router scores every token against every expert and selects the top-k
// experts per token. Scores are softmax probabilities over the full
// expert set, so downstream combination is a convex weighted sum. The
// gate weight is replicated: every rank seeds it identically and
// reaches the same routing decision for the same token.
type Router struct {
	numExperts int
	topK       int
	gate       tensor.Mat // [E, H]

	// Auxiliary load-balancing loss statistics, accumulated as a side
	// effect of routing.
	mu         sync.Mutex
	routedFrac []float64 // per expert: tokens that selected it
	probSum    []float64 // per expert: summed gate probability
	tokensSeen int64
}

// NewRouter creates a router for cfg, seeding the gate from cfg.Seed.
func NewRouter(cfg Config) *Router {
	r := &Router{
		numExperts: cfg.NumExperts,
		topK:       cfg.TopK,
		gate:       tensor.NewMat(cfg.NumExperts, cfg.HiddenDim),
		routedFrac: make([]float64, cfg.NumExperts),
		probSum:    make([]float64, cfg.NumExperts),
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	r.gate.FillUniform(rng, 0.1)
	return r
}

// Route computes, for each of the N tokens in the batch, the top-k
// expert ids and their normalized gate probabilities. Both returned
// slices have length N*k, slot-major: entry t*k+j is token t's j-th
// choice. Selection is deterministic; ties break toward the lowest
// expert id.
func (r *Router) Route(tokens *tensor.Mat) (scores []float32, experts []int32, err error) {
	if tokens.C != r.gate.C {
		return nil, nil, fmt.Errorf("%w: token dim %d, gate dim %d", ErrShape, tokens.C, r.gate.C)
	}
	n := tokens.R
	scores = make([]float32, n*r.topK)
	experts = make([]int32, n*r.topK)

	probs := make([]float32, r.numExperts)
	for t := 0; t < n; t++ {
		tensor.MatVec(probs, &r.gate, tokens.Row(t))
		tensor.Softmax(probs)

		selectTopK(probs, r.topK, experts[t*r.topK:(t+1)*r.topK], scores[t*r.topK:(t+1)*r.topK])
		r.accumulateAux(probs, experts[t*r.topK:(t+1)*r.topK])
	}
	return scores, experts, nil
}

// selectTopK writes the indices of the k largest probabilities into
// idx, descending, and the probabilities themselves into w. Ties keep
// the lower index first.
func selectTopK(probs []float32, k int, idx []int32, w []float32) {
	bestIdx := make([]int32, k)
	bestScore := make([]float32, k)
	for j := 0; j < k; j++ {
		bestIdx[j] = -1
		bestScore[j] = -1
	}
	for i, p := range probs {
		pos := k
		for j := 0; j < k; j++ {
			if p > bestScore[j] {
				pos = j
				break
			}
		}
		if pos == k {
			continue
		}
		for j := k - 1; j > pos; j-- {
			bestIdx[j] = bestIdx[j-1]
			bestScore[j] = bestScore[j-1]
		}
		bestIdx[pos] = int32(i)
		bestScore[pos] = p
	}
	copy(idx, bestIdx)
	copy(w, bestScore)
}

func (r *Router) accumulateAux(probs []float32, selected []int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range selected {
		r.routedFrac[e]++
	}
	for e, p := range probs {
		r.probSum[e] += float64(p)
	}
	r.tokensSeen++
}

// AuxLoss returns alpha * E * sum_e(f_e * P_e), where f_e is the
// fraction of routing slots assigned to expert e and P_e is the mean
// gate probability of e over the tokens seen since the last reset.
func (r *Router) AuxLoss(alpha float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tokensSeen == 0 {
		return 0
	}
	slots := float64(r.tokensSeen) * float64(r.topK)
	var loss float64
	for e := 0; e < r.numExperts; e++ {
		f := r.routedFrac[e] / slots
		p := r.probSum[e] / float64(r.tokensSeen)
		loss += f * p
	}
	return alpha * float64(r.numExperts) * loss
}

// ResetAux clears the accumulated auxiliary loss statistics.
func (r *Router) ResetAux() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for e := range r.routedFrac {
		r.routedFrac[e] = 0
		r.probSum[e] = 0
	}
	r.tokensSeen = 0
}

// Gate exposes the gate weight for optimizer updates.
func (r *Router) Gate() *tensor.Mat { return &r.gate }
