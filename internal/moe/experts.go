package moe

import (
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/emberml/expertpar/internal/tensor"
)

// Expert is one gated MLP sub-network: out = Down * (silu(Gate*x) .* Up*x).
// DownBias is returned alongside the output rather than added to it, so
// the caller can fold it in after recombination.
type Expert struct {
	Up   tensor.Mat // [F, H]
	Gate tensor.Mat // [F, H]
	Down tensor.Mat // [H, F]

	DownBias []float32 // [H]
}

// NewExpert creates an expert with parameters seeded from seed. Seeding
// per global expert id keeps initialisation independent of which rank
// constructs the expert.
func NewExpert(hidden, ffn int, seed int64) *Expert {
	rng := rand.New(rand.NewSource(seed))
	e := &Expert{
		Up:       tensor.NewMat(ffn, hidden),
		Gate:     tensor.NewMat(ffn, hidden),
		Down:     tensor.NewMat(hidden, ffn),
		DownBias: make([]float32, hidden),
	}
	e.Up.FillUniform(rng, 0.1)
	e.Gate.FillUniform(rng, 0.1)
	e.Down.FillUniform(rng, 0.1)
	for i := range e.DownBias {
		e.DownBias[i] = (rng.Float32()*2 - 1) * 0.01
	}
	return e
}

// Params returns the expert's parameter matrices, in migration order.
func (e *Expert) Params() []*tensor.Mat {
	return []*tensor.Mat{&e.Up, &e.Gate, &e.Down}
}

type ffnScratch struct {
	up   []float32
	gate []float32
	act  []float32
}

func newFFNScratch(ffn int) *ffnScratch {
	return &ffnScratch{
		up:   make([]float32, ffn),
		gate: make([]float32, ffn),
		act:  make([]float32, ffn),
	}
}

// forward computes the expert's output for one token into dst.
func (e *Expert) forward(dst, x []float32, s *ffnScratch) {
	tensor.MatVec(s.up, &e.Up, x)
	tensor.MatVec(s.gate, &e.Gate, x)
	for i := range s.act {
		s.act[i] = tensor.Silu(s.gate[i]) * s.up[i]
	}
	tensor.MatVec(dst, &e.Down, s.act)
}

// ExpertBank holds the experts hosted on this rank and applies each to
// the contiguous slice of dispatched tokens assigned to it. The grouped
// strategy fans the per-expert slices out across goroutines; the
// sequential strategy loops. Both produce identical results; the
// choice is a performance policy, not observable behavior.
type ExpertBank struct {
	hidden  int
	ffn     int
	grouped bool

	experts map[int]*Expert // keyed by global expert id
}

// NewExpertBank creates the bank for the given local expert ids.
func NewExpertBank(cfg Config, localExperts []int) *ExpertBank {
	b := &ExpertBank{
		hidden:  cfg.HiddenDim,
		ffn:     cfg.FFNDim,
		grouped: cfg.GroupedExperts,
		experts: make(map[int]*Expert, len(localExperts)),
	}
	for _, id := range localExperts {
		b.experts[id] = NewExpert(cfg.HiddenDim, cfg.FFNDim, cfg.Seed^int64(id+1)*1048573)
	}
	return b
}

// Compute applies each local expert to its token group. dispatched
// holds sum(tokensPerExpert) rows grouped per expert in localExperts
// order. It returns the expert outputs in the same row order and a
// bias matrix with each row set to the producing expert's DownBias.
func (b *ExpertBank) Compute(dispatched *tensor.Mat, tokensPerExpert []int64, localExperts []int) (tensor.Mat, tensor.Mat, error) {
	if len(tokensPerExpert) != len(localExperts) {
		return tensor.Mat{}, tensor.Mat{}, fmt.Errorf(
			"%w: %d counts for %d local experts", ErrShape, len(tokensPerExpert), len(localExperts))
	}
	var total int64
	for _, n := range tokensPerExpert {
		total += n
	}
	if int64(dispatched.R) != total || dispatched.C != b.hidden {
		return tensor.Mat{}, tensor.Mat{}, fmt.Errorf(
			"%w: dispatched %dx%d, counts sum to %d with hidden %d",
			ErrShape, dispatched.R, dispatched.C, total, b.hidden)
	}

	out := tensor.NewMat(dispatched.R, b.hidden)
	bias := tensor.NewMat(dispatched.R, b.hidden)

	if b.grouped {
		return out, bias, b.computeGrouped(dispatched, &out, &bias, tokensPerExpert, localExperts)
	}
	return out, bias, b.computeSequential(dispatched, &out, &bias, tokensPerExpert, localExperts)
}

func (b *ExpertBank) computeSequential(dispatched, out, bias *tensor.Mat, tokensPerExpert []int64, localExperts []int) error {
	scratch := newFFNScratch(b.ffn)
	offset := 0
	for li, id := range localExperts {
		expert, ok := b.experts[id]
		if !ok {
			return fmt.Errorf("%w: expert %d", ErrNotLocalExpert, id)
		}
		n := int(tokensPerExpert[li])
		for r := offset; r < offset+n; r++ {
			expert.forward(out.Row(r), dispatched.Row(r), scratch)
			copy(bias.Row(r), expert.DownBias)
		}
		offset += n
	}
	return nil
}

func (b *ExpertBank) computeGrouped(dispatched, out, bias *tensor.Mat, tokensPerExpert []int64, localExperts []int) error {
	var g errgroup.Group
	offset := 0
	for li, id := range localExperts {
		expert, ok := b.experts[id]
		if !ok {
			return fmt.Errorf("%w: expert %d", ErrNotLocalExpert, id)
		}
		lo, hi := offset, offset+int(tokensPerExpert[li])
		offset = hi
		g.Go(func() error {
			// Each goroutine owns a disjoint row range and its own
			// scratch.
			scratch := newFFNScratch(b.ffn)
			for r := lo; r < hi; r++ {
				expert.forward(out.Row(r), dispatched.Row(r), scratch)
				copy(bias.Row(r), expert.DownBias)
			}
			return nil
		})
	}
	return g.Wait()
}

// Expert returns the expert with the given global id, if hosted here.
func (b *ExpertBank) Expert(id int) (*Expert, bool) {
	e, ok := b.experts[id]
	return e, ok
}

// Remove detaches an expert from the bank, e.g. before migrating it to
// another rank.
func (b *ExpertBank) Remove(id int) *Expert {
	e := b.experts[id]
	delete(b.experts, id)
	return e
}

// Install registers an expert under the given global id, replacing any
// existing one.
func (b *ExpertBank) Install(id int, e *Expert) {
	b.experts[id] = e
}

// NumLocal returns the number of experts currently hosted.
func (b *ExpertBank) NumLocal() int { return len(b.experts) }

// Dims returns the hidden and ffn dimensions.
func (b *ExpertBank) Dims() (hidden, ffn int) { return b.hidden, b.ffn }
