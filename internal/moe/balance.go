package moe

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/emberml/expertpar/internal/comm"
	"github.com/emberml/expertpar/internal/logger"
	"github.com/emberml/expertpar/internal/optim"
	"github.com/emberml/expertpar/internal/tensor"
)

// BalancePolicy computes a new expert-to-rank assignment from observed
// per-expert load. The returned slice maps every expert id to a rank;
// every rank must receive exactly perRank experts.
type BalancePolicy interface {
	Rebalance(load []float64, worldSize, perRank int) ([]int, error)
}

// GreedyPack assigns experts to ranks by longest-processing-time
// packing: experts sorted by load descending, each placed on the
// least-loaded rank that still has capacity. Ties break toward the
// lower expert id and the lower rank, keeping the result deterministic
// across ranks.
type GreedyPack struct{}

func (GreedyPack) Rebalance(load []float64, worldSize, perRank int) ([]int, error) {
	numExperts := len(load)
	if numExperts != worldSize*perRank {
		return nil, fmt.Errorf("%w: %d experts for %d ranks x %d", ErrOwnership, numExperts, worldSize, perRank)
	}

	order := make([]int, numExperts)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return load[order[a]] > load[order[b]]
	})

	ownerOf := make([]int, numExperts)
	rankLoad := make([]float64, worldSize)
	rankCount := make([]int, worldSize)
	for _, e := range order {
		best := -1
		for r := 0; r < worldSize; r++ {
			if rankCount[r] >= perRank {
				continue
			}
			if best == -1 || rankLoad[r] < rankLoad[best] {
				best = r
			}
		}
		if best == -1 {
			return nil, fmt.Errorf("%w: no rank with remaining capacity", ErrOwnership)
		}
		ownerOf[e] = best
		rankLoad[best] += load[e]
		rankCount[best]++
	}
	return ownerOf, nil
}

// LoadBalancer accumulates per-expert token counts across forward
// passes and, when triggered, migrates experts between ranks so load is
// more even. It has two states: observing (UpdateLoad) and rebalancing
// (BalanceLoad). BalanceLoad is itself a collective: every rank in the
// group must invoke it together, between forward passes, never inside
// one.
type LoadBalancer struct {
	comm      comm.Communicator
	cfg       Config
	ownership *atomic.Pointer[OwnershipTable]
	bank      *ExpertBank
	policy    BalancePolicy
	log       logger.Logger

	mu     sync.Mutex
	window []int64 // per local expert, local-order, since last rebalance
}

// NewLoadBalancer creates a balancer observing the given bank.
func NewLoadBalancer(cfg Config, c comm.Communicator, ownership *atomic.Pointer[OwnershipTable], bank *ExpertBank, log logger.Logger) *LoadBalancer {
	tab := ownership.Load()
	return &LoadBalancer{
		comm:      c,
		cfg:       cfg,
		ownership: ownership,
		bank:      bank,
		policy:    GreedyPack{},
		log:       log.With("component", "balancer", "rank", c.Rank()),
		window:    make([]int64, len(tab.LocalExperts(c.Rank()))),
	}
}

// SetPolicy replaces the rebalancing policy. Every rank in the group
// must use the same policy.
func (lb *LoadBalancer) SetPolicy(p BalancePolicy) { lb.policy = p }

// UpdateLoad folds one forward pass's per-expert token counts into the
// observation window. Constant work per local expert; no collectives.
func (lb *LoadBalancer) UpdateLoad(tokensPerExpert []int64) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if len(tokensPerExpert) != len(lb.window) {
		return fmt.Errorf("%w: %d counts for a window of %d local experts",
			ErrCountMismatch, len(tokensPerExpert), len(lb.window))
	}
	for i, n := range tokensPerExpert {
		lb.window[i] += n
	}
	return nil
}

// globalLoad gathers every rank's window and assembles the per-expert
// load over all experts. Collective.
func (lb *LoadBalancer) globalLoad(tab *OwnershipTable) ([]int64, error) {
	lb.mu.Lock()
	local := append([]int64(nil), lb.window...)
	lb.mu.Unlock()

	gathered, err := lb.comm.AllGatherInt64(local)
	if err != nil {
		return nil, err
	}
	global := make([]int64, tab.NumExperts())
	for src := 0; src < tab.WorldSize(); src++ {
		experts := tab.LocalExperts(src)
		if len(gathered[src]) != len(experts) {
			return nil, fmt.Errorf("%w: rank %d reported %d loads for %d experts",
				ErrCountMismatch, src, len(gathered[src]), len(experts))
		}
		for i, e := range experts {
			global[e] = gathered[src][i]
		}
	}
	return global, nil
}

// BalanceLoad computes a new expert assignment from the observed load,
// migrates expert parameters (and their optimizer state) to their new
// owners, installs the new ownership table, and resets the window.
//
// opt may be nil when no optimizer state exists yet; migrated experts
// then arrive with zeroed momentum.
func (lb *LoadBalancer) BalanceLoad(opt *optim.SGD) error {
	tab := lb.ownership.Load()
	rank := lb.comm.Rank()
	world := lb.comm.WorldSize()
	perRank := tab.NumExperts() / world

	global, err := lb.globalLoad(tab)
	if err != nil {
		return err
	}
	loadF := make([]float64, len(global))
	for i, n := range global {
		loadF[i] = float64(n)
	}

	newOwner, err := lb.policy.Rebalance(loadF, world, perRank)
	if err != nil {
		return err
	}
	newTab, err := NewOwnership(newOwner, world, tab.Version+1)
	if err != nil {
		return err
	}

	if err := lb.migrate(tab, newTab, opt); err != nil {
		return err
	}

	// Swap the table only after migration completes, so a subsequent
	// forward pass sees a mapping every rank can serve.
	lb.ownership.Store(newTab)

	lb.mu.Lock()
	lb.window = make([]int64, len(newTab.LocalExperts(rank)))
	lb.mu.Unlock()

	lb.log.Info("rebalanced experts",
		"version", newTab.Version,
		"max_load", maxOf(global),
		"mean_load", meanOf(global))
	return nil
}

// expertFloats is the flattened parameter+momentum size of one expert.
func (lb *LoadBalancer) expertFloats() int {
	h, f := lb.bank.Dims()
	params := 2*f*h + h*f + h // up, gate, down, bias
	return 2 * params         // parameters plus momentum
}

// migrate exchanges experts whose owner changes. Both sides derive the
// same deterministic order (ascending expert id), so the flattened
// buffers need no framing.
func (lb *LoadBalancer) migrate(oldTab, newTab *OwnershipTable, opt *optim.SGD) error {
	rank := lb.comm.Rank()
	world := lb.comm.WorldSize()
	per := lb.expertFloats()

	sendBufs := make([][]float32, world)
	for dst := 0; dst < world; dst++ {
		sendBufs[dst] = []float32{}
	}
	for e := 0; e < oldTab.NumExperts(); e++ {
		if oldTab.Owner(e) != rank || newTab.Owner(e) == rank {
			continue
		}
		dst := newTab.Owner(e)
		expert := lb.bank.Remove(e)
		if expert == nil {
			return fmt.Errorf("%w: expert %d scheduled for migration", ErrNotLocalExpert, e)
		}
		sendBufs[dst] = packExpert(sendBufs[dst], expert, opt)
	}

	recvBufs, err := lb.comm.AllToAll(sendBufs)
	if err != nil {
		return err
	}

	h, f := lb.bank.Dims()
	for src := 0; src < world; src++ {
		var incoming []int
		for e := 0; e < oldTab.NumExperts(); e++ {
			if oldTab.Owner(e) == src && src != rank && newTab.Owner(e) == rank {
				incoming = append(incoming, e)
			}
		}
		if len(recvBufs[src]) != len(incoming)*per {
			return fmt.Errorf("%w: rank %d sent %d floats for %d migrating experts",
				ErrCountMismatch, src, len(recvBufs[src]), len(incoming))
		}
		buf := recvBufs[src]
		for i, e := range incoming {
			expert, velocities := unpackExpert(buf[i*per:(i+1)*per], h, f)
			lb.bank.Install(e, expert)
			if opt != nil {
				params := expert.Params()
				for j, p := range params {
					opt.Install(p, velocities[j])
				}
			}
		}
	}
	return nil
}

func packExpert(buf []float32, e *Expert, opt *optim.SGD) []float32 {
	for _, p := range e.Params() {
		buf = append(buf, p.Data...)
		buf = append(buf, velocityOf(opt, p)...)
	}
	buf = append(buf, e.DownBias...)
	buf = append(buf, make([]float32, len(e.DownBias))...)
	return buf
}

func velocityOf(opt *optim.SGD, p *tensor.Mat) []float32 {
	if opt == nil {
		return make([]float32, len(p.Data))
	}
	if v := opt.Detach(p); v != nil {
		return v
	}
	return make([]float32, len(p.Data))
}

func unpackExpert(buf []float32, hidden, ffn int) (*Expert, [][]float32) {
	e := &Expert{
		Up:       tensor.NewMat(ffn, hidden),
		Gate:     tensor.NewMat(ffn, hidden),
		Down:     tensor.NewMat(hidden, ffn),
		DownBias: make([]float32, hidden),
	}
	velocities := make([][]float32, 3)
	off := 0
	for i, p := range e.Params() {
		n := len(p.Data)
		copy(p.Data, buf[off:off+n])
		off += n
		velocities[i] = append([]float32(nil), buf[off:off+n]...)
		off += n
	}
	copy(e.DownBias, buf[off:off+hidden])
	return e, velocities
}

// TokenDist gathers the global per-expert load for the current window.
// Collective: every rank must call it together.
func (lb *LoadBalancer) TokenDist() ([]int64, error) {
	return lb.globalLoad(lb.ownership.Load())
}

// PrintTokenDist logs the current global load distribution. Read-only;
// rank 0 does the logging so the report appears once.
func (lb *LoadBalancer) PrintTokenDist(step int) error {
	global, err := lb.TokenDist()
	if err != nil {
		return err
	}
	if lb.comm.Rank() != 0 {
		return nil
	}
	maxLoad := maxOf(global)
	mean := meanOf(global)
	ratio := 0.0
	if mean > 0 {
		ratio = float64(maxLoad) / mean
	}
	lb.log.Info("token distribution",
		"step", step,
		"per_expert", global,
		"max", maxLoad,
		"mean", mean,
		"max_mean_ratio", ratio)
	return nil
}

// LocalLoad returns a copy of the current observation window.
func (lb *LoadBalancer) LocalLoad() []int64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return append([]int64(nil), lb.window...)
}

func maxOf(v []int64) int64 {
	var m int64
	for _, x := range v {
		if x > m {
			m = x
		}
	}
	return m
}

func meanOf(v []int64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum int64
	for _, x := range v {
		sum += x
	}
	return float64(sum) / float64(len(v))
}
