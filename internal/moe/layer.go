package moe

import (
	"sync/atomic"

	"github.com/emberml/expertpar/internal/comm"
	"github.com/emberml/expertpar/internal/logger"
	"github.com/emberml/expertpar/internal/optim"
	"github.com/emberml/expertpar/internal/tensor"
)

// MoELayer orchestrates one mixture-of-experts layer across an
// expert-parallel group: route, dispatch, compute, recombine. Every
// rank in the group constructs the layer with the same config and runs
// Forward in lockstep; the two collectives inside the dispatcher are
// the only cross-rank synchronization points.
type MoELayer struct {
	cfg  Config
	comm comm.Communicator
	log  logger.Logger

	ownership  atomic.Pointer[OwnershipTable]
	router     *Router
	dispatcher *Dispatcher
	bank       *ExpertBank
	balancer   *LoadBalancer
}

// NewMoELayer builds the layer for this rank. Configuration errors
// surface here, before any forward pass.
func NewMoELayer(cfg Config, c comm.Communicator, log logger.Logger) (*MoELayer, error) {
	if err := cfg.Validate(c.WorldSize()); err != nil {
		return nil, err
	}
	tab, err := Partition(cfg.NumExperts, c.WorldSize())
	if err != nil {
		return nil, err
	}

	l := &MoELayer{
		cfg:  cfg,
		comm: c,
		log:  log.With("component", "moe", "rank", c.Rank()),
	}
	l.ownership.Store(tab)
	l.router = NewRouter(cfg)
	l.dispatcher = NewDispatcher(c, cfg.HiddenDim, cfg.TopK)
	l.bank = NewExpertBank(cfg, tab.LocalExperts(c.Rank()))
	if cfg.BalanceEnabled() {
		l.balancer = NewLoadBalancer(cfg, c, &l.ownership, l.bank, log)
	}
	return l, nil
}

// Forward runs one pass: route → permute → (observe load) → compute →
// unpermute. The returned output and bias have exactly the input batch
// shape, tokens in input order.
func (l *MoELayer) Forward(tokens *tensor.Mat) (tensor.Mat, tensor.Mat, error) {
	tab := l.ownership.Load()

	scores, experts, err := l.router.Route(tokens)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, err
	}

	dispatched, tokensPerExpert, rmap, err := l.dispatcher.Permute(tokens, scores, experts, tab)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, err
	}

	if l.balancer != nil {
		if err := l.balancer.UpdateLoad(tokensPerExpert); err != nil {
			return tensor.Mat{}, tensor.Mat{}, err
		}
	}

	expertOut, bias, err := l.bank.Compute(&dispatched, tokensPerExpert, tab.LocalExperts(l.comm.Rank()))
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, err
	}

	return l.dispatcher.Unpermute(&expertOut, &bias, scores, rmap, tab)
}

// BalanceLoad triggers a rebalance. Collective: every rank must invoke
// it together, between forward passes. No-op when load balancing is
// disabled (uniformly across the group, since config is shared).
func (l *MoELayer) BalanceLoad(opt *optim.SGD) error {
	if l.balancer == nil {
		return nil
	}
	return l.balancer.BalanceLoad(opt)
}

// PrintTokenDist logs the current global token distribution.
// Collective when balancing is enabled; no-op otherwise.
func (l *MoELayer) PrintTokenDist(step int) error {
	if l.balancer == nil {
		return nil
	}
	return l.balancer.PrintTokenDist(step)
}

// AuxLoss returns the router's auxiliary load-balancing loss scaled by
// the configured coefficient.
func (l *MoELayer) AuxLoss() float64 {
	return l.router.AuxLoss(l.cfg.AuxLossCoeff)
}

// Ownership returns the current ownership table.
func (l *MoELayer) Ownership() *OwnershipTable {
	return l.ownership.Load()
}

// LocalLoad returns this rank's per-expert load window, or nil when
// balancing is disabled.
func (l *MoELayer) LocalLoad() []int64 {
	if l.balancer == nil {
		return nil
	}
	return l.balancer.LocalLoad()
}

// Config returns the layer configuration.
func (l *MoELayer) Config() Config { return l.cfg }

// Router exposes the router, e.g. for aux loss bookkeeping in the
// training loop.
func (l *MoELayer) Router() *Router { return l.router }

// Bank exposes this rank's expert bank, e.g. for optimizer updates in
// the training loop.
func (l *MoELayer) Bank() *ExpertBank { return l.bank }

// Balancer exposes the load balancer, or nil when disabled.
func (l *MoELayer) Balancer() *LoadBalancer { return l.balancer }
