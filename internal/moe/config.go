// Package moe implements a dropless expert-parallel mixture-of-experts
// layer: top-k routing, cross-rank token dispatch, local expert
// computation, and adaptive load balancing over a versioned
// expert-ownership table.
package moe

import "fmt"

// Config holds the layer configuration. It is passed explicitly at
// construction; nothing is read from ambient globals.
type Config struct {
	// NumExperts is the global expert count E. Must be divisible by
	// the expert-parallel world size.
	NumExperts int

	// TopK is the number of experts selected per token.
	TopK int

	// HiddenDim is the token feature dimension H.
	HiddenDim int

	// FFNDim is the expert intermediate dimension.
	FFNDim int

	// GroupedExperts selects the grouped execution strategy for the
	// expert bank. This is a performance policy: both strategies
	// produce the same outputs.
	GroupedExperts bool

	// LoadBalanceInterval is the number of training steps between
	// rebalances. Zero disables load balancing entirely.
	LoadBalanceInterval int

	// AuxLossCoeff scales the router's auxiliary load-balancing loss.
	AuxLossCoeff float64

	// Seed fixes parameter initialisation. The router gate is seeded
	// identically on every rank; expert parameters are seeded per
	// expert id.
	Seed int64
}

// BalanceEnabled reports whether the load balancer is active.
func (c Config) BalanceEnabled() bool { return c.LoadBalanceInterval > 0 }

// Validate checks the configuration against the expert-parallel world
// size. It fails fast, before any forward pass.
func (c Config) Validate(worldSize int) error {
	if worldSize <= 0 {
		return fmt.Errorf("%w: world size %d", ErrConfig, worldSize)
	}
	if c.NumExperts <= 0 {
		return fmt.Errorf("%w: num experts %d", ErrConfig, c.NumExperts)
	}
	if c.NumExperts%worldSize != 0 {
		return fmt.Errorf("%w: %d experts not divisible by world size %d", ErrConfig, c.NumExperts, worldSize)
	}
	if c.TopK <= 0 || c.TopK > c.NumExperts {
		return fmt.Errorf("%w: top-k %d with %d experts", ErrConfig, c.TopK, c.NumExperts)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("%w: hidden dim %d", ErrConfig, c.HiddenDim)
	}
	if c.FFNDim <= 0 {
		return fmt.Errorf("%w: ffn dim %d", ErrConfig, c.FFNDim)
	}
	if c.LoadBalanceInterval < 0 {
		return fmt.Errorf("%w: load balance interval %d", ErrConfig, c.LoadBalanceInterval)
	}
	return nil
}
