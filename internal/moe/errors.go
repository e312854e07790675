package moe

import "errors"

var (
	// ErrConfig reports an invalid layer configuration at construction.
	ErrConfig = errors.New("moe: invalid configuration")

	// ErrShape reports an input tensor whose shape does not match the
	// configured hidden dimension or token count.
	ErrShape = errors.New("moe: tensor shape mismatch")

	// ErrExpertRange reports a routing decision naming an expert id
	// outside [0, NumExperts).
	ErrExpertRange = errors.New("moe: expert id out of range")

	// ErrCountMismatch reports a disagreement between declared and
	// received token counts across the all-to-all exchange. This is a
	// protocol violation between ranks and is fatal: tolerating it
	// would corrupt results for other tokens sharing buffers.
	ErrCountMismatch = errors.New("moe: token count mismatch across exchange")

	// ErrNotLocalExpert reports a dispatched token arriving at a rank
	// that does not host its chosen expert.
	ErrNotLocalExpert = errors.New("moe: received token for expert not hosted on this rank")

	// ErrStaleRoutingMap reports an unpermute attempted with a routing
	// map built against a different ownership table version.
	ErrStaleRoutingMap = errors.New("moe: routing map does not match current ownership version")

	// ErrOwnership reports an ownership table that leaves an expert
	// unowned, multiply owned, or shares experts unevenly.
	ErrOwnership = errors.New("moe: invalid ownership table")
)
