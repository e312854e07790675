// Package comm provides the collective communication substrate for an
// expert-parallel worker group: the counts exchange and variable-sized
// all-to-all data exchange the token dispatcher is built on.
//
// Collectives are synchronization barriers. Every rank in the group
// must enter the same collective, in the same order, before any rank
// can leave it. There is no timeout contract: a rank that never enters
// a collective hangs the whole group, which is a process-level failure,
// not a recoverable condition.
package comm

import "errors"

var (
	// ErrWorldSize reports an invalid group size at construction.
	ErrWorldSize = errors.New("comm: world size must be positive")

	// ErrBufferCount reports a collective invoked with a number of
	// per-destination buffers different from the world size.
	ErrBufferCount = errors.New("comm: per-destination buffer count does not match world size")

	// ErrPayloadType reports a rank receiving a payload of a different
	// type than the collective it is executing, meaning the group has
	// diverged on its collective schedule.
	ErrPayloadType = errors.New("comm: mismatched payload type in collective")
)

// Communicator is one rank's handle on an expert-parallel group.
//
// Buffer ownership transfers on send: a rank must not reuse a slice it
// has passed into a collective, and owns the slices it gets back.
type Communicator interface {
	// Rank is this worker's index within the group, in [0, WorldSize).
	Rank() int

	// WorldSize is the number of workers in the group.
	WorldSize() int

	// AllToAllCounts exchanges per-destination element counts.
	// sendCounts[d] is the number of elements this rank is about to
	// send to rank d; the result holds, per source rank, how many
	// elements that rank is about to send here.
	AllToAllCounts(sendCounts []int) ([]int, error)

	// AllToAll exchanges variable-sized float32 buffers. bufs[d] is
	// delivered to rank d; the result holds one buffer per source rank.
	AllToAll(bufs [][]float32) ([][]float32, error)

	// AllToAllInts exchanges variable-sized int32 buffers, used for
	// routing metadata alongside the data exchange.
	AllToAllInts(bufs [][]int32) ([][]int32, error)

	// AllGatherInt64 delivers every rank's local slice to every rank,
	// indexed by source rank.
	AllGatherInt64(local []int64) ([][]int64, error)

	// Barrier blocks until every rank in the group has reached it.
	Barrier() error
}
