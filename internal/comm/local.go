package comm

import (
	"fmt"

	"github.com/google/uuid"
)

// LocalGroup is an in-process expert-parallel group. Each rank runs on
// its own goroutine and exchanges payloads through buffered per-pair
// mailboxes, which gives the same lockstep semantics as a cross-process
// collective backend: a collective completes on a rank only once every
// rank has contributed.
type LocalGroup struct {
	id    uuid.UUID
	world int

	// mailbox[src][dst] carries payloads from src to dst. Channel FIFO
	// order plus the lockstep collective schedule keeps rounds from
	// interleaving.
	mailbox [][]chan any

	comms []*localComm
}

// NewLocalGroup creates an in-process group with the given world size.
func NewLocalGroup(world int) (*LocalGroup, error) {
	if world <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrWorldSize, world)
	}
	g := &LocalGroup{
		id:      uuid.New(),
		world:   world,
		mailbox: make([][]chan any, world),
	}
	for src := 0; src < world; src++ {
		g.mailbox[src] = make([]chan any, world)
		for dst := 0; dst < world; dst++ {
			g.mailbox[src][dst] = make(chan any, 2)
		}
	}
	g.comms = make([]*localComm, world)
	for rank := 0; rank < world; rank++ {
		g.comms[rank] = &localComm{group: g, rank: rank}
	}
	return g, nil
}

// ID identifies the group, e.g. in logs and diagnostics.
func (g *LocalGroup) ID() uuid.UUID { return g.id }

// WorldSize returns the number of ranks in the group.
func (g *LocalGroup) WorldSize() int { return g.world }

// Communicator returns rank's handle on the group.
func (g *LocalGroup) Communicator(rank int) Communicator {
	if rank < 0 || rank >= g.world {
		panic("comm: rank out of range")
	}
	return g.comms[rank]
}

type localComm struct {
	group *LocalGroup
	rank  int
}

func (c *localComm) Rank() int      { return c.rank }
func (c *localComm) WorldSize() int { return c.group.world }

// exchange posts one payload per destination, then collects one payload
// per source. Posting first keeps the pattern deadlock-free: sends land
// in buffered mailboxes and each rank then blocks only on receives that
// every other rank is guaranteed to have posted, or will post.
func (c *localComm) exchange(payload func(dst int) any) ([]any, error) {
	g := c.group
	for dst := 0; dst < g.world; dst++ {
		g.mailbox[c.rank][dst] <- payload(dst)
	}
	out := make([]any, g.world)
	for src := 0; src < g.world; src++ {
		out[src] = <-g.mailbox[src][c.rank]
	}
	return out, nil
}

func (c *localComm) AllToAllCounts(sendCounts []int) ([]int, error) {
	if len(sendCounts) != c.group.world {
		return nil, fmt.Errorf("%w: got %d buffers, world size %d", ErrBufferCount, len(sendCounts), c.group.world)
	}
	raw, err := c.exchange(func(dst int) any { return sendCounts[dst] })
	if err != nil {
		return nil, err
	}
	recv := make([]int, c.group.world)
	for src, v := range raw {
		n, ok := v.(int)
		if !ok {
			return nil, fmt.Errorf("%w: counts exchange got %T from rank %d", ErrPayloadType, v, src)
		}
		recv[src] = n
	}
	return recv, nil
}

func (c *localComm) AllToAll(bufs [][]float32) ([][]float32, error) {
	if len(bufs) != c.group.world {
		return nil, fmt.Errorf("%w: got %d buffers, world size %d", ErrBufferCount, len(bufs), c.group.world)
	}
	raw, err := c.exchange(func(dst int) any { return bufs[dst] })
	if err != nil {
		return nil, err
	}
	recv := make([][]float32, c.group.world)
	for src, v := range raw {
		buf, ok := v.([]float32)
		if !ok {
			return nil, fmt.Errorf("%w: data exchange got %T from rank %d", ErrPayloadType, v, src)
		}
		recv[src] = buf
	}
	return recv, nil
}

func (c *localComm) AllToAllInts(bufs [][]int32) ([][]int32, error) {
	if len(bufs) != c.group.world {
		return nil, fmt.Errorf("%w: got %d buffers, world size %d", ErrBufferCount, len(bufs), c.group.world)
	}
	raw, err := c.exchange(func(dst int) any { return bufs[dst] })
	if err != nil {
		return nil, err
	}
	recv := make([][]int32, c.group.world)
	for src, v := range raw {
		buf, ok := v.([]int32)
		if !ok {
			return nil, fmt.Errorf("%w: metadata exchange got %T from rank %d", ErrPayloadType, v, src)
		}
		recv[src] = buf
	}
	return recv, nil
}

func (c *localComm) AllGatherInt64(local []int64) ([][]int64, error) {
	// Each destination gets its own copy so receivers can keep the
	// slice without aliasing the sender's buffer.
	raw, err := c.exchange(func(dst int) any { return append([]int64(nil), local...) })
	if err != nil {
		return nil, err
	}
	recv := make([][]int64, c.group.world)
	for src, v := range raw {
		buf, ok := v.([]int64)
		if !ok {
			return nil, fmt.Errorf("%w: gather got %T from rank %d", ErrPayloadType, v, src)
		}
		recv[src] = buf
	}
	return recv, nil
}

type barrierToken struct{}

func (c *localComm) Barrier() error {
	raw, err := c.exchange(func(dst int) any { return barrierToken{} })
	if err != nil {
		return err
	}
	for src, v := range raw {
		if _, ok := v.(barrierToken); !ok {
			return fmt.Errorf("%w: barrier got %T from rank %d", ErrPayloadType, v, src)
		}
	}
	return nil
}
