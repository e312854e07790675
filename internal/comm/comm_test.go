package comm

import (
	"errors"
	"sync"
	"testing"
)

// runGroup runs fn on one goroutine per rank and collects errors.
func runGroup(t *testing.T, world int, fn func(c Communicator) error) {
	t.Helper()
	g, err := NewLocalGroup(world)
	if err != nil {
		t.Fatalf("NewLocalGroup(%d): %v", world, err)
	}

	errs := make([]error, world)
	var wg sync.WaitGroup
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = fn(g.Communicator(rank))
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
}

func TestNewLocalGroupRejectsBadWorldSize(t *testing.T) {
	t.Parallel()
	if _, err := NewLocalGroup(0); !errors.Is(err, ErrWorldSize) {
		t.Fatalf("expected ErrWorldSize, got %v", err)
	}
}

func TestAllToAllCounts(t *testing.T) {
	t.Parallel()
	const world = 3
	runGroup(t, world, func(c Communicator) error {
		// Rank r sends r*10+d elements to rank d.
		send := make([]int, world)
		for d := range send {
			send[d] = c.Rank()*10 + d
		}
		recv, err := c.AllToAllCounts(send)
		if err != nil {
			return err
		}
		for src, n := range recv {
			want := src*10 + c.Rank()
			if n != want {
				t.Errorf("rank %d: recv[%d] = %d, want %d", c.Rank(), src, n, want)
			}
		}
		return nil
	})
}

func TestAllToAllDeliversToCorrectRank(t *testing.T) {
	t.Parallel()
	const world = 4
	runGroup(t, world, func(c Communicator) error {
		bufs := make([][]float32, world)
		for d := range bufs {
			bufs[d] = []float32{float32(c.Rank()), float32(d)}
		}
		recv, err := c.AllToAll(bufs)
		if err != nil {
			return err
		}
		for src, buf := range recv {
			if len(buf) != 2 || buf[0] != float32(src) || buf[1] != float32(c.Rank()) {
				t.Errorf("rank %d: bad payload from %d: %v", c.Rank(), src, buf)
			}
		}
		return nil
	})
}

func TestAllToAllVariableSizes(t *testing.T) {
	t.Parallel()
	const world = 3
	runGroup(t, world, func(c Communicator) error {
		// Rank r sends r+d+1 elements to rank d, including itself.
		bufs := make([][]float32, world)
		for d := range bufs {
			bufs[d] = make([]float32, c.Rank()+d+1)
		}
		recv, err := c.AllToAll(bufs)
		if err != nil {
			return err
		}
		for src, buf := range recv {
			if len(buf) != src+c.Rank()+1 {
				t.Errorf("rank %d: got %d elements from %d, want %d", c.Rank(), len(buf), src, src+c.Rank()+1)
			}
		}
		return nil
	})
}

func TestAllToAllBufferCountValidation(t *testing.T) {
	t.Parallel()
	g, err := NewLocalGroup(1)
	if err != nil {
		t.Fatal(err)
	}
	c := g.Communicator(0)
	if _, err := c.AllToAll(make([][]float32, 3)); !errors.Is(err, ErrBufferCount) {
		t.Fatalf("expected ErrBufferCount, got %v", err)
	}
}

func TestAllGatherInt64(t *testing.T) {
	t.Parallel()
	const world = 3
	runGroup(t, world, func(c Communicator) error {
		got, err := c.AllGatherInt64([]int64{int64(c.Rank()), int64(c.Rank() * 2)})
		if err != nil {
			return err
		}
		for src, buf := range got {
			if len(buf) != 2 || buf[0] != int64(src) || buf[1] != int64(src*2) {
				t.Errorf("rank %d: bad gather from %d: %v", c.Rank(), src, buf)
			}
		}
		return nil
	})
}

func TestBackToBackCollectivesDoNotInterleave(t *testing.T) {
	t.Parallel()
	const world = 2
	runGroup(t, world, func(c Communicator) error {
		for round := 0; round < 50; round++ {
			send := []int{round, round}
			recv, err := c.AllToAllCounts(send)
			if err != nil {
				return err
			}
			for src, n := range recv {
				if n != round {
					t.Errorf("rank %d round %d: recv[%d] = %d", c.Rank(), round, src, n)
				}
			}
			if err := c.Barrier(); err != nil {
				return err
			}
		}
		return nil
	})
}
