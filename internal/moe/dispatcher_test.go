package moe

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/emberml/expertpar/internal/comm"
	"github.com/emberml/expertpar/internal/tensor"
)

// runRanks runs fn on one goroutine per rank over a fresh local group.
func runRanks(t *testing.T, world int, fn func(rank int, c comm.Communicator) error) {
	t.Helper()
	g, err := comm.NewLocalGroup(world)
	if err != nil {
		t.Fatalf("NewLocalGroup(%d): %v", world, err)
	}
	errs := make([]error, world)
	var wg sync.WaitGroup
	for rank := 0; rank < world; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = fn(rank, g.Communicator(rank))
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
}

func TestPermuteBijection(t *testing.T) {
	t.Parallel()
	const n, h, k = 5, 4, 2
	tab, err := Partition(4, 1)
	if err != nil {
		t.Fatal(err)
	}
	runRanks(t, 1, func(rank int, c comm.Communicator) error {
		d := NewDispatcher(c, h, k)
		tokens := randomTokens(n, h, 11)
		scores := make([]float32, n*k)
		experts := make([]int32, n*k)
		for s := range experts {
			experts[s] = int32((s * 3) % 4)
			scores[s] = 0.5
		}
		// Duplicate slot experts are allowed by the dispatcher; the
		// router never emits them but the bijection must hold anyway.
		_, _, rmap, err := d.Permute(&tokens, scores, experts, tab)
		if err != nil {
			return err
		}

		seen := make([]bool, n*k)
		for _, s := range rmap.SendOrder {
			if s < 0 || s >= n*k || seen[s] {
				t.Errorf("send order is not a bijection: slot %d", s)
			}
			seen[s] = true
		}
		for s, ok := range seen {
			if !ok {
				t.Errorf("slot %d missing from send order", s)
			}
		}
		return nil
	})
}

func TestPermuteGroupsByExpertAndConservesTokens(t *testing.T) {
	t.Parallel()
	const world, n, h, k = 2, 6, 4, 2
	const numExperts = 8
	tab, err := Partition(numExperts, world)
	if err != nil {
		t.Fatal(err)
	}

	perRank := make([][]int64, world)
	runRanks(t, world, func(rank int, c comm.Communicator) error {
		d := NewDispatcher(c, h, k)
		tokens := randomTokens(n, h, int64(20+rank))
		scores := make([]float32, n*k)
		experts := make([]int32, n*k)
		for s := range experts {
			// Spread across both ranks' experts.
			experts[s] = int32((rank*3 + s*5) % numExperts)
			scores[s] = 1.0 / k
		}
		dispatched, tokensPerExpert, rmap, err := d.Permute(&tokens, scores, experts, tab)
		if err != nil {
			return err
		}
		perRank[rank] = tokensPerExpert

		// Grouped buffer positions must be contiguous per local expert
		// and agree with the counts.
		var total int64
		for _, cnt := range tokensPerExpert {
			total += cnt
		}
		if int64(dispatched.R) != total {
			t.Errorf("rank %d: dispatched %d rows, counts sum %d", rank, dispatched.R, total)
		}
		offset := 0
		for li, cnt := range tokensPerExpert {
			want := tab.LocalExperts(rank)[li]
			for p := offset; p < offset+int(cnt); p++ {
				if int(rmap.Origin[p].Expert) != want {
					t.Errorf("rank %d: position %d holds expert %d, want %d", rank, p, rmap.Origin[p].Expert, want)
				}
			}
			offset += int(cnt)
		}
		return nil
	})

	var global int64
	for _, counts := range perRank {
		for _, cnt := range counts {
			global += cnt
		}
	}
	if want := int64(world * n * k); global != want {
		t.Fatalf("token-count conservation violated: %d dispatched slots, want %d", global, want)
	}
}

func TestRoundTripIdentityExperts(t *testing.T) {
	t.Parallel()
	const world, n, h, k = 2, 4, 8, 1
	const numExperts = 4
	tab, err := Partition(numExperts, world)
	if err != nil {
		t.Fatal(err)
	}
	runRanks(t, world, func(rank int, c comm.Communicator) error {
		d := NewDispatcher(c, h, k)
		tokens := randomTokens(n, h, int64(30+rank))
		scores := make([]float32, n*k)
		experts := make([]int32, n*k)
		for s := range experts {
			experts[s] = int32((rank + s) % numExperts)
			scores[s] = 1
		}

		dispatched, _, rmap, err := d.Permute(&tokens, scores, experts, tab)
		if err != nil {
			return err
		}
		// Identity experts, zero bias: outputs are the dispatched
		// tokens themselves.
		out, _, err := d.Unpermute(&dispatched, nil, scores, rmap, tab)
		if err != nil {
			return err
		}
		if out.R != n || out.C != h {
			t.Errorf("rank %d: output %dx%d, want %dx%d", rank, out.R, out.C, n, h)
		}
		for i := range out.Data {
			if out.Data[i] != tokens.Data[i] {
				t.Errorf("rank %d: round trip diverged at %d: got %v want %v", rank, i, out.Data[i], tokens.Data[i])
				break
			}
		}
		return nil
	})
}

func TestUnpermuteWeightedCombination(t *testing.T) {
	t.Parallel()
	// One token routed to experts 0 and 1 with scores 0.7 and 0.3;
	// combining their outputs must give 0.7*out_a + 0.3*out_b.
	const h = 4
	tab, err := Partition(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	runRanks(t, 1, func(rank int, c comm.Communicator) error {
		d := NewDispatcher(c, h, 2)
		tokens := randomTokens(1, h, 40)
		scores := []float32{0.7, 0.3}
		experts := []int32{0, 1}

		dispatched, _, rmap, err := d.Permute(&tokens, scores, experts, tab)
		if err != nil {
			return err
		}
		expertOut := tensor.NewMat(dispatched.R, h)
		bias := tensor.NewMat(dispatched.R, h)
		for p := 0; p < dispatched.R; p++ {
			for j := 0; j < h; j++ {
				expertOut.Row(p)[j] = float32(10*(p+1) + j)
				bias.Row(p)[j] = float32(p + 1)
			}
		}

		out, combinedBias, err := d.Unpermute(&expertOut, &bias, scores, rmap, tab)
		if err != nil {
			return err
		}
		const tol = 1e-5
		for j := 0; j < h; j++ {
			want := 0.7*float64(10+j) + 0.3*float64(20+j)
			if math.Abs(float64(out.Row(0)[j])-want) > tol {
				t.Errorf("output[%d] = %v, want %v", j, out.Row(0)[j], want)
			}
			wantBias := 0.7*1.0 + 0.3*2.0
			if math.Abs(float64(combinedBias.Row(0)[j])-wantBias) > tol {
				t.Errorf("bias[%d] = %v, want %v", j, combinedBias.Row(0)[j], wantBias)
			}
		}
		return nil
	})
}

func TestPermuteAllTokensToOneExpert(t *testing.T) {
	t.Parallel()
	// Degenerate routing is a valid, if suboptimal, distribution;
	// dropless dispatch must carry it without loss.
	const world, n, h, k = 2, 8, 4, 2
	tab, err := Partition(4, world)
	if err != nil {
		t.Fatal(err)
	}
	counts := make([][]int64, world)
	runRanks(t, world, func(rank int, c comm.Communicator) error {
		d := NewDispatcher(c, h, k)
		tokens := randomTokens(n, h, int64(50+rank))
		scores := make([]float32, n*k)
		experts := make([]int32, n*k)
		for s := range experts {
			experts[s] = 3 // hosted on rank 1
			scores[s] = 0.5
		}
		_, tokensPerExpert, _, err := d.Permute(&tokens, scores, experts, tab)
		if err != nil {
			return err
		}
		counts[rank] = tokensPerExpert
		return nil
	})

	var rank1Total int64
	for _, cnt := range counts[1] {
		rank1Total += cnt
	}
	if rank1Total != world*n*k {
		t.Fatalf("expert 3 received %d tokens, want %d", rank1Total, world*n*k)
	}
	for _, cnt := range counts[0] {
		if cnt != 0 {
			t.Fatalf("rank 0 unexpectedly received tokens: %v", counts[0])
		}
	}
}

func TestUnpermuteRejectsStaleRoutingMap(t *testing.T) {
	t.Parallel()
	const h, k = 4, 1
	tab, err := Partition(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	runRanks(t, 1, func(rank int, c comm.Communicator) error {
		d := NewDispatcher(c, h, k)
		tokens := randomTokens(2, h, 60)
		scores := []float32{1, 1}
		experts := []int32{0, 1}

		dispatched, _, rmap, err := d.Permute(&tokens, scores, experts, tab)
		if err != nil {
			return err
		}
		newTab, err := NewOwnership(tab.Owners(), 1, tab.Version+1)
		if err != nil {
			return err
		}
		if _, _, err := d.Unpermute(&dispatched, nil, scores, rmap, newTab); !errors.Is(err, ErrStaleRoutingMap) {
			t.Errorf("expected ErrStaleRoutingMap, got %v", err)
		}
		return nil
	})
}

func TestPermuteRejectsExpertOutOfRange(t *testing.T) {
	t.Parallel()
	tab, err := Partition(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	runRanks(t, 1, func(rank int, c comm.Communicator) error {
		d := NewDispatcher(c, 4, 1)
		tokens := randomTokens(1, 4, 70)
		if _, _, _, err := d.Permute(&tokens, []float32{1}, []int32{5}, tab); !errors.Is(err, ErrExpertRange) {
			t.Errorf("expected ErrExpertRange, got %v", err)
		}
		return nil
	})
}

// truncatingComm corrupts the data exchange by dropping one row from
// the first non-empty received buffer.
type truncatingComm struct {
	comm.Communicator
	hidden int
}

func (c *truncatingComm) AllToAll(bufs [][]float32) ([][]float32, error) {
	out, err := c.Communicator.AllToAll(bufs)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if len(out[i]) >= c.hidden {
			out[i] = out[i][:len(out[i])-c.hidden]
			break
		}
	}
	return out, nil
}

func TestPermuteDetectsCountMismatch(t *testing.T) {
	t.Parallel()
	const h, k = 4, 1
	tab, err := Partition(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	runRanks(t, 1, func(rank int, c comm.Communicator) error {
		d := NewDispatcher(&truncatingComm{Communicator: c, hidden: h}, h, k)
		tokens := randomTokens(3, h, 80)
		scores := []float32{1, 1, 1}
		experts := []int32{0, 1, 0}
		if _, _, _, err := d.Permute(&tokens, scores, experts, tab); !errors.Is(err, ErrCountMismatch) {
			t.Errorf("expected ErrCountMismatch, got %v", err)
		}
		return nil
	})
}
