package moe

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/emberml/expertpar/internal/tensor"
)

func testRouterConfig() Config {
	return Config{
		NumExperts: 8,
		TopK:       2,
		HiddenDim:  16,
		FFNDim:     32,
		Seed:       7,
	}
}

func randomTokens(n, h int, seed int64) tensor.Mat {
	rng := rand.New(rand.NewSource(seed))
	m := tensor.NewMat(n, h)
	m.FillUniform(rng, 1)
	return m
}

func TestRouteDeterministic(t *testing.T) {
	t.Parallel()
	r := NewRouter(testRouterConfig())
	tokens := randomTokens(6, 16, 1)

	s1, e1, err := r.Route(&tokens)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	s2, e2, err := r.Route(&tokens)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	for i := range s1 {
		if s1[i] != s2[i] || e1[i] != e2[i] {
			t.Fatalf("routing not deterministic at slot %d: (%v,%d) vs (%v,%d)", i, s1[i], e1[i], s2[i], e2[i])
		}
	}
}

func TestRouteSelectsTopK(t *testing.T) {
	t.Parallel()
	cfg := testRouterConfig()
	r := NewRouter(cfg)
	tokens := randomTokens(6, 16, 2)

	scores, experts, err := r.Route(&tokens)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(scores) != 6*cfg.TopK || len(experts) != 6*cfg.TopK {
		t.Fatalf("got %d scores, %d experts, want %d each", len(scores), len(experts), 6*cfg.TopK)
	}
	for tk := 0; tk < 6; tk++ {
		a, b := scores[tk*2], scores[tk*2+1]
		if a < b {
			t.Fatalf("token %d: scores not descending: %v %v", tk, a, b)
		}
		if experts[tk*2] == experts[tk*2+1] {
			t.Fatalf("token %d: duplicate expert %d", tk, experts[tk*2])
		}
		if a <= 0 || a > 1 || b <= 0 || b > 1 {
			t.Fatalf("token %d: scores outside (0,1]: %v %v", tk, a, b)
		}
	}
}

func TestSelectTopKTieBreaksByLowestID(t *testing.T) {
	t.Parallel()
	probs := []float32{0.25, 0.25, 0.25, 0.25}
	idx := make([]int32, 2)
	w := make([]float32, 2)
	selectTopK(probs, 2, idx, w)
	if idx[0] != 0 || idx[1] != 1 {
		t.Fatalf("tie-break order = %v, want [0 1]", idx)
	}
}

func TestSelectTopKOrdering(t *testing.T) {
	t.Parallel()
	probs := []float32{0.1, 0.5, 0.05, 0.3, 0.05}
	idx := make([]int32, 3)
	w := make([]float32, 3)
	selectTopK(probs, 3, idx, w)
	if idx[0] != 1 || idx[1] != 3 || idx[2] != 0 {
		t.Fatalf("top-3 = %v, want [1 3 0]", idx)
	}
	if w[0] != 0.5 || w[1] != 0.3 || w[2] != 0.1 {
		t.Fatalf("weights = %v, want [0.5 0.3 0.1]", w)
	}
}

func TestRouteRejectsWrongHiddenDim(t *testing.T) {
	t.Parallel()
	r := NewRouter(testRouterConfig())
	tokens := randomTokens(2, 5, 3)
	if _, _, err := r.Route(&tokens); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestAuxLossAccumulatesAndResets(t *testing.T) {
	t.Parallel()
	r := NewRouter(testRouterConfig())
	if r.AuxLoss(1) != 0 {
		t.Fatal("aux loss should be zero before any routing")
	}

	tokens := randomTokens(6, 16, 4)
	if _, _, err := r.Route(&tokens); err != nil {
		t.Fatal(err)
	}
	loss := r.AuxLoss(1)
	if loss <= 0 {
		t.Fatalf("aux loss = %v, want > 0 after routing", loss)
	}
	// Perfectly uniform routing would give E * sum(1/E * 1/E) = 1;
	// any real distribution stays in the same ballpark.
	if math.IsNaN(loss) || loss > float64(testRouterConfig().NumExperts) {
		t.Fatalf("aux loss out of range: %v", loss)
	}

	r.ResetAux()
	if r.AuxLoss(1) != 0 {
		t.Fatal("aux loss should be zero after reset")
	}
}

func TestGateReplicatedAcrossRanks(t *testing.T) {
	t.Parallel()
	// Two routers built from the same config (as two ranks would)
	// must make identical decisions.
	r0 := NewRouter(testRouterConfig())
	r1 := NewRouter(testRouterConfig())
	tokens := randomTokens(4, 16, 5)

	s0, e0, err := r0.Route(&tokens)
	if err != nil {
		t.Fatal(err)
	}
	s1, e1, err := r1.Route(&tokens)
	if err != nil {
		t.Fatal(err)
	}
	for i := range s0 {
		if s0[i] != s1[i] || e0[i] != e1[i] {
			t.Fatalf("ranks disagree at slot %d", i)
		}
	}
}
