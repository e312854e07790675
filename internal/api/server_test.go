package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gojson "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/emberml/expertpar/internal/comm"
	"github.com/emberml/expertpar/internal/logger"
	"github.com/emberml/expertpar/internal/moe"
	"github.com/emberml/expertpar/internal/tensor"
)

func newTestEcho(t *testing.T) *echo.Echo {
	t.Helper()
	group, err := comm.NewLocalGroup(1)
	if err != nil {
		t.Fatalf("NewLocalGroup: %v", err)
	}
	cfg := moe.Config{
		NumExperts:          4,
		TopK:                2,
		HiddenDim:           8,
		FFNDim:              16,
		LoadBalanceInterval: 10,
		Seed:                3,
	}
	layer, err := moe.NewMoELayer(cfg, group.Communicator(0), logger.Default())
	if err != nil {
		t.Fatalf("NewMoELayer: %v", err)
	}
	tokens := tensor.NewMat(5, cfg.HiddenDim)
	for i := range tokens.Data {
		tokens.Data[i] = float32(i%7) * 0.1
	}
	if _, _, err := layer.Forward(&tokens); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	var reg moe.Registry
	reg.Register(layer)
	server := NewServer(&reg, 0)
	e := echo.New()
	server.Register(e)
	return e
}

func doGet(t *testing.T, e *echo.Echo, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	rec := doGet(t, e, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health body: %s", rec.Body.String())
	}
}

func TestListLayers(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	rec := doGet(t, e, "/v1/layers")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var layers []LayerSummary
	if err := gojson.Unmarshal(rec.Body.Bytes(), &layers); err != nil {
		t.Fatalf("decode layers: %v", err)
	}
	if len(layers) != 1 {
		t.Fatalf("expected 1 layer, got %d", len(layers))
	}
	if layers[0].NumExperts != 4 || layers[0].TopK != 2 {
		t.Fatalf("unexpected layer summary: %+v", layers[0])
	}
	if !layers[0].BalanceEnabled {
		t.Fatalf("expected balancing enabled")
	}
}

func TestOwnershipEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	rec := doGet(t, e, "/v1/layers/0/ownership")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp OwnershipResponse
	if err := gojson.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode ownership: %v", err)
	}
	if len(resp.Owners) != 4 {
		t.Fatalf("expected 4 owners, got %d", len(resp.Owners))
	}
	for expert, rank := range resp.Owners {
		if rank != 0 {
			t.Fatalf("expert %d owned by rank %d in single-rank group", expert, rank)
		}
	}

	notFound := doGet(t, e, "/v1/layers/9/ownership")
	if notFound.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown layer, got %d", notFound.Code)
	}
}

func TestLoadEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	rec := doGet(t, e, "/v1/load")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp LoadResponse
	if err := gojson.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode load: %v", err)
	}
	if resp.Rank != 0 {
		t.Fatalf("unexpected rank %d", resp.Rank)
	}
	if len(resp.Layers) != 1 {
		t.Fatalf("expected 1 layer, got %d", len(resp.Layers))
	}
	var total int64
	for _, n := range resp.Layers[0].TokensPerExpert {
		total += n
	}
	// 5 tokens routed top-2 on a single rank land entirely here.
	if total != 10 {
		t.Fatalf("local load total = %d, want 10", total)
	}
}
