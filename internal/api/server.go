// Package api serves read-only diagnostics for the expert-parallel
// runtime over HTTP. Every endpoint reports this rank's local view;
// nothing here triggers a collective, so the server can run beside the
// training loop without coordinating with peer ranks.
package api

import (
	"net/http"
	"strconv"

	gojson "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/emberml/expertpar/internal/moe"
)

type Server struct {
	registry *moe.Registry
	rank     int
}

func NewServer(registry *moe.Registry, rank int) *Server {
	return &Server{registry: registry, rank: rank}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/layers", s.handleLayers)
	e.GET("/v1/layers/:id/ownership", s.handleOwnership)
	e.GET("/v1/load", s.handleLoad)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLayers(c *echo.Context) error {
	layers := s.registry.Layers()
	out := make([]LayerSummary, len(layers))
	for i, l := range layers {
		cfg := l.Config()
		tab := l.Ownership()
		out[i] = LayerSummary{
			Index:            i,
			NumExperts:       cfg.NumExperts,
			TopK:             cfg.TopK,
			HiddenDim:        cfg.HiddenDim,
			FFNDim:           cfg.FFNDim,
			WorldSize:        tab.WorldSize(),
			OwnershipVersion: tab.Version,
			BalanceEnabled:   cfg.BalanceEnabled(),
		}
	}
	return writeJSON(c, http.StatusOK, out)
}

func (s *Server) handleOwnership(c *echo.Context) error {
	layers := s.registry.Layers()
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 0 || id >= len(layers) {
		return writeNotFound(c, "no such layer")
	}
	tab := layers[id].Ownership()
	return writeJSON(c, http.StatusOK, OwnershipResponse{
		Layer:   id,
		Version: tab.Version,
		Owners:  tab.Owners(),
	})
}

func (s *Server) handleLoad(c *echo.Context) error {
	layers := s.registry.Layers()
	resp := LoadResponse{Rank: s.rank, Layers: make([]LayerLoad, len(layers))}
	for i, l := range layers {
		tab := l.Ownership()
		resp.Layers[i] = LayerLoad{
			Layer:            i,
			OwnershipVersion: tab.Version,
			LocalExperts:     tab.LocalExperts(s.rank),
			TokensPerExpert:  l.LocalLoad(),
			AuxLoss:          l.AuxLoss(),
		}
	}
	return writeJSON(c, http.StatusOK, resp)
}

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := gojson.Marshal(v)
	if err != nil {
		return err
	}
	return c.JSONBlob(status, b)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeJSON(c, http.StatusNotFound, map[string]any{
		"error": apiError{Message: msg, Type: "not_found_error"},
	})
}
