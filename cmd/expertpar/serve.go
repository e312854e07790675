package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/emberml/expertpar/internal/api"
	"github.com/emberml/expertpar/internal/comm"
	"github.com/emberml/expertpar/internal/moe"
	"github.com/emberml/expertpar/internal/optim"
	"github.com/emberml/expertpar/internal/tensor"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		batch       int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the workload with a diagnostics HTTP server on rank 0",
		Flags: append(append(commonLayerFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "batch",
				Aliases:     []string{"b"},
				Usage:       "tokens per rank per step",
				Value:       32,
				Destination: &batch,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyServeConfig(c, LoadConfig(), &addr)
			log := newLogger()
			cfg := layerConfigFromFlags()

			group, err := comm.NewLocalGroup(int(worldSize))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: create group: %v", err), 1)
			}

			registries := make([]*moe.Registry, group.WorldSize())
			for rank := 0; rank < group.WorldSize(); rank++ {
				w := &worker{
					rank:   rank,
					comm:   group.Communicator(rank),
					cfg:    cfg,
					log:    log,
					layers: 2,
					batch:  int(batch),
					opt:    optim.NewSGD(0.01, 0.9),
				}
				reg, err := w.buildLayers()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: build layers: %v", err), 1)
				}
				registries[rank] = reg
				// Workers step until the process exits; collectives keep
				// the ranks in lockstep, so no per-rank shutdown handshake
				// is needed.
				go w.stepForever(ctx, reg)
			}

			server := api.NewServer(registries[0], 0)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting diagnostics server", "address", addr, "group", group.ID())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

// stepForever drives the rank's layers until ctx is cancelled.
func (w *worker) stepForever(ctx context.Context, reg *moe.Registry) {
	rng := rand.New(rand.NewSource(w.cfg.Seed + int64(w.rank)*7919))
	for step := 1; ctx.Err() == nil; step++ {
		tokens := tensor.NewMat(w.batch, w.cfg.HiddenDim)
		tokens.FillUniform(rng, 1)

		for _, layer := range reg.Layers() {
			out, bias, err := layer.Forward(&tokens)
			if err != nil {
				w.log.Error("forward failed", "rank", w.rank, "step", step, "error", err)
				return
			}
			tensor.Add(out.Data, bias.Data)
			tokens = out
		}

		w.trainStep(reg, step)

		if w.cfg.BalanceEnabled() && step%w.cfg.LoadBalanceInterval == 0 {
			if err := moe.ApplyLoadBalance(reg, w.opt); err != nil {
				w.log.Error("rebalance failed", "rank", w.rank, "step", step, "error", err)
				return
			}
		}
	}
}
