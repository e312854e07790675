package main

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/emberml/expertpar/internal/comm"
	"github.com/emberml/expertpar/internal/moe"
	"github.com/emberml/expertpar/internal/tensor"
)

func distCmd() *cli.Command {
	var batch int64

	return &cli.Command{
		Name:  "dist",
		Usage: "Print the per-expert token distribution for a routing sample",
		Flags: append(append(commonLayerFlags(), loggingFlags()...),
			&cli.Int64Flag{
				Name:        "batch",
				Aliases:     []string{"b"},
				Usage:       "tokens per rank",
				Value:       256,
				Destination: &batch,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyLayerConfig(c, LoadConfig())
			log := newLogger()
			cfg := layerConfigFromFlags()
			if cfg.LoadBalanceInterval == 0 {
				// The distribution report reads the balancer's window.
				cfg.LoadBalanceInterval = 1
			}

			group, err := comm.NewLocalGroup(int(worldSize))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: create group: %v", err), 1)
			}

			var g errgroup.Group
			for rank := 0; rank < group.WorldSize(); rank++ {
				g.Go(func() error {
					layer, err := moe.NewMoELayer(cfg, group.Communicator(rank), log)
					if err != nil {
						return err
					}
					rng := rand.New(rand.NewSource(cfg.Seed + int64(rank)*7919))
					tokens := tensor.NewMat(int(batch), cfg.HiddenDim)
					tokens.FillUniform(rng, 1)
					if _, _, err := layer.Forward(&tokens); err != nil {
						return err
					}
					if err := layer.PrintTokenDist(0); err != nil {
						return err
					}
					if rank == 0 {
						log.Info("router statistics", "aux_loss", layer.AuxLoss())
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return cli.Exit(fmt.Sprintf("error: routing sample: %v", err), 1)
			}
			return nil
		},
	}
}
