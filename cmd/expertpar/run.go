package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/emberml/expertpar/internal/comm"
	"github.com/emberml/expertpar/internal/logger"
	"github.com/emberml/expertpar/internal/moe"
	"github.com/emberml/expertpar/internal/optim"
	"github.com/emberml/expertpar/internal/tensor"
)

func runCmd() *cli.Command {
	var (
		steps          int64
		batch          int64
		layers         int64
		reportInterval int64
		lr             float64
		momentum       float64
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run a synthetic expert-parallel workload",
		Flags: append(append(commonLayerFlags(), loggingFlags()...),
			&cli.Int64Flag{
				Name:        "steps",
				Aliases:     []string{"n"},
				Usage:       "number of forward passes per rank",
				Value:       200,
				Destination: &steps,
			},
			&cli.Int64Flag{
				Name:        "batch",
				Aliases:     []string{"b"},
				Usage:       "tokens per rank per step",
				Value:       32,
				Destination: &batch,
			},
			&cli.Int64Flag{
				Name:        "layers",
				Usage:       "MoE layers per rank",
				Value:       2,
				Destination: &layers,
			},
			&cli.Int64Flag{
				Name:        "report-interval",
				Usage:       "steps between token distribution reports (0 = disabled)",
				Value:       100,
				Destination: &reportInterval,
			},
			&cli.Float64Flag{
				Name:        "lr",
				Usage:       "optimizer learning rate",
				Value:       0.01,
				Destination: &lr,
			},
			&cli.Float64Flag{
				Name:        "momentum",
				Usage:       "optimizer momentum",
				Value:       0.9,
				Destination: &momentum,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyLayerConfig(c, LoadConfig())
			log := newLogger()
			cfg := layerConfigFromFlags()

			group, err := comm.NewLocalGroup(int(worldSize))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: create group: %v", err), 1)
			}
			log.Info("starting workload",
				"group", group.ID(),
				"world_size", group.WorldSize(),
				"experts", cfg.NumExperts,
				"top_k", cfg.TopK,
				"layers", layers,
				"steps", steps)

			start := time.Now()
			var g errgroup.Group
			for rank := 0; rank < group.WorldSize(); rank++ {
				w := &worker{
					rank:           rank,
					comm:           group.Communicator(rank),
					cfg:            cfg,
					log:            log,
					layers:         int(layers),
					steps:          int(steps),
					batch:          int(batch),
					reportInterval: int(reportInterval),
					opt:            optim.NewSGD(float32(lr), float32(momentum)),
				}
				g.Go(w.run)
			}
			if err := g.Wait(); err != nil {
				return cli.Exit(fmt.Sprintf("error: workload: %v", err), 1)
			}

			elapsed := time.Since(start)
			totalTokens := steps * batch * int64(group.WorldSize()) * layers
			log.Info("workload complete",
				"duration", elapsed,
				"tokens", totalTokens,
				"tokens_per_sec", float64(totalTokens)/elapsed.Seconds())
			return nil
		},
	}
}

// worker drives one rank: a stack of MoE layers stepped in lockstep
// with its peers. Rebalances and distribution reports key off the step
// counter, which every rank advances identically.
type worker struct {
	rank           int
	comm           comm.Communicator
	cfg            moe.Config
	log            logger.Logger
	layers         int
	steps          int
	batch          int
	reportInterval int
	opt            *optim.SGD
}

func (w *worker) run() error {
	reg, err := w.buildLayers()
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(w.cfg.Seed + int64(w.rank)*7919))
	for step := 1; step <= w.steps; step++ {
		tokens := tensor.NewMat(w.batch, w.cfg.HiddenDim)
		tokens.FillUniform(rng, 1)

		for _, layer := range reg.Layers() {
			out, bias, err := layer.Forward(&tokens)
			if err != nil {
				return fmt.Errorf("rank %d step %d: %w", w.rank, step, err)
			}
			tensor.Add(out.Data, bias.Data)
			tokens = out
		}

		w.trainStep(reg, step)

		if w.cfg.BalanceEnabled() && step%w.cfg.LoadBalanceInterval == 0 {
			if err := moe.ApplyLoadBalance(reg, w.opt); err != nil {
				return fmt.Errorf("rank %d step %d: rebalance: %w", w.rank, step, err)
			}
		}
		if w.reportInterval > 0 && step%w.reportInterval == 0 {
			if err := moe.PrintTokenDist(reg, step); err != nil {
				return fmt.Errorf("rank %d step %d: report: %w", w.rank, step, err)
			}
		}
	}
	return nil
}

func (w *worker) buildLayers() (*moe.Registry, error) {
	reg := &moe.Registry{}
	for i := 0; i < w.layers; i++ {
		cfg := w.cfg
		cfg.Seed = w.cfg.Seed + int64(i)*104729
		layer, err := moe.NewMoELayer(cfg, w.comm, w.log)
		if err != nil {
			return nil, fmt.Errorf("rank %d: layer %d: %w", w.rank, i, err)
		}
		reg.Register(layer)
	}
	return reg, nil
}

// trainStep applies a synthetic gradient to every locally hosted
// expert. Gradients are seeded per expert id and step, so an expert's
// parameter trajectory does not depend on which rank hosts it.
func (w *worker) trainStep(reg *moe.Registry, step int) {
	for li, layer := range reg.Layers() {
		tab := layer.Ownership()
		bank := layer.Bank()
		for _, id := range tab.LocalExperts(w.rank) {
			expert, ok := bank.Expert(id)
			if !ok {
				continue
			}
			rng := rand.New(rand.NewSource(int64(li)<<40 ^ int64(id)<<20 ^ int64(step)))
			for _, p := range expert.Params() {
				grad := make([]float32, len(p.Data))
				for i := range grad {
					grad[i] = (rng.Float32()*2 - 1) * 1e-3
				}
				w.opt.Step(p, grad)
			}
		}
	}
}
