package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/emberml/expertpar/internal/logger"
)

var (
	worldSize       int64
	numExperts      int64
	topK            int64
	hiddenDim       int64
	ffnDim          int64
	groupedExperts  bool
	balanceInterval int64
	auxLossCoeff    float64
	seed            int64
	logLevel        string
	logFormat       string
	debug           bool
)

func commonLayerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "world-size",
			Aliases:     []string{"w"},
			Usage:       "number of expert-parallel ranks",
			Value:       2,
			Destination: &worldSize,
		},
		&cli.Int64Flag{
			Name:        "num-experts",
			Aliases:     []string{"e"},
			Usage:       "total number of experts (must divide evenly across ranks)",
			Value:       8,
			Destination: &numExperts,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"k"},
			Usage:       "experts selected per token",
			Value:       2,
			Destination: &topK,
		},
		&cli.Int64Flag{
			Name:        "hidden-dim",
			Usage:       "token embedding dimension",
			Value:       64,
			Destination: &hiddenDim,
		},
		&cli.Int64Flag{
			Name:        "ffn-dim",
			Usage:       "expert feed-forward dimension",
			Value:       256,
			Destination: &ffnDim,
		},
		&cli.BoolFlag{
			Name:        "grouped",
			Usage:       "run local experts concurrently",
			Destination: &groupedExperts,
		},
		&cli.Int64Flag{
			Name:        "balance-interval",
			Usage:       "steps between expert rebalances (0 = disabled)",
			Value:       50,
			Destination: &balanceInterval,
		},
		&cli.Float64Flag{
			Name:        "aux-loss-coeff",
			Usage:       "auxiliary load-balancing loss coefficient",
			Value:       0.01,
			Destination: &auxLossCoeff,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "parameter initialisation seed",
			Value:       1,
			Destination: &seed,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func newLogger() logger.Logger {
	level := logLevel
	if debug {
		level = "debug"
	}
	lvl := logger.ParseLevel(level)
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, lvl)
	case "text":
		return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	default:
		return logger.Pretty(os.Stderr, lvl)
	}
}
