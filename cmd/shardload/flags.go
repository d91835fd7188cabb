package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/nc-BobLee/shardload/internal/logger"
	"github.com/nc-BobLee/shardload/internal/tensor"
	"github.com/nc-BobLee/shardload/pkg/checkpoint"
)

var (
	checkpointPath string
	source         string
	sharding       string
	strategy       string
	device         string
	rank           int64
	worldSize      int64
	logLevel       string
	logFormat      string
	debug          bool
)

func checkpointFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "checkpoint",
			Aliases:     []string{"ckpt"},
			Usage:       "path to a checkpoint file, directory, or glob",
			Destination: &checkpointPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "source",
			Usage:       "checkpoint naming convention (meta, hf, gguf)",
			Destination: &source,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "destination device (cpu, meta)",
			Value:       "cpu",
			Destination: &device,
		},
	}
}

func distributedFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "sharding",
			Usage:       "how the checkpoint is partitioned on disk (layer, tp, fsdp, hsdp)",
			Destination: &sharding,
		},
		&cli.StringFlag{
			Name:        "strategy",
			Usage:       "destination distributed strategy (tp, fsdp, hsdp)",
			Destination: &strategy,
		},
		&cli.Int64Flag{
			Name:        "rank",
			Aliases:     []string{"r"},
			Usage:       "this worker's rank",
			Destination: &rank,
		},
		&cli.Int64Flag{
			Name:        "world",
			Aliases:     []string{"w"},
			Usage:       "total number of workers",
			Value:       1,
			Destination: &worldSize,
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
			Usage:       "log format (pretty, json)",
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
	level := logger.ParseLevel(logLevel)
	if debug {
		level = logger.ParseLevel("debug")
	}
	if logFormat == "json" {
		return logger.JSON(os.Stderr, level)
	}
	return logger.Pretty(os.Stderr, level)
}

func loadOptions() checkpoint.LoadOptions {
	return checkpoint.LoadOptions{
		Source:              source,
		DistributedStrategy: strategy,
		CheckpointSharding:  sharding,
		Device:              tensor.Device(device),
		Rank:                int(rank),
		WorldSize:           int(worldSize),
	}
}
