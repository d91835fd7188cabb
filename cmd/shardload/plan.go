package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/nc-BobLee/shardload/internal/shard"
	"github.com/nc-BobLee/shardload/pkg/checkpoint"
)

func planCmd() *cli.Command {
	var (
		colwiseList   string
		rowwiseList   string
		embeddingList string
		keyFilter     string
	)

	flags := append(checkpointFlags(), distributedFlags()...)
	flags = append(flags,
		&cli.StringFlag{Name: "colwise", Usage: "comma-separated owner names sharded column-wise", Destination: &colwiseList},
		&cli.StringFlag{Name: "rowwise", Usage: "comma-separated owner names sharded row-wise", Destination: &rowwiseList},
		&cli.StringFlag{Name: "embedding", Usage: "comma-separated owner names sharded embedding-style", Destination: &embeddingList},
		&cli.StringFlag{Name: "filter", Usage: "substring filter for keys", Destination: &keyFilter},
	)

	return &cli.Command{
		Name:  "plan",
		Usage: "Preview the per-rank shard slices for a checkpoint",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx
			applyConfig(c, LoadConfig())

			if worldSize < 1 || rank < 0 || rank >= worldSize {
				return cli.Exit("error: rank must satisfy 0 <= rank < world", 1)
			}

			view, err := checkpoint.Load(checkpointPath, loadOptions())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open checkpoint: %v", err), 1)
			}

			colwise := nameSet(colwiseList)
			rowwise := nameSet(rowwiseList)
			embedding := nameSet(embeddingList)

			section(fmt.Sprintf("Shard Plan (rank %d of %d)", rank, worldSize))
			for _, key := range view.Keys() {
				if keyFilter != "" && !strings.Contains(key, keyFilter) {
					continue
				}
				value, err := view.Get(key)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: read %s: %v", key, err), 1)
				}

				owner, param := splitKey(key)
				kind := shard.Replicate
				switch {
				case colwise[owner]:
					kind = shard.Colwise
				case rowwise[owner]:
					kind = shard.Rowwise
				case embedding[owner]:
					kind = shard.Embedding
				}
				fmt.Println(planLine(key, kind, param, value.Shape, int(rank), int(worldSize)))
			}
			return nil
		},
	}
}

func planLine(key string, kind shard.Kind, param string, shape []int, rank, world int) string {
	prefix := fmt.Sprintf("%s  kind=%s shape=%s", key, kind, formatShape(shape))
	switch kind {
	case shard.Colwise:
		return prefix + sliceSuffix(shape, 0, rank, world)
	case shard.Rowwise:
		if param == "bias" {
			if rank == 0 {
				return prefix + " full copy (rowwise bias on rank 0)"
			}
			return prefix + " zeroed (rowwise bias off rank 0)"
		}
		return prefix + sliceSuffix(shape, len(shape)-1, rank, world)
	case shard.Embedding:
		return prefix + sliceSuffix(shape, len(shape)-1, rank, world)
	default:
		return prefix + " full copy"
	}
}

func sliceSuffix(shape []int, dim, rank, world int) string {
	if dim < 0 || dim >= len(shape) {
		return " (no dimension to split)"
	}
	size := shape[dim]
	per := size / world
	suffix := fmt.Sprintf(" dim=%d slice=[%d:%d]", dim, rank*per, rank*per+per)
	if size%world != 0 {
		suffix += " (not divisible by world size)"
	}
	return suffix
}

func splitKey(key string) (owner, param string) {
	segments := strings.Split(key, ".")
	param = segments[len(segments)-1]
	if len(segments) > 1 {
		owner = segments[len(segments)-2]
	}
	return owner, param
}

func nameSet(list string) map[string]bool {
	set := make(map[string]bool)
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			set[part] = true
		}
	}
	return set
}
