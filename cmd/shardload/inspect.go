package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/nc-BobLee/shardload/pkg/checkpoint"
)

func inspectCmd() *cli.Command {
	var (
		keyFilter string
		keyLimit  int
		showData  bool
	)

	flags := append(checkpointFlags(), distributedFlags()...)
	flags = append(flags,
		&cli.StringFlag{Name: "filter", Usage: "substring filter for key listing", Destination: &keyFilter},
		&cli.IntFlag{Name: "limit", Usage: "limit key listing (0 = no limit)", Value: 50, Destination: &keyLimit},
		&cli.BoolFlag{Name: "data", Usage: "print tensor values", Destination: &showData},
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "List the files and tensors of a checkpoint",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx
			applyConfig(c, LoadConfig())

			view, err := checkpoint.Load(checkpointPath, loadOptions())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open checkpoint: %v", err), 1)
			}

			section("Checkpoint")
			row("path", checkpointPath)
			rowInt("files", len(view.Stores()))
			rowInt("keys", view.Len())

			section("Tensors")
			count := view.Len()
			printed := 0
			for _, key := range view.Keys() {
				if keyFilter != "" && !strings.Contains(key, keyFilter) {
					continue
				}
				value, err := view.Get(key)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: read %s: %v", key, err), 1)
				}
				line := fmt.Sprintf("%s  shape=%s elements=%d device=%s",
					key, formatShape(value.Shape), value.NumElements(), value.Device)
				fmt.Println(line)
				if showData {
					fmt.Printf("  %v\n", value.Data)
				}
				printed++
				if keyLimit > 0 && printed >= keyLimit {
					break
				}
			}
			if keyLimit > 0 && printed < count {
				fmt.Printf("... (%d shown of %d)\n", printed, count)
			}
			return nil
		},
	}
}

func section(title string) {
	line := strings.Repeat("-", len(title)+8)
	fmt.Printf("\n%s\n--- %s ---\n%s\n", line, title, line)
}

func row(label, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-16s %s\n", label+":", value)
}

func rowInt(label string, v int) {
	if v == 0 {
		return
	}
	row(label, fmt.Sprintf("%d", v))
}

func formatShape(shape []int) string {
	if len(shape) == 0 {
		return "[]"
	}
	parts := make([]string, len(shape))
	for i, v := range shape {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
