package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nc-BobLee/shardload/internal/gguf"
	"github.com/nc-BobLee/shardload/internal/safetensors"
	"github.com/nc-BobLee/shardload/internal/tensor"
)

// Sharding formats a checkpoint can be stored in, and distributed strategies
// a destination model can be built with. Empty means unsharded / single
// process.
const (
	ShardingLayer = "layer"
	ShardingTP    = "tp"
	ShardingFSDP  = "fsdp"
	ShardingHSDP  = "hsdp"

	StrategyTP   = "tp"
	StrategyFSDP = "fsdp"
	StrategyHSDP = "hsdp"
)

// LoadOptions configure Load and LoadIntoModel.
type LoadOptions struct {
	// Source labels the naming convention of the checkpoint (e.g. "hf").
	// Empty means the checkpoint is already in canonical form.
	Source string
	// DistributedStrategy is how the destination model is partitioned.
	DistributedStrategy string
	// CheckpointSharding is how the on-disk checkpoint is partitioned.
	CheckpointSharding string
	// Device is where tensors are materialized. DeviceMeta short-circuits
	// to an empty view.
	Device tensor.Device
	// Rank and WorldSize identify this worker. The zero value (rank 0 of
	// world size 1) is a single process.
	Rank      int
	WorldSize int
}

func (o *LoadOptions) normalize() {
	if o.Device == "" {
		o.Device = tensor.DeviceCPU
	}
	if o.WorldSize == 0 {
		o.WorldSize = 1
	}
}

// Load validates that the checkpoint at path is compatible with the
// requested distributed use and returns a lazy view over the file(s) this
// rank must read.
//
// If path is a directory, candidate files are discovered by glob patterns
// tried in preference order; a `*` in path supplies an explicit pattern.
// For sharded checkpoints the rank selects exactly its own file. For
// unsharded checkpoints under fsdp/hsdp only rank 0 materializes anything;
// the caller is expected to broadcast from rank 0 afterwards.
func Load(path string, opts LoadOptions) (*View, error) {
	opts.normalize()

	if path == "" || opts.Device == tensor.DeviceMeta {
		return NewView(), nil
	}
	if opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, fmt.Errorf("%w: rank %d with world size %d", ErrInvalidRank, opts.Rank, opts.WorldSize)
	}
	if opts.CheckpointSharding == ShardingFSDP &&
		opts.DistributedStrategy != StrategyFSDP && opts.DistributedStrategy != StrategyHSDP {
		return nil, fmt.Errorf("%w: fsdp checkpoints can only be loaded into an fsdp model", ErrIncompatibleSharding)
	}
	if opts.CheckpointSharding == ShardingTP && opts.DistributedStrategy != StrategyTP {
		return nil, fmt.Errorf("%w: tp checkpoints can only be loaded into a tp model", ErrIncompatibleSharding)
	}

	candidates, err := discover(path, opts.Source)
	if err != nil {
		return nil, err
	}

	if opts.CheckpointSharding != "" && opts.CheckpointSharding != ShardingLayer {
		if len(candidates) != opts.WorldSize {
			return nil, fmt.Errorf("%w: %s-sharded checkpoint has %d files but world size is %d",
				ErrWorldSizeMismatch, opts.CheckpointSharding, len(candidates), opts.WorldSize)
		}
		candidates = candidates[opts.Rank : opts.Rank+1]
	}

	// A single unsharded checkpoint under fsdp/hsdp is read on rank 0 only
	// and distributed by the strategy's own state synchronization.
	if opts.CheckpointSharding == "" &&
		(opts.DistributedStrategy == StrategyFSDP || opts.DistributedStrategy == StrategyHSDP) {
		if opts.Rank != 0 {
			return NewView(), nil
		}
		candidates = candidates[:1]
	}

	stores := make([]*Store, 0, len(candidates))
	for _, file := range candidates {
		store, err := openStore(file, opts.Device)
		if err != nil {
			return nil, err
		}
		stores = append(stores, store)
	}
	return NewView(stores...), nil
}

// discover resolves path to a sorted list of candidate checkpoint files.
func discover(path, source string) ([]string, error) {
	path, pattern := splitGlob(expandHome(path))

	var candidates []string
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		var patterns []string
		switch {
		case pattern != "":
			patterns = []string{pattern}
		case source == "meta":
			patterns = []string{"*.pth", "*.safetensors"}
		case source == "hf":
			patterns = []string{"*.bin", "*.safetensors"}
		case source == "gguf":
			patterns = []string{"*.gguf"}
		default:
			patterns = []string{"*.safetensors", "*.gguf", "*.pth", "*.bin"}
		}
		for _, p := range patterns {
			matches, err := filepath.Glob(filepath.Join(path, p))
			if err != nil {
				return nil, err
			}
			if len(matches) > 0 {
				sort.Strings(matches)
				candidates = matches
				break
			}
		}
	} else if err == nil {
		candidates = []string{path}
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w at %s", ErrCheckpointNotFound, path)
	}
	return candidates, nil
}

// splitGlob separates an inline glob fragment from its directory prefix:
// "/ckpt/model*.safetensors" becomes ("/ckpt", "model*.safetensors").
func splitGlob(path string) (string, string) {
	star := strings.IndexByte(path, '*')
	if star < 0 {
		return path, ""
	}
	slash := strings.LastIndexByte(path[:star], '/')
	if slash < 0 {
		return ".", path
	}
	return path[:slash], path[slash+1:]
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// openStore builds the lazy store for one checkpoint file. Safetensors files
// resolve per key on first access; gguf files load eagerly but share the
// same store abstraction so the view treats them uniformly.
func openStore(file string, device tensor.Device) (*Store, error) {
	store := NewStore()
	switch strings.ToLower(filepath.Ext(file)) {
	case ".safetensors":
		sf, err := safetensors.Open(file)
		if err != nil {
			return nil, err
		}
		for _, key := range sf.Keys() {
			store.SetLazy(key, func() (*tensor.Tensor, error) {
				return sf.ReadTensor(key, device)
			})
		}
	case ".gguf":
		tensors, err := gguf.Load(file, device)
		if err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(tensors))
		for key := range tensors {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			store.Set(key, tensors[key])
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, file)
	}
	return store, nil
}
