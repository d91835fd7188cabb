package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/nc-BobLee/shardload/internal/logger"
	"github.com/nc-BobLee/shardload/internal/model"
	"github.com/nc-BobLee/shardload/internal/shard"
	"github.com/nc-BobLee/shardload/internal/tensor"
)

// Diagnostics reports the non-fatal outcome of a LoadIntoModel call.
type Diagnostics struct {
	// LoadID identifies this load in logs.
	LoadID string
	// Loaded counts canonical tensors written into the model.
	Loaded int
	// UnusedKeys lists canonical keys that had no destination parameter,
	// each at most once. Checkpoint/model mismatches are an expected
	// operational scenario, not a failure.
	UnusedKeys []string
}

// LoadIntoModel streams the view's weights into the destination module tree
// using the default adapter registry. See (*Registry).LoadIntoModel.
func LoadIntoModel(ctx context.Context, root model.Module, view *View, architecture string, opts LoadOptions) (*Diagnostics, error) {
	return defaultRegistry.LoadIntoModel(ctx, root, view, architecture, opts)
}

// LoadIntoModel applies the view's weights to the destination module tree,
// key by key: adapt to canonical names, locate the owning parameter, shard
// or copy in place, then evict the consumed source entries. At most one
// key's worth of materialized source tensor is alive at a time (plus any
// extra keys an adapter gathers for a fused weight).
//
// Configuration and I/O failures abort the load; keys without a destination
// are collected in the returned Diagnostics.
func (r *Registry) LoadIntoModel(ctx context.Context, root model.Module, view *View, architecture string, opts LoadOptions) (*Diagnostics, error) {
	opts.normalize()
	diag := &Diagnostics{LoadID: uuid.NewString()}
	log := logger.FromContext(ctx).With("load_id", diag.LoadID)

	adapter := r.Resolve(architecture, opts.Source)
	needsTP := opts.CheckpointSharding != ShardingTP && opts.DistributedStrategy == StrategyTP

	used := make(map[string]bool)
	unusedSeen := make(map[string]bool)
	for _, key := range view.Keys() {
		if used[key] {
			continue
		}
		used[key] = true

		partial, adapted, err := adaptKey(view, adapter, key, opts.Device, used)
		if err != nil {
			return nil, err
		}

		canonical := make([]string, 0, len(adapted))
		for k := range adapted {
			canonical = append(canonical, k)
		}
		sort.Strings(canonical)

		for _, ck := range canonical {
			value := adapted[ck]
			target, ok := model.Locate(root, ck)
			if !ok {
				if !unusedSeen[ck] {
					unusedSeen[ck] = true
					diag.UnusedKeys = append(diag.UnusedKeys, ck)
				}
				log.Debug("no destination for key", "key", ck)
				continue
			}

			spec := shard.Spec{Kind: shard.Replicate}
			if needsTP && target.TP != nil {
				if s, ok := shard.FromTarget(target.TP, target.OwnerName, target.ParamName); ok {
					spec = s
				}
			}
			if err := shard.Apply(target.Param, value, opts.Rank, opts.WorldSize, spec); err != nil {
				return nil, fmt.Errorf("apply %s: %w", ck, err)
			}
			diag.Loaded++
			log.Debug("applied weight", "key", ck, "shard", spec.Kind.String())
		}

		// Evict consumed raw entries so their storage can be reclaimed
		// before the next key resolves.
		for rawKey := range partial {
			view.Delete(rawKey)
		}
	}

	log.Info("checkpoint load complete",
		"architecture", architecture,
		"loaded", diag.Loaded,
		"unused", len(diag.UnusedKeys),
		"rank", opts.Rank,
		"world_size", opts.WorldSize,
	)
	return diag, nil
}

// adaptKey runs the adapter over a singleton state dict for key, gathering
// any fused dependencies the adapter names and retrying exactly once.
func adaptKey(view *View, adapter Adapter, key string, device tensor.Device, used map[string]bool) (map[string]*tensor.Tensor, map[string]*tensor.Tensor, error) {
	value, err := view.Get(key)
	if err != nil {
		return nil, nil, err
	}
	partial := map[string]*tensor.Tensor{key: value.To(device)}

	adapted, err := adapter(partial)
	if err == nil {
		return partial, adapted, nil
	}
	var missing *MissingFusedKeysError
	if !errors.As(err, &missing) {
		return nil, nil, fmt.Errorf("adapt %s: %w", key, err)
	}

	for _, dep := range missing.Keys {
		used[dep] = true
		depValue, err := view.Get(dep)
		if err != nil {
			return nil, nil, fmt.Errorf("gather fused dependency of %s: %w", key, err)
		}
		partial[dep] = depValue.To(device)
	}
	adapted, err = adapter(partial)
	if err != nil {
		// One retry only; an adapter that is still unsatisfied after its
		// declared dependencies were supplied is misconfigured.
		return nil, nil, fmt.Errorf("adapt %s after gathering %d fused keys: %w", key, len(missing.Keys), err)
	}
	return partial, adapted, nil
}
