// Package shard computes and applies the slice of a full weight tensor owned
// by one tensor-parallel rank.
//
// Partition boundaries are always derived from the destination parameter's
// shape, never by dividing the source tensor: all ranks size their
// destination parameters identically at model construction, so every rank
// computes the same boundaries without negotiating.
package shard

import (
	"errors"
	"fmt"

	"github.com/nc-BobLee/shardload/internal/model"
	"github.com/nc-BobLee/shardload/internal/tensor"
)

// ErrShardBounds is returned when a rank's computed slice does not lie inside
// the source tensor, or when the union of all ranks' slices does not cover
// the split dimension exactly. This is the defined behavior for shapes that
// are not consistent with the world size, instead of silently truncating.
var ErrShardBounds = errors.New("shard: rank slices do not cover source exactly")

// Kind selects how a parameter is split across ranks.
type Kind int

const (
	// Replicate copies the full tensor to every rank.
	Replicate Kind = iota
	// Colwise splits the first dimension into contiguous per-rank partitions.
	Colwise
	// Rowwise splits the last dimension; rowwise bias is held by rank 0 only.
	Rowwise
	// Embedding splits the last (feature) dimension, like Rowwise without
	// the bias special case.
	Embedding
)

func (k Kind) String() string {
	switch k {
	case Replicate:
		return "replicate"
	case Colwise:
		return "colwise"
	case Rowwise:
		return "rowwise"
	case Embedding:
		return "embedding"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Spec describes how one parameter is sharded.
type Spec struct {
	Kind   Kind
	IsBias bool
}

// FromTarget derives the Spec for a located parameter from its nearest
// TP-capable ancestor. ok is false when the owner is not named in any of the
// ancestor's shard sets, in which case the parameter is not TP-sharded.
func FromTarget(tp model.TPModule, ownerName, paramName string) (Spec, bool) {
	if tp == nil {
		return Spec{}, false
	}
	isBias := paramName == "bias"
	if contains(tp.ColwiseParamNames(), ownerName) {
		return Spec{Kind: Colwise, IsBias: isBias}, true
	}
	if contains(tp.RowwiseParamNames(), ownerName) {
		return Spec{Kind: Rowwise, IsBias: isBias}, true
	}
	if contains(tp.EmbeddingParamNames(), ownerName) {
		return Spec{Kind: Embedding, IsBias: isBias}, true
	}
	return Spec{}, false
}

// Apply writes rank's shard of src into dst in place. dst storage is never
// reallocated.
func Apply(dst, src *tensor.Tensor, rank, worldSize int, spec Spec) error {
	if worldSize < 1 || rank < 0 || rank >= worldSize {
		return fmt.Errorf("shard: invalid rank %d for world size %d", rank, worldSize)
	}
	switch spec.Kind {
	case Replicate:
		if err := dst.CopyFrom(src); err != nil {
			return fmt.Errorf("%w: %v", ErrShardBounds, err)
		}
		return nil
	case Colwise:
		// Both weights and biases split along dim 0, sized by the
		// destination's own partition size. The rank partitions must cover
		// the source exactly; a short cover would drop trailing rows without
		// any rank noticing.
		per := dst.Dim(0)
		if worldSize*per != src.Dim(0) {
			return fmt.Errorf("%w: %d ranks of %d rows do not cover source dim %d",
				ErrShardBounds, worldSize, per, src.Dim(0))
		}
		if err := tensor.CopyFirstDimSlice(dst, src, rank*per); err != nil {
			return fmt.Errorf("%w: %v", ErrShardBounds, err)
		}
		return nil
	case Rowwise:
		if spec.IsBias {
			// A rowwise layer's bias must be added exactly once after the
			// cross-rank reduction, so rank 0 holds it and the rest zero.
			if rank == 0 {
				if err := dst.CopyFrom(src); err != nil {
					return fmt.Errorf("%w: %v", ErrShardBounds, err)
				}
				return nil
			}
			dst.Zero()
			return nil
		}
		per := dst.Dim(-1)
		if worldSize*per != src.Dim(-1) {
			return fmt.Errorf("%w: %d ranks of %d columns do not cover source dim %d",
				ErrShardBounds, worldSize, per, src.Dim(-1))
		}
		if err := tensor.CopyLastDimSlice(dst, src, rank*per); err != nil {
			return fmt.Errorf("%w: %v", ErrShardBounds, err)
		}
		return nil
	case Embedding:
		per := dst.Dim(-1)
		if worldSize*per != src.Dim(-1) {
			return fmt.Errorf("%w: %d ranks of %d columns do not cover source dim %d",
				ErrShardBounds, worldSize, per, src.Dim(-1))
		}
		if err := tensor.CopyLastDimSlice(dst, src, rank*per); err != nil {
			return fmt.Errorf("%w: %v", ErrShardBounds, err)
		}
		return nil
	default:
		return fmt.Errorf("shard: unknown kind %v", spec.Kind)
	}
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
