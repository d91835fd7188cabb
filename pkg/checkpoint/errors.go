package checkpoint

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateAdapter is returned when an (architecture, source) pair is
	// registered twice.
	ErrDuplicateAdapter = errors.New("checkpoint: adapter already registered")
	// ErrCheckpointNotFound is returned when no checkpoint files exist at the
	// requested path.
	ErrCheckpointNotFound = errors.New("checkpoint: no checkpoint data found")
	// ErrIncompatibleSharding is returned when the checkpoint's sharding
	// format cannot be loaded under the requested distributed strategy.
	ErrIncompatibleSharding = errors.New("checkpoint: sharding incompatible with distributed strategy")
	// ErrWorldSizeMismatch is returned when a sharded checkpoint's file count
	// does not equal the world size.
	ErrWorldSizeMismatch = errors.New("checkpoint: sharded file count does not match world size")
	// ErrInvalidRank is returned when rank does not satisfy
	// 0 <= rank < world size.
	ErrInvalidRank = errors.New("checkpoint: rank out of range for world size")
	// ErrUnsupportedFormat is returned for container formats this loader has
	// no reader for.
	ErrUnsupportedFormat = errors.New("checkpoint: unsupported container format")
	// ErrKeyNotFound is returned by stores and views for unknown keys.
	ErrKeyNotFound = errors.New("checkpoint: key not found")
)

// MissingFusedKeysError is the recoverable signal an adapter returns when it
// needs more raw keys before it can emit a fused tensor (e.g. combining
// separate Q/K/V projections into one). The orchestrator gathers exactly the
// named keys and retries the adapter once.
type MissingFusedKeysError struct {
	Keys []string
}

func (e *MissingFusedKeysError) Error() string {
	return fmt.Sprintf("checkpoint: adapter needs fused weights: %s", strings.Join(e.Keys, ", "))
}
