package model

import (
	"strings"

	"github.com/nc-BobLee/shardload/internal/tensor"
)

// Target is the resolution of one checkpoint key against a module tree.
type Target struct {
	// Param is the destination parameter storage.
	Param *tensor.Tensor
	// TP is the nearest tensor-parallel-capable ancestor on the walk, or nil.
	TP TPModule
	// OwnerName is the path segment naming the module that holds the
	// parameter; TP name sets are keyed by it.
	OwnerName string
	// ParamName is the final path segment ("weight", "bias", ...).
	ParamName string
}

// Locate walks root along the dotted key and returns the parameter it names.
//
// Each segment is a named-child step; when the reached module has indexed
// children and the following segment is purely numeric, that segment is
// consumed as an index. The final segment names a parameter on the terminal
// module. A failed lookup anywhere returns ok=false: checkpoints may carry
// keys the destination model does not have, and the caller records those as
// unused rather than failing the load.
func Locate(root Module, key string) (Target, bool) {
	steps := strings.Split(key, ".")
	if len(steps) == 0 || key == "" {
		return Target{}, false
	}

	// The walk tracks TP capability on modules stepped through, not on the
	// root itself: a root-level parameter has no TP owner and is replicated.
	current := root
	var tp TPModule
	i := 0
	for i < len(steps)-1 {
		next, ok := current.Child(steps[i])
		if !ok {
			return Target{}, false
		}
		current = next
		i++
		if idxMod, ok := current.(Indexed); ok && i < len(steps)-1 {
			if idx, numeric := parseIndex(steps[i]); numeric {
				current, ok = idxMod.ChildAt(idx)
				if !ok {
					return Target{}, false
				}
				i++
			}
		}
		if v, ok := current.(TPModule); ok {
			tp = v
		}
	}

	param, ok := current.Parameter(steps[len(steps)-1])
	if !ok {
		return Target{}, false
	}
	ownerName := ""
	if len(steps) >= 2 {
		ownerName = steps[len(steps)-2]
	}
	return Target{
		Param:     param,
		TP:        tp,
		OwnerName: ownerName,
		ParamName: steps[len(steps)-1],
	}, true
}

func parseIndex(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
