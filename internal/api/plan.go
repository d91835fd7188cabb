package api

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/nc-BobLee/shardload/internal/shard"
)

// PlanEntry previews how one checkpoint key would be partitioned for the
// requested rank. Dim is -1 when the tensor is copied whole.
type PlanEntry struct {
	Key   string `json:"key"`
	Kind  string `json:"kind"`
	Shape []int  `json:"shape"`
	Dim   int    `json:"dim"`
	Start int    `json:"start,omitempty"`
	End   int    `json:"end,omitempty"`
	Note  string `json:"note,omitempty"`
}

// handlePlan computes a shard plan preview. The owner names that shard
// column-wise, row-wise, or embedding-style are supplied as comma-separated
// query parameters, mirroring what a TP-capable module tree would declare.
func (s *Server) handlePlan(c *echo.Context) error {
	rank, err := queryInt(c, "rank", 0)
	if err != nil {
		return writeBadRequest(c, "rank must be an integer")
	}
	world, err := queryInt(c, "world", 1)
	if err != nil {
		return writeBadRequest(c, "world must be an integer")
	}
	if world < 1 || rank < 0 || rank >= world {
		return writeBadRequest(c, "rank must satisfy 0 <= rank < world")
	}

	colwise := querySet(c, "colwise")
	rowwise := querySet(c, "rowwise")
	embedding := querySet(c, "embedding")

	keys := s.view.Keys()
	sort.Strings(keys)

	entries := make([]PlanEntry, 0, len(keys))
	for _, key := range keys {
		value, err := s.view.Get(key)
		if err != nil {
			return writeError(c, http.StatusInternalServerError, "server_error", "resolve "+key+": "+err.Error())
		}

		owner, param := splitKey(key)
		entry := PlanEntry{Key: key, Shape: value.Shape, Dim: -1, Kind: shard.Replicate.String()}
		switch {
		case colwise[owner]:
			entry.Kind = shard.Colwise.String()
			fillSlice(&entry, 0, rank, world)
		case rowwise[owner] && param == "bias":
			entry.Kind = shard.Rowwise.String()
			if rank != 0 {
				entry.Note = "zeroed off rank 0"
			}
		case rowwise[owner]:
			entry.Kind = shard.Rowwise.String()
			fillSlice(&entry, len(value.Shape)-1, rank, world)
		case embedding[owner]:
			entry.Kind = shard.Embedding.String()
			fillSlice(&entry, len(value.Shape)-1, rank, world)
		}
		entries = append(entries, entry)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"rank":    rank,
		"world":   world,
		"entries": entries,
	})
}

func fillSlice(entry *PlanEntry, dim, rank, world int) {
	if dim < 0 || dim >= len(entry.Shape) {
		entry.Note = "tensor has no dimension to split"
		return
	}
	size := entry.Shape[dim]
	per := size / world
	entry.Dim = dim
	entry.Start = rank * per
	entry.End = rank*per + per
	if size%world != 0 {
		entry.Note = "dimension not divisible by world size"
	}
}

// splitKey returns the owning module segment and the parameter segment of a
// dotted key: "layers.0.attn.query.weight" gives ("query", "weight").
func splitKey(key string) (owner, param string) {
	segments := strings.Split(key, ".")
	param = segments[len(segments)-1]
	if len(segments) > 1 {
		owner = segments[len(segments)-2]
	}
	return owner, param
}

func queryInt(c *echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func querySet(c *echo.Context, name string) map[string]bool {
	set := make(map[string]bool)
	for _, part := range strings.Split(c.QueryParam(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			set[part] = true
		}
	}
	return set
}
