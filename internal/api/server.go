// Package api exposes a read-only HTTP inspection surface over an opened
// checkpoint view: file summary, key listing, per-tensor metadata, and a
// shard plan preview for a given rank and world size.
package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/labstack/echo/v5"

	"github.com/nc-BobLee/shardload/pkg/checkpoint"
)

type Server struct {
	view *checkpoint.View
	path string
}

func NewServer(view *checkpoint.View, path string) *Server {
	if view == nil {
		view = checkpoint.NewView()
	}
	return &Server{view: view, path: path}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/checkpoint", s.handleSummary)
	e.GET("/v1/checkpoint/keys", s.handleKeys)
	e.GET("/v1/checkpoint/tensors/:name", s.handleTensor)
	e.GET("/v1/checkpoint/plan", s.handlePlan)
}

// CheckpointSummary describes the opened checkpoint without resolving any
// tensor data.
type CheckpointSummary struct {
	Path  string `json:"path"`
	Files int    `json:"files"`
	Keys  int    `json:"keys"`
}

// TensorInfo is the metadata for one resolved tensor. Data is included only
// when explicitly requested.
type TensorInfo struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Device   string    `json:"device"`
	Elements int       `json:"elements"`
	Data     []float32 `json:"data,omitempty"`
}

func (s *Server) handleSummary(c *echo.Context) error {
	return c.JSON(http.StatusOK, CheckpointSummary{
		Path:  s.path,
		Files: len(s.view.Stores()),
		Keys:  s.view.Len(),
	})
}

func (s *Server) handleKeys(c *echo.Context) error {
	keys := s.view.Keys()
	sort.Strings(keys)
	return c.JSON(http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleTensor(c *echo.Context) error {
	name := c.Param("name")
	value, err := s.view.Get(name)
	if err != nil {
		return writeNotFound(c, "no tensor named "+strconv.Quote(name))
	}

	info := TensorInfo{
		Name:     name,
		Shape:    value.Shape,
		Device:   string(value.Device),
		Elements: value.NumElements(),
	}
	if c.QueryParam("include_data") == "true" {
		info.Data = value.Data
	}
	return c.JSON(http.StatusOK, info)
}
