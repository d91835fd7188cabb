// Package model defines the destination module tree the loader writes
// weights into, and the locator that resolves checkpoint keys against it.
//
// The tree is expressed as small capability interfaces rather than
// reflection: a module exposes named children and parameters, optionally
// integer-indexed children, and optionally the tensor-parallel view that
// declares which of its parameters are sharded and how.
package model

import (
	"github.com/nc-BobLee/shardload/internal/tensor"
)

// Module is a node in the destination object graph.
type Module interface {
	// Child returns the named submodule, if present.
	Child(name string) (Module, bool)
	// Parameter returns the named parameter or buffer, if present.
	Parameter(name string) (*tensor.Tensor, bool)
}

// Indexed is implemented by modules whose children are an ordered list
// (e.g. a layer stack) addressed by numeric path segments.
type Indexed interface {
	ChildAt(i int) (Module, bool)
}

// TPModule is the tensor-parallel capability view. A module implementing it
// declares, by immediate-child name, which parameters are split column-wise,
// row-wise, or embedding-style across ranks. Modules that do not implement
// TPModule hold replicated parameters only.
type TPModule interface {
	ColwiseParamNames() []string
	RowwiseParamNames() []string
	EmbeddingParamNames() []string
}

// Node is a buildable Module for callers that do not bring their own graph,
// and for tests. The zero value is usable.
type Node struct {
	children map[string]Module
	list     []Module
	params   map[string]*tensor.Tensor
}

func (n *Node) Child(name string) (Module, bool) {
	m, ok := n.children[name]
	return m, ok
}

func (n *Node) ChildAt(i int) (Module, bool) {
	if i < 0 || i >= len(n.list) {
		return nil, false
	}
	return n.list[i], true
}

func (n *Node) Parameter(name string) (*tensor.Tensor, bool) {
	t, ok := n.params[name]
	return t, ok
}

// SetChild attaches a named submodule.
func (n *Node) SetChild(name string, m Module) *Node {
	if n.children == nil {
		n.children = make(map[string]Module)
	}
	n.children[name] = m
	return n
}

// Append adds m to the node's ordered child list.
func (n *Node) Append(m Module) *Node {
	n.list = append(n.list, m)
	return n
}

// SetParameter attaches a named parameter.
func (n *Node) SetParameter(name string, t *tensor.Tensor) *Node {
	if n.params == nil {
		n.params = make(map[string]*tensor.Tensor)
	}
	n.params[name] = t
	return n
}

// TPNode is a Node that additionally carries the TP capability view.
type TPNode struct {
	Node
	Colwise   []string
	Rowwise   []string
	Embedding []string
}

func (n *TPNode) ColwiseParamNames() []string   { return n.Colwise }
func (n *TPNode) RowwiseParamNames() []string   { return n.Rowwise }
func (n *TPNode) EmbeddingParamNames() []string { return n.Embedding }
