package checkpoint

import (
	"errors"
	"testing"

	"github.com/nc-BobLee/shardload/internal/tensor"
)

func scalar(v float32) *tensor.Tensor {
	return tensor.FromData([]int{1}, []float32{v})
}

func TestViewPrecedence(t *testing.T) {
	t.Parallel()
	front := NewStore()
	front.Set("shared", scalar(1))
	front.Set("only-front", scalar(2))
	back := NewStore()
	back.Set("shared", scalar(100))
	back.Set("only-back", scalar(3))

	view := NewView(front, back)

	got, err := view.Get("shared")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Data[0] != 1 {
		t.Fatal("later stores must not override earlier ones")
	}
	if v, _ := view.Get("only-back"); v.Data[0] != 3 {
		t.Fatal("fallthrough to later store failed")
	}
	if _, err := view.Get("absent"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestViewKeysDeduped(t *testing.T) {
	t.Parallel()
	front := NewStore()
	front.Set("a", scalar(1))
	front.Set("b", scalar(2))
	back := NewStore()
	back.Set("b", scalar(3))
	back.Set("c", scalar(4))

	view := NewView(front, back)
	keys := view.Keys()
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("expected [a b c], got %v", keys)
	}
	if view.Len() != 3 {
		t.Fatalf("expected len 3, got %d", view.Len())
	}
}

func TestViewDeleteRemovesFromOwner(t *testing.T) {
	t.Parallel()
	front := NewStore()
	front.Set("a", scalar(1))
	back := NewStore()
	back.Set("a", scalar(2))
	back.Set("b", scalar(3))

	view := NewView(front, back)

	// "b" lives only in the back store; deleting it must reach past the
	// front store.
	if !view.Delete("b") {
		t.Fatal("expected delete to find b in the back store")
	}
	if back.Has("b") {
		t.Fatal("b still present in owning store")
	}

	// A key present in several constituents is removed from all of them so
	// it cannot resurface with a stale value.
	if !view.Delete("a") {
		t.Fatal("expected delete to find a")
	}
	if view.Has("a") || front.Has("a") || back.Has("a") {
		t.Fatal("a still present after delete")
	}
	if view.Delete("a") {
		t.Fatal("second delete should report absence")
	}
}

func TestEmptyView(t *testing.T) {
	t.Parallel()
	view := NewView()
	if view.Len() != 0 || view.Has("x") {
		t.Fatal("empty view should have no keys")
	}
	if len(view.Stores()) != 0 {
		t.Fatal("empty view should have no stores")
	}
}
