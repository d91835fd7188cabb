package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nc-BobLee/shardload/internal/model"
	"github.com/nc-BobLee/shardload/internal/safetensors"
	"github.com/nc-BobLee/shardload/internal/tensor"
)

// ramp builds a tensor whose elements are their own flat index, so shard
// tests can predict exactly which values land on which rank.
func ramp(shape ...int) *tensor.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range n {
		data[i] = float32(i)
	}
	return tensor.FromData(shape, data)
}

// buildDest constructs the destination tree for one rank of the given world
// size. Colwise parameters shrink along dim 0, rowwise and embedding along
// the last dim; the rowwise bias and the plain head stay full-size.
func buildDest(world int) *model.Node {
	attn := &model.TPNode{Colwise: []string{"query"}, Rowwise: []string{"dense"}}
	attn.SetChild("query", (&model.Node{}).
		SetParameter("weight", tensor.New([]int{8 / world, 8}, tensor.DeviceCPU)).
		SetParameter("bias", tensor.New([]int{8 / world}, tensor.DeviceCPU)))
	attn.SetChild("dense", (&model.Node{}).
		SetParameter("weight", tensor.New([]int{8, 8 / world}, tensor.DeviceCPU)).
		SetParameter("bias", tensor.New([]int{8}, tensor.DeviceCPU)))

	layers := &model.Node{}
	layers.Append((&model.Node{}).SetChild("attn", attn))

	embWrap := &model.TPNode{Embedding: []string{"emb"}}
	embWrap.SetChild("emb", (&model.Node{}).
		SetParameter("weight", tensor.New([]int{16, 8 / world}, tensor.DeviceCPU)))

	root := (&model.Node{}).
		SetChild("emb", embWrap).
		SetChild("layers", layers).
		SetChild("head", (&model.Node{}).SetParameter("weight", tensor.New([]int{16, 8}, tensor.DeviceCPU)))
	return root
}

// sourceTensors is the full, unsharded checkpoint content matching buildDest.
func sourceTensors() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{
		"emb.emb.weight":             ramp(16, 8),
		"layers.0.attn.query.weight": ramp(8, 8),
		"layers.0.attn.query.bias":   ramp(8),
		"layers.0.attn.dense.weight": ramp(8, 8),
		"layers.0.attn.dense.bias":   ramp(8),
		"head.weight":                ramp(16, 8),
		"optimizer.state.step_count": ramp(1),
	}
}

func mustParam(t *testing.T, root model.Module, key string) *tensor.Tensor {
	t.Helper()
	target, ok := model.Locate(root, key)
	if !ok {
		t.Fatalf("fixture missing %s", key)
	}
	return target.Param
}

func TestLoadIntoModelSingleProcess(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	file := filepath.Join(dir, "model.safetensors")
	if err := safetensors.Write(file, sourceTensors()); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	view, err := Load(file, LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	root := buildDest(1)
	diag, err := LoadIntoModel(context.Background(), root, view, "test-arch", LoadOptions{})
	if err != nil {
		t.Fatalf("LoadIntoModel: %v", err)
	}

	if diag.Loaded != 6 {
		t.Fatalf("expected 6 tensors loaded, got %d", diag.Loaded)
	}
	if len(diag.UnusedKeys) != 1 || diag.UnusedKeys[0] != "optimizer.state.step_count" {
		t.Fatalf("unexpected unused keys: %v", diag.UnusedKeys)
	}
	if view.Len() != 0 {
		t.Fatalf("all source keys should be evicted, %d remain", view.Len())
	}

	got := mustParam(t, root, "layers.0.attn.query.weight")
	if !got.Equal(ramp(8, 8)) {
		t.Fatal("single-process load must copy weights verbatim")
	}
	if !mustParam(t, root, "head.weight").Equal(ramp(16, 8)) {
		t.Fatal("plain parameter not copied")
	}
}

func TestLoadIntoModelTensorParallel(t *testing.T) {
	t.Parallel()

	makeView := func() *View {
		store := NewStore()
		for name, value := range sourceTensors() {
			store.Set(name, value)
		}
		return NewView(store)
	}
	opts := LoadOptions{DistributedStrategy: StrategyTP, WorldSize: 2}

	opts.Rank = 1
	root := buildDest(2)
	if _, err := LoadIntoModel(context.Background(), root, makeView(), "test-arch", opts); err != nil {
		t.Fatalf("LoadIntoModel rank 1: %v", err)
	}

	// Colwise: rank 1 of 2 holds rows 4..7 of the 8x8 source.
	colwise := mustParam(t, root, "layers.0.attn.query.weight")
	want := ramp(8, 8)
	for i, v := range colwise.Data {
		if v != want.Data[32+i] {
			t.Fatalf("colwise shard wrong at %d: got %v want %v", i, v, want.Data[32+i])
		}
	}
	// Colwise bias is sharded like its weight.
	bias := mustParam(t, root, "layers.0.attn.query.bias")
	if bias.Data[0] != 4 || bias.Data[3] != 7 {
		t.Fatalf("colwise bias shard wrong: %v", bias.Data)
	}

	// Rowwise and embedding: rank 1 holds the last-dim slice 4..7 of each
	// row.
	rowwise := mustParam(t, root, "layers.0.attn.dense.weight")
	for row := range 8 {
		for col := range 4 {
			if got := rowwise.Data[row*4+col]; got != float32(row*8+4+col) {
				t.Fatalf("rowwise shard wrong at (%d,%d): %v", row, col, got)
			}
		}
	}
	emb := mustParam(t, root, "emb.emb.weight")
	if emb.Data[0] != 4 || emb.Data[4] != 12 {
		t.Fatalf("embedding shard wrong: %v", emb.Data[:8])
	}

	// Rowwise bias exists whole on rank 0 only; other ranks zero it so the
	// all-reduce after the matmul adds it exactly once.
	denseBias := mustParam(t, root, "layers.0.attn.dense.bias")
	for _, v := range denseBias.Data {
		if v != 0 {
			t.Fatalf("rowwise bias must be zero off rank 0: %v", denseBias.Data)
		}
	}

	// The replicated head is copied whole on every rank.
	if !mustParam(t, root, "head.weight").Equal(ramp(16, 8)) {
		t.Fatal("replicated parameter not copied on rank 1")
	}

	opts.Rank = 0
	root0 := buildDest(2)
	if _, err := LoadIntoModel(context.Background(), root0, makeView(), "test-arch", opts); err != nil {
		t.Fatalf("LoadIntoModel rank 0: %v", err)
	}
	if !mustParam(t, root0, "layers.0.attn.dense.bias").Equal(ramp(8)) {
		t.Fatal("rowwise bias should be copied whole on rank 0")
	}
	if v := mustParam(t, root0, "layers.0.attn.query.weight").Data[0]; v != 0 {
		t.Fatalf("rank 0 colwise shard should start at row 0, got %v", v)
	}
}

func TestLoadIntoModelFusedAdapter(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	calls := 0
	err := reg.Register("test-arch", "split-qk", func(sd map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
		calls++
		wq, haveQ := sd["wq"]
		wk, haveK := sd["wk"]
		if !haveQ {
			return nil, &MissingFusedKeysError{Keys: []string{"wq"}}
		}
		if !haveK {
			return nil, &MissingFusedKeysError{Keys: []string{"wk"}}
		}
		fused := tensor.New([]int{8, 8}, tensor.DeviceCPU)
		copy(fused.Data[:32], wq.Data)
		copy(fused.Data[32:], wk.Data)
		return map[string]*tensor.Tensor{"layers.0.attn.query.weight": fused}, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	store := NewStore()
	store.Set("wk", ramp(4, 8))
	store.Set("wq", ramp(4, 8))
	view := NewView(store)

	root := buildDest(1)
	diag, err := reg.LoadIntoModel(context.Background(), root, view, "test-arch", LoadOptions{Source: "split-qk"})
	if err != nil {
		t.Fatalf("LoadIntoModel: %v", err)
	}

	// One failed probe naming the missing half, then one successful fused
	// call. The second raw key is consumed by the gather, not re-visited.
	if calls != 2 {
		t.Fatalf("expected 2 adapter calls, got %d", calls)
	}
	if diag.Loaded != 1 || len(diag.UnusedKeys) != 0 {
		t.Fatalf("unexpected diagnostics: %+v", diag)
	}
	if view.Len() != 0 {
		t.Fatalf("both fused halves should be evicted, %d remain", view.Len())
	}

	fused := mustParam(t, root, "layers.0.attn.query.weight")
	if fused.Data[0] != 0 || fused.Data[32] != 0 || fused.Data[63] != 31 {
		t.Fatalf("fused weight assembled wrong: %v", fused.Data[:4])
	}
}

func TestLoadIntoModelUnusedKeyReportedOnce(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	// Every raw key maps to the same canonical name, which has no
	// destination; the diagnostic must still list it once.
	err := reg.Register("test-arch", "collapsing", func(sd map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
		out := make(map[string]*tensor.Tensor, len(sd))
		for _, v := range sd {
			out["missing.weight"] = v
		}
		return out, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	store := NewStore()
	store.Set("x1", ramp(2))
	store.Set("x2", ramp(2))
	view := NewView(store)

	diag, err := reg.LoadIntoModel(context.Background(), buildDest(1), view, "test-arch", LoadOptions{Source: "collapsing"})
	if err != nil {
		t.Fatalf("LoadIntoModel: %v", err)
	}
	if diag.Loaded != 0 {
		t.Fatalf("nothing should load, got %d", diag.Loaded)
	}
	if len(diag.UnusedKeys) != 1 || diag.UnusedKeys[0] != "missing.weight" {
		t.Fatalf("expected [missing.weight] once, got %v", diag.UnusedKeys)
	}
}

func TestLoadIntoModelAdapterErrorAborts(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	wantErr := errors.New("corrupt tensor layout")
	if err := reg.Register("test-arch", "broken", func(sd map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
		return nil, wantErr
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	store := NewStore()
	store.Set("w", ramp(2))
	view := NewView(store)

	_, err := reg.LoadIntoModel(context.Background(), buildDest(1), view, "test-arch", LoadOptions{Source: "broken"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected adapter error to propagate, got %v", err)
	}
}
