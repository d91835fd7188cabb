package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/nc-BobLee/shardload/internal/tensor"
)

func TestWriteOpenRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.safetensors")

	want := map[string]*tensor.Tensor{
		"weight": tensor.FromData([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6}),
		"bias":   tensor.FromData([]int{3}, []float32{-1, 0, 1}),
	}
	if err := Write(path, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if f.Path != path {
		t.Fatalf("expected path %q, got %q", path, f.Path)
	}
	keys := f.Keys()
	if len(keys) != 2 || keys[0] != "bias" || keys[1] != "weight" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	info, ok := f.Tensor("weight")
	if !ok {
		t.Fatal("tensor 'weight' not found")
	}
	if info.DType != "F32" {
		t.Fatalf("expected dtype F32, got %q", info.DType)
	}
	if len(info.Shape) != 2 || info.Shape[0] != 2 || info.Shape[1] != 3 {
		t.Fatalf("unexpected shape: %v", info.Shape)
	}

	for name, w := range want {
		got, err := f.ReadTensor(name, tensor.DeviceCPU)
		if err != nil {
			t.Fatalf("ReadTensor(%s): %v", name, err)
		}
		if !got.Equal(w) {
			t.Fatalf("tensor %s mismatch: got %v want %v", name, got.Data, w.Data)
		}
	}
}

func TestReadBF16(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "bf16.safetensors")

	// 1.0 and -2.0 in bfloat16.
	data := []uint16{0x3F80, 0xC000}
	header := map[string]any{
		"v": map[string]any{
			"dtype":        "BF16",
			"shape":        []int{2},
			"data_offsets": []int64{0, 4},
		},
	}
	writeRawFile(t, path, header, func(f *os.File) {
		for _, u := range data {
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], u)
			_, _ = f.Write(b[:])
		}
	})

	sf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := sf.ReadTensor("v", tensor.DeviceCPU)
	if err != nil {
		t.Fatalf("ReadTensor: %v", err)
	}
	if got.Data[0] != 1.0 || got.Data[1] != -2.0 {
		t.Fatalf("unexpected bf16 values: %v", got.Data)
	}
}

func TestOpenNonexistentFile(t *testing.T) {
	t.Parallel()
	_, err := Open("/nonexistent/file.safetensors")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestOpenTruncatedFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "truncated.safetensors")

	if err := os.WriteFile(path, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for truncated file")
	}
}

func TestOpenInvalidJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "invalid.safetensors")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 12)
	_, _ = f.Write(lenBuf[:])
	_, _ = f.Write([]byte("not valid js"))
	_ = f.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("expected error for invalid JSON header")
	}
}

func TestInvalidDataOffsets(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "bad_offsets.safetensors")

	header := map[string]any{
		"bad_tensor": map[string]any{
			"dtype":        "F32",
			"shape":        []int{1},
			"data_offsets": []int64{0},
		},
	}
	writeRawFile(t, path, header, nil)

	if _, err := Open(path); err == nil {
		t.Fatal("expected error for invalid data_offsets")
	}
}

func TestMetadataIgnored(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.safetensors")

	header := map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"tensor1": map[string]any{
			"dtype":        "F32",
			"shape":        []int{4},
			"data_offsets": []int64{0, 16},
		},
	}
	writeRawFile(t, path, header, func(f *os.File) {
		_, _ = f.Write(make([]byte, 16))
	})

	sf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(sf.Tensors) != 1 {
		t.Fatalf("expected 1 tensor (metadata should be excluded), got %d", len(sf.Tensors))
	}
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.safetensors")

	if err := Write(path, map[string]*tensor.Tensor{
		"present": tensor.FromData([]int{1}, []float32{1}),
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := sf.ReadTensor("absent", tensor.DeviceCPU); err == nil {
		t.Fatal("expected error for missing tensor")
	}
}

// writeRawFile writes a safetensors file with an arbitrary header map and
// optional data section, for malformed-input tests.
func writeRawFile(t *testing.T, path string, header map[string]any, data func(*os.File)) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		t.Fatalf("write header len: %v", err)
	}
	if _, err := f.Write(headerBytes); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if data != nil {
		data(f)
	}
}
