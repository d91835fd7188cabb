package safetensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"

	"github.com/nc-BobLee/shardload/internal/tensor"
)

// Write serializes tensors to path as an F32 safetensors file. Keys are laid
// out in sorted order so the output is deterministic.
func Write(path string, tensors map[string]*tensor.Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorHeader, len(tensors))
	offset := int64(0)
	for _, name := range names {
		t := tensors[name]
		size := int64(t.NumElements()) * 4
		header[name] = tensorHeader{
			DType:       "F32",
			Shape:       append([]int(nil), t.Shape...),
			DataOffsets: []int64{offset, offset + size},
		}
		offset += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := f.Write(headerBytes); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := f.Write(buf); err != nil {
				return err
			}
		}
	}
	return f.Close()
}
