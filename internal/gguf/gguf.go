// Package gguf is the eager container reader for GGUF checkpoint files.
//
// Unlike safetensors, GGUF files are consumed whole: Load maps the file,
// decodes every tensor it can represent as float32 and releases the mapping
// before returning. The loader only needs the float dtypes; block-quantized
// tensors cannot be sharded per element and are rejected.
package gguf

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nc-BobLee/shardload/internal/tensor"
)

const magicGGUF = "GGUF"

var (
	ErrInvalidMagic       = errors.New("gguf: invalid magic")
	ErrUnsupportedVersion = errors.New("gguf: unsupported version")
	ErrUnsupportedDType   = errors.New("gguf: unsupported tensor dtype")
)

type ValueType uint32

const (
	TypeUint8   ValueType = 0
	TypeInt8    ValueType = 1
	TypeUint16  ValueType = 2
	TypeInt16   ValueType = 3
	TypeUint32  ValueType = 4
	TypeInt32   ValueType = 5
	TypeFloat32 ValueType = 6
	TypeBool    ValueType = 7
	TypeString  ValueType = 8
	TypeArray   ValueType = 9
	TypeUint64  ValueType = 10
	TypeInt64   ValueType = 11
	TypeFloat64 ValueType = 12
)

type TensorType uint32

const (
	TypeF32  TensorType = 0
	TypeF16  TensorType = 1
	TypeBF16 TensorType = 30
)

func (t TensorType) String() string {
	switch t {
	case TypeF32:
		return "F32"
	case TypeF16:
		return "F16"
	case TypeBF16:
		return "BF16"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

type TensorInfo struct {
	Name   string
	Dims   []uint64 // innermost dimension first, as stored on disk
	Type   TensorType
	Offset uint64
}

// Load reads every tensor in the GGUF file at path onto device.
//
// The file is mapped read-only for the duration of the call and unmapped on
// all exit paths. Returned tensor shapes are outermost-first (GGUF stores
// dims innermost-first).
func Load(path string, device tensor.Device) (map[string]*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size <= 0 || size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("gguf: cannot map %s (size %d)", path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("gguf: mmap %s: %w", path, err)
	}
	defer func() { _ = unix.Munmap(data) }()

	return decode(data, device)
}

func decode(data []byte, device tensor.Device) (map[string]*tensor.Tensor, error) {
	r := newReader(data)

	magic, err := r.readN(4)
	if err != nil {
		return nil, err
	}
	if string(magic) != magicGGUF {
		return nil, ErrInvalidMagic
	}
	version, err := r.readU32()
	if err != nil {
		return nil, err
	}
	if version != 2 && version != 3 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	tensorCount, err := r.readU64()
	if err != nil {
		return nil, err
	}
	kvCount, err := r.readU64()
	if err != nil {
		return nil, err
	}

	alignment := uint64(32)
	for i := uint64(0); i < kvCount; i++ {
		key, err := r.readString()
		if err != nil {
			return nil, fmt.Errorf("read key %d: %w", i, err)
		}
		vtypeU32, err := r.readU32()
		if err != nil {
			return nil, fmt.Errorf("read value type for %s: %w", key, err)
		}
		val, err := readValue(r, ValueType(vtypeU32))
		if err != nil {
			return nil, fmt.Errorf("read value for %s: %w", key, err)
		}
		if key == "general.alignment" {
			if u, ok := asUint64(val); ok && u > 0 {
				alignment = u
			}
		}
	}

	infos := make([]TensorInfo, 0, tensorCount)
	for i := uint64(0); i < tensorCount; i++ {
		name, err := r.readString()
		if err != nil {
			return nil, fmt.Errorf("read tensor name %d: %w", i, err)
		}
		nDim, err := r.readU32()
		if err != nil {
			return nil, fmt.Errorf("read tensor dims %s: %w", name, err)
		}
		dims := make([]uint64, nDim)
		for d := range dims {
			if dims[d], err = r.readU64(); err != nil {
				return nil, fmt.Errorf("read tensor dim %s[%d]: %w", name, d, err)
			}
		}
		ttypeU32, err := r.readU32()
		if err != nil {
			return nil, fmt.Errorf("read tensor type %s: %w", name, err)
		}
		offset, err := r.readU64()
		if err != nil {
			return nil, fmt.Errorf("read tensor offset %s: %w", name, err)
		}
		infos = append(infos, TensorInfo{
			Name:   name,
			Dims:   dims,
			Type:   TensorType(ttypeU32),
			Offset: offset,
		})
	}

	dataStart := alignUp(uint64(r.off), alignment)
	out := make(map[string]*tensor.Tensor, len(infos))
	for _, info := range infos {
		t, err := decodeTensor(data, dataStart, info)
		if err != nil {
			return nil, err
		}
		out[info.Name] = t.To(device)
	}
	return out, nil
}

func decodeTensor(data []byte, dataStart uint64, info TensorInfo) (*tensor.Tensor, error) {
	n := 1
	for _, d := range info.Dims {
		n *= int(d)
	}
	var elemSize int
	switch info.Type {
	case TypeF32:
		elemSize = 4
	case TypeF16, TypeBF16:
		elemSize = 2
	default:
		return nil, fmt.Errorf("%w: tensor %s is %s", ErrUnsupportedDType, info.Name, info.Type)
	}
	start := dataStart + info.Offset
	end := start + uint64(n*elemSize)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("gguf: tensor %s data out of range", info.Name)
	}
	raw := data[start:end]

	vals := make([]float32, n)
	switch info.Type {
	case TypeF32:
		for i := 0; i < n; i++ {
			vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case TypeF16:
		for i := 0; i < n; i++ {
			vals[i] = fp16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case TypeBF16:
		for i := 0; i < n; i++ {
			vals[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	}

	// GGUF dims are innermost first; our shapes are outermost first.
	shape := make([]int, len(info.Dims))
	for i, d := range info.Dims {
		shape[len(info.Dims)-1-i] = int(d)
	}
	return tensor.FromData(shape, vals), nil
}

func readValue(r *reader, vtype ValueType) (any, error) {
	switch vtype {
	case TypeUint8:
		return r.readU8()
	case TypeInt8:
		v, err := r.readU8()
		return int8(v), err
	case TypeUint16:
		return r.readU16()
	case TypeInt16:
		v, err := r.readU16()
		return int16(v), err
	case TypeUint32:
		return r.readU32()
	case TypeInt32:
		v, err := r.readU32()
		return int32(v), err
	case TypeUint64:
		return r.readU64()
	case TypeInt64:
		v, err := r.readU64()
		return int64(v), err
	case TypeFloat32:
		u, err := r.readU32()
		return math.Float32frombits(u), err
	case TypeFloat64:
		u, err := r.readU64()
		return math.Float64frombits(u), err
	case TypeBool:
		v, err := r.readU8()
		return v != 0, err
	case TypeString:
		return r.readString()
	case TypeArray:
		elemTypeU32, err := r.readU32()
		if err != nil {
			return nil, err
		}
		count, err := r.readU64()
		if err != nil {
			return nil, err
		}
		values := make([]any, 0, count)
		for range count {
			v, err := readValue(r, ValueType(elemTypeU32))
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return values, nil
	default:
		return nil, fmt.Errorf("unsupported value type %d", uint32(vtype))
	}
}

func alignUp(offset, alignment uint64) uint64 {
	if alignment == 0 {
		return offset
	}
	rem := offset % alignment
	if rem == 0 {
		return offset
	}
	return offset + (alignment - rem)
}

func asUint64(v any) (uint64, bool) {
	switch t := v.(type) {
	case uint8:
		return uint64(t), true
	case uint16:
		return uint64(t), true
	case uint32:
		return uint64(t), true
	case uint64:
		return t, true
	case int8:
		if t >= 0 {
			return uint64(t), true
		}
	case int16:
		if t >= 0 {
			return uint64(t), true
		}
	case int32:
		if t >= 0 {
			return uint64(t), true
		}
	case int64:
		if t >= 0 {
			return uint64(t), true
		}
	}
	return 0, false
}

func fp16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}

type reader struct {
	r    *bufio.Reader
	off  int64
	size int64
}

func newReader(data []byte) *reader {
	return &reader{
		r:    bufio.NewReader(bytes.NewReader(data)),
		size: int64(len(data)),
	}
}

func (r *reader) readN(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid read length %d", n)
	}
	if r.off+int64(n) > r.size {
		return nil, io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	r.off += int64(n)
	return buf, nil
}

func (r *reader) readU8() (uint8, error) {
	b, err := r.readN(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) readU16() (uint16, error) {
	b, err := r.readN(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) readU32() (uint32, error) {
	b, err := r.readN(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) readU64() (uint64, error) {
	b, err := r.readN(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) readString() (string, error) {
	n, err := r.readU64()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	if n > uint64(r.size) {
		return "", fmt.Errorf("string length too large: %d", n)
	}
	b, err := r.readN(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
