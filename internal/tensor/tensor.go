package tensor

import "fmt"

// Device names where a tensor's data lives. This loader is host-only, so the
// set is small: DeviceCPU for real storage and DeviceMeta as the sentinel for
// "do not materialize" (weights will be synchronized from another rank).
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceMeta Device = "meta"
)

// Tensor is a dense row-major float32 tensor.
//
// Shape holds the dimension sizes outermost first. Data holds the flattened
// values; len(Data) always equals the product of Shape. Tensors are always
// contiguous, which is what lets the sharder address first-dim partitions as
// single block copies.
//
// Tensor does not perform any memory safety beyond the checks performed by
// Go's slice types; out-of-range indices will panic.
type Tensor struct {
	Shape  []int
	Data   []float32
	Device Device
}

// New allocates a zero-filled tensor with the given shape on device.
func New(shape []int, device Device) *Tensor {
	n := mustNumElements(shape)
	if device == "" {
		device = DeviceCPU
	}
	return &Tensor{
		Shape:  append([]int(nil), shape...),
		Data:   make([]float32, n),
		Device: device,
	}
}

// FromData creates a CPU tensor wrapping data. It checks that the data length
// matches the shape.
func FromData(shape []int, data []float32) *Tensor {
	n := mustNumElements(shape)
	if n != len(data) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{
		Shape:  append([]int(nil), shape...),
		Data:   data,
		Device: DeviceCPU,
	}
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Dim returns the size of dimension i. Negative i counts from the end, so
// Dim(-1) is the innermost dimension.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// NumElements returns the total element count.
func (t *Tensor) NumElements() int { return len(t.Data) }

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i, d := range t.Shape {
		if o.Shape[i] != d {
			return false
		}
	}
	return true
}

// CopyFrom copies src's values into t in place. Shapes must match exactly;
// t's storage is never reallocated.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.SameShape(src) {
		return fmt.Errorf("tensor: copy shape mismatch: dst %v src %v", t.Shape, src.Shape)
	}
	copy(t.Data, src.Data)
	return nil
}

// Zero fills t with zeros in place.
func (t *Tensor) Zero() {
	clear(t.Data)
}

// To returns a tensor resident on device. Moving to the same device returns t
// unchanged; host-to-host moves are just a device retag since all storage here
// is main memory.
func (t *Tensor) To(device Device) *Tensor {
	if t.Device == device {
		return t
	}
	return &Tensor{Shape: t.Shape, Data: t.Data, Device: device}
}

// Equal reports whether t and o have the same shape and exactly equal values.
func (t *Tensor) Equal(o *Tensor) bool {
	if !t.SameShape(o) {
		return false
	}
	for i, v := range t.Data {
		if o.Data[i] != v {
			return false
		}
	}
	return true
}

// innerStride returns the number of elements spanned by one step of dimension
// 0, i.e. the product of all inner dimensions.
func (t *Tensor) innerStride() int {
	n := 1
	for _, d := range t.Shape[1:] {
		n *= d
	}
	return n
}

// CopyFirstDimSlice copies src rows [start, start+dst.Dim(0)) along dimension
// 0 into dst. All inner dimensions must match. This is the colwise-shard
// primitive: a single contiguous block copy.
func CopyFirstDimSlice(dst, src *Tensor, start int) error {
	if dst.Rank() != src.Rank() || dst.Rank() == 0 {
		return fmt.Errorf("tensor: first-dim slice rank mismatch: dst %v src %v", dst.Shape, src.Shape)
	}
	for i := 1; i < dst.Rank(); i++ {
		if dst.Shape[i] != src.Shape[i] {
			return fmt.Errorf("tensor: first-dim slice inner shape mismatch: dst %v src %v", dst.Shape, src.Shape)
		}
	}
	n := dst.Dim(0)
	if start < 0 || start+n > src.Dim(0) {
		return fmt.Errorf("tensor: first-dim slice [%d:%d) out of range for dim %d", start, start+n, src.Dim(0))
	}
	stride := src.innerStride()
	copy(dst.Data, src.Data[start*stride:(start+n)*stride])
	return nil
}

// CopyLastDimSlice copies src columns [start, start+dst.Dim(-1)) along the
// innermost dimension into dst. All outer dimensions must match. This is the
// rowwise/embedding-shard primitive: one strided copy per outer row.
func CopyLastDimSlice(dst, src *Tensor, start int) error {
	if dst.Rank() != src.Rank() || dst.Rank() == 0 {
		return fmt.Errorf("tensor: last-dim slice rank mismatch: dst %v src %v", dst.Shape, src.Shape)
	}
	for i := 0; i < dst.Rank()-1; i++ {
		if dst.Shape[i] != src.Shape[i] {
			return fmt.Errorf("tensor: last-dim slice outer shape mismatch: dst %v src %v", dst.Shape, src.Shape)
		}
	}
	n := dst.Dim(-1)
	srcWidth := src.Dim(-1)
	if start < 0 || start+n > srcWidth {
		return fmt.Errorf("tensor: last-dim slice [%d:%d) out of range for dim %d", start, start+n, srcWidth)
	}
	rows := 1
	for _, d := range src.Shape[:len(src.Shape)-1] {
		rows *= d
	}
	for r := 0; r < rows; r++ {
		copy(dst.Data[r*n:(r+1)*n], src.Data[r*srcWidth+start:r*srcWidth+start+n])
	}
	return nil
}

func mustNumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}
