// Package tensor defines the HorusTensor descriptor: a small, copyable
// handle to a large payload living in a TensorPool arena. Descriptors
// travel through ShmTopic rings and Hubs; the bytes they describe never
// do.
package tensor

// MaxDims bounds the number of dimensions a tensor descriptor can carry.
const MaxDims = 8

// Dtype enumerates the element types a tensor slot may hold.
type Dtype uint8

const (
	F32 Dtype = iota
	F64
	F16
	BF16
	I8
	I16
	I32
	I64
	U8
	U16
	U32
	U64
	Bool
)

// ElementSize returns the size in bytes of one element of this dtype.
func (d Dtype) ElementSize() uint64 {
	switch d {
	case F32, I32, U32:
		return 4
	case F64, I64, U64:
		return 8
	case F16, BF16, I16, U16:
		return 2
	case I8, U8, Bool:
		return 1
	default:
		return 0
	}
}

// Device enumerates where a tensor's bytes physically reside.
type Device uint8

const (
	Cpu Device = iota
	Cuda0
	Cuda1
	Cuda2
	Cuda3
)

// IsCUDA reports whether the device is a CUDA device. HORUS's core never
// issues a CUDA runtime call itself — this is purely descriptor metadata
// consumed by an out-of-scope GPU-aware node.
func (d Device) IsCUDA() bool { return d != Cpu }

// Tensor is the HorusTensor descriptor: pool id, slot id, generation,
// byte offset, size, dtype, device, shape/strides, and an opaque CUDA IPC
// handle for cross-process GPU sharing. It carries no shared-memory
// allocation itself — it is Pod-like, safe to copy and to send through a
// ShmTopic ring.
//
// Invariant: Generation must match the pool slot's current generation for
// any pool operation on this descriptor to succeed; a mismatch means the
// slot was freed and possibly reallocated (ABA defense).
type Tensor struct {
	PoolID        uint32
	SlotID        uint32
	Generation    uint32
	Offset        uint64
	Size          uint64
	Dtype         Dtype
	Ndim          uint8
	Device        Device
	Shape         [MaxDims]uint64
	Strides       [MaxDims]uint64
	CudaIPCHandle [64]byte
}

// New builds a descriptor for shape/dtype/device at the given pool/slot/
// generation/offset, computing row-major strides and total byte size.
func New(poolID, slotID, generation uint32, offset uint64, shape []uint64, dtype Dtype, device Device) Tensor {
	ndim := len(shape)
	if ndim > MaxDims {
		ndim = MaxDims
	}

	var numElements uint64 = 1
	for _, d := range shape {
		numElements *= d
	}
	size := numElements * dtype.ElementSize()

	var strides [MaxDims]uint64
	if ndim > 0 {
		strides[ndim-1] = dtype.ElementSize()
		for i := ndim - 2; i >= 0; i-- {
			strides[i] = strides[i+1] * shape[i+1]
		}
	}

	var shapeArr [MaxDims]uint64
	for i := 0; i < ndim; i++ {
		shapeArr[i] = shape[i]
	}

	return Tensor{
		PoolID:     poolID,
		SlotID:     slotID,
		Generation: generation,
		Offset:     offset,
		Size:       size,
		Dtype:      dtype,
		Ndim:       uint8(ndim),
		Device:     device,
		Shape:      shapeArr,
		Strides:    strides,
	}
}

// IsContiguous reports whether the tensor's strides describe a row-major
// contiguous layout.
func (t *Tensor) IsContiguous() bool {
	if t.Ndim == 0 {
		return true
	}
	expected := t.Dtype.ElementSize()
	for i := int(t.Ndim) - 1; i >= 0; i-- {
		if t.Strides[i] != expected {
			return false
		}
		expected *= t.Shape[i]
	}
	return true
}

// View returns a descriptor sharing pool/slot/generation/offset but with
// newShape, valid only if t is contiguous and the element count matches.
func (t *Tensor) View(newShape []uint64) (Tensor, bool) {
	var oldNumel uint64 = 1
	for i := 0; i < int(t.Ndim); i++ {
		oldNumel *= t.Shape[i]
	}
	var newNumel uint64 = 1
	for _, d := range newShape {
		newNumel *= d
	}
	if oldNumel != newNumel || !t.IsContiguous() {
		return Tensor{}, false
	}
	return New(t.PoolID, t.SlotID, t.Generation, t.Offset, newShape, t.Dtype, t.Device), true
}

// SliceFirstDim returns a descriptor over [start, end) of the first
// dimension, adjusting offset and recomputing size. The returned
// descriptor shares the refcount of t — the caller must Retain if it
// intends to keep both alive independently.
func (t *Tensor) SliceFirstDim(start, end uint64) (Tensor, bool) {
	if t.Ndim == 0 || start >= end || end > t.Shape[0] {
		return Tensor{}, false
	}
	out := *t
	out.Shape[0] = end - start
	out.Offset += start * t.Strides[0]
	var newNumel uint64 = 1
	for i := 0; i < int(out.Ndim); i++ {
		newNumel *= out.Shape[i]
	}
	out.Size = newNumel * t.Dtype.ElementSize()
	return out, true
}
