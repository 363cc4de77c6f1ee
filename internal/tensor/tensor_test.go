package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewComputesRowMajorStrides(t *testing.T) {
	tn := New(1, 2, 3, 0, []uint64{2, 3, 4}, F32, Cpu)
	assert.Equal(t, uint64(4), tn.Strides[2])
	assert.Equal(t, uint64(16), tn.Strides[1])
	assert.Equal(t, uint64(48), tn.Strides[0])
	assert.Equal(t, uint64(2*3*4*4), tn.Size)
	assert.True(t, tn.IsContiguous())
}

func TestViewRoundTrip(t *testing.T) {
	tn := New(1, 2, 3, 0, []uint64{4, 6}, U8, Cpu)
	view, ok := tn.View(tn.Shape[:tn.Ndim])
	require.True(t, ok)
	assert.Equal(t, tn, view)
}

func TestViewRejectsElementCountMismatch(t *testing.T) {
	tn := New(1, 2, 3, 0, []uint64{4, 6}, U8, Cpu)
	_, ok := tn.View([]uint64{5, 5})
	assert.False(t, ok)
}

func TestSliceFirstDimFullRangeEqualsOriginal(t *testing.T) {
	tn := New(1, 2, 3, 0, []uint64{10, 2}, F32, Cpu)
	sliced, ok := tn.SliceFirstDim(0, tn.Shape[0])
	require.True(t, ok)
	assert.Equal(t, tn, sliced)
}

func TestSliceFirstDimPartialAdjustsOffsetAndSize(t *testing.T) {
	tn := New(1, 2, 3, 0, []uint64{10, 2}, F32, Cpu)
	sliced, ok := tn.SliceFirstDim(2, 5)
	require.True(t, ok)
	assert.Equal(t, uint64(3), sliced.Shape[0])
	assert.Equal(t, tn.Offset+2*tn.Strides[0], sliced.Offset)
	assert.Equal(t, uint64(3*2)*4, sliced.Size)
}

func TestSliceFirstDimBoundsRejected(t *testing.T) {
	tn := New(1, 2, 3, 0, []uint64{4}, I32, Cpu)
	_, ok := tn.SliceFirstDim(3, 2)
	assert.False(t, ok)
	_, ok = tn.SliceFirstDim(0, 5)
	assert.False(t, ok)
}

func TestDeviceIsCUDA(t *testing.T) {
	assert.False(t, Cpu.IsCUDA())
	assert.True(t, Cuda0.IsCUDA())
	assert.True(t, Cuda3.IsCUDA())
}

func TestDtypeElementSize(t *testing.T) {
	cases := map[Dtype]uint64{
		F32: 4, F64: 8, F16: 2, BF16: 2,
		I8: 1, I16: 2, I32: 4, I64: 8,
		U8: 1, U16: 2, U32: 4, U64: 8, Bool: 1,
	}
	for dtype, expected := range cases {
		assert.Equal(t, expected, dtype.ElementSize())
	}
}
