package shm

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/water236/horus/internal/tensor"
)

// PoolMagic identifies a valid TensorPool backing file: "HORUS_TP" packed
// as a u64, matching the original implementation's constant so a pool
// region is self-describing even if opened out of context.
const PoolMagic uint64 = 0x484F5255535F5450

// PoolVersion is the current on-disk pool layout version.
const PoolVersion uint32 = 1

const (
	slotFree      uint32 = 0
	slotAllocated uint32 = 1
	slotCUDA      uint32 = 2
)

// invalidSlot is the free-stack sentinel, matching u32::MAX in the spec.
const invalidSlot uint32 = ^uint32(0)

var (
	ErrPoolMagicMismatch   = errors.New("shm: tensor pool magic mismatch")
	ErrPoolVersionMismatch = errors.New("shm: tensor pool version mismatch")
	ErrPoolIDMismatch      = errors.New("shm: tensor pool id mismatch")
	ErrNoFreeSlots         = errors.New("shm: no free tensor slots")
	ErrOutOfMemory         = errors.New("shm: tensor pool out of memory")
)

// PoolConfig controls a TensorPool's arena layout.
type PoolConfig struct {
	PoolSize      int
	MaxSlots      int
	SlotAlignment int
}

// DefaultPoolConfig is sized for general workloads: 1GiB arena, 1024
// concurrent slots, 64-byte (cache-line) alignment.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{PoolSize: 1 << 30, MaxSlots: 1024, SlotAlignment: 64}
}

// SmallPoolConfig is sized for tests and development.
func SmallPoolConfig() PoolConfig {
	return PoolConfig{PoolSize: 64 << 20, MaxSlots: 256, SlotAlignment: 64}
}

// LargePoolConfig is sized for production ML workloads.
func LargePoolConfig() PoolConfig {
	return PoolConfig{PoolSize: 4 << 30, MaxSlots: 4096, SlotAlignment: 64}
}

type poolHeader struct {
	magic           uint64
	version         uint32
	poolID          uint32
	poolSize        uint64
	maxSlots        uint32
	slotAlignment   uint32
	nextAllocOffset atomic.Uint64
	freeStackHead   atomic.Uint64
	_padding        [16]byte
}

type slotHeader struct {
	refcount   atomic.Uint32
	generation atomic.Uint32
	offset     uint64
	size       uint64
	flags      atomic.Uint32
	nextFree   atomic.Uint32
}

const poolHeaderSize = int(unsafe.Sizeof(poolHeader{}))
const slotHeaderSize = int(unsafe.Sizeof(slotHeader{}))

// Pool is the TensorPool: an arena of refcounted slots in shared memory,
// addressed by small HorusTensor descriptors. Allocation never blocks —
// slot acquisition and arena reservation are both lock-free CAS loops.
type Pool struct {
	region      *Region
	poolID      uint32
	config      PoolConfig
	header      *poolHeader
	slotsBase   unsafe.Pointer
	dataOffset  int
}

func alignUp(value, alignment int) int {
	return (value + alignment - 1) &^ (alignment - 1)
}

// poolRegionName builds the deterministic shared-memory name for a pool id.
func poolRegionName(poolID uint32) string {
	return fmt.Sprintf("tensor_pool_%d", poolID)
}

// CreateOrOpenPool creates (if absent) or attaches to (if present) the
// tensor pool identified by poolID. A freshly created pool zero-fills its
// header and marks every slot free; an attached pool validates magic,
// version, and pool id.
func CreateOrOpenPool(poolID uint32, config PoolConfig) (*Pool, error) {
	metadataSize := poolHeaderSize + config.MaxSlots*slotHeaderSize
	dataOffset := alignUp(metadataSize, config.SlotAlignment)
	totalSize := dataOffset + config.PoolSize

	region, err := createOrAttachLarge(poolRegionName(poolID), totalSize, config.PoolSize)
	if err != nil {
		return nil, err
	}

	header := (*poolHeader)(unsafe.Pointer(&region.data[0]))
	p := &Pool{
		region:     region,
		poolID:     poolID,
		config:     config,
		header:     header,
		slotsBase:  unsafe.Pointer(&region.data[poolHeaderSize]),
		dataOffset: dataOffset,
	}

	if region.IsOwner() {
		p.initialize()
	} else {
		if err := p.validate(); err != nil {
			region.Close()
			return nil, err
		}
	}

	return p, nil
}

// OpenPool attaches to an existing pool only; it fails if the pool does
// not already exist.
func OpenPool(poolID uint32) (*Pool, error) {
	name := poolRegionName(poolID)
	region, err := Open(name)
	if err != nil {
		return nil, err
	}

	header := (*poolHeader)(unsafe.Pointer(&region.data[0]))
	if header.magic != PoolMagic {
		region.Close()
		return nil, ErrPoolMagicMismatch
	}

	config := PoolConfig{
		PoolSize:      int(header.poolSize),
		MaxSlots:      int(header.maxSlots),
		SlotAlignment: int(header.slotAlignment),
	}
	metadataSize := poolHeaderSize + config.MaxSlots*slotHeaderSize
	dataOffset := alignUp(metadataSize, config.SlotAlignment)

	p := &Pool{
		region:     region,
		poolID:     poolID,
		config:     config,
		header:     header,
		slotsBase:  unsafe.Pointer(&region.data[poolHeaderSize]),
		dataOffset: dataOffset,
	}
	if err := p.validate(); err != nil {
		region.Close()
		return nil, err
	}
	return p, nil
}

// createOrAttachLarge bypasses Region's 100MB topic cap — a tensor pool's
// arena (poolSize) is allowed up to 4GiB (LargePoolConfig), a distinct
// limit from ShmTopic's MaxTotalSize. size is the whole region, including
// the pool and slot headers ahead of the arena.
func createOrAttachLarge(name string, size, poolSize int) (*Region, error) {
	const maxPoolSize = 4 << 30 // 4GiB, the "large" preset ceiling
	if poolSize <= 0 || poolSize > maxPoolSize || size < poolSize {
		return nil, fmt.Errorf("%w: %d-byte arena (max %d)", ErrInvalidSize, poolSize, maxPoolSize)
	}
	return createOrAttachUnbounded(name, size)
}

func (p *Pool) initialize() {
	data := p.region.data
	for i := range data {
		data[i] = 0
	}

	p.header.magic = PoolMagic
	p.header.version = PoolVersion
	p.header.poolID = p.poolID
	p.header.poolSize = uint64(p.config.PoolSize)
	p.header.maxSlots = uint32(p.config.MaxSlots)
	p.header.slotAlignment = uint32(p.config.SlotAlignment)
	p.header.nextAllocOffset.Store(0)
	p.header.freeStackHead.Store(uint64(invalidSlot))

	for i := 0; i < p.config.MaxSlots; i++ {
		slot := p.slot(uint32(i))
		slot.refcount.Store(0)
		slot.generation.Store(0)
		slot.offset = 0
		slot.size = 0
		slot.flags.Store(slotFree)
		slot.nextFree.Store(invalidSlot)
	}
}

func (p *Pool) validate() error {
	if p.header.magic != PoolMagic {
		return ErrPoolMagicMismatch
	}
	if p.header.version != PoolVersion {
		return fmt.Errorf("%w: expected %d, got %d", ErrPoolVersionMismatch, PoolVersion, p.header.version)
	}
	if p.header.poolID != p.poolID {
		return fmt.Errorf("%w: expected %d, got %d", ErrPoolIDMismatch, p.poolID, p.header.poolID)
	}
	return nil
}

func (p *Pool) slot(index uint32) *slotHeader {
	return (*slotHeader)(unsafe.Add(p.slotsBase, uintptr(index)*uintptr(slotHeaderSize)))
}

// PoolID returns the pool's id.
func (p *Pool) PoolID() uint32 { return p.poolID }

// IsOwner reports whether this process created the pool.
func (p *Pool) IsOwner() bool { return p.region.IsOwner() }

// Close unmaps the pool's region. The backing file is never deleted —
// other processes may still be attached.
func (p *Pool) Close() error { return p.region.Close() }

// Alloc reserves a slot and arena space for a tensor of shape/dtype/device
// and returns its descriptor. It fails with ErrNoFreeSlots if every slot
// is in use, or ErrOutOfMemory if the bump allocator would exceed
// PoolSize.
func (p *Pool) Alloc(shape []uint64, dtype tensor.Dtype, device tensor.Device) (tensor.Tensor, error) {
	var numElements uint64 = 1
	for _, d := range shape {
		numElements *= d
	}
	size := numElements * dtype.ElementSize()
	alignedSize := alignUp(int(size), p.config.SlotAlignment)

	slotID, err := p.findFreeSlot()
	if err != nil {
		return tensor.Tensor{}, err
	}
	slot := p.slot(slotID)

	offset, err := p.allocateData(alignedSize)
	if err != nil {
		p.returnSlot(slotID)
		return tensor.Tensor{}, err
	}

	generation := slot.generation.Add(1)
	slot.offset = uint64(offset)
	slot.size = size
	slot.refcount.Store(1)
	flags := slotAllocated
	if device.IsCUDA() {
		flags = slotCUDA
	}
	slot.flags.Store(flags)

	return tensor.New(p.poolID, slotID, generation, uint64(offset), shape, dtype, device), nil
}

// Retain increments a tensor's refcount. If the tensor's generation does
// not match the slot's current generation, the descriptor is stale and
// this is a silent no-op (ABA defense).
func (p *Pool) Retain(t *tensor.Tensor) {
	if t.PoolID != p.poolID {
		return
	}
	slot := p.slot(t.SlotID)
	if slot.generation.Load() != t.Generation {
		return
	}
	slot.refcount.Add(1)
}

// Release decrements a tensor's refcount, returning the slot to the free
// list when it reaches zero. A stale descriptor (generation mismatch) is
// a silent no-op.
func (p *Pool) Release(t *tensor.Tensor) {
	if t.PoolID != p.poolID {
		return
	}
	slot := p.slot(t.SlotID)
	if slot.generation.Load() != t.Generation {
		return
	}
	prev := slot.refcount.Add(^uint32(0)) + 1 // fetch_sub via two's-complement add
	if prev == 1 {
		p.returnSlot(t.SlotID)
	}
}

// Refcount returns the current refcount for a tensor, or 0 if the
// descriptor is stale (pool mismatch or generation mismatch).
func (p *Pool) Refcount(t *tensor.Tensor) uint32 {
	if t.PoolID != p.poolID {
		return 0
	}
	slot := p.slot(t.SlotID)
	if slot.generation.Load() != t.Generation {
		return 0
	}
	return slot.refcount.Load()
}

// DataPtr returns a raw pointer to tensor's bytes in the pool's data
// region. Callers must hold a retained reference for the duration of
// access.
func (p *Pool) DataPtr(t *tensor.Tensor) unsafe.Pointer {
	if t.PoolID != p.poolID {
		return nil
	}
	return unsafe.Add(unsafe.Pointer(&p.region.data[0]), uintptr(p.dataOffset)+uintptr(t.Offset))
}

// DataSlice returns a read-only view over tensor's bytes.
func (p *Pool) DataSlice(t *tensor.Tensor) []byte {
	if t.PoolID != p.poolID {
		return nil
	}
	ptr := p.DataPtr(t)
	return unsafe.Slice((*byte)(ptr), int(t.Size))
}

// DataSliceMut returns a mutable view over tensor's bytes.
func (p *Pool) DataSliceMut(t *tensor.Tensor) []byte {
	return p.DataSlice(t)
}

func (p *Pool) findFreeSlot() (uint32, error) {
	for {
		head := p.header.freeStackHead.Load()
		if head != uint64(invalidSlot) {
			slot := p.slot(uint32(head))
			next := slot.nextFree.Load()
			if p.header.freeStackHead.CompareAndSwap(head, uint64(next)) {
				if !slot.flags.CompareAndSwap(slotFree, slotAllocated) {
					// Lost a race with a concurrent linear scan that already
					// claimed this slot; retry from the top of the free stack.
					continue
				}
				return uint32(head), nil
			}
			continue
		}
		break
	}

	for i := 0; i < p.config.MaxSlots; i++ {
		slot := p.slot(uint32(i))
		if slot.flags.Load() == slotFree {
			if slot.flags.CompareAndSwap(slotFree, slotAllocated) {
				return uint32(i), nil
			}
		}
	}

	return 0, ErrNoFreeSlots
}

func (p *Pool) returnSlot(slotID uint32) {
	slot := p.slot(slotID)
	slot.flags.Store(slotFree)

	for {
		head := p.header.freeStackHead.Load()
		slot.nextFree.Store(uint32(head))
		if p.header.freeStackHead.CompareAndSwap(head, uint64(slotID)) {
			return
		}
	}
}

func (p *Pool) allocateData(size int) (int, error) {
	for {
		current := int(p.header.nextAllocOffset.Load())
		alignedCurrent := alignUp(current, p.config.SlotAlignment)
		newOffset := alignedCurrent + size

		if newOffset > p.config.PoolSize {
			return 0, fmt.Errorf("%w: need %d bytes, only %d available", ErrOutOfMemory, size, p.config.PoolSize-current)
		}

		if p.header.nextAllocOffset.CompareAndSwap(uint64(current), uint64(newOffset)) {
			return alignedCurrent, nil
		}
	}
}

// Stats reports pool-wide occupancy for observability.
type Stats struct {
	PoolID         uint32
	PoolSize       int
	MaxSlots       int
	AllocatedSlots int
	TotalRefcount  uint32
	UsedBytes      int
	FreeBytes      int
}

// Stats walks every slot header to summarize occupancy. It is O(max_slots)
// and intended for periodic metrics export, not the hot path.
func (p *Pool) Stats() Stats {
	allocated := 0
	var totalRefcount uint32
	for i := 0; i < p.config.MaxSlots; i++ {
		slot := p.slot(uint32(i))
		if slot.flags.Load() != slotFree {
			allocated++
			totalRefcount += slot.refcount.Load()
		}
	}
	used := int(p.header.nextAllocOffset.Load())
	free := p.config.PoolSize - used
	if free < 0 {
		free = 0
	}
	return Stats{
		PoolID:         p.poolID,
		PoolSize:       p.config.PoolSize,
		MaxSlots:       p.config.MaxSlots,
		AllocatedSlots: allocated,
		TotalRefcount:  totalRefcount,
		UsedBytes:      used,
		FreeBytes:      free,
	}
}
