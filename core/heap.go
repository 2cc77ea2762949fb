package core

import "fmt"

const (
	// DefaultHeapBase is where simulated allocations start. It is a fixed
	// non-zero sentinel chosen to stand apart from null and from the
	// stack, image, and import regions, so recovered pointers are easy to
	// recognize as heap allocations.
	DefaultHeapBase = 0x69690000

	// MaxAllocation caps a single simulated allocation at 10 MiB.
	// Oversized requests are clamped, not rejected; emulated callers of
	// the legacy allocation APIs expect a usable pointer back.
	MaxAllocation = 10 * 1024 * 1024

	pageSize = 0x1000
	pageMask = pageSize - 1
)

// HeapSim is a bump allocator standing in for the OS heap APIs during
// emulation. It is owned by a single emulation session: the cursor only
// ever advances and there is no free or realloc. Each allocation maps a
// fresh zero-filled region into the engine's address space.
type HeapSim struct {
	mem    Machine
	cursor uint64
}

// NewHeapSim creates a heap simulator allocating from DefaultHeapBase.
func NewHeapSim(mem Machine) *HeapSim {
	return NewHeapSimAt(mem, DefaultHeapBase)
}

// NewHeapSimAt creates a heap simulator allocating from base upward.
func NewHeapSimAt(mem Machine, base uint64) *HeapSim {
	if base == 0 {
		base = DefaultHeapBase
	}
	return &HeapSim{mem: mem, cursor: base}
}

// Alloc reserves size bytes and returns the base address of the new
// region. The size is rounded up to the 4 KiB page granularity and
// clamped to MaxAllocation. The mapped region is zero-filled by the
// engine.
func (h *HeapSim) Alloc(size uint64) (uint64, error) {
	size = roundSize(size)
	base := h.cursor
	if err := h.mem.MemMap(base, size); err != nil {
		return 0, fmt.Errorf("heap: mapping 0x%x bytes at 0x%x: %w", size, base, err)
	}
	h.cursor += size
	return base, nil
}

// Cursor returns the next allocation base. Useful for diagnostics only;
// the cursor never moves backward.
func (h *HeapSim) Cursor() uint64 {
	return h.cursor
}

func roundSize(size uint64) uint64 {
	if size == 0 {
		return pageSize
	}
	size = (size + pageMask) &^ uint64(pageMask)
	if size > MaxAllocation {
		size = MaxAllocation
	}
	return size
}
