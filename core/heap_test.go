package core

import "testing"

type mapRegion struct {
	addr, size uint64
}

// mapOnlyMachine records MemMap calls and ignores everything else.
type mapOnlyMachine struct {
	regions []mapRegion
}

func (m *mapOnlyMachine) MemMap(addr, size uint64) error {
	m.regions = append(m.regions, mapRegion{addr, size})
	return nil
}
func (m *mapOnlyMachine) MemRead(addr, size uint64) ([]byte, error) { return make([]byte, size), nil }
func (m *mapOnlyMachine) MemWrite(addr uint64, data []byte) error   { return nil }
func (m *mapOnlyMachine) RegRead(reg int) (uint64, error)           { return 0, nil }
func (m *mapOnlyMachine) RegWrite(reg int, value uint64) error      { return nil }

func TestHeapAllocAlignment(t *testing.T) {
	mem := &mapOnlyMachine{}
	heap := NewHeapSim(mem)

	sizes := []uint64{1, 0x1000, 0x1001, 100, 0, MaxAllocation + 1}
	var bases []uint64
	for _, size := range sizes {
		base, err := heap.Alloc(size)
		if err != nil {
			t.Fatalf("Alloc(0x%x) failed: %v", size, err)
		}
		bases = append(bases, base)
	}

	if bases[0] != DefaultHeapBase {
		t.Errorf("first allocation should start at the heap base: got 0x%x", bases[0])
	}

	for i, base := range bases {
		if base&0xfff != 0 {
			t.Errorf("allocation %d not page aligned: 0x%x", i, base)
		}
		if i > 0 && base <= bases[i-1] {
			t.Errorf("allocation bases not strictly increasing: 0x%x after 0x%x", base, bases[i-1])
		}
	}

	// mapped regions must cover the request (up to the ceiling) and never overlap
	for i, r := range mem.regions {
		want := sizes[i]
		if want > MaxAllocation {
			want = MaxAllocation
		}
		if r.size < want {
			t.Errorf("region %d too small: 0x%x < 0x%x", i, r.size, want)
		}
		if i > 0 {
			prev := mem.regions[i-1]
			if r.addr < prev.addr+prev.size {
				t.Errorf("region %d overlaps previous: 0x%x < 0x%x", i, r.addr, prev.addr+prev.size)
			}
		}
	}
}

func TestHeapAllocClampsToCeiling(t *testing.T) {
	mem := &mapOnlyMachine{}
	heap := NewHeapSim(mem)

	base, err := heap.Alloc(MaxAllocation * 3)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if got := mem.regions[0].size; got != MaxAllocation {
		t.Errorf("oversized request not clamped: mapped 0x%x, want 0x%x", got, uint64(MaxAllocation))
	}
	if heap.Cursor() != base+MaxAllocation {
		t.Errorf("cursor advanced by 0x%x, want 0x%x", heap.Cursor()-base, uint64(MaxAllocation))
	}
}

func TestHeapAllocZeroSize(t *testing.T) {
	mem := &mapOnlyMachine{}
	heap := NewHeapSim(mem)

	a, err := heap.Alloc(0)
	if err != nil {
		t.Fatalf("Alloc(0) failed: %v", err)
	}
	b, _ := heap.Alloc(0)
	if b <= a {
		t.Errorf("zero-size allocations must still advance the cursor: 0x%x then 0x%x", a, b)
	}
}
