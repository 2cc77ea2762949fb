// Package workspace builds a static view of a loaded binary: a linear
// sweep over its executable segments recovers direct call sites, and
// from those a function index and call graph that emulation runs are
// validated against.
package workspace

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/arch/x86/x86asm"
)

// ErrNoFunction is returned when an address lies outside every
// recognized function.
var ErrNoFunction = errors.New("no function contains address")

// Segment is one mapped range of the image.
type Segment struct {
	Base uint64
	Data []byte
	// Exec marks segments the scanner sweeps for code.
	Exec bool
}

func (s *Segment) contains(va uint64) bool {
	return va >= s.Base && va < s.Base+uint64(len(s.Data))
}

// callSite is one direct call recovered by the sweep.
type callSite struct {
	addr   uint64
	target uint64
}

// Workspace is the scanned image: function starts and the call edges
// between them.
type Workspace struct {
	segments []Segment
	funcs    []uint64
	callers  map[uint64][]uint64
}

// Scan sweeps the executable segments for direct calls. Function starts
// are the given entry points plus every in-image call target; the call
// edges become the call graph. The sweep is linear: undecodable bytes
// are skipped one at a time.
func Scan(bits int, segments []Segment, entries []uint64) *Workspace {
	w := &Workspace{
		segments: segments,
		callers:  make(map[uint64][]uint64),
	}

	var sites []callSite
	for _, seg := range segments {
		if !seg.Exec {
			continue
		}
		sites = append(sites, sweep(bits, &seg)...)
	}

	starts := make(map[uint64]bool)
	for _, e := range entries {
		if w.mapped(e) {
			starts[e] = true
		}
	}
	for _, s := range sites {
		if w.mapped(s.target) {
			starts[s.target] = true
			w.callers[s.target] = append(w.callers[s.target], s.addr)
		}
	}
	for fva := range starts {
		w.funcs = append(w.funcs, fva)
	}
	sort.Slice(w.funcs, func(i, j int) bool { return w.funcs[i] < w.funcs[j] })
	return w
}

func sweep(bits int, seg *Segment) []callSite {
	var sites []callSite
	for off := 0; off < len(seg.Data); {
		inst, err := x86asm.Decode(seg.Data[off:], bits)
		if err != nil {
			off++
			continue
		}
		addr := seg.Base + uint64(off)
		if inst.Op == x86asm.CALL {
			if rel, ok := inst.Args[0].(x86asm.Rel); ok {
				sites = append(sites, callSite{
					addr:   addr,
					target: addr + uint64(inst.Len) + uint64(int64(rel)),
				})
			}
		}
		off += inst.Len
	}
	return sites
}

func (w *Workspace) mapped(va uint64) bool {
	for i := range w.segments {
		if w.segments[i].contains(va) {
			return true
		}
	}
	return false
}

// Functions returns every recognized function start, ascending.
func (w *Workspace) Functions() []uint64 {
	out := make([]uint64, len(w.funcs))
	copy(out, w.funcs)
	return out
}

// Callers returns the call-instruction addresses that statically target
// fva.
func (w *Workspace) Callers(fva uint64) []uint64 {
	return w.callers[fva]
}

// FunctionContaining maps an instruction address to the start of the
// function holding it: the greatest function start at or below va
// within the same segment.
func (w *Workspace) FunctionContaining(va uint64) (uint64, error) {
	i := sort.Search(len(w.funcs), func(i int) bool { return w.funcs[i] > va })
	if i == 0 {
		return 0, fmt.Errorf("%w: 0x%x", ErrNoFunction, va)
	}
	fva := w.funcs[i-1]
	for j := range w.segments {
		if w.segments[j].contains(fva) && w.segments[j].contains(va) {
			return fva, nil
		}
	}
	return 0, fmt.Errorf("%w: 0x%x", ErrNoFunction, va)
}
