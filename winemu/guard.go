package winemu

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/arch/x86/x86asm"
)

// ReturnSearchSlots is how many pointer-sized stack slots above the
// stack pointer the guard scans when repairing a bad return address.
const ReturnSearchSlots = 4

// ReturnAddressGuard validates every return a run takes against the
// static call graph. Emulation with an incomplete environment leaves
// garbage on the stack (unmodeled pushes, skipped callees), so a ret
// frequently pops a value that is not a real return address. The guard
// detects that, scans a small stack window for an address some static
// caller of the returning function would have pushed, and rewires the
// program counter and stack pointer to it. A run whose stack cannot be
// repaired is aborted with ErrStackCorruption.
type ReturnAddressGuard struct {
	NopMonitor
	graph CallGraph
	log   *zap.SugaredLogger
}

func NewReturnAddressGuard(graph CallGraph, log *zap.SugaredLogger) *ReturnAddressGuard {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ReturnAddressGuard{graph: graph, log: log}
}

// OnPostInstruction runs after each executed instruction and checks
// every ret, when the popped return address is already in the program
// counter.
func (g *ReturnAddressGuard) OnPostInstruction(emu *Emulator, in *Instruction) error {
	if in.Inst.Op != x86asm.RET {
		return nil
	}
	return g.checkReturn(emu, in)
}

func (g *ReturnAddressGuard) checkReturn(emu *Emulator, in *Instruction) error {
	fva, err := g.graph.FunctionContaining(in.Addr)
	if err != nil {
		// entry points and unrecognized code have no containing
		// function; nothing to validate against
		g.log.Debugw("return outside any known function", "addr", fmt.Sprintf("0x%x", in.Addr))
		return nil
	}
	valid := g.returnAddresses(emu, fva)

	// undo the stack adjustment of a ret imm16 so the slot layout
	// matches a plain ret
	if len(in.Inst.Args) > 0 && in.Inst.Args[0] != nil {
		if imm, ok := in.Inst.Args[0].(x86asm.Imm); ok {
			if err := emu.SetSP(emu.SP() - uint64(imm)); err != nil {
				return err
			}
		}
	}

	candidate, err := emu.ReadPtr(emu.SP() - emu.PtrSize)
	if err != nil {
		return err
	}
	if candidate == emu.Opts.ReturnSentinel || valid[candidate] {
		return nil
	}
	g.log.Debugw("invalid return address",
		"addr", fmt.Sprintf("0x%x", candidate), "function", fmt.Sprintf("0x%x", fva))
	return g.fixReturn(emu, valid)
}

// returnAddresses derives the set of addresses the function at fva may
// legitimately return to: the instruction after each of its static call
// sites.
func (g *ReturnAddressGuard) returnAddresses(emu *Emulator, fva uint64) map[uint64]bool {
	valid := make(map[uint64]bool)
	for _, caller := range g.graph.Callers(fva) {
		in, err := emu.Decode(caller)
		if err != nil {
			g.log.Debugw("undecodable call site", "addr", fmt.Sprintf("0x%x", caller))
			continue
		}
		valid[caller+uint64(in.Size)] = true
	}
	return valid
}

// fixReturn scans the next ReturnSearchSlots stack slots for a member
// of the valid set and returns through the first match, consuming every
// slot up to and including it.
func (g *ReturnAddressGuard) fixReturn(emu *Emulator, valid map[uint64]bool) error {
	sp := emu.SP()
	for i := 0; i < ReturnSearchSlots; i++ {
		slot := sp + uint64(i)*emu.PtrSize
		candidate, err := emu.ReadPtr(slot)
		if err != nil {
			break
		}
		if candidate == emu.Opts.ReturnSentinel || valid[candidate] {
			if err := emu.SetPC(candidate); err != nil {
				return err
			}
			if err := emu.SetSP(slot + emu.PtrSize); err != nil {
				return err
			}
			g.log.Debugw("repaired return address",
				"addr", fmt.Sprintf("0x%x", candidate), "slot", fmt.Sprintf("0x%x", slot))
			return nil
		}
	}
	return ErrStackCorruption
}
