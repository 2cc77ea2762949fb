package winemu

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"golang.org/x/arch/x86/x86asm"

	"github.com/stacksift/callcap/core"
	"github.com/stacksift/callcap/util"
)

// run holds the per-run bookkeeping: the instruction budget and the
// per-address repeat counters that cut off tight loops.
type run struct {
	emu     *Emulator
	repeats map[uint64]int
	ticks   uint64
}

// RunFunction emulates a single function starting at fva until it
// returns to the sentinel address, one of the run bounds trips, or a
// monitor or hook ends the run. Call instructions are intercepted in
// software: API calls are offered to the installed hooks, calls within
// the image are reported to monitors and stepped over. Every run starts
// from a clean register file and a fresh stack frame; heap and global
// memory carry over between runs on the same emulator.
func (emu *Emulator) RunFunction(fva uint64) error {
	r := &run{emu: emu, repeats: make(map[uint64]int)}

	if emu.UcMode == uc.MODE_32 {
		emu.Cpu.WriteRegisters(&core.Registers32{})
	} else {
		emu.Cpu.WriteRegisters(&core.Registers64{})
	}
	if err := emu.SetSP(emu.frameTop()); err != nil {
		return err
	}
	if err := util.PushStack(emu.Uc, emu.UcMode, emu.Opts.ReturnSentinel); err != nil {
		return err
	}
	if err := emu.SetPC(fva); err != nil {
		return err
	}

	for {
		pc := emu.PC()
		if pc == emu.Opts.ReturnSentinel {
			return nil
		}
		r.ticks++
		if r.ticks > emu.Opts.MaxTicks {
			return ErrTickLimit
		}
		r.repeats[pc]++
		if r.repeats[pc] > emu.Opts.MaxRep {
			return ErrRepeatLimit
		}

		in, err := emu.Decode(pc)
		if err != nil {
			return err
		}
		for _, m := range emu.monitors {
			if err := m.OnPreInstruction(emu, in); err != nil {
				return err
			}
		}

		switch in.Inst.Op {
		case x86asm.CALL:
			if err := r.execCall(in); err != nil {
				return err
			}
		case x86asm.JMP:
			done, err := r.execTailJump(in)
			if err != nil {
				return err
			}
			if done {
				continue
			}
			if err := r.step(in); err != nil {
				return err
			}
		default:
			if err := r.step(in); err != nil {
				return err
			}
		}
	}
}

// step executes one instruction on the engine and reports it to the
// monitors afterwards.
func (r *run) step(in *Instruction) error {
	opts := &uc.UcOptions{Timeout: 0, Count: 1}
	if err := r.emu.Uc.StartWithOptions(in.Addr, in.Addr+uint64(in.Size), opts); err != nil {
		return fmt.Errorf("executing %s: %w", in, err)
	}
	for _, m := range r.emu.monitors {
		if err := m.OnPostInstruction(r.emu, in); err != nil {
			return err
		}
	}
	return nil
}

// execCall performs a call instruction in software: push the return
// address, land on the resolved target, notify the monitors, then
// either let a hook simulate the API or step back over the call.
func (r *run) execCall(in *Instruction) error {
	emu := r.emu
	target, err := r.callTarget(in)
	if err != nil {
		return err
	}
	ret := in.Addr + uint64(in.Size)
	if err := util.PushStack(emu.Uc, emu.UcMode, ret); err != nil {
		return err
	}
	if err := emu.SetPC(target); err != nil {
		return err
	}
	return r.dispatchCall(&CallEvent{
		Addr:   in.Addr,
		Target: target,
		Return: ret,
	})
}

// execTailJump treats a jmp whose target is an import as a tail call:
// the return address is already on the stack, so the call is dispatched
// without pushing one. Jumps within the image report done=false and are
// executed normally.
func (r *run) execTailJump(in *Instruction) (bool, error) {
	emu := r.emu
	target, err := r.callTarget(in)
	if err != nil {
		return false, nil
	}
	if emu.ApiName(target) == "" {
		return false, nil
	}
	ret, err := util.GetStackEntryByIndex(emu.Uc, emu.UcMode, 0)
	if err != nil {
		return false, err
	}
	if err := emu.SetPC(target); err != nil {
		return false, err
	}
	err = r.dispatchCall(&CallEvent{
		Addr:   in.Addr,
		Target: target,
		Return: ret,
	})
	return true, err
}

// dispatchCall fills in the name, convention and arguments of an
// intercepted call, reports it to the monitors, and resolves it: hooks
// simulate known APIs, unknown APIs and calls within the image are
// skipped with a zero result.
func (r *run) dispatchCall(call *CallEvent) error {
	emu := r.emu
	call.Name = emu.ApiName(call.Target)
	call.Conv = ConventionFor(call.Name, emu.UcMode)

	argc := emu.Opts.MaxArgs
	if call.Name != "" {
		if n := emu.hooks.Arity(call.Name); n >= 0 {
			argc = n
		}
	}
	args, err := call.Conv.Arguments(emu, argc)
	if err != nil {
		return err
	}
	call.Args = args

	for _, m := range emu.monitors {
		if err := m.OnCall(emu, call); err != nil {
			return err
		}
	}

	if call.Name != "" {
		handled, err := emu.hooks.Dispatch(emu, call)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
		emu.log.Debugw("unsimulated api, skipping",
			"api", call.Name, "addr", fmt.Sprintf("0x%x", call.Addr))
	}
	// keep the run scoped to one function: do not descend
	return call.Conv.ExecCallReturn(emu, 0, 0)
}

// callTarget resolves the destination of a call or jmp operand: a
// relative displacement, a register value, or a memory operand holding
// a function pointer (the import table form).
func (r *run) callTarget(in *Instruction) (uint64, error) {
	emu := r.emu
	if len(in.Inst.Args) == 0 || in.Inst.Args[0] == nil {
		return 0, fmt.Errorf("%s: no target operand", in)
	}
	switch a := in.Inst.Args[0].(type) {
	case x86asm.Rel:
		return in.Addr + uint64(in.Size) + uint64(int64(a)), nil
	case x86asm.Imm:
		return uint64(a), nil
	case x86asm.Reg:
		return r.regValue(a)
	case x86asm.Mem:
		ea, err := r.effectiveAddress(in, a)
		if err != nil {
			return 0, err
		}
		ptr, err := emu.ReadPtr(ea)
		if err != nil {
			return 0, fmt.Errorf("%s: reading target pointer at 0x%x: %w", in, ea, err)
		}
		return ptr, nil
	}
	return 0, fmt.Errorf("%s: unresolvable target operand", in)
}

func (r *run) effectiveAddress(in *Instruction, m x86asm.Mem) (uint64, error) {
	ea := uint64(m.Disp)
	if m.Base == x86asm.RIP {
		ea += in.Addr + uint64(in.Size)
	} else if m.Base != 0 {
		v, err := r.regValue(m.Base)
		if err != nil {
			return 0, err
		}
		ea += v
	}
	if m.Index != 0 {
		v, err := r.regValue(m.Index)
		if err != nil {
			return 0, err
		}
		ea += v * uint64(m.Scale)
	}
	if r.emu.UcMode == uc.MODE_32 {
		ea &= 0xffffffff
	}
	return ea, nil
}

var ucRegs = map[x86asm.Reg]int{
	x86asm.EAX: uc.X86_REG_EAX, x86asm.ECX: uc.X86_REG_ECX,
	x86asm.EDX: uc.X86_REG_EDX, x86asm.EBX: uc.X86_REG_EBX,
	x86asm.ESP: uc.X86_REG_ESP, x86asm.EBP: uc.X86_REG_EBP,
	x86asm.ESI: uc.X86_REG_ESI, x86asm.EDI: uc.X86_REG_EDI,
	x86asm.RAX: uc.X86_REG_RAX, x86asm.RCX: uc.X86_REG_RCX,
	x86asm.RDX: uc.X86_REG_RDX, x86asm.RBX: uc.X86_REG_RBX,
	x86asm.RSP: uc.X86_REG_RSP, x86asm.RBP: uc.X86_REG_RBP,
	x86asm.RSI: uc.X86_REG_RSI, x86asm.RDI: uc.X86_REG_RDI,
	x86asm.R8:  uc.X86_REG_R8, x86asm.R9: uc.X86_REG_R9,
	x86asm.R10: uc.X86_REG_R10, x86asm.R11: uc.X86_REG_R11,
	x86asm.R12: uc.X86_REG_R12, x86asm.R13: uc.X86_REG_R13,
	x86asm.R14: uc.X86_REG_R14, x86asm.R15: uc.X86_REG_R15,
}

func (r *run) regValue(reg x86asm.Reg) (uint64, error) {
	ucReg, ok := ucRegs[reg]
	if !ok {
		return 0, fmt.Errorf("unsupported register operand %v", reg)
	}
	return r.emu.Uc.RegRead(ucReg)
}
