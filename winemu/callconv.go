package winemu

import (
	"strings"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/stacksift/callcap/util"
)

// CallConv reads arguments and places return values for one calling
// convention. All methods assume the state at callee entry: the return
// address is on top of the stack.
type CallConv interface {
	Name() string
	// Arguments reads the first n argument values.
	Arguments(emu *Emulator, n int) ([]uint64, error)
	// ExecCallReturn completes the call without executing the callee:
	// sets the return register, pops the return address into the
	// program counter, and removes callee-cleaned arguments.
	ExecCallReturn(emu *Emulator, ret uint64, argc int) error
}

// StdCall is the 32-bit stdcall convention: stack arguments, callee
// cleans.
type StdCall struct{}

func (StdCall) Name() string { return "stdcall" }

func (StdCall) Arguments(emu *Emulator, n int) ([]uint64, error) {
	return stackArguments(emu, n)
}

func (StdCall) ExecCallReturn(emu *Emulator, ret uint64, argc int) error {
	if err := emu.Uc.RegWrite(emu.retReg(), ret); err != nil {
		return err
	}
	ra, err := util.PopStack(emu.Uc, emu.UcMode)
	if err != nil {
		return err
	}
	if argc > 0 {
		if err := emu.SetSP(emu.SP() + uint64(argc)*emu.PtrSize); err != nil {
			return err
		}
	}
	return emu.SetPC(ra)
}

// Cdecl is the 32-bit cdecl convention: stack arguments, caller cleans.
type Cdecl struct{}

func (Cdecl) Name() string { return "cdecl" }

func (Cdecl) Arguments(emu *Emulator, n int) ([]uint64, error) {
	return stackArguments(emu, n)
}

func (Cdecl) ExecCallReturn(emu *Emulator, ret uint64, argc int) error {
	if err := emu.Uc.RegWrite(emu.retReg(), ret); err != nil {
		return err
	}
	ra, err := util.PopStack(emu.Uc, emu.UcMode)
	if err != nil {
		return err
	}
	return emu.SetPC(ra)
}

// Win64 is the Microsoft x64 convention: rcx, rdx, r8, r9, then stack
// past the 32-byte shadow space; caller cleans.
type Win64 struct{}

func (Win64) Name() string { return "win64" }

var win64ArgRegs = []int{uc.X86_REG_RCX, uc.X86_REG_RDX, uc.X86_REG_R8, uc.X86_REG_R9}

func (Win64) Arguments(emu *Emulator, n int) ([]uint64, error) {
	args := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		if i < len(win64ArgRegs) {
			v, err := emu.Uc.RegRead(win64ArgRegs[i])
			if err != nil {
				return args, err
			}
			args = append(args, v)
			continue
		}
		// stack args start past the return address and shadow space
		v, err := util.GetStackEntryByIndex(emu.Uc, emu.UcMode, i+1)
		if err != nil {
			return args, err
		}
		args = append(args, v)
	}
	return args, nil
}

func (Win64) ExecCallReturn(emu *Emulator, ret uint64, argc int) error {
	if err := emu.Uc.RegWrite(emu.retReg(), ret); err != nil {
		return err
	}
	ra, err := util.PopStack(emu.Uc, emu.UcMode)
	if err != nil {
		return err
	}
	return emu.SetPC(ra)
}

func stackArguments(emu *Emulator, n int) ([]uint64, error) {
	args := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		v, err := util.GetStackEntryByIndex(emu.Uc, emu.UcMode, i+1)
		if err != nil {
			return args, err
		}
		args = append(args, v)
	}
	return args, nil
}

// ConventionFor resolves the calling convention used for a named API
// call. 64-bit mode has a single convention; in 32-bit mode the CRT
// exports are cdecl and everything else is stdcall.
func ConventionFor(name string, mode int) CallConv {
	if mode == uc.MODE_64 {
		return Win64{}
	}
	if strings.HasPrefix(name, "msvcrt.") || strings.HasPrefix(name, "ucrtbase.") {
		return Cdecl{}
	}
	return StdCall{}
}
