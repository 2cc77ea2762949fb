// Package util provides helper functions for interacting with the
// emulation engine that are independent from any of the API simulation
// happening above them.
package util

import (
	"encoding/binary"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/stacksift/callcap/core"
)

// PtrSize returns the pointer width in bytes for an engine mode.
func PtrSize(mode int) uint64 {
	if mode == uc.MODE_64 {
		return 8
	}
	return 4
}

// PutPointer writes ptr as little endian bytes of the given width into
// engine memory at where.
func PutPointer(m core.Machine, ptrSize uint64, where uint64, ptr uint64) error {
	buf := make([]byte, ptrSize)
	if ptrSize == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(ptr))
	} else {
		binary.LittleEndian.PutUint64(buf, ptr)
	}
	return m.MemWrite(where, buf)
}

// GetPointer reads a pointer of the given width from engine memory at
// where.
func GetPointer(m core.Machine, ptrSize uint64, where uint64) (uint64, error) {
	buf, err := m.MemRead(where, ptrSize)
	if err != nil {
		return 0, err
	}
	if ptrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// PushStack pushes val onto the call stack located at ESP or RSP.
func PushStack(m core.Machine, mode int, val uint64) error {
	ptrSize := PtrSize(mode)
	spReg := uc.X86_REG_ESP
	if mode == uc.MODE_64 {
		spReg = uc.X86_REG_RSP
	}
	sp, err := m.RegRead(spReg)
	if err != nil {
		return err
	}
	sp -= ptrSize
	if err := m.RegWrite(spReg, sp); err != nil {
		return err
	}
	return PutPointer(m, ptrSize, sp, val)
}

// PopStack removes and returns the element at the top of the stack.
func PopStack(m core.Machine, mode int) (uint64, error) {
	ptrSize := PtrSize(mode)
	spReg := uc.X86_REG_ESP
	if mode == uc.MODE_64 {
		spReg = uc.X86_REG_RSP
	}
	sp, err := m.RegRead(spReg)
	if err != nil {
		return 0, err
	}
	val, err := GetPointer(m, ptrSize, sp)
	if err != nil {
		return 0, err
	}
	if err := m.RegWrite(spReg, sp+ptrSize); err != nil {
		return 0, err
	}
	return val, nil
}

// GetStackEntryByIndex reads a single pointer off the stack at depth n.
func GetStackEntryByIndex(m core.Machine, mode int, n int) (uint64, error) {
	ptrSize := PtrSize(mode)
	spReg := uc.X86_REG_ESP
	if mode == uc.MODE_64 {
		spReg = uc.X86_REG_RSP
	}
	sp, err := m.RegRead(spReg)
	if err != nil {
		return 0, err
	}
	return GetPointer(m, ptrSize, sp+uint64(n)*ptrSize)
}

// ReadASCII reads an ascii string from engine memory, ending at a null
// byte or after size bytes. Control characters are escaped. A size of 0
// reads until the first null.
func ReadASCII(m core.Machine, addr uint64, size int) string {
	ret := ""
	if size == 0 {
		size = 0x10000
	}
	for i := 0; i < size; i++ {
		b, err := m.MemRead(addr+uint64(i), 1)
		if err != nil {
			return ret
		}
		switch b[0] {
		case 0x00:
			return ret
		case 0x09:
			ret += "\\t"
		case 0x0a:
			ret += "\\n"
		case 0x0d:
			ret += "\\r"
		default:
			if b[0] < 0x20 || b[0] > 0x7e {
				return ret
			}
			ret += string(b)
		}
	}
	return ret
}

// ReadWideChar reads a windows 2-byte wchar string from engine memory,
// terminating at two null bytes or after size bytes.
func ReadWideChar(m core.Machine, addr uint64, size int) string {
	ret := make([]byte, 0, 32)
	if size == 0 {
		size = 0x10000
	}
	for i := 0; i < size; i += 2 {
		b, err := m.MemRead(addr+uint64(i), 2)
		if err != nil {
			break
		}
		if b[0] == 0x00 && b[1] == 0x00 {
			break
		}
		if b[0] < 0x20 || b[0] > 0x7e {
			break
		}
		ret = append(ret, b[0])
	}
	return string(ret)
}

// RoundUp rounds addr up to the next multiple of mask+1.
func RoundUp(addr, mask uint64) uint64 {
	return (addr + mask) & ^mask
}

var registerNames = map[string]int{
	"eax": uc.X86_REG_EAX, "ebx": uc.X86_REG_EBX, "ecx": uc.X86_REG_ECX,
	"edx": uc.X86_REG_EDX, "esi": uc.X86_REG_ESI, "edi": uc.X86_REG_EDI,
	"esp": uc.X86_REG_ESP, "ebp": uc.X86_REG_EBP, "eip": uc.X86_REG_EIP,
	"rax": uc.X86_REG_RAX, "rbx": uc.X86_REG_RBX, "rcx": uc.X86_REG_RCX,
	"rdx": uc.X86_REG_RDX, "rsi": uc.X86_REG_RSI, "rdi": uc.X86_REG_RDI,
	"rsp": uc.X86_REG_RSP, "rbp": uc.X86_REG_RBP, "rip": uc.X86_REG_RIP,
	"r8": uc.X86_REG_R8, "r9": uc.X86_REG_R9, "r10": uc.X86_REG_R10,
	"r11": uc.X86_REG_R11, "r12": uc.X86_REG_R12, "r13": uc.X86_REG_R13,
	"r14": uc.X86_REG_R14, "r15": uc.X86_REG_R15,
}

// ResolveRegisterByName maps a register name like "eax" to its engine
// constant.
func ResolveRegisterByName(name string) (int, error) {
	if reg, ok := registerNames[name]; ok {
		return reg, nil
	}
	return 0, fmt.Errorf("unknown register %q", name)
}
