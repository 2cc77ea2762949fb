package core

import (
	"encoding/binary"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Registers32 is a full general-purpose register snapshot for 32-bit mode.
type Registers32 struct {
	Eip uint32 `json:"eip"`
	Esp uint32 `json:"esp"`
	Ebp uint32 `json:"ebp"`
	Eax uint32 `json:"eax"`
	Ebx uint32 `json:"ebx"`
	Ecx uint32 `json:"ecx"`
	Edx uint32 `json:"edx"`
	Esi uint32 `json:"esi"`
	Edi uint32 `json:"edi"`
}

func (r *Registers32) String() string {
	ret := fmt.Sprintf("eax -->  0x%08x\n", r.Eax)
	ret += fmt.Sprintf("ebx -->  0x%08x\n", r.Ebx)
	ret += fmt.Sprintf("ecx -->  0x%08x\n", r.Ecx)
	ret += fmt.Sprintf("edx -->  0x%08x\n", r.Edx)
	ret += fmt.Sprintf("esi -->  0x%08x\n", r.Esi)
	ret += fmt.Sprintf("edi -->  0x%08x\n", r.Edi)
	ret += fmt.Sprintf("ebp -->  0x%08x\n", r.Ebp)
	ret += fmt.Sprintf("esp -->  0x%08x\n", r.Esp)
	ret += fmt.Sprintf("eip -->  0x%08x", r.Eip)
	return ret
}

// Registers64 is a full general-purpose register snapshot for 64-bit mode.
type Registers64 struct {
	Rip uint64 `json:"rip"`
	Rsp uint64 `json:"rsp"`
	Rbp uint64 `json:"rbp"`
	Rax uint64 `json:"rax"`
	Rbx uint64 `json:"rbx"`
	Rcx uint64 `json:"rcx"`
	Rdx uint64 `json:"rdx"`
	Rsi uint64 `json:"rsi"`
	Rdi uint64 `json:"rdi"`
	R8  uint64 `json:"r8"`
	R9  uint64 `json:"r9"`
	R10 uint64 `json:"r10"`
	R11 uint64 `json:"r11"`
	R12 uint64 `json:"r12"`
	R13 uint64 `json:"r13"`
	R14 uint64 `json:"r14"`
	R15 uint64 `json:"r15"`
}

func (r *Registers64) String() string {
	ret := fmt.Sprintf("rax -->  0x%016x\n", r.Rax)
	ret += fmt.Sprintf("rbx -->  0x%016x\n", r.Rbx)
	ret += fmt.Sprintf("rcx -->  0x%016x\n", r.Rcx)
	ret += fmt.Sprintf("rdx -->  0x%016x\n", r.Rdx)
	ret += fmt.Sprintf("rsi -->  0x%016x\n", r.Rsi)
	ret += fmt.Sprintf("rdi -->  0x%016x\n", r.Rdi)
	ret += fmt.Sprintf("rbp -->  0x%016x\n", r.Rbp)
	ret += fmt.Sprintf("r8  -->  0x%016x\n", r.R8)
	ret += fmt.Sprintf("r9  -->  0x%016x\n", r.R9)
	ret += fmt.Sprintf("r10 -->  0x%016x\n", r.R10)
	ret += fmt.Sprintf("r11 -->  0x%016x\n", r.R11)
	ret += fmt.Sprintf("r12 -->  0x%016x\n", r.R12)
	ret += fmt.Sprintf("r13 -->  0x%016x\n", r.R13)
	ret += fmt.Sprintf("r14 -->  0x%016x\n", r.R14)
	ret += fmt.Sprintf("r15 -->  0x%016x\n", r.R15)
	ret += fmt.Sprintf("rsp -->  0x%016x\n", r.Rsp)
	ret += fmt.Sprintf("rip -->  0x%016x", r.Rip)
	return ret
}

var regs32 = []int{
	uc.X86_REG_EIP, uc.X86_REG_ESP, uc.X86_REG_EBP,
	uc.X86_REG_EAX, uc.X86_REG_EBX, uc.X86_REG_ECX, uc.X86_REG_EDX,
	uc.X86_REG_ESI, uc.X86_REG_EDI,
}

var regs64 = []int{
	uc.X86_REG_RIP, uc.X86_REG_RSP, uc.X86_REG_RBP,
	uc.X86_REG_RAX, uc.X86_REG_RBX, uc.X86_REG_RCX, uc.X86_REG_RDX,
	uc.X86_REG_RSI, uc.X86_REG_RDI,
	uc.X86_REG_R8, uc.X86_REG_R9, uc.X86_REG_R10, uc.X86_REG_R11,
	uc.X86_REG_R12, uc.X86_REG_R13, uc.X86_REG_R14, uc.X86_REG_R15,
}

// Cpu provides register snapshot and stack inspection helpers over a
// Machine for one pointer mode.
type Cpu struct {
	m       Machine
	mode    int
	ptrSize int
}

func NewCpu(m Machine, mode int) *Cpu {
	ptrSize := 4
	if mode == uc.MODE_64 {
		ptrSize = 8
	}
	return &Cpu{m: m, mode: mode, ptrSize: ptrSize}
}

func (c *Cpu) PtrSize() int {
	return c.ptrSize
}

// ReadRegisters captures the full general-purpose register state. The
// result is a *Registers32 or *Registers64 depending on the mode.
func (c *Cpu) ReadRegisters() interface{} {
	if c.mode == uc.MODE_32 {
		r := &Registers32{}
		dst := []*uint32{&r.Eip, &r.Esp, &r.Ebp, &r.Eax, &r.Ebx, &r.Ecx, &r.Edx, &r.Esi, &r.Edi}
		for i, reg := range regs32 {
			v, _ := c.m.RegRead(reg)
			*dst[i] = uint32(v)
		}
		return r
	}
	r := &Registers64{}
	dst := []*uint64{
		&r.Rip, &r.Rsp, &r.Rbp, &r.Rax, &r.Rbx, &r.Rcx, &r.Rdx,
		&r.Rsi, &r.Rdi, &r.R8, &r.R9, &r.R10, &r.R11, &r.R12, &r.R13, &r.R14, &r.R15,
	}
	for i, reg := range regs64 {
		v, _ := c.m.RegRead(reg)
		*dst[i] = v
	}
	return r
}

// WriteRegisters restores a snapshot previously taken by ReadRegisters.
func (c *Cpu) WriteRegisters(snap interface{}) {
	switch r := snap.(type) {
	case *Registers32:
		src := []uint32{r.Eip, r.Esp, r.Ebp, r.Eax, r.Ebx, r.Ecx, r.Edx, r.Esi, r.Edi}
		for i, reg := range regs32 {
			c.m.RegWrite(reg, uint64(src[i]))
		}
	case *Registers64:
		src := []uint64{
			r.Rip, r.Rsp, r.Rbp, r.Rax, r.Rbx, r.Rcx, r.Rdx,
			r.Rsi, r.Rdi, r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15,
		}
		for i, reg := range regs64 {
			c.m.RegWrite(reg, src[i])
		}
	}
}

// FormatStack renders size slots on either side of the stack pointer,
// marking the slot the stack pointer points at.
func (c *Cpu) FormatStack(size int) string {
	if size <= 0 {
		size = 10
	}

	spReg := uc.X86_REG_ESP
	if c.mode == uc.MODE_64 {
		spReg = uc.X86_REG_RSP
	}
	sp, _ := c.m.RegRead(spReg)

	ret := ""
	for i := size; i >= -size; i-- {
		cur := sp + uint64(c.ptrSize*i)
		buf, err := c.m.MemRead(cur, uint64(c.ptrSize))
		if err != nil {
			continue
		}
		var val uint64
		if c.ptrSize == 4 {
			val = uint64(binary.LittleEndian.Uint32(buf))
		} else {
			val = binary.LittleEndian.Uint64(buf)
		}
		mark := ""
		if cur == sp {
			mark = "sp -->"
		}
		ret += fmt.Sprintf("%-8s 0x%x = 0x%x\n", mark, cur, val)
	}
	return ret
}
