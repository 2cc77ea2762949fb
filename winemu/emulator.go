// Package winemu drives bounded, hook-instrumented emulation runs of
// single functions inside a Windows binary. It simulates just enough of
// the OS surface (heap allocation, memory copy, process exit) that
// arbitrary or obfuscated code keeps executing, repairs corrupted return
// addresses against the static call graph, and harvests CPU state
// snapshots at the call sites of a target function.
package winemu

import (
	"fmt"
	"strings"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"go.uber.org/zap"
	"golang.org/x/arch/x86/x86asm"

	"github.com/stacksift/callcap/core"
	"github.com/stacksift/callcap/util"
)

// Machine is the CPU-emulation engine interface winemu drives. The
// unicorn Go binding satisfies it; tests use scripted fakes.
type Machine interface {
	core.Machine
	StartWithOptions(begin, until uint64, options *uc.UcOptions) error
}

// CallGraph is the externally supplied static view of the program:
// which instructions call a function, and which function contains a
// given instruction.
type CallGraph interface {
	// Callers returns the addresses of the call instructions that
	// statically target fva.
	Callers(fva uint64) []uint64
	// FunctionContaining maps an instruction address to the start of
	// the function holding it.
	FunctionContaining(va uint64) (uint64, error)
}

// Options carries the tunable settings for emulation runs. All of them
// can be overridden from a yaml config file.
type Options struct {
	StackAddress   uint64 `yaml:"stack_address"`
	StackSize      uint64 `yaml:"stack_size"`
	ImportAddress  uint64 `yaml:"import_address"`
	HeapBase       uint64 `yaml:"heap_base"`
	ReturnSentinel uint64 `yaml:"return_sentinel"`
	MaxHits        int    `yaml:"max_hits"`
	MaxRep         int    `yaml:"max_rep"`
	MaxTicks       uint64 `yaml:"max_ticks"`
	MaxArgs        int    `yaml:"max_args"`
}

// DefaultOptions builds the default settings for a pointer mode.
func DefaultOptions(mode int) *Options {
	opts := &Options{
		HeapBase:       core.DefaultHeapBase,
		ReturnSentinel: 0xfeedface,
		MaxHits:        1,
		MaxRep:         0x100,
		MaxTicks:       500000,
		MaxArgs:        4,
	}
	if mode == uc.MODE_32 {
		opts.StackAddress = 0xb0000000
		opts.StackSize = 8 * 1024 * 1024
		opts.ImportAddress = 0x20000000
	} else {
		opts.StackAddress = 0xfee7920000
		opts.StackSize = 8 * 1024 * 1024
		opts.ImportAddress = 0x7ff5ce4e0000
	}
	return opts
}

// Emulator wraps one engine session: a mapped address space, the import
// name table, and the hooks and monitors installed for the currently
// active run.
type Emulator struct {
	Uc      Machine
	UcMode  int
	PtrSize uint64
	Cpu     *core.Cpu
	Opts    *Options

	log     *zap.SugaredLogger
	imports map[uint64]string

	// run-scoped state, installed before a run and removed after
	monitors []Monitor
	hooks    HookSet
}

// New creates an emulator backed by a fresh unicorn instance and maps
// its stack region.
func New(mode int, opts *Options, log *zap.SugaredLogger) (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, mode)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	emu := NewWithMachine(mu, mode, opts, log)
	if err := mu.MemMap(opts.StackAddress, opts.StackSize); err != nil {
		return nil, fmt.Errorf("mapping stack at 0x%x: %w", opts.StackAddress, err)
	}
	return emu, nil
}

// NewWithMachine creates an emulator over an existing engine. The caller
// is responsible for memory layout.
func NewWithMachine(m Machine, mode int, opts *Options, log *zap.SugaredLogger) *Emulator {
	if opts == nil {
		opts = DefaultOptions(mode)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Emulator{
		Uc:      m,
		UcMode:  mode,
		PtrSize: util.PtrSize(mode),
		Cpu:     core.NewCpu(m, mode),
		Opts:    opts,
		log:     log,
		imports: make(map[uint64]string),
	}
}

// AddImport associates a synthetic import address with a qualified API
// name like "kernel32.HeapAlloc".
func (emu *Emulator) AddImport(addr uint64, name string) {
	emu.imports[addr] = name
}

// ApiName returns the qualified name of the API at addr, or "" if addr
// is not an import.
func (emu *Emulator) ApiName(addr uint64) string {
	return emu.imports[addr]
}

func (emu *Emulator) pcReg() int {
	if emu.UcMode == uc.MODE_32 {
		return uc.X86_REG_EIP
	}
	return uc.X86_REG_RIP
}

func (emu *Emulator) spReg() int {
	if emu.UcMode == uc.MODE_32 {
		return uc.X86_REG_ESP
	}
	return uc.X86_REG_RSP
}

func (emu *Emulator) retReg() int {
	if emu.UcMode == uc.MODE_32 {
		return uc.X86_REG_EAX
	}
	return uc.X86_REG_RAX
}

// frameTop is the stack pointer every run is seeded with.
func (emu *Emulator) frameTop() uint64 {
	return emu.Opts.StackAddress + emu.Opts.StackSize/2
}

// PC returns the current program counter.
func (emu *Emulator) PC() uint64 {
	pc, _ := emu.Uc.RegRead(emu.pcReg())
	return pc
}

func (emu *Emulator) SetPC(v uint64) error {
	return emu.Uc.RegWrite(emu.pcReg(), v)
}

// SP returns the current stack pointer.
func (emu *Emulator) SP() uint64 {
	sp, _ := emu.Uc.RegRead(emu.spReg())
	return sp
}

func (emu *Emulator) SetSP(v uint64) error {
	return emu.Uc.RegWrite(emu.spReg(), v)
}

// ReadPtr reads a pointer-sized value from engine memory.
func (emu *Emulator) ReadPtr(addr uint64) (uint64, error) {
	return util.GetPointer(emu.Uc, emu.PtrSize, addr)
}

// WritePtr writes a pointer-sized value into engine memory.
func (emu *Emulator) WritePtr(addr, val uint64) error {
	return util.PutPointer(emu.Uc, emu.PtrSize, addr, val)
}

// Instruction is one decoded instruction at a known address.
type Instruction struct {
	Addr uint64
	Size uint32
	Inst x86asm.Inst
}

func (in *Instruction) String() string {
	return fmt.Sprintf("0x%08x: %s", in.Addr, strings.ToLower(in.Inst.String()))
}

// Decode parses the instruction at addr from engine memory.
func (emu *Emulator) Decode(addr uint64) (*Instruction, error) {
	// an instruction can be up to 15 bytes; shrink the read near the
	// end of a mapped region
	var buf []byte
	var err error
	for n := uint64(15); n > 0; n-- {
		if buf, err = emu.Uc.MemRead(addr, n); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("reading code at 0x%x: %w", addr, err)
	}
	inst, err := x86asm.Decode(buf, int(emu.PtrSize*8))
	if err != nil {
		return nil, fmt.Errorf("decoding at 0x%x: %w", addr, err)
	}
	return &Instruction{Addr: addr, Size: uint32(inst.Len), Inst: inst}, nil
}

// AddMonitor installs a monitor for the duration of a run.
func (emu *Emulator) AddMonitor(m Monitor) {
	emu.monitors = append(emu.monitors, m)
}

// RemoveMonitor uninstalls a previously added monitor.
func (emu *Emulator) RemoveMonitor(m Monitor) {
	for i, cur := range emu.monitors {
		if cur == m {
			emu.monitors = append(emu.monitors[:i], emu.monitors[i+1:]...)
			return
		}
	}
}

// SetHooks installs the hook set consulted for every intercepted call.
func (emu *Emulator) SetHooks(hs HookSet) {
	emu.hooks = hs
}

// ClearHooks removes all installed hooks.
func (emu *Emulator) ClearHooks() {
	emu.hooks = nil
}
