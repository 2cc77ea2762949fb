package winemu

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/stacksift/callcap/core"
)

// ProcessHeapHook answers the heap-handle query APIs with a constant
// pseudo handle. The allocation hooks ignore the handle argument, so
// any stable value works.
type ProcessHeapHook struct{}

func (ProcessHeapHook) Arity(name string) int {
	if name == "kernel32.GetProcessHeap" {
		return 0
	}
	return -1
}

func (ProcessHeapHook) TryHandle(emu *Emulator, call *CallEvent) (bool, error) {
	if call.Name != "kernel32.GetProcessHeap" {
		return false, nil
	}
	return true, call.Conv.ExecCallReturn(emu, 0, 0)
}

// allocSpec describes where one allocation API carries its size.
type allocSpec struct {
	sizeArg int
	argc    int
	// calloc passes (num, size)
	product bool
}

var allocSpecs = map[string]allocSpec{
	"ntdll.RtlAllocateHeap":   {sizeArg: 2, argc: 3},
	"kernel32.HeapAlloc":      {sizeArg: 2, argc: 3},
	"kernel32.LocalAlloc":     {sizeArg: 1, argc: 2},
	"kernel32.GlobalAlloc":    {sizeArg: 1, argc: 2},
	"kernel32.VirtualAlloc":   {sizeArg: 1, argc: 4},
	"kernel32.VirtualAllocEx": {sizeArg: 2, argc: 5},
	"msvcrt.malloc":           {sizeArg: 0, argc: 1},
	"msvcrt.calloc":           {sizeArg: 1, argc: 2, product: true},
}

// HeapAllocHook simulates the allocation family of APIs against a heap
// simulator, so that emulated code receives usable buffers it can write
// decoded data into.
type HeapAllocHook struct {
	Heap *core.HeapSim
	log  *zap.SugaredLogger
}

func NewHeapAllocHook(heap *core.HeapSim, log *zap.SugaredLogger) *HeapAllocHook {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &HeapAllocHook{Heap: heap, log: log}
}

func (h *HeapAllocHook) Arity(name string) int {
	if spec, ok := allocSpecs[name]; ok {
		return spec.argc
	}
	return -1
}

func (h *HeapAllocHook) TryHandle(emu *Emulator, call *CallEvent) (bool, error) {
	spec, ok := allocSpecs[call.Name]
	if !ok {
		return false, nil
	}
	args, err := call.Conv.Arguments(emu, spec.argc)
	if err != nil {
		return true, fmt.Errorf("%s: reading arguments: %w", call.Name, err)
	}
	size := args[spec.sizeArg]
	if spec.product {
		size *= args[0]
	}
	addr, err := h.Heap.Alloc(size)
	if err != nil {
		return true, fmt.Errorf("%s: %w", call.Name, err)
	}
	h.log.Debugw("simulated allocation",
		"api", call.Name, "size", size, "addr", fmt.Sprintf("0x%x", addr))
	return true, call.Conv.ExecCallReturn(emu, addr, spec.argc)
}

// MemcpyHook performs msvcrt's copy routines directly on engine memory.
type MemcpyHook struct{}

func (MemcpyHook) Arity(name string) int {
	switch name {
	case "msvcrt.memcpy", "msvcrt.memmove":
		return 3
	}
	return -1
}

func (h MemcpyHook) TryHandle(emu *Emulator, call *CallEvent) (bool, error) {
	switch call.Name {
	case "msvcrt.memcpy", "msvcrt.memmove":
	default:
		return false, nil
	}
	args, err := call.Conv.Arguments(emu, 3)
	if err != nil {
		return true, fmt.Errorf("%s: reading arguments: %w", call.Name, err)
	}
	dst, src, count := args[0], args[1], args[2]
	if count > 0 {
		buf, err := emu.Uc.MemRead(src, count)
		if err != nil {
			return true, fmt.Errorf("%s: reading 0x%x bytes at 0x%x: %w", call.Name, count, src, err)
		}
		if err := emu.Uc.MemWrite(dst, buf); err != nil {
			return true, fmt.Errorf("%s: writing 0x%x bytes at 0x%x: %w", call.Name, count, dst, err)
		}
	}
	return true, call.Conv.ExecCallReturn(emu, 0, 3)
}

// ExitProcessHook terminates the current run when the emulated code
// exits. The raised ErrProcessExit is a clean halt.
type ExitProcessHook struct{}

var exitApis = map[string]int{
	"kernel32.ExitProcess":      1,
	"kernel32.TerminateProcess": 2,
	"msvcrt.exit":               1,
}

func (ExitProcessHook) Arity(name string) int {
	if argc, ok := exitApis[name]; ok {
		return argc
	}
	return -1
}

func (ExitProcessHook) TryHandle(emu *Emulator, call *CallEvent) (bool, error) {
	if _, ok := exitApis[call.Name]; !ok {
		return false, nil
	}
	return true, ErrProcessExit
}

// DefaultHooks builds the standard hook chain installed for every
// collection run.
func DefaultHooks(heap *core.HeapSim, log *zap.SugaredLogger) HookSet {
	return HookSet{
		ProcessHeapHook{},
		NewHeapAllocHook(heap, log),
		ExitProcessHook{},
		MemcpyHook{},
	}
}
