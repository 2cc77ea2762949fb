package winemu

import (
	"errors"
	"testing"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/stacksift/callcap/core"
	"github.com/stacksift/callcap/util"
)

func TestRunCleanReturn(t *testing.T) {
	emu, m := newTestEmulator(t)
	fva := testCodeBase
	writeCode(t, m, fva, []byte{0x90, 0xc3}) // nop; ret

	if err := emu.RunFunction(fva); err != nil {
		t.Fatal(err)
	}
	if pc := emu.PC(); pc != emu.Opts.ReturnSentinel {
		t.Errorf("pc: got 0x%x, want sentinel", pc)
	}
}

func TestRunHeapAllocCall(t *testing.T) {
	emu, m := newTestEmulator(t)
	heap := core.NewHeapSim(emu.Uc)
	emu.SetHooks(DefaultHooks(heap, nil))
	defer emu.ClearHooks()

	emu.AddImport(testImportVa, "kernel32.HeapAlloc")
	if err := util.PutPointer(m, 4, testIatBase, testImportVa); err != nil {
		t.Fatal(err)
	}

	fva := testCodeBase
	code := []byte{0x6a, 0x20, 0x6a, 0x00, 0x6a, 0x00} // push 0x20; push 0; push 0
	code = append(code, callIndirect(testIatBase)...)  // call [iat]
	code = append(code, 0xc3)                          // ret
	writeCode(t, m, fva, code)

	if err := emu.RunFunction(fva); err != nil {
		t.Fatal(err)
	}
	eax, _ := emu.Uc.RegRead(uc.X86_REG_EAX)
	if eax != core.DefaultHeapBase {
		t.Errorf("allocation result: got 0x%x, want 0x%x", eax, uint64(core.DefaultHeapBase))
	}
	if _, err := emu.Uc.MemRead(eax, 0x20); err != nil {
		t.Errorf("allocated region not usable: %v", err)
	}
}

func TestRunUnknownApiSkipped(t *testing.T) {
	emu, m := newTestEmulator(t)
	emu.SetHooks(DefaultHooks(core.NewHeapSim(emu.Uc), nil))
	defer emu.ClearHooks()

	emu.AddImport(testImportVa, "kernel32.CreateFileA")
	if err := util.PutPointer(m, 4, testIatBase, testImportVa); err != nil {
		t.Fatal(err)
	}

	fva := testCodeBase
	code := append([]byte{}, callIndirect(testIatBase)...)
	code = append(code, 0xc3)
	writeCode(t, m, fva, code)

	if err := emu.RunFunction(fva); err != nil {
		t.Fatal(err)
	}
	// skipped call returns 0
	if eax, _ := emu.Uc.RegRead(uc.X86_REG_EAX); eax != 0 {
		t.Errorf("skipped call result: got 0x%x, want 0", eax)
	}
}

func TestRunStrayPushRepaired(t *testing.T) {
	emu, m := newTestEmulator(t)
	fva := testCodeBase
	writeCode(t, m, fva, []byte{0x6a, 0x05, 0xc3}) // push 5; ret

	graph := &fakeGraph{
		callers: map[uint64][]uint64{},
		funcs:   map[uint64]uint64{fva: fva + 0x100},
	}
	guard := NewReturnAddressGuard(graph, nil)
	emu.AddMonitor(guard)
	defer emu.RemoveMonitor(guard)

	// the ret pops the stray 5; the guard finds the seeded sentinel one
	// slot up and rewires the run to a clean end
	if err := emu.RunFunction(fva); err != nil {
		t.Fatal(err)
	}
	if pc := emu.PC(); pc != emu.Opts.ReturnSentinel {
		t.Errorf("pc: got 0x%x, want sentinel", pc)
	}
}

func TestRunStackCorruptionAborts(t *testing.T) {
	emu, m := newTestEmulator(t)
	fva := testCodeBase
	// five stray pushes put the sentinel beyond the search window
	code := []byte{0x6a, 0x01, 0x6a, 0x02, 0x6a, 0x03, 0x6a, 0x04, 0x6a, 0x05, 0xc3}
	writeCode(t, m, fva, code)

	graph := &fakeGraph{
		callers: map[uint64][]uint64{},
		funcs:   map[uint64]uint64{fva: fva + 0x100},
	}
	guard := NewReturnAddressGuard(graph, nil)
	emu.AddMonitor(guard)
	defer emu.RemoveMonitor(guard)

	if err := emu.RunFunction(fva); !errors.Is(err, ErrStackCorruption) {
		t.Errorf("got %v, want ErrStackCorruption", err)
	}
}

func TestRunRepeatLimit(t *testing.T) {
	emu, m := newTestEmulator(t)
	emu.Opts.MaxRep = 8
	fva := testCodeBase
	writeCode(t, m, fva, []byte{0xeb, 0xfe}) // jmp self

	if err := emu.RunFunction(fva); !errors.Is(err, ErrRepeatLimit) {
		t.Errorf("got %v, want ErrRepeatLimit", err)
	}
}

func TestRunTickLimit(t *testing.T) {
	emu, m := newTestEmulator(t)
	emu.Opts.MaxTicks = 16
	emu.Opts.MaxRep = 1 << 20
	fva := testCodeBase
	writeCode(t, m, fva, []byte{0xeb, 0xfe})

	if err := emu.RunFunction(fva); !errors.Is(err, ErrTickLimit) {
		t.Errorf("got %v, want ErrTickLimit", err)
	}
}

func TestRunResetsRegisters(t *testing.T) {
	emu, m := newTestEmulator(t)
	fva := testCodeBase
	writeCode(t, m, fva, []byte{0x90, 0xc3}) // nop; ret

	emu.Uc.RegWrite(uc.X86_REG_EAX, 0xdeadbeef)
	emu.Uc.RegWrite(uc.X86_REG_ESI, 0xcafe)
	if err := emu.RunFunction(fva); err != nil {
		t.Fatal(err)
	}
	if eax, _ := emu.Uc.RegRead(uc.X86_REG_EAX); eax != 0 {
		t.Errorf("eax carried into run: 0x%x", eax)
	}
	if esi, _ := emu.Uc.RegRead(uc.X86_REG_ESI); esi != 0 {
		t.Errorf("esi carried into run: 0x%x", esi)
	}
}

func TestRunProcessExit(t *testing.T) {
	emu, m := newTestEmulator(t)
	emu.SetHooks(DefaultHooks(core.NewHeapSim(emu.Uc), nil))
	defer emu.ClearHooks()

	emu.AddImport(testImportVa, "kernel32.ExitProcess")
	if err := util.PutPointer(m, 4, testIatBase, testImportVa); err != nil {
		t.Fatal(err)
	}

	fva := testCodeBase
	code := []byte{0x6a, 0x00} // push 0
	code = append(code, callIndirect(testIatBase)...)
	writeCode(t, m, fva, code)

	if err := emu.RunFunction(fva); !errors.Is(err, ErrProcessExit) {
		t.Errorf("got %v, want ErrProcessExit", err)
	}
}

func TestRunTailJumpDispatch(t *testing.T) {
	emu, m := newTestEmulator(t)
	emu.SetHooks(DefaultHooks(core.NewHeapSim(emu.Uc), nil))
	defer emu.ClearHooks()

	emu.AddImport(testImportVa, "msvcrt.malloc")
	if err := util.PutPointer(m, 4, testIatBase, testImportVa); err != nil {
		t.Fatal(err)
	}

	// run an import thunk directly: jmp [iat] with the seeded return
	// address still on top of the stack
	thunk := testCodeBase
	iat := uint64(testIatBase)
	writeCode(t, m, thunk, []byte{0xff, 0x25, byte(iat), byte(iat >> 8), byte(iat >> 16), byte(iat >> 24)})

	if err := emu.RunFunction(thunk); err != nil {
		t.Fatal(err)
	}
	eax, _ := emu.Uc.RegRead(uc.X86_REG_EAX)
	if eax != core.DefaultHeapBase {
		t.Errorf("tail-called malloc result: got 0x%x, want 0x%x", eax, uint64(core.DefaultHeapBase))
	}
}

func TestRunCallMonitorSeesArgs(t *testing.T) {
	emu, m := newTestEmulator(t)
	target := testCodeBase + 0x200
	writeCode(t, m, target, []byte{0xc3})

	fva := testCodeBase
	code := []byte{0x6a, 0x11, 0x6a, 0x22} // push 0x11; push 0x22
	code = append(code, callRel32(fva+4, target)...)
	code = append(code, 0xc3)
	writeCode(t, m, fva, code)

	// the pushed arguments stay on the stack at the final ret; the
	// guard walks past them to the seeded sentinel
	graph := &fakeGraph{
		callers: map[uint64][]uint64{},
		funcs:   map[uint64]uint64{fva: fva + 0x100},
	}
	guard := NewReturnAddressGuard(graph, nil)
	emu.AddMonitor(guard)
	defer emu.RemoveMonitor(guard)

	var got *CallEvent
	mon := &recordMonitor{onCall: func(call *CallEvent) error {
		got = call
		return nil
	}}
	emu.AddMonitor(mon)
	defer emu.RemoveMonitor(mon)

	if err := emu.RunFunction(fva); err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("call not intercepted")
	}
	if got.Target != target {
		t.Errorf("target: got 0x%x, want 0x%x", got.Target, target)
	}
	if got.Return != fva+4+5 {
		t.Errorf("return: got 0x%x, want 0x%x", got.Return, fva+4+5)
	}
	if len(got.Args) < 2 || got.Args[0] != 0x22 || got.Args[1] != 0x11 {
		t.Errorf("args: got %#v", got.Args)
	}
}

type recordMonitor struct {
	NopMonitor
	onCall func(*CallEvent) error
}

func (m *recordMonitor) OnCall(emu *Emulator, call *CallEvent) error {
	return m.onCall(call)
}
