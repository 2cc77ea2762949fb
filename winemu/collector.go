package winemu

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/stacksift/callcap/core"
)

// FunctionContext is one captured call to the target function: the full
// register state and active stack at the moment of the call, the return
// address then on top of the stack, and where the call came from.
// Contexts live only until CollectContexts returns them.
type FunctionContext struct {
	// Registers is the full register snapshot, *core.Registers32 or
	// *core.Registers64 depending on mode.
	Registers interface{}
	// StackBase and Stack hold the active stack at call time, from the
	// stack pointer up to the seeded frame top. Later runs reuse the
	// same stack region, so call-time bytes survive only here.
	StackBase uint64
	Stack     []byte
	// Return is the return address on top of the stack at call time.
	Return uint64
	// CallAddr is the address of the intercepted call instruction.
	CallAddr uint64
	// Caller is the function whose run produced this context.
	Caller uint64
	// Args are the decoded argument values at the call.
	Args []uint64
}

// Memory returns a read view of engine memory as it was when the
// context was captured: reads inside the captured stack come from the
// snapshot, everything else from the live engine. Heap regions are
// never reused or freed, so live reads of them still show call-time
// data.
func (ctx *FunctionContext) Memory(live core.Machine) core.Machine {
	return snapshotMemory{ctx: ctx, live: live}
}

type snapshotMemory struct {
	ctx  *FunctionContext
	live core.Machine
}

func (m snapshotMemory) MemRead(addr, size uint64) ([]byte, error) {
	base := m.ctx.StackBase
	if addr >= base && addr+size <= base+uint64(len(m.ctx.Stack)) {
		out := make([]byte, size)
		copy(out, m.ctx.Stack[addr-base:])
		return out, nil
	}
	return m.live.MemRead(addr, size)
}

func (m snapshotMemory) MemMap(addr, size uint64) error { return m.live.MemMap(addr, size) }
func (m snapshotMemory) MemWrite(addr uint64, data []byte) error {
	return m.live.MemWrite(addr, data)
}
func (m snapshotMemory) RegRead(reg int) (uint64, error) { return m.live.RegRead(reg) }
func (m snapshotMemory) RegWrite(reg int, value uint64) error { return m.live.RegWrite(reg, value) }

// CallMonitor watches one run for calls to a single target function and
// snapshots machine state at each one. After maxHits captures it ends
// the run with ErrHitLimit.
type CallMonitor struct {
	NopMonitor
	target   uint64
	caller   uint64
	maxHits  int
	contexts []FunctionContext
}

func NewCallMonitor(target, caller uint64, maxHits int) *CallMonitor {
	return &CallMonitor{target: target, caller: caller, maxHits: maxHits}
}

func (m *CallMonitor) OnCall(emu *Emulator, call *CallEvent) error {
	if call.Target != m.target {
		return nil
	}
	args := make([]uint64, len(call.Args))
	copy(args, call.Args)
	ctx := FunctionContext{
		Registers: emu.Cpu.ReadRegisters(),
		Return:    call.Return,
		CallAddr:  call.Addr,
		Caller:    m.caller,
		Args:      args,
	}
	sp := emu.SP()
	if top := emu.frameTop(); top > sp {
		if buf, err := emu.Uc.MemRead(sp, top-sp); err == nil {
			ctx.StackBase = sp
			ctx.Stack = buf
		}
	}
	m.contexts = append(m.contexts, ctx)
	if len(m.contexts) >= m.maxHits {
		return ErrHitLimit
	}
	return nil
}

// Contexts returns the captures of this run.
func (m *CallMonitor) Contexts() []FunctionContext {
	return m.contexts
}

// runner lets tests substitute the emulation loop.
type runner interface {
	RunFunction(fva uint64) error
}

// Collector orchestrates one bounded emulation run per static caller of
// a target function and harvests the contexts captured at each call to
// the target. The heap simulator is shared across the runs of one
// collection so allocated regions stay mapped and never collide.
type Collector struct {
	emu   *Emulator
	graph CallGraph
	heap  *core.HeapSim
	log   *zap.SugaredLogger
	drv   runner

	// ExtraMonitors are installed for every run in addition to the
	// guard and the call monitor, e.g. a debugger.
	ExtraMonitors []Monitor
}

func NewCollector(emu *Emulator, graph CallGraph, log *zap.SugaredLogger) *Collector {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Collector{
		emu:   emu,
		graph: graph,
		heap:  core.NewHeapSimAt(emu.Uc, emu.Opts.HeapBase),
		log:   log,
		drv:   emu,
	}
}

// CollectContexts emulates each caller function of target once and
// returns every context captured across those runs, in caller order. A
// failed run contributes whatever it captured before failing; it never
// aborts the remaining callers.
func (c *Collector) CollectContexts(target uint64) []FunctionContext {
	var all []FunctionContext
	for _, caller := range c.callerFunctions(target) {
		all = append(all, c.collectFromCaller(target, caller)...)
	}
	return all
}

// callerFunctions maps the static call sites of target to their
// containing functions, deduplicated in first-seen order. Call sites
// outside any known function are skipped.
func (c *Collector) callerFunctions(target uint64) []uint64 {
	seen := make(map[uint64]bool)
	var callers []uint64
	for _, site := range c.graph.Callers(target) {
		fva, err := c.graph.FunctionContaining(site)
		if err != nil {
			c.log.Warnw("skipping unresolved call site",
				"addr", fmt.Sprintf("0x%x", site), "err", err)
			continue
		}
		if !seen[fva] {
			seen[fva] = true
			callers = append(callers, fva)
		}
	}
	return callers
}

func (c *Collector) collectFromCaller(target, caller uint64) []FunctionContext {
	mon := NewCallMonitor(target, caller, c.emu.Opts.MaxHits)
	guard := NewReturnAddressGuard(c.graph, c.log)

	c.emu.SetHooks(DefaultHooks(c.heap, c.log))
	c.emu.AddMonitor(guard)
	c.emu.AddMonitor(mon)
	for _, m := range c.ExtraMonitors {
		c.emu.AddMonitor(m)
	}
	defer func() {
		for _, m := range c.ExtraMonitors {
			c.emu.RemoveMonitor(m)
		}
		c.emu.RemoveMonitor(mon)
		c.emu.RemoveMonitor(guard)
		c.emu.ClearHooks()
	}()

	err := c.drv.RunFunction(caller)
	switch {
	case err == nil:
		c.log.Debugw("caller run returned", "caller", fmt.Sprintf("0x%x", caller))
	case errors.Is(err, ErrHitLimit), errors.Is(err, ErrProcessExit):
		c.log.Debugw("caller run ended", "caller", fmt.Sprintf("0x%x", caller), "reason", err)
	case errors.Is(err, ErrStackCorruption),
		errors.Is(err, ErrRepeatLimit),
		errors.Is(err, ErrTickLimit):
		c.log.Debugw("caller run aborted", "caller", fmt.Sprintf("0x%x", caller), "reason", err)
	default:
		c.log.Warnw("caller run failed", "caller", fmt.Sprintf("0x%x", caller), "err", err)
	}
	return mon.Contexts()
}
