package winemu

// CallEvent describes a call instruction the driver intercepted, at the
// moment control would transfer to the callee: the return address has
// been pushed and the program counter points at the target.
type CallEvent struct {
	// Addr is the address of the call instruction itself.
	Addr uint64
	// Target is the resolved callee address.
	Target uint64
	// Return is the return address on top of the stack.
	Return uint64
	// Name is the qualified API name ("kernel32.HeapAlloc") when the
	// target is an import, "" for calls within the image.
	Name string
	// Conv is the calling convention resolved for this call.
	Conv CallConv
	// Args holds the decoded argument values when the arity of the
	// callee is known, nil otherwise.
	Args []uint64
}

// Monitor observes one emulation run at its defined suspension points.
// Monitors are installed immediately before a run and removed on every
// exit path of that run. Returning an error from a callback ends the
// run; sentinel errors such as ErrHitLimit end it cleanly.
type Monitor interface {
	OnCall(emu *Emulator, call *CallEvent) error
	OnPreInstruction(emu *Emulator, in *Instruction) error
	OnPostInstruction(emu *Emulator, in *Instruction) error
}

// NopMonitor implements Monitor with no-ops, for embedding.
type NopMonitor struct{}

func (NopMonitor) OnCall(*Emulator, *CallEvent) error             { return nil }
func (NopMonitor) OnPreInstruction(*Emulator, *Instruction) error { return nil }
func (NopMonitor) OnPostInstruction(*Emulator, *Instruction) error {
	return nil
}
