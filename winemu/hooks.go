package winemu

// Hook simulates one or more APIs. TryHandle inspects an intercepted
// call and either simulates it fully (register the result, unwind the
// stack, land the program counter on the return address) and reports
// handled=true, or leaves all machine state untouched and reports
// handled=false. A hook error aborts the current run.
type Hook interface {
	// Arity returns the number of arguments to decode for the named API,
	// or -1 if this hook does not know it.
	Arity(name string) int
	TryHandle(emu *Emulator, call *CallEvent) (handled bool, err error)
}

// HookSet is an ordered chain of hooks. Dispatch order is the slice
// order; the first hook that handles a call wins and later hooks never
// see it.
type HookSet []Hook

// Dispatch offers the call to each hook in order. An unmatched call is
// not an error: the set reports handled=false and the caller decides
// what to do with the unsimulated API.
func (hs HookSet) Dispatch(emu *Emulator, call *CallEvent) (bool, error) {
	for _, h := range hs {
		handled, err := h.TryHandle(emu, call)
		if err != nil {
			return handled, err
		}
		if handled {
			return true, nil
		}
	}
	return false, nil
}

// Arity asks each hook in order for the argument count of name.
func (hs HookSet) Arity(name string) int {
	for _, h := range hs {
		if n := h.Arity(name); n >= 0 {
			return n
		}
	}
	return -1
}
