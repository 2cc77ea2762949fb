// Package core holds the machine-independent pieces of the emulation
// session: the simulated heap and the register snapshot helpers.
package core

// Machine is the slice of the CPU-emulation engine interface that the
// simulation layer needs. The unicorn Go binding satisfies it directly;
// tests substitute map-backed fakes.
type Machine interface {
	MemMap(addr, size uint64) error
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, data []byte) error
	RegRead(reg int) (uint64, error)
	RegWrite(reg int, value uint64) error
}
