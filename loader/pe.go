// Package loader maps a PE image the way the Windows loader would, far
// enough for emulation: sections at their virtual addresses and the
// import address table patched with synthetic per-import addresses that
// the emulator resolves back to API names.
package loader

import (
	"debug/pe"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/stacksift/callcap/core"
	"github.com/stacksift/callcap/util"
	"github.com/stacksift/callcap/workspace"
)

const (
	memExecute     = 0x20000000
	importDescSize = 20
)

// Loaded is a PE image prepared for emulation.
type Loaded struct {
	// Bits is 32 or 64.
	Bits      int
	ImageBase uint64
	Entry     uint64
	Segments  []workspace.Segment
	// Imports maps each synthetic import address to its qualified API
	// name, e.g. "kernel32.HeapAlloc".
	Imports map[uint64]string
}

// Probe reports the pointer width of the PE at path: 32 or 64.
func Probe(path string) (int, error) {
	f, err := pe.Open(path)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	defer f.Close()
	switch f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return 32, nil
	case *pe.OptionalHeader64:
		return 64, nil
	}
	return 0, fmt.Errorf("not an executable PE image")
}

// Load parses the PE at path, lays its sections out at their virtual
// addresses, and rewrites the import address table so every imported
// API resolves to a unique synthetic address starting at importBase.
func Load(path string, importBase uint64) (*Loaded, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	defer f.Close()
	return load(f, importBase)
}

func load(f *pe.File, importBase uint64) (*Loaded, error) {
	ld := &Loaded{Imports: make(map[uint64]string)}

	var importDir pe.DataDirectory
	var entryRva uint64
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		ld.Bits = 32
		ld.ImageBase = uint64(oh.ImageBase)
		entryRva = uint64(oh.AddressOfEntryPoint)
		importDir = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_IMPORT]
	case *pe.OptionalHeader64:
		ld.Bits = 64
		ld.ImageBase = oh.ImageBase
		entryRva = uint64(oh.AddressOfEntryPoint)
		importDir = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_IMPORT]
	default:
		return nil, fmt.Errorf("not an executable PE image")
	}
	ld.Entry = ld.ImageBase + entryRva

	for _, s := range f.Sections {
		raw, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("reading section %s: %w", s.Name, err)
		}
		size := uint64(s.VirtualSize)
		if size < uint64(len(raw)) {
			size = uint64(len(raw))
		}
		buf := make([]byte, size)
		copy(buf, raw)
		ld.Segments = append(ld.Segments, workspace.Segment{
			Base: ld.ImageBase + uint64(s.VirtualAddress),
			Data: buf,
			Exec: s.Characteristics&memExecute != 0,
		})
	}

	if importDir.VirtualAddress != 0 {
		if err := ld.resolveImports(uint64(importDir.VirtualAddress), importBase); err != nil {
			return nil, fmt.Errorf("resolving imports: %w", err)
		}
	}
	return ld, nil
}

// resolveImports walks the import descriptor table, assigns each
// imported API a synthetic address, and patches it into the image's
// import address table.
func (ld *Loaded) resolveImports(dirRva, importBase uint64) error {
	ptrSize := uint64(ld.Bits / 8)
	next := importBase

	for descRva := dirRva; ; descRva += importDescSize {
		desc, err := ld.readRva(descRva, importDescSize)
		if err != nil {
			return err
		}
		origThunk := uint64(binary.LittleEndian.Uint32(desc[0:]))
		nameRva := uint64(binary.LittleEndian.Uint32(desc[12:]))
		firstThunk := uint64(binary.LittleEndian.Uint32(desc[16:]))
		if nameRva == 0 && firstThunk == 0 {
			break
		}
		dll, err := ld.readCString(nameRva)
		if err != nil {
			return err
		}
		// bound imports have the name table in OriginalFirstThunk
		nameTable := origThunk
		if nameTable == 0 {
			nameTable = firstThunk
		}

		for i := uint64(0); ; i++ {
			entry, err := ld.readThunk(nameTable + i*ptrSize)
			if err != nil {
				return err
			}
			if entry == 0 {
				break
			}
			var api string
			if ld.ordinal(entry) {
				api = fmt.Sprintf("ordinal_%d", entry&0xffff)
			} else {
				// past the hint word
				api, err = ld.readCString((entry & 0x7fffffff) + 2)
				if err != nil {
					return err
				}
			}
			addr := next
			next += ptrSize
			ld.Imports[addr] = QualifyImport(dll, api)
			if err := ld.patchIat(ld.ImageBase+firstThunk+i*ptrSize, addr); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ld *Loaded) ordinal(entry uint64) bool {
	if ld.Bits == 64 {
		return entry&0x8000000000000000 != 0
	}
	return entry&0x80000000 != 0
}

func (ld *Loaded) readThunk(rva uint64) (uint64, error) {
	ptrSize := uint64(ld.Bits / 8)
	buf, err := ld.readRva(rva, ptrSize)
	if err != nil {
		return 0, err
	}
	if ptrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// readRva resolves an RVA against the loaded segments.
func (ld *Loaded) readRva(rva, size uint64) ([]byte, error) {
	va := ld.ImageBase + rva
	for i := range ld.Segments {
		seg := &ld.Segments[i]
		if va >= seg.Base && va+size <= seg.Base+uint64(len(seg.Data)) {
			return seg.Data[va-seg.Base : va-seg.Base+size], nil
		}
	}
	return nil, fmt.Errorf("rva 0x%x not in any section", rva)
}

func (ld *Loaded) readCString(rva uint64) (string, error) {
	va := ld.ImageBase + rva
	for i := range ld.Segments {
		seg := &ld.Segments[i]
		if va >= seg.Base && va < seg.Base+uint64(len(seg.Data)) {
			data := seg.Data[va-seg.Base:]
			for n, b := range data {
				if b == 0 {
					return string(data[:n]), nil
				}
			}
			break
		}
	}
	return "", fmt.Errorf("unterminated string at rva 0x%x", rva)
}

func (ld *Loaded) patchIat(va, addr uint64) error {
	ptrSize := uint64(ld.Bits / 8)
	for i := range ld.Segments {
		seg := &ld.Segments[i]
		if va >= seg.Base && va+ptrSize <= seg.Base+uint64(len(seg.Data)) {
			if ptrSize == 4 {
				binary.LittleEndian.PutUint32(seg.Data[va-seg.Base:], uint32(addr))
			} else {
				binary.LittleEndian.PutUint64(seg.Data[va-seg.Base:], addr)
			}
			return nil
		}
	}
	return fmt.Errorf("iat slot 0x%x not in any section", va)
}

// QualifyImport joins a dll name and an API name into the qualified
// form the hooks match on: lowercase module without extension, dot,
// exact API name.
func QualifyImport(dll, api string) string {
	mod := strings.ToLower(dll)
	mod = strings.TrimSuffix(mod, ".dll")
	return mod + "." + api
}

// Map places every segment of the image into engine memory,
// page-aligning region boundaries.
func (ld *Loaded) Map(m core.Machine) error {
	const pageMask = 0xfff
	for i := range ld.Segments {
		seg := &ld.Segments[i]
		base := seg.Base & ^uint64(pageMask)
		end := util.RoundUp(seg.Base+uint64(len(seg.Data)), pageMask)
		if err := m.MemMap(base, end-base); err != nil {
			return fmt.Errorf("mapping section at 0x%x: %w", seg.Base, err)
		}
		if err := m.MemWrite(seg.Base, seg.Data); err != nil {
			return err
		}
	}
	return nil
}
