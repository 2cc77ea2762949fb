package workspace

import (
	"errors"
	"testing"
)

// buildImage lays out a small 32-bit code segment at 0x401000:
//
//	0x401000  call 0x401020   ; func A
//	0x401005  ret
//	0x401006  call 0x401020   ; func B
//	0x40100b  ret
//	0x401020  ret             ; func T
func buildImage() Segment {
	data := make([]byte, 0x40)
	callRel := func(off int, target uint64) {
		addr := 0x401000 + uint64(off)
		rel := uint32(target - (addr + 5))
		data[off] = 0xe8
		data[off+1] = byte(rel)
		data[off+2] = byte(rel >> 8)
		data[off+3] = byte(rel >> 16)
		data[off+4] = byte(rel >> 24)
	}
	callRel(0x00, 0x401020)
	data[0x05] = 0xc3
	callRel(0x06, 0x401020)
	data[0x0b] = 0xc3
	data[0x20] = 0xc3
	return Segment{Base: 0x401000, Data: data, Exec: true}
}

func TestScanFindsCallers(t *testing.T) {
	w := Scan(32, []Segment{buildImage()}, []uint64{0x401000, 0x401006})

	callers := w.Callers(0x401020)
	if len(callers) != 2 || callers[0] != 0x401000 || callers[1] != 0x401006 {
		t.Errorf("callers of T: got %#x", callers)
	}
	if got := w.Callers(0x401005); len(got) != 0 {
		t.Errorf("non-function has callers: %#x", got)
	}
}

func TestScanFunctionIndex(t *testing.T) {
	w := Scan(32, []Segment{buildImage()}, []uint64{0x401000, 0x401006})

	funcs := w.Functions()
	want := []uint64{0x401000, 0x401006, 0x401020}
	if len(funcs) != len(want) {
		t.Fatalf("functions: got %#x, want %#x", funcs, want)
	}
	for i := range want {
		if funcs[i] != want[i] {
			t.Errorf("functions[%d]: got 0x%x, want 0x%x", i, funcs[i], want[i])
		}
	}
}

func TestFunctionContaining(t *testing.T) {
	w := Scan(32, []Segment{buildImage()}, []uint64{0x401000, 0x401006})

	cases := []struct {
		va   uint64
		want uint64
	}{
		{0x401000, 0x401000},
		{0x401005, 0x401000},
		{0x401006, 0x401006},
		{0x40100b, 0x401006},
		{0x401020, 0x401020},
		{0x401021, 0x401020},
	}
	for _, c := range cases {
		got, err := w.FunctionContaining(c.va)
		if err != nil {
			t.Errorf("0x%x: %v", c.va, err)
			continue
		}
		if got != c.want {
			t.Errorf("0x%x: got 0x%x, want 0x%x", c.va, got, c.want)
		}
	}

	if _, err := w.FunctionContaining(0x400fff); !errors.Is(err, ErrNoFunction) {
		t.Errorf("below image: got %v, want ErrNoFunction", err)
	}
	if _, err := w.FunctionContaining(0x500000); !errors.Is(err, ErrNoFunction) {
		t.Errorf("outside image: got %v, want ErrNoFunction", err)
	}
}

func TestScanIgnoresOutOfImageTargets(t *testing.T) {
	data := make([]byte, 0x10)
	// call to 0x20000000, far outside the segment
	addr := uint64(0x401000)
	rel := uint32(0x20000000 - (addr + 5))
	copy(data, []byte{0xe8, byte(rel), byte(rel >> 8), byte(rel >> 16), byte(rel >> 24), 0xc3})
	seg := Segment{Base: addr, Data: data, Exec: true}

	w := Scan(32, []Segment{seg}, []uint64{addr})
	if len(w.Functions()) != 1 {
		t.Errorf("functions: got %#x, want only the entry", w.Functions())
	}
	if got := w.Callers(0x20000000); len(got) != 0 {
		t.Errorf("out-of-image target has callers: %#x", got)
	}
}

func TestScanSkipsNonExecSegments(t *testing.T) {
	seg := buildImage()
	seg.Exec = false
	w := Scan(32, []Segment{seg}, nil)
	if len(w.Functions()) != 0 {
		t.Errorf("functions from data segment: %#x", w.Functions())
	}
}
