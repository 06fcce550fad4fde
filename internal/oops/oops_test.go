package oops

import (
	"testing"

	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/fault"
)

func TestRecorderDedup(t *testing.T) {
	r := NewRecorder()
	a := r.FindOrAddObject(compiled.Object{Handle: 0x100, Class: "A"})
	b := r.FindOrAddObject(compiled.Object{Handle: 0x200, Class: "B"})
	a2 := r.FindOrAddObject(compiled.Object{Handle: 0x100, Class: "A"})

	if a != 1 || b != 2 {
		t.Fatalf("indices=(%d,%d), want (1,2)", a, b)
	}
	if a2 != a {
		t.Fatalf("second add of same handle=%d, want %d", a2, a)
	}
	if got := r.FindOrAddObject(compiled.Object{}); got != NullIndex {
		t.Fatalf("null object index=%d, want %d", got, NullIndex)
	}
	if got := r.ObjectAt(b); got.Handle != 0x200 {
		t.Fatalf("ObjectAt(%d)=%v, want handle 0x200", b, got)
	}
	if r.ObjectCount() != 2 {
		t.Fatalf("ObjectCount()=%d, want 2", r.ObjectCount())
	}
	if f := fault.Catch(func() { r.ObjectAt(3) }); f == nil {
		t.Fatalf("ObjectAt(3) did not fault")
	}
}

func TestRecorderMetadata(t *testing.T) {
	r := NewRecorder()
	typ := &compiled.Type{ID: 0x10, Name: "Foo"}
	m := &compiled.Method{ID: 0x20, Holder: "Foo", Name: "bar", Descriptor: "()V"}

	if got := r.FindOrAddMetadata(typ); got != 1 {
		t.Fatalf("type index=%d, want 1", got)
	}
	if got := r.FindOrAddMetadata(m); got != 2 {
		t.Fatalf("method index=%d, want 2", got)
	}
	// same id, different pointer
	if got := r.FindOrAddMetadata(&compiled.Type{ID: 0x10}); got != 1 {
		t.Fatalf("duplicate type index=%d, want 1", got)
	}
	if got := r.MetadataAt(2); got != compiled.Metadata(m) {
		t.Fatalf("MetadataAt(2)=%v, want %v", got, m)
	}
	if r.FindOrAddMetadata(nil) != NullIndex || r.MetadataAt(NullIndex) != nil {
		t.Fatalf("nil metadata not mapped to NullIndex")
	}
}

func TestEncoding(t *testing.T) {
	e := Encoding{Base: 0x8_0000_0000, Shift: 3}
	tests := []struct {
		ptr    uint64
		narrow uint32
	}{
		{0, 0},
		{0x8_0000_0008, 1},
		{0x8_0001_0000, 0x2000},
		{0x8_0000_0000 + 0xFFFFFFFF<<3, 0xFFFFFFFF},
	}
	for _, tt := range tests {
		if got := e.Encode(tt.ptr); got != tt.narrow {
			t.Fatalf("Encode(%#x)=%#x, want %#x", tt.ptr, got, tt.narrow)
		}
		if got := e.Decode(tt.narrow); got != tt.ptr {
			t.Fatalf("Decode(%#x)=%#x, want %#x", tt.narrow, got, tt.ptr)
		}
	}

	for _, bad := range []uint64{0x1000, 0x8_0000_0004, 0x8_0000_0000 + 1<<35} {
		if f := fault.Catch(func() { e.Encode(bad) }); f == nil {
			t.Fatalf("Encode(%#x) did not fault", bad)
		}
	}
}
