// Package oops records the managed objects and metadata a piece of code
// embeds, so the GC and class unloading can enumerate them later.
package oops

import (
	"fmt"

	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/fault"
)

// NullIndex is the index of the null reference. Real entries start at 1.
const NullIndex = 0

// Recorder assigns stable indices to the objects and metadata of one
// installation. It is owned by the installing goroutine.
type Recorder struct {
	objects   []compiled.Object
	objIndex  map[uint64]int
	metadata  []compiled.Metadata
	metaIndex map[uint64]int
}

func NewRecorder() *Recorder {
	return &Recorder{
		objIndex:  make(map[uint64]int),
		metaIndex: make(map[uint64]int),
	}
}

// FindOrAddObject returns the index of o, adding it on first sight.
func (r *Recorder) FindOrAddObject(o compiled.Object) int {
	if o.Handle == 0 {
		return NullIndex
	}
	if idx, ok := r.objIndex[o.Handle]; ok {
		return idx
	}
	r.objects = append(r.objects, o)
	idx := len(r.objects)
	r.objIndex[o.Handle] = idx
	return idx
}

// FindOrAddMetadata returns the index of m, adding it on first sight.
func (r *Recorder) FindOrAddMetadata(m compiled.Metadata) int {
	if m == nil {
		return NullIndex
	}
	id := m.MetadataID()
	if idx, ok := r.metaIndex[id]; ok {
		return idx
	}
	r.metadata = append(r.metadata, m)
	idx := len(r.metadata)
	r.metaIndex[id] = idx
	return idx
}

// ObjectAt returns the object recorded at idx. NullIndex yields the zero
// Object.
func (r *Recorder) ObjectAt(idx int) compiled.Object {
	if idx == NullIndex {
		return compiled.Object{}
	}
	if idx < 0 || idx > len(r.objects) {
		fault.Fatalf("oops", "object index %d out of range (%d recorded)", idx, len(r.objects))
	}
	return r.objects[idx-1]
}

func (r *Recorder) MetadataAt(idx int) compiled.Metadata {
	if idx == NullIndex {
		return nil
	}
	if idx < 0 || idx > len(r.metadata) {
		fault.Fatalf("oops", "metadata index %d out of range (%d recorded)", idx, len(r.metadata))
	}
	return r.metadata[idx-1]
}

func (r *Recorder) Objects() []compiled.Object    { return append([]compiled.Object(nil), r.objects...) }
func (r *Recorder) Metadata() []compiled.Metadata { return append([]compiled.Metadata(nil), r.metadata...) }
func (r *Recorder) ObjectCount() int              { return len(r.objects) }
func (r *Recorder) MetadataCount() int            { return len(r.metadata) }

func (r *Recorder) String() string {
	return fmt.Sprintf("oops(%d objects, %d metadata)", len(r.objects), len(r.metadata))
}

// Encoding is a compressed pointer scheme: narrow = (ptr - Base) >> Shift.
type Encoding struct {
	Base  uint64
	Shift uint
}

// Encode compresses ptr. Pointers that cannot be represented are fatal.
func (e Encoding) Encode(ptr uint64) uint32 {
	if ptr == 0 {
		return 0
	}
	if ptr < e.Base {
		fault.Fatalf("oops", "pointer %#x below compressed base %#x", ptr, e.Base)
	}
	d := ptr - e.Base
	if d&(1<<e.Shift-1) != 0 || d>>e.Shift > 0xFFFFFFFF {
		fault.Fatalf("oops", "pointer %#x cannot be compressed with base %#x shift %d", ptr, e.Base, e.Shift)
	}
	return uint32(d >> e.Shift)
}

func (e Encoding) Decode(narrow uint32) uint64 {
	if narrow == 0 {
		return 0
	}
	return e.Base + uint64(narrow)<<e.Shift
}
