// Package debuginfo records, per pc, the interpreter state the deoptimizer
// needs to rebuild frames: the inlined scope chain with its locals,
// expression stack and monitors, and the virtual objects they refer to.
//
// Everything is serialized into one compact stream. Scope value lists and
// scope records are addressed by their stream offset (a Token); identical
// serialized chunks are stored once.
package debuginfo

import (
	"strings"

	"github.com/google/btree"

	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/fault"
	"github.com/tinyrange/codeinstall/internal/oopmap"
	"github.com/tinyrange/codeinstall/internal/oops"
)

// Token is the stream offset of a serialized list or scope. NullToken is the
// empty list.
type Token int

const NullToken Token = 0

// ScopeFlags are the per-scope deoptimization bits.
type ScopeFlags struct {
	Reexecute bool
	Rethrow   bool
	ReturnOop bool
}

func (f ScopeFlags) String() string {
	var parts []string
	if f.Reexecute {
		parts = append(parts, "reexecute")
	}
	if f.Rethrow {
		parts = append(parts, "rethrow")
	}
	if f.ReturnOop {
		parts = append(parts, "return_oop")
	}
	return strings.Join(parts, ",")
}

// PcDesc maps an insts offset to the innermost scope recorded there.
type PcDesc struct {
	PC        int
	Scope     Token
	Objects   Token
	Safepoint bool

	seq int
}

func pcDescLess(a, b PcDesc) bool {
	if a.PC != b.PC {
		return a.PC < b.PC
	}
	return a.seq < b.seq
}

func (d PcDesc) sameInfo(o PcDesc) bool {
	return d.Scope == o.Scope && d.Objects == o.Objects
}

type recordingState int

const (
	idle recordingState = iota
	recordingSafepoint
	recordingNonSafepoint
)

// Recorder builds the debug info of one installation. It is not safe for
// concurrent use.
type Recorder struct {
	oops *oops.Recorder
	maps *oopmap.Set

	stream writeStream
	shared map[string]Token

	pcs  *btree.BTreeG[PcDesc]
	seq  int
	last *PcDesc
	prev *PcDesc

	state     recordingState
	currentPC int
	current   PcDesc

	lastSafepointPC int
}

func NewRecorder(rec *oops.Recorder, maps *oopmap.Set) *Recorder {
	r := &Recorder{
		oops:            rec,
		maps:            maps,
		shared:          make(map[string]Token),
		pcs:             btree.NewG(16, pcDescLess),
		lastSafepointPC: -1,
	}
	// Offset 0 is NullToken.
	r.stream.buf = append(r.stream.buf, 0xFF)
	return r
}

func (r *Recorder) OopMaps() *oopmap.Set        { return r.maps }
func (r *Recorder) OopRecorder() *oops.Recorder { return r.oops }

func (r *Recorder) begin(pc int, state recordingState) {
	if r.state != idle {
		fault.Fatalf("debuginfo", "pc %#x started while %#x is still being recorded", pc, r.currentPC)
	}
	r.state = state
	r.currentPC = pc
	r.current = PcDesc{PC: pc, Safepoint: state == recordingSafepoint, seq: r.seq}
	r.seq++
}

// AddSafepoint starts recording a safepoint at pc with its oop map.
func (r *Recorder) AddSafepoint(pc int, m *oopmap.OopMap) {
	fault.Guarantee(m != nil, "debuginfo", "safepoint at %#x without oop map", pc)
	r.begin(pc, recordingSafepoint)
	r.maps.Add(pc, m)
}

// AddNonSafepoint starts recording a pc that only carries a position.
func (r *Recorder) AddNonSafepoint(pc int) {
	r.begin(pc, recordingNonSafepoint)
}

func (r *Recorder) checkRecording(what string) {
	if r.state == idle {
		fault.Fatalf("debuginfo", "%s outside of a safepoint or non-safepoint", what)
	}
}

// share returns the token of an identical chunk serialized before, or
// commits the bytes written since start and returns their token.
func (r *Recorder) share(start int) Token {
	chunk := string(r.stream.buf[start:])
	if tok, ok := r.shared[chunk]; ok {
		r.stream.buf = r.stream.buf[:start]
		return tok
	}
	r.shared[chunk] = Token(start)
	return Token(start)
}

// DumpObjectPool writes the virtual objects of the current pc. Values
// serialized after it refer to the objects by id.
func (r *Recorder) DumpObjectPool(objects []*ObjectValue) {
	r.checkRecording("object pool")
	if len(objects) == 0 {
		r.current.Objects = NullToken
		return
	}
	for _, ov := range objects {
		ov.visited = false
	}
	start := r.stream.position()
	r.stream.writeInt(len(objects))
	for _, ov := range objects {
		r.stream.writeValue(ov, r.oops)
	}
	// Never shared: the pool defines the objects of this pc.
	r.current.Objects = Token(start)
}

// CreateScopeValues serializes a locals or expression stack list.
func (r *Recorder) CreateScopeValues(values []ScopeValue) Token {
	r.checkRecording("scope values")
	if len(values) == 0 {
		return NullToken
	}
	start := r.stream.position()
	r.stream.writeInt(len(values))
	for _, v := range values {
		r.stream.writeValue(v, r.oops)
	}
	return r.share(start)
}

func (r *Recorder) CreateMonitorValues(monitors []*MonitorValue) Token {
	r.checkRecording("monitor values")
	if len(monitors) == 0 {
		return NullToken
	}
	start := r.stream.position()
	r.stream.writeInt(len(monitors))
	for _, m := range monitors {
		r.stream.writeMonitor(m, r.oops)
	}
	return r.share(start)
}

// DescribeScope records one scope of the current pc. Scopes are described
// outermost first; each one links to the scope described before it.
func (r *Recorder) DescribeScope(pc int, method *compiled.Method, bci int, flags ScopeFlags, locals, expressions, monitors Token) {
	r.checkRecording("scope")
	if pc != r.currentPC {
		fault.Fatalf("debuginfo", "scope for pc %#x described while recording %#x", pc, r.currentPC)
	}
	start := r.stream.position()
	r.stream.writeInt(int(r.current.Scope))
	r.stream.writeInt(r.oops.FindOrAddMetadata(method))
	r.stream.writeInt(bci)
	r.stream.writeBool(flags.Reexecute)
	r.stream.writeBool(flags.Rethrow)
	r.stream.writeBool(flags.ReturnOop)
	r.stream.writeInt(int(locals))
	r.stream.writeInt(int(expressions))
	r.stream.writeInt(int(monitors))
	r.current.Scope = r.share(start)
}

func (r *Recorder) end(pc int, state recordingState) {
	if r.state != state || pc != r.currentPC {
		fault.Fatalf("debuginfo", "mismatched end of pc %#x", pc)
	}
	d := r.current
	r.pcs.ReplaceOrInsert(d)
	r.prev, r.last = r.last, &d
	r.state = idle
}

func (r *Recorder) EndSafepoint(pc int) {
	r.end(pc, recordingSafepoint)
	r.lastSafepointPC = pc
}

// EndNonSafepoint finishes a non-safepoint. A preceding non-safepoint with
// the same info is folded into this one: lookups of non-safepoints search
// forward to the next descriptor.
func (r *Recorder) EndNonSafepoint(pc int) {
	r.end(pc, recordingNonSafepoint)
	prev, last := r.prev, r.last
	if prev == nil || prev.Safepoint || prev.PC <= r.lastSafepointPC || prev.PC > last.PC {
		return
	}
	if prev.sameInfo(*last) {
		r.pcs.Delete(*prev)
		r.prev = nil
	}
}

// Data returns the serialized stream.
func (r *Recorder) Data() []byte {
	return append([]byte(nil), r.stream.buf...)
}

// PcDescs returns the descriptors ordered by pc.
func (r *Recorder) PcDescs() []PcDesc {
	out := make([]PcDesc, 0, r.pcs.Len())
	r.pcs.Ascend(func(d PcDesc) bool {
		out = append(out, d)
		return true
	})
	return out
}

// Reader returns a reader over what has been recorded so far.
func (r *Recorder) Reader() *Reader {
	return NewReader(r.Data(), r.PcDescs(), r.oops)
}
