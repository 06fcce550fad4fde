package debuginfo

import (
	"fmt"
	"sort"

	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/fault"
	"github.com/tinyrange/codeinstall/internal/oops"
)

// ScopeDesc is one decoded scope. Sender is the caller scope, nil for the
// outermost one.
type ScopeDesc struct {
	Method      *compiled.Method
	BCI         int
	Flags       ScopeFlags
	Locals      []ScopeValue
	Expressions []ScopeValue
	Monitors    []*MonitorValue
	// Objects is the virtual object pool of the pc.
	Objects []*ObjectValue
	Sender  *ScopeDesc
}

func (s *ScopeDesc) String() string {
	return fmt.Sprintf("%s@%d", s.Method, s.BCI)
}

// Depth is the number of scopes in the chain ending at s.
func (s *ScopeDesc) Depth() int {
	n := 0
	for sc := s; sc != nil; sc = sc.Sender {
		n++
	}
	return n
}

// Reader decodes the debug info of an installed code object.
type Reader struct {
	data []byte
	pcs  []PcDesc
	oops *oops.Recorder
}

func NewReader(data []byte, pcs []PcDesc, rec *oops.Recorder) *Reader {
	sorted := append([]PcDesc(nil), pcs...)
	sort.SliceStable(sorted, func(i, j int) bool { return pcDescLess(sorted[i], sorted[j]) })
	return &Reader{data: data, pcs: sorted, oops: rec}
}

func (r *Reader) PcDescs() []PcDesc { return append([]PcDesc(nil), r.pcs...) }

// PcDescAt returns the descriptor recorded exactly at pc, preferring a
// safepoint when several were recorded.
func (r *Reader) PcDescAt(pc int) (PcDesc, bool) {
	var found PcDesc
	ok := false
	i := sort.Search(len(r.pcs), func(i int) bool { return r.pcs[i].PC >= pc })
	for ; i < len(r.pcs) && r.pcs[i].PC == pc; i++ {
		if !ok || r.pcs[i].Safepoint {
			found, ok = r.pcs[i], true
		}
	}
	return found, ok
}

// PcDescNear returns the first descriptor at or after pc. Folded
// non-safepoints are found this way.
func (r *Reader) PcDescNear(pc int) (PcDesc, bool) {
	i := sort.Search(len(r.pcs), func(i int) bool { return r.pcs[i].PC >= pc })
	if i == len(r.pcs) {
		return PcDesc{}, false
	}
	return r.pcs[i], true
}

// ScopesAt decodes the innermost scope recorded at pc, or nil when pc has no
// descriptor or the descriptor has no scope.
func (r *Reader) ScopesAt(pc int) *ScopeDesc {
	d, ok := r.PcDescAt(pc)
	if !ok {
		return nil
	}
	return r.Decode(d)
}

// Decode decodes the scope chain of d.
func (r *Reader) Decode(d PcDesc) *ScopeDesc {
	if d.Scope == NullToken {
		return nil
	}
	objs := make(objectTable)
	var pool []*ObjectValue
	if d.Objects != NullToken {
		s := r.at(d.Objects)
		n := s.readInt()
		for i := 0; i < n; i++ {
			ov, ok := s.readValue(r.oops, objs).(*ObjectValue)
			if !ok {
				fault.Fatalf("debuginfo", "object pool entry %d is not an object", i)
			}
			pool = append(pool, ov)
		}
	}
	return r.decodeScope(d.Scope, objs, pool)
}

func (r *Reader) at(tok Token) *readStream {
	if tok <= NullToken || int(tok) >= len(r.data) {
		fault.Fatalf("debuginfo", "token %d outside stream of %d bytes", tok, len(r.data))
	}
	return &readStream{buf: r.data, pos: int(tok)}
}

func (r *Reader) decodeScope(tok Token, objs objectTable, pool []*ObjectValue) *ScopeDesc {
	s := r.at(tok)
	sender := Token(s.readInt())
	method, _ := r.oops.MetadataAt(s.readInt()).(*compiled.Method)
	sd := &ScopeDesc{
		Method:  method,
		BCI:     s.readInt(),
		Objects: pool,
	}
	sd.Flags.Reexecute = s.readBool()
	sd.Flags.Rethrow = s.readBool()
	sd.Flags.ReturnOop = s.readBool()
	locals := Token(s.readInt())
	expressions := Token(s.readInt())
	monitors := Token(s.readInt())

	sd.Locals = r.decodeValues(locals, objs)
	sd.Expressions = r.decodeValues(expressions, objs)
	if monitors != NullToken {
		ms := r.at(monitors)
		n := ms.readInt()
		for i := 0; i < n; i++ {
			sd.Monitors = append(sd.Monitors, ms.readMonitor(r.oops, objs))
		}
	}
	if sender != NullToken {
		sd.Sender = r.decodeScope(sender, objs, pool)
	}
	return sd
}

func (r *Reader) decodeValues(tok Token, objs objectTable) []ScopeValue {
	if tok == NullToken {
		return nil
	}
	s := r.at(tok)
	n := s.readInt()
	out := make([]ScopeValue, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.readValue(r.oops, objs))
	}
	return out
}
