package installer

import (
	"github.com/tinyrange/codeinstall/internal/compiled"
)

// HandlerEntry is one row of the exception handler table. A subtable header
// has Len set to its entry count; the entries that follow have Len -1 and
// PCO set to the handler offset.
type HandlerEntry struct {
	Len        int
	PCO        int
	ScopeDepth int
}

// HandlerTable groups the handlers of each pc into a subtable.
type HandlerTable struct {
	entries []HandlerEntry
}

// buildHandlerTable groups handlers sharing a pc, keeping the order in which
// the pcs first appear.
func buildHandlerTable(handlers []compiled.ExceptionHandler) *HandlerTable {
	var order []int
	byPC := make(map[int][]int)
	for _, h := range handlers {
		if _, ok := byPC[h.PCOffset]; !ok {
			order = append(order, h.PCOffset)
		}
		byPC[h.PCOffset] = append(byPC[h.PCOffset], h.HandlerPos)
	}

	t := &HandlerTable{}
	for _, pc := range order {
		hs := byPC[pc]
		t.entries = append(t.entries, HandlerEntry{Len: len(hs), PCO: pc})
		for _, pos := range hs {
			t.entries = append(t.entries, HandlerEntry{Len: -1, PCO: pos})
		}
	}
	return t
}

func (t *HandlerTable) Entries() []HandlerEntry { return append([]HandlerEntry(nil), t.entries...) }
func (t *HandlerTable) Len() int                { return len(t.entries) }

// Handlers returns the handler offsets registered for pc.
func (t *HandlerTable) Handlers(pc int) []int {
	for i := 0; i < len(t.entries); {
		hdr := t.entries[i]
		if hdr.PCO == pc {
			out := make([]int, 0, hdr.Len)
			for _, e := range t.entries[i+1 : i+1+hdr.Len] {
				out = append(out, e.PCO)
			}
			return out
		}
		i += 1 + hdr.Len
	}
	return nil
}
