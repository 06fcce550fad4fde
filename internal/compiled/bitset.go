package compiled

// BitSet is a growable bit vector stored as 64-bit words, the layout used by
// the compiler for reference maps.
type BitSet struct {
	Words []uint64
}

const wordBits = 64

func NewBitSet(nbits int) *BitSet {
	return &BitSet{Words: make([]uint64, (nbits+wordBits-1)/wordBits)}
}

// Len is the capacity in bits.
func (b *BitSet) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Words) * wordBits
}

func (b *BitSet) Get(i int) bool {
	w := i / wordBits
	if b == nil || i < 0 || w >= len(b.Words) {
		return false
	}
	return b.Words[w]&(1<<(uint(i)%wordBits)) != 0
}

func (b *BitSet) Set(i int) {
	w := i / wordBits
	for w >= len(b.Words) {
		b.Words = append(b.Words, 0)
	}
	b.Words[w] |= 1 << (uint(i) % wordBits)
}

// SetReference marks location idx as a full-width reference.
func (b *BitSet) SetReference(idx int) {
	b.Set(3 * idx)
}

// SetNarrow marks location idx as holding compressed references in its low
// and/or high half.
func (b *BitSet) SetNarrow(idx int, low, high bool) {
	b.Set(3 * idx)
	if low {
		b.Set(3*idx + 1)
	}
	if high {
		b.Set(3*idx + 2)
	}
}
