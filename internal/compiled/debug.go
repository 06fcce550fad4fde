package compiled

// Special bytecode indices used by frame states.
const (
	BeforeBCI            = -1
	AfterBCI             = -2
	AfterExceptionBCI    = -4
	UnknownBCI           = -5
	InvalidFrameStateBCI = -6
)

// BytecodePosition is a bci in a method plus the (inlining) caller chain.
// The outermost caller has a nil Caller.
type BytecodePosition struct {
	Method *Method
	BCI    int
	Caller Frame
}

// BytecodeFrame is a position with the interpreter state at that point.
// Values holds locals, then expression stack entries, then monitors.
type BytecodeFrame struct {
	BytecodePosition
	Values           []Value
	NumLocals        int
	NumStack         int
	NumLocks         int
	RethrowException bool
	DuringCall       bool
}

// Frame is either a *BytecodePosition or a *BytecodeFrame.
type Frame interface {
	Position() *BytecodePosition
}

func (p *BytecodePosition) Position() *BytecodePosition { return p }

// ReferenceMap describes, for one program point, which registers and frame
// words hold references. Each location takes three bits: is-reference,
// narrow low half, narrow high half.
type ReferenceMap struct {
	RegisterRefMap *BitSet
	FrameRefMap    *BitSet
}

// RegisterSaveLayout maps callee-saved registers to the frame slots (in
// words) they were spilled to.
type RegisterSaveLayout struct {
	Registers []int
	Slots     []int
}

// DebugInfo is attached to safepoints, infopoints and calls.
type DebugInfo struct {
	Position       Frame
	ReferenceMap   *ReferenceMap
	CalleeSaveInfo *RegisterSaveLayout
}

// Frame returns the bytecode frame of the debug info when the position
// carries interpreter state.
func (d *DebugInfo) Frame() *BytecodeFrame {
	if d == nil {
		return nil
	}
	f, _ := d.Position.(*BytecodeFrame)
	return f
}
