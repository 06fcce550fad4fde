package compiled

import "fmt"

// Site is a position in the emitted code that needs post-processing.
type Site interface {
	isSite()
	PC() int
}

// CallTarget is either a *Method or a ForeignCall.
type CallTarget interface {
	isCallTarget()
}

// ForeignCall is a call into runtime or native code. When Address is zero
// the installer resolves Name through the runtime's symbol resolver.
type ForeignCall struct {
	Name    string
	Address uint64
}

func (*Method) isCallTarget()     {}
func (ForeignCall) isCallTarget() {}

// Call is a call instruction. The safepoint of a call with debug info is
// located at the return address.
type Call struct {
	PCOffset  int
	Target    CallTarget
	DebugInfo *DebugInfo
}

// InfopointReason tells why an infopoint was emitted.
type InfopointReason int

const (
	ReasonUnknown InfopointReason = iota
	ReasonSafepoint
	ReasonCall
	ReasonImplicitException
	ReasonMethodStart
	ReasonMethodEnd
	ReasonLineNumber
)

var reasonNames = [...]string{
	ReasonUnknown:           "unknown",
	ReasonSafepoint:         "safepoint",
	ReasonCall:              "call",
	ReasonImplicitException: "implicit_exception",
	ReasonMethodStart:       "method_start",
	ReasonMethodEnd:         "method_end",
	ReasonLineNumber:        "line_number",
}

func (r InfopointReason) String() string {
	if r >= 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// ParseInfopointReason is the inverse of String.
func ParseInfopointReason(s string) (InfopointReason, error) {
	for i, name := range reasonNames {
		if name == s {
			return InfopointReason(i), nil
		}
	}
	return ReasonUnknown, fmt.Errorf("unknown infopoint reason %q", s)
}

// IsSafepoint reports the reasons that denote an actual safepoint.
func (r InfopointReason) IsSafepoint() bool {
	return r == ReasonSafepoint || r == ReasonCall || r == ReasonImplicitException
}

// Infopoint carries debug info at a pc. Safepoint reasons also get an oop map.
type Infopoint struct {
	PCOffset  int
	Reason    InfopointReason
	DebugInfo *DebugInfo
}

// Reference is what a DataPatch points at.
type Reference interface {
	isReference()
}

// ConstantReference patches a constant into the instruction. Object and
// metaspace constants are always written as immediates. Primitive constants
// are written as immediates when Inlined is set and otherwise appended to the
// constants section and addressed pc-relative.
type ConstantReference struct {
	Constant  Value
	Inlined   bool
	Alignment int
}

// DataSectionReference points at Offset inside the data section.
type DataSectionReference struct {
	Offset int
}

func (ConstantReference) isReference()    {}
func (DataSectionReference) isReference() {}

// DataPatch is an instruction operand that refers to data.
type DataPatch struct {
	PCOffset  int
	Reference Reference
}

// Mark tags a pc with one of the MarkID labels.
type Mark struct {
	PCOffset int
	ID       MarkID
}

func (Call) isSite()      {}
func (Infopoint) isSite() {}
func (DataPatch) isSite() {}
func (Mark) isSite()      {}

func (s Call) PC() int      { return s.PCOffset }
func (s Infopoint) PC() int { return s.PCOffset }
func (s DataPatch) PC() int { return s.PCOffset }
func (s Mark) PC() int      { return s.PCOffset }

// MarkID values are shared with the compiler and must not change.
type MarkID int

const (
	MarkInvokeInvalid         MarkID = -1
	MarkVerifiedEntry         MarkID = 1
	MarkUnverifiedEntry       MarkID = 2
	MarkOSREntry              MarkID = 3
	MarkExceptionHandlerEntry MarkID = 4
	MarkDeoptHandlerEntry     MarkID = 5
	MarkInvokeInterface       MarkID = 6
	MarkInvokeVirtual         MarkID = 7
	MarkInvokeStatic          MarkID = 8
	MarkInvokeSpecial         MarkID = 9
	MarkInlineInvoke          MarkID = 10
	MarkPollNear              MarkID = 11
	MarkPollReturnNear        MarkID = 12
	MarkPollFar               MarkID = 13
	MarkPollReturnFar         MarkID = 14
)

var markNames = map[MarkID]string{
	MarkInvokeInvalid:         "invoke_invalid",
	MarkVerifiedEntry:         "verified_entry",
	MarkUnverifiedEntry:       "unverified_entry",
	MarkOSREntry:              "osr_entry",
	MarkExceptionHandlerEntry: "exception_handler_entry",
	MarkDeoptHandlerEntry:     "deopt_handler_entry",
	MarkInvokeInterface:       "invokeinterface",
	MarkInvokeVirtual:         "invokevirtual",
	MarkInvokeStatic:          "invokestatic",
	MarkInvokeSpecial:         "invokespecial",
	MarkInlineInvoke:          "inline_invoke",
	MarkPollNear:              "poll_near",
	MarkPollReturnNear:        "poll_return_near",
	MarkPollFar:               "poll_far",
	MarkPollReturnFar:         "poll_return_far",
}

func (m MarkID) String() string {
	if name, ok := markNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mark(%d)", int(m))
}

// ParseMarkID accepts a mark name or is the inverse of String.
func ParseMarkID(s string) (MarkID, error) {
	for id, name := range markNames {
		if name == s {
			return id, nil
		}
	}
	return MarkInvokeInvalid, fmt.Errorf("unknown mark %q", s)
}

// IsInvoke reports marks that announce the kind of the next call.
func (m MarkID) IsInvoke() bool {
	switch m {
	case MarkInvokeInterface, MarkInvokeVirtual, MarkInvokeStatic, MarkInvokeSpecial, MarkInlineInvoke:
		return true
	}
	return false
}

// IsPoll reports safepoint poll marks.
func (m MarkID) IsPoll() bool {
	switch m {
	case MarkPollNear, MarkPollReturnNear, MarkPollFar, MarkPollReturnFar:
		return true
	}
	return false
}

// ExceptionHandler maps a pc to the start of its handler.
type ExceptionHandler struct {
	PCOffset   int
	HandlerPos int
}

// DataSectionPatch marks an offset inside the data section that holds a
// reference which must be recorded for the GC or class unloading.
type DataSectionPatch struct {
	Offset    int
	Reference Reference
}

// Comment is a block comment attached to a code offset.
type Comment struct {
	PCOffset int
	Text     string
}
