// Package compiled is the compiler's description of generated code: the
// instruction bytes, the data section and the sites, debug info and
// assumptions the installer turns into an executable code object.
//
// A CompiledCode is produced once by the compiler, consumed once by the
// installer and then dropped.
package compiled

// InvocationEntryBCI is the entry bci of a normal (non-OSR) compilation.
const InvocationEntryBCI = -1

// CompiledCode is the input of one installation.
type CompiledCode struct {
	Name string

	Code                  []byte
	CodeSize              int
	TotalFrameSize        int
	CustomStackAreaOffset int

	DataSection          []byte
	DataSectionAlignment int
	DataSectionPatches   []DataSectionPatch

	// Sites must be in emission order: a Mark announcing an invoke kind is
	// consumed by the Call that follows it.
	Sites             []Site
	ExceptionHandlers []ExceptionHandler
	Assumptions       []Assumption
	Comments          []Comment

	// Either Method is set (an nmethod) or StubName (a runtime stub).
	Method           *Method
	EntryBCI         int
	ID               int
	InstallAsDefault bool
	StubName         string
}

// IsStub reports whether the code is a runtime stub rather than a method.
func (c *CompiledCode) IsStub() bool {
	return c.Method == nil
}

// ParameterCount is the number of parameter slots of the compiled method, or
// zero for stubs.
func (c *CompiledCode) ParameterCount() int {
	if c.Method == nil {
		return 0
	}
	return c.Method.ParameterSize
}

// IsOSR reports an on-stack-replacement compilation.
func (c *CompiledCode) IsOSR() bool {
	return c.Method != nil && c.EntryBCI != InvocationEntryBCI
}
