package compiled

import "fmt"

// Method is a resolved method in the host runtime's metaspace.
type Method struct {
	// ID is the metaspace address of the method.
	ID         uint64
	Holder     string
	Name       string
	Descriptor string
	Static     bool
	Abstract   bool
	// ParameterSize is the number of interpreter slots taken by the
	// parameters, including the receiver.
	ParameterSize int
	Bytecode      []byte
}

func (m *Method) String() string {
	if m == nil {
		return "<nil method>"
	}
	return fmt.Sprintf("%s.%s%s", m.Holder, m.Name, m.Descriptor)
}

// BytecodeAt returns the opcode at bci.
func (m *Method) BytecodeAt(bci int) (byte, bool) {
	if bci < 0 || bci >= len(m.Bytecode) {
		return 0, false
	}
	return m.Bytecode[bci], true
}

// Type is a resolved class in the host runtime's metaspace.
type Type struct {
	// ID is the metaspace address of the klass.
	ID       uint64
	Name     string
	Abstract bool
}

func (t *Type) String() string {
	if t == nil {
		return "<nil type>"
	}
	return t.Name
}

// LongArrayTypeName is the descriptor name of long[].
const LongArrayTypeName = "[J"

func (t *Type) IsLongArray() bool { return t != nil && t.Name == LongArrayTypeName }

// Metadata is a metaspace entity that can be embedded in code.
type Metadata interface {
	isMetadata()
	MetadataID() uint64
}

func (*Method) isMetadata()          {}
func (m *Method) MetadataID() uint64 { return m.ID }
func (*Type) isMetadata()            {}
func (t *Type) MetadataID() uint64   { return t.ID }

// Object is a handle to a managed heap object.
type Object struct {
	Handle uint64
	Class  string
}

func (o Object) String() string {
	return fmt.Sprintf("%s@%#x", o.Class, o.Handle)
}

// CallSite is a java.lang.invoke call site object together with the method
// handle it was bound to when the compiler looked at it.
type CallSite struct {
	Object Object
	Target Object
}
