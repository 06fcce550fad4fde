package compiled

// Assumption is a fact the compiled code relies on. The runtime must discard
// the code when a later class load or redefinition invalidates it.
type Assumption interface {
	isAssumption()
}

// MethodContents assumes Method is not redefined.
type MethodContents struct {
	Method *Method
}

// NoFinalizableSubclass assumes ReceiverType has no subclass that overrides
// finalize.
type NoFinalizableSubclass struct {
	ReceiverType *Type
}

// ConcreteSubtype assumes Subtype is the only concrete subtype of Context.
// When Context and Subtype are the same type this is a leaf-type assumption.
type ConcreteSubtype struct {
	Context *Type
	Subtype *Type
}

// ConcreteMethod assumes Impl is the only implementation of Method reachable
// from Context.
type ConcreteMethod struct {
	Method  *Method
	Context *Type
	Impl    *Method
}

// CallSiteTargetValue assumes the call site is still bound to the method
// handle.
type CallSiteTargetValue struct {
	CallSite     Object
	MethodHandle Object
}

func (MethodContents) isAssumption()        {}
func (NoFinalizableSubclass) isAssumption() {}
func (ConcreteSubtype) isAssumption()       {}
func (ConcreteMethod) isAssumption()        {}
func (CallSiteTargetValue) isAssumption()   {}
