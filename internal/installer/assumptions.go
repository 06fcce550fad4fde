package installer

import (
	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/fault"
)

// gatherAssumptions turns the compiler's assumptions into dependencies.
func (x *installation) gatherAssumptions() {
	for _, a := range x.code.Assumptions {
		switch a := a.(type) {
		case compiled.MethodContents:
			requireNonNil(a.Method != nil, "method contents")
			x.deps.AssertEvolMethod(a.Method)
		case compiled.NoFinalizableSubclass:
			requireNonNil(a.ReceiverType != nil, "no finalizable subclass")
			x.deps.AssertHasNoFinalizableSubclasses(a.ReceiverType)
		case compiled.ConcreteSubtype:
			requireNonNil(a.Context != nil && a.Subtype != nil, "concrete subtype")
			if a.Context.ID == a.Subtype.ID {
				x.deps.AssertLeafType(a.Context)
			} else {
				fault.Guarantee(a.Context.Abstract, "installer", "concrete subtype assumption on concrete context %s", a.Context)
				x.deps.AssertAbstractWithUniqueConcreteSubtype(a.Context, a.Subtype)
			}
		case compiled.ConcreteMethod:
			requireNonNil(a.Context != nil && a.Impl != nil, "concrete method")
			x.deps.AssertUniqueConcreteMethod(a.Context, a.Impl)
		case compiled.CallSiteTargetValue:
			x.deps.AssertCallSiteTargetValue(a.CallSite, a.MethodHandle)
		case nil:
			fault.Fatalf("installer", "nil assumption")
		default:
			fault.Fatalf("installer", "unexpected assumption %T", a)
		}
	}
}

func requireNonNil(ok bool, what string) {
	if !ok {
		fault.Fatalf("installer", "%s assumption with nil operand", what)
	}
}
