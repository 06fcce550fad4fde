// Package deps collects the dependencies installed code relies on and
// validates them against the runtime before the code is published.
package deps

import (
	"errors"
	"fmt"

	"github.com/tinyrange/codeinstall/internal/compiled"
)

var (
	// ErrDependenciesFailed means a dependency no longer holds because the
	// class hierarchy changed while compiling. The compilation may be
	// retried.
	ErrDependenciesFailed = errors.New("dependencies failed")
	// ErrDependenciesInvalid means a dependency did not hold although the
	// hierarchy did not change: the compiler built it incorrectly.
	ErrDependenciesInvalid = errors.New("dependencies invalid")
)

type Kind int

const (
	EvolMethod Kind = iota + 1
	NoFinalizableSubclasses
	LeafType
	AbstractWithUniqueConcreteSubtype
	UniqueConcreteMethod
	CallSiteTargetValue
)

var kindNames = map[Kind]string{
	EvolMethod:                        "evol_method",
	NoFinalizableSubclasses:           "no_finalizable_subclasses",
	LeafType:                          "leaf_type",
	AbstractWithUniqueConcreteSubtype: "abstract_with_unique_concrete_subtype",
	UniqueConcreteMethod:              "unique_concrete_method",
	CallSiteTargetValue:               "call_site_target_value",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("dependency(%d)", int(k))
}

// IsKlassType reports dependencies on the class hierarchy. Only these can be
// broken by a concurrent class load.
func (k Kind) IsKlassType() bool {
	return k != EvolMethod && k != CallSiteTargetValue
}

// Dependency is one asserted fact. Only the fields of its Kind are set.
type Dependency struct {
	Kind         Kind
	Context      *compiled.Type
	Subtype      *compiled.Type
	Method       *compiled.Method
	CallSite     compiled.Object
	MethodHandle compiled.Object
}

func (d Dependency) String() string {
	switch d.Kind {
	case EvolMethod:
		return fmt.Sprintf("%s %s", d.Kind, d.Method)
	case NoFinalizableSubclasses, LeafType:
		return fmt.Sprintf("%s %s", d.Kind, d.Context)
	case AbstractWithUniqueConcreteSubtype:
		return fmt.Sprintf("%s %s -> %s", d.Kind, d.Context, d.Subtype)
	case UniqueConcreteMethod:
		return fmt.Sprintf("%s %s in %s", d.Kind, d.Method, d.Context)
	case CallSiteTargetValue:
		return fmt.Sprintf("%s %s -> %s", d.Kind, d.CallSite, d.MethodHandle)
	default:
		return d.Kind.String()
	}
}

// Dependencies is the per-installation dependency list. Duplicate assertions
// are recorded once.
type Dependencies struct {
	list []Dependency
	seen map[Dependency]struct{}
}

func New() *Dependencies {
	return &Dependencies{seen: make(map[Dependency]struct{})}
}

func (d *Dependencies) add(dep Dependency) {
	if _, ok := d.seen[dep]; ok {
		return
	}
	d.seen[dep] = struct{}{}
	d.list = append(d.list, dep)
}

func (d *Dependencies) AssertEvolMethod(m *compiled.Method) {
	d.add(Dependency{Kind: EvolMethod, Method: m})
}

func (d *Dependencies) AssertHasNoFinalizableSubclasses(t *compiled.Type) {
	d.add(Dependency{Kind: NoFinalizableSubclasses, Context: t})
}

func (d *Dependencies) AssertLeafType(t *compiled.Type) {
	d.add(Dependency{Kind: LeafType, Context: t})
}

func (d *Dependencies) AssertAbstractWithUniqueConcreteSubtype(ctx, sub *compiled.Type) {
	d.add(Dependency{Kind: AbstractWithUniqueConcreteSubtype, Context: ctx, Subtype: sub})
}

func (d *Dependencies) AssertUniqueConcreteMethod(ctx *compiled.Type, m *compiled.Method) {
	d.add(Dependency{Kind: UniqueConcreteMethod, Context: ctx, Method: m})
}

func (d *Dependencies) AssertCallSiteTargetValue(callSite, methodHandle compiled.Object) {
	d.add(Dependency{Kind: CallSiteTargetValue, CallSite: callSite, MethodHandle: methodHandle})
}

func (d *Dependencies) All() []Dependency { return append([]Dependency(nil), d.list...) }
func (d *Dependencies) Len() int          { return len(d.list) }

// Checker finds a witness that breaks a dependency in the current state of
// the runtime. It returns "" when the dependency holds.
type Checker interface {
	FindWitness(dep Dependency) string
}

// Validate checks every dependency. A broken dependency is reported as
// ErrDependenciesFailed when the hierarchy changed since the compilation
// started or the dependency is not a class hierarchy one, and as
// ErrDependenciesInvalid otherwise.
func Validate(d *Dependencies, c Checker, hierarchyChanged bool) error {
	for _, dep := range d.list {
		witness := c.FindWitness(dep)
		if witness == "" {
			continue
		}
		if !dep.Kind.IsKlassType() || hierarchyChanged {
			return fmt.Errorf("%s (witness %s): %w", dep, witness, ErrDependenciesFailed)
		}
		return fmt.Errorf("%s (witness %s): %w", dep, witness, ErrDependenciesInvalid)
	}
	return nil
}
