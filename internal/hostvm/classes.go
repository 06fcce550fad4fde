package hostvm

import (
	"fmt"

	"github.com/tinyrange/codeinstall/internal/compiled"
)

// DefineClass loads t below super (nil for a root class) with the methods
// it declares. Installed code whose dependencies the new class breaks is
// made not entrant. It returns the number of methods deoptimized.
func (vm *VM) DefineClass(t, super *compiled.Type, finalizable bool, methods ...*compiled.Method) (int, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if _, err := vm.hier.define(t, super, finalizable, methods); err != nil {
		return 0, fmt.Errorf("hostvm: %w", err)
	}
	return vm.deoptimizeDependents(fmt.Sprintf("class %s loaded", t)), nil
}

// RedefineMethod marks m as redefined. Code that inlined it is made not
// entrant.
func (vm *VM) RedefineMethod(m *compiled.Method) int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.hier.redefined[m.ID] = true
	return vm.deoptimizeDependents(fmt.Sprintf("method %s redefined", m))
}

// SetCallSiteTarget rebinds a call site.
func (vm *VM) SetCallSiteTarget(callSite, target compiled.Object) int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.hier.callSites[callSite.Handle] = target.Handle
	return vm.deoptimizeDependents(fmt.Sprintf("call site %s rebound", callSite))
}

// Class returns the loaded class of t.
func (vm *VM) Class(t *compiled.Type) (*Class, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	c, ok := vm.hier.classes[t.ID]
	return c, ok
}

// deoptimizeDependents rechecks the dependencies of every entrant method.
func (vm *VM) deoptimizeDependents(reason string) int {
	n := 0
	for _, nm := range vm.code {
		if !nm.Alive() {
			continue
		}
		for _, dep := range nm.dependencies {
			if w := vm.hier.FindWitness(dep); w != "" {
				vm.makeNotEntrant(nm, fmt.Sprintf("%s: %s (witness %s)", reason, dep, w))
				n++
				break
			}
		}
	}
	return n
}
