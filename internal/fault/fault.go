// Package fault carries the fatal error class of the installer: contract
// violations between the compiler and the installer that must abort the
// installation without producing a partial artifact.
package fault

import "fmt"

// Fault is the panic value raised for a fatal condition.
type Fault struct {
	Component string
	Msg       string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: fatal: %s", f.Component, f.Msg)
}

// Fatalf panics with a *Fault.
func Fatalf(component, format string, args ...any) {
	panic(&Fault{Component: component, Msg: fmt.Sprintf(format, args...)})
}

// Guarantee panics with a *Fault when cond is false.
func Guarantee(cond bool, component, format string, args ...any) {
	if !cond {
		Fatalf(component, format, args...)
	}
}

// ShouldNotReachHere is raised from exhaustive switches.
func ShouldNotReachHere(component string, what any) {
	Fatalf(component, "should not reach here: %v", what)
}

// Catch runs fn and returns the *Fault it panicked with, or nil. Panics that
// are not faults are re-raised.
func Catch(fn func()) (f *Fault) {
	defer func() {
		if r := recover(); r != nil {
			ff, ok := r.(*Fault)
			if !ok {
				panic(r)
			}
			f = ff
		}
	}()
	fn()
	return nil
}
