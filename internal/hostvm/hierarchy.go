package hostvm

import (
	"fmt"

	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/deps"
)

// Class is a loaded type.
type Class struct {
	Type        *compiled.Type
	Super       *Class
	Finalizable bool

	subclasses []*Class
	// methods declared by this class, by name and descriptor.
	methods map[string]*compiled.Method
}

func methodKey(m *compiled.Method) string { return m.Name + m.Descriptor }

// lookup resolves a method signature starting at c and walking up the
// superclasses.
func (c *Class) lookup(key string) *compiled.Method {
	for k := c; k != nil; k = k.Super {
		if m, ok := k.methods[key]; ok {
			return m
		}
	}
	return nil
}

// walk visits c and all of its subclasses until fn returns false.
func (c *Class) walk(fn func(*Class) bool) bool {
	if !fn(c) {
		return false
	}
	for _, s := range c.subclasses {
		if !s.walk(fn) {
			return false
		}
	}
	return true
}

// hierarchy is the class graph plus the mutable runtime facts dependencies
// are checked against. Callers hold the VM lock.
type hierarchy struct {
	classes   map[uint64]*Class
	redefined map[uint64]bool
	callSites map[uint64]uint64
	version   uint64
}

func newHierarchy() *hierarchy {
	return &hierarchy{
		classes:   make(map[uint64]*Class),
		redefined: make(map[uint64]bool),
		callSites: make(map[uint64]uint64),
	}
}

func (h *hierarchy) define(t *compiled.Type, super *compiled.Type, finalizable bool, methods []*compiled.Method) (*Class, error) {
	if t == nil {
		return nil, fmt.Errorf("define: nil type")
	}
	if _, ok := h.classes[t.ID]; ok {
		return nil, fmt.Errorf("define %s: already loaded", t)
	}
	c := &Class{Type: t, Finalizable: finalizable, methods: make(map[string]*compiled.Method)}
	if super != nil {
		sc, ok := h.classes[super.ID]
		if !ok {
			return nil, fmt.Errorf("define %s: superclass %s not loaded", t, super)
		}
		c.Super = sc
		sc.subclasses = append(sc.subclasses, c)
	}
	for _, m := range methods {
		c.methods[methodKey(m)] = m
	}
	h.classes[t.ID] = c
	h.version++
	return c, nil
}

// FindWitness implements deps.Checker.
func (h *hierarchy) FindWitness(dep deps.Dependency) string {
	switch dep.Kind {
	case deps.EvolMethod:
		if h.redefined[dep.Method.ID] {
			return dep.Method.String()
		}
	case deps.CallSiteTargetValue:
		if target, ok := h.callSites[dep.CallSite.Handle]; ok && target != dep.MethodHandle.Handle {
			return fmt.Sprintf("%#x", target)
		}
	default:
		ctx, ok := h.classes[dep.Context.ID]
		if !ok {
			return ""
		}
		return h.klassWitness(dep, ctx)
	}
	return ""
}

func (h *hierarchy) klassWitness(dep deps.Dependency, ctx *Class) string {
	var witness *Class
	switch dep.Kind {
	case deps.NoFinalizableSubclasses:
		ctx.walk(func(c *Class) bool {
			if c.Finalizable {
				witness = c
			}
			return witness == nil
		})
	case deps.LeafType:
		if len(ctx.subclasses) > 0 {
			witness = ctx.subclasses[0]
		}
	case deps.AbstractWithUniqueConcreteSubtype:
		ctx.walk(func(c *Class) bool {
			if !c.Type.Abstract && c.Type.ID != dep.Subtype.ID {
				witness = c
			}
			return witness == nil
		})
	case deps.UniqueConcreteMethod:
		key := methodKey(dep.Method)
		ctx.walk(func(c *Class) bool {
			if c.Type.Abstract {
				return true
			}
			if m := c.lookup(key); m != nil && m.ID != dep.Method.ID {
				witness = c
			}
			return witness == nil
		})
	}
	if witness == nil {
		return ""
	}
	return witness.Type.String()
}
