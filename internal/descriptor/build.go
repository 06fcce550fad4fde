package descriptor

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"

	"github.com/tinyrange/codeinstall/internal/arch"
	"github.com/tinyrange/codeinstall/internal/compiled"
)

// builder resolves names and collects every error of a descriptor instead
// of stopping at the first one.
type builder struct {
	d       *Descriptor
	t       arch.Target
	types   map[string]*compiled.Type
	methods map[string]*compiled.Method
	errs    *multierror.Error

	// virtual objects of the debug info being built
	virtuals map[int]*compiled.VirtualObject
}

func (b *builder) errorf(path, format string, args ...any) {
	b.errs = multierror.Append(b.errs, fmt.Errorf("%s: %s", path, fmt.Sprintf(format, args...)))
}

// Build converts d into compiled code for target t.
func Build(d *Descriptor, t arch.Target) (*compiled.CompiledCode, error) {
	b := &builder{
		d:       d,
		t:       t,
		types:   make(map[string]*compiled.Type),
		methods: make(map[string]*compiled.Method),
	}
	if d.Arch != "" && arch.Name(d.Arch) != t.Name() {
		b.errorf("arch", "descriptor is for %s, target is %s", d.Arch, t.Name())
	}
	b.declare()

	c := &compiled.CompiledCode{
		Name:                  d.Name,
		Code:                  append([]byte(nil), d.Code...),
		CodeSize:              d.CodeSize,
		TotalFrameSize:        d.TotalFrameSize,
		CustomStackAreaOffset: d.CustomStackAreaOffset,
		DataSection:           append([]byte(nil), d.DataSection...),
		DataSectionAlignment:  d.DataSectionAlignment,
		EntryBCI:              compiled.InvocationEntryBCI,
		ID:                    d.CompileID,
		InstallAsDefault:      d.InstallAsDefault,
		StubName:              d.Stub,
	}
	if d.EntryBCI != nil {
		c.EntryBCI = *d.EntryBCI
	}
	switch {
	case d.Method != "" && d.Stub != "":
		b.errorf("method", "both method and stub given")
	case d.Method != "":
		c.Method = b.method("method", d.Method)
	case d.Stub == "":
		b.errorf("method", "neither method nor stub given")
	}
	if len(c.DataSection) > 0 && c.DataSectionAlignment == 0 {
		c.DataSectionAlignment = 1
	}

	for i, p := range d.DataSectionPatches {
		path := fmt.Sprintf("dataSectionPatches[%d]", i)
		if p.Constant == nil {
			b.errorf(path, "data section patches need a constant")
			continue
		}
		b.virtuals = nil
		c.DataSectionPatches = append(c.DataSectionPatches, compiled.DataSectionPatch{
			Offset:    p.PC,
			Reference: compiled.ConstantReference{Constant: b.value(path+".constant", *p.Constant)},
		})
	}
	for i, s := range d.Sites {
		if site := b.site(fmt.Sprintf("sites[%d]", i), s); site != nil {
			c.Sites = append(c.Sites, site)
		}
	}
	for _, h := range d.ExceptionHandlers {
		c.ExceptionHandlers = append(c.ExceptionHandlers, compiled.ExceptionHandler{PCOffset: h.PC, HandlerPos: h.Handler})
	}
	for i, a := range d.Assumptions {
		if as := b.assumption(fmt.Sprintf("assumptions[%d]", i), a); as != nil {
			c.Assumptions = append(c.Assumptions, as)
		}
	}
	for _, cm := range d.Comments {
		c.Comments = append(c.Comments, compiled.Comment{PCOffset: cm.PC, Text: cm.Text})
	}

	if err := b.errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("descriptor %s: %w", d.Name, err)
	}
	return c, nil
}

// ClassDef is a declared type with its superclass and the methods it holds.
type ClassDef struct {
	Type        *compiled.Type
	Super       *compiled.Type
	Finalizable bool
	Methods     []*compiled.Method
}

// Classes returns the types declared by d ordered so that every superclass
// precedes its subclasses. Supers not declared in d are left nil.
func Classes(d *Descriptor) ([]ClassDef, error) {
	byName := make(map[string]int, len(d.Types))
	defs := make([]ClassDef, len(d.Types))
	for i, t := range d.Types {
		if _, dup := byName[t.Name]; dup {
			return nil, fmt.Errorf("types[%d]: type %s declared twice", i, t.Name)
		}
		byName[t.Name] = i
		defs[i] = ClassDef{Type: &compiled.Type{ID: t.ID, Name: t.Name, Abstract: t.Abstract}, Finalizable: t.Finalizable}
	}
	for _, m := range d.Methods {
		if i, ok := byName[m.Holder]; ok {
			defs[i].Methods = append(defs[i].Methods, &compiled.Method{
				ID:            m.ID,
				Holder:        m.Holder,
				Name:          m.Name,
				Descriptor:    m.Descriptor,
				Static:        m.Static,
				Abstract:      m.Abstract,
				ParameterSize: m.ParameterSize,
				Bytecode:      append([]byte(nil), m.Bytecode...),
			})
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(defs))
	out := make([]ClassDef, 0, len(defs))
	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case visiting:
			return fmt.Errorf("type %s is its own superclass", d.Types[i].Name)
		case done:
			return nil
		}
		state[i] = visiting
		if s, ok := byName[d.Types[i].Super]; ok {
			if err := visit(s); err != nil {
				return err
			}
			defs[i].Super = defs[s].Type
		}
		state[i] = done
		out = append(out, defs[i])
		return nil
	}
	for i := range defs {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *builder) declare() {
	for i, t := range b.d.Types {
		path := fmt.Sprintf("types[%d]", i)
		if t.Name == "" {
			b.errorf(path, "type without a name")
			continue
		}
		if _, dup := b.types[t.Name]; dup {
			b.errorf(path, "type %s declared twice", t.Name)
			continue
		}
		b.types[t.Name] = &compiled.Type{ID: t.ID, Name: t.Name, Abstract: t.Abstract}
	}
	for i, m := range b.d.Methods {
		path := fmt.Sprintf("methods[%d]", i)
		cm := &compiled.Method{
			ID:            m.ID,
			Holder:        m.Holder,
			Name:          m.Name,
			Descriptor:    m.Descriptor,
			Static:        m.Static,
			Abstract:      m.Abstract,
			ParameterSize: m.ParameterSize,
			Bytecode:      append([]byte(nil), m.Bytecode...),
		}
		full := m.Holder + "." + m.Name + m.Descriptor
		if _, dup := b.methods[full]; dup {
			b.errorf(path, "method %s declared twice", full)
			continue
		}
		b.methods[full] = cm
		short := m.Holder + "." + m.Name
		if _, ok := b.methods[short]; ok {
			// overloaded: only the full name is unambiguous
			b.methods[short] = nil
		} else {
			b.methods[short] = cm
		}
	}
}

func (b *builder) typ(path, name string) *compiled.Type {
	t, ok := b.types[name]
	if !ok {
		b.errorf(path, "unknown type %q", name)
	}
	return t
}

func (b *builder) method(path, name string) *compiled.Method {
	m, ok := b.methods[name]
	switch {
	case !ok:
		b.errorf(path, "unknown method %q", name)
	case m == nil:
		b.errorf(path, "method %q is overloaded, use the full descriptor", name)
	}
	return m
}

func (b *builder) site(path string, s Site) compiled.Site {
	n := 0
	for _, set := range []bool{s.Mark != nil, s.Call != nil, s.Infopoint != nil, s.DataPatch != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		b.errorf(path, "a site needs exactly one of mark, call, infopoint or dataPatch")
		return nil
	}
	b.virtuals = nil
	switch {
	case s.Mark != nil:
		id, err := compiled.ParseMarkID(s.Mark.ID)
		if err != nil {
			b.errorf(path+".mark", "%v", err)
			return nil
		}
		return compiled.Mark{PCOffset: s.Mark.PC, ID: id}
	case s.Call != nil:
		c := s.Call
		call := compiled.Call{PCOffset: c.PC}
		switch {
		case c.Method != "" && c.Foreign != "":
			b.errorf(path+".call", "both method and foreign given")
		case c.Method != "":
			call.Target = b.method(path+".call.method", c.Method)
		case c.Foreign != "" || c.Address != 0:
			call.Target = compiled.ForeignCall{Name: c.Foreign, Address: c.Address}
		default:
			b.errorf(path+".call", "call without a target")
		}
		if c.Debug != nil {
			call.DebugInfo = b.debugInfo(path+".call.debug", c.Debug)
		}
		return call
	case s.Infopoint != nil:
		ip := s.Infopoint
		reason, err := compiled.ParseInfopointReason(ip.Reason)
		if err != nil {
			b.errorf(path+".infopoint", "%v", err)
			return nil
		}
		out := compiled.Infopoint{PCOffset: ip.PC, Reason: reason}
		if ip.Debug != nil {
			out.DebugInfo = b.debugInfo(path+".infopoint.debug", ip.Debug)
		}
		return out
	default:
		p := s.DataPatch
		out := compiled.DataPatch{PCOffset: p.PC}
		switch {
		case p.Constant != nil && p.Data != nil:
			b.errorf(path+".dataPatch", "both constant and data given")
		case p.Constant != nil:
			out.Reference = compiled.ConstantReference{
				Constant:  b.value(path+".dataPatch.constant", *p.Constant),
				Inlined:   p.Inlined,
				Alignment: p.Alignment,
			}
		case p.Data != nil:
			out.Reference = compiled.DataSectionReference{Offset: *p.Data}
		default:
			b.errorf(path+".dataPatch", "data patch without constant or data")
		}
		return out
	}
}

func (b *builder) debugInfo(path string, d *DebugInfo) *compiled.DebugInfo {
	out := &compiled.DebugInfo{}
	switch {
	case d.Frame != nil && d.Position != nil:
		b.errorf(path, "both frame and position given")
	case d.Frame != nil:
		out.Position = b.frame(path+".frame", d.Frame)
	case d.Position != nil:
		out.Position = b.position(path+".position", d.Position)
	}
	for id, vo := range b.virtuals {
		if vo.Type == nil {
			b.errorf(path, "virtual object %d is referenced but never defined", id)
		}
	}
	if d.RefMap != nil {
		out.ReferenceMap = b.refMap(path+".refMap", d.RefMap)
	}
	if len(d.CalleeSave) > 0 {
		cs := &compiled.RegisterSaveLayout{}
		for _, s := range d.CalleeSave {
			cs.Registers = append(cs.Registers, s.Reg)
			cs.Slots = append(cs.Slots, s.Slot)
		}
		out.CalleeSaveInfo = cs
	}
	return out
}

func (b *builder) position(path string, f *Frame) *compiled.BytecodePosition {
	if len(f.Locals)+len(f.Stack)+len(f.Locks) > 0 {
		b.errorf(path, "a position carries no values")
	}
	p := &compiled.BytecodePosition{Method: b.method(path+".method", f.Method), BCI: f.BCI}
	if f.Caller != nil {
		p.Caller = b.position(path+".caller", f.Caller)
	}
	return p
}

func (b *builder) frame(path string, f *Frame) *compiled.BytecodeFrame {
	out := &compiled.BytecodeFrame{
		BytecodePosition: compiled.BytecodePosition{Method: b.method(path+".method", f.Method), BCI: f.BCI},
		NumLocals:        len(f.Locals),
		NumStack:         len(f.Stack),
		NumLocks:         len(f.Locks),
		RethrowException: f.Rethrow,
		DuringCall:       f.DuringCall,
	}
	if f.Caller != nil {
		out.Caller = b.frame(path+".caller", f.Caller)
	}
	for i, v := range f.Locals {
		out.Values = append(out.Values, b.value(fmt.Sprintf("%s.locals[%d]", path, i), v))
	}
	for i, v := range f.Stack {
		out.Values = append(out.Values, b.value(fmt.Sprintf("%s.stack[%d]", path, i), v))
	}
	for i, v := range f.Locks {
		out.Values = append(out.Values, b.monitor(fmt.Sprintf("%s.locks[%d]", path, i), v))
	}
	return out
}

func (b *builder) refMap(path string, r *RefMap) *compiled.ReferenceMap {
	regs := r.Registers
	if regs == 0 {
		regs = len(b.t.ReferenceMapRegisters())
	}
	words := b.d.TotalFrameSize / (b.t.SlotsPerWord() * 4)
	if r.FrameWords != nil {
		words = *r.FrameWords
	}
	out := &compiled.ReferenceMap{FrameRefMap: compiled.NewBitSet(3 * words)}
	if !r.NoRegisters {
		out.RegisterRefMap = compiled.NewBitSet(3 * regs)
	}
	for i, ref := range r.Refs {
		p := fmt.Sprintf("%s.refs[%d]", path, i)
		var bits *compiled.BitSet
		var idx, limit int
		switch {
		case ref.Reg != nil && ref.Word == nil:
			bits, idx, limit = out.RegisterRefMap, *ref.Reg, regs
			if bits == nil {
				b.errorf(p, "register reference without a register map")
				continue
			}
		case ref.Word != nil && ref.Reg == nil:
			bits, idx, limit = out.FrameRefMap, *ref.Word, words
		default:
			b.errorf(p, "a reference needs exactly one of reg or word")
			continue
		}
		if idx < 0 || idx >= limit {
			b.errorf(p, "location %d outside %d", idx, limit)
			continue
		}
		switch ref.Narrow {
		case "":
			bits.SetReference(idx)
		case "low":
			bits.SetNarrow(idx, true, false)
		case "high":
			bits.SetNarrow(idx, false, true)
		case "both":
			bits.SetNarrow(idx, true, true)
		default:
			b.errorf(p, "unknown narrow %q", ref.Narrow)
		}
	}
	return out
}

func (b *builder) lirKind(path string, v Value) compiled.LIRKind {
	k, err := compiled.ParseKind(v.Kind)
	if err != nil {
		b.errorf(path, "%v", err)
	}
	if v.Ref {
		return compiled.ReferenceKind(k)
	}
	return compiled.ValueKind(k)
}

func (v Value) isZero() bool {
	return v.Reg == nil && v.Stack == nil && v.Int == nil && v.Long == nil && v.Float == nil &&
		v.Double == nil && v.Raw == nil && v.Object == nil && v.Metaspace == "" && v.Virtual == nil &&
		v.Owner == nil && v.Lock == nil && v.Kind == ""
}

func (b *builder) value(path string, v Value) compiled.Value {
	switch {
	case v.Illegal:
		return compiled.IllegalValue
	case v.Null || v.isZero():
		return compiled.NullConstant{Compressed: v.Compressed}
	case v.Reg != nil:
		return compiled.RegisterValue{Register: *v.Reg, Kind: b.lirKind(path, v)}
	case v.Stack != nil:
		return compiled.StackSlot{Offset: *v.Stack, AddFrameSize: v.AddFrameSize, Kind: b.lirKind(path, v)}
	case v.Int != nil:
		if *v.Int < math.MinInt32 || *v.Int > math.MaxUint32 {
			b.errorf(path, "int %d out of range", *v.Int)
		}
		return compiled.IntConstant(int32(*v.Int))
	case v.Long != nil:
		return compiled.LongConstant(*v.Long)
	case v.Float != nil:
		return compiled.FloatConstant(float32(*v.Float))
	case v.Double != nil:
		return compiled.DoubleConstant(*v.Double)
	case v.Raw != nil:
		k := compiled.KindLong
		if v.Kind != "" {
			k = b.lirKind(path, v).Platform
		}
		return compiled.PrimitiveConstant{Kind: k, Bits: *v.Raw, Raw: true}
	case v.Object != nil:
		return compiled.ObjectConstant{Object: compiled.Object{Handle: *v.Object, Class: v.Class}, Compressed: v.Compressed}
	case v.Metaspace != "":
		var md compiled.Metadata
		if t, ok := b.types[v.Metaspace]; ok {
			md = t
		} else if m := b.method(path, v.Metaspace); m != nil {
			md = m
		}
		return compiled.MetaspaceConstant{Metadata: md, Compressed: v.Compressed}
	case v.Virtual != nil:
		return b.virtual(path, v)
	case v.Owner != nil || v.Lock != nil:
		b.errorf(path, "monitor outside of locks")
		return compiled.IllegalValue
	}
	b.errorf(path, "cannot tell the kind of value")
	return compiled.IllegalValue
}

// virtual returns the object with the given id, defining it when a type is
// given. References may come before the definition.
func (b *builder) virtual(path string, v Value) *compiled.VirtualObject {
	if b.virtuals == nil {
		b.virtuals = make(map[int]*compiled.VirtualObject)
	}
	id := *v.Virtual
	vo, ok := b.virtuals[id]
	if !ok {
		vo = &compiled.VirtualObject{ID: id}
		b.virtuals[id] = vo
	}
	if v.Type == "" {
		if len(v.Values) > 0 {
			b.errorf(path, "virtual object %d has values but no type", id)
		}
		return vo
	}
	if vo.Type != nil {
		b.errorf(path, "virtual object %d defined twice", id)
		return vo
	}
	vo.Type = b.typ(path+".type", v.Type)
	if vo.Type == nil {
		// keep the reference resolvable; the error is already recorded
		vo.Type = &compiled.Type{Name: v.Type}
	}
	for i, fv := range v.Values {
		vo.Values = append(vo.Values, b.value(fmt.Sprintf("%s.values[%d]", path, i), fv))
	}
	return vo
}

func (b *builder) monitor(path string, v Value) compiled.Value {
	if v.Owner == nil || v.Lock == nil {
		b.errorf(path, "a lock needs owner and lock")
		return compiled.IllegalValue
	}
	return compiled.MonitorValue{
		Owner:      b.value(path+".owner", *v.Owner),
		Slot:       b.value(path+".lock", *v.Lock),
		Eliminated: v.Eliminated,
	}
}

func (b *builder) assumption(path string, a Assumption) compiled.Assumption {
	switch a.Kind {
	case "methodContents":
		return compiled.MethodContents{Method: b.method(path+".method", a.Method)}
	case "noFinalizableSubclass":
		return compiled.NoFinalizableSubclass{ReceiverType: b.typ(path+".context", a.Context)}
	case "concreteSubtype":
		return compiled.ConcreteSubtype{Context: b.typ(path+".context", a.Context), Subtype: b.typ(path+".subtype", a.Subtype)}
	case "concreteMethod":
		return compiled.ConcreteMethod{
			Method:  b.method(path+".method", a.Method),
			Context: b.typ(path+".context", a.Context),
			Impl:    b.method(path+".impl", a.Impl),
		}
	case "callSiteTargetValue":
		return compiled.CallSiteTargetValue{
			CallSite:     compiled.Object{Handle: a.CallSite},
			MethodHandle: compiled.Object{Handle: a.MethodHandle},
		}
	}
	b.errorf(path, "unknown assumption kind %q", a.Kind)
	return nil
}
