package installer

import (
	"encoding/binary"
	"strings"

	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/debuginfo"
	"github.com/tinyrange/codeinstall/internal/fault"
)

// scopeBuilder turns compiler values into scope values for one pc. Virtual
// objects are pooled per pc and deduplicated by id.
type scopeBuilder struct {
	x       *installation
	objects []*debuginfo.ObjectValue
	byID    map[int]*debuginfo.ObjectValue
}

func (x *installation) newScopeBuilder() *scopeBuilder {
	return &scopeBuilder{x: x, byID: make(map[int]*debuginfo.ObjectValue)}
}

func checkReferenceMask(k compiled.LIRKind) {
	if k.ReferenceMask > 1 {
		fault.Fatalf("installer", "unexpected reference mask %#x of %s", k.ReferenceMask, k.Platform)
	}
}

// value resolves v. The second result is set for values occupying two
// interpreter slots and is recorded before the first.
func (b *scopeBuilder) value(v compiled.Value) (first, second debuginfo.ScopeValue) {
	switch v := v.(type) {
	case nil:
		fault.Fatalf("installer", "nil value in debug info")
	case compiled.Illegal:
		return debuginfo.IllegalValue, nil
	case compiled.RegisterValue:
		return b.registerValue(v)
	case compiled.StackSlot:
		return b.stackValue(v)
	case compiled.PrimitiveConstant:
		return b.primitive(v)
	case compiled.NullConstant:
		return debuginfo.NullOop, nil
	case compiled.ObjectConstant:
		if v.Object.Handle == 0 {
			fault.Fatalf("installer", "null object constant must be a NullConstant")
		}
		return debuginfo.ConstantOopValue{Object: v.Object}, nil
	case compiled.MetaspaceConstant:
		if v.Metadata == nil {
			fault.Fatalf("installer", "metaspace constant without metadata")
		}
		b.x.oops.FindOrAddMetadata(v.Metadata)
		if v.Compressed {
			return debuginfo.ConstantIntValue{Value: int32(b.x.rt.CompressedKlassPointers().Encode(v.Metadata.MetadataID()))}, nil
		}
		return debuginfo.ConstantLongValue{Value: int64(v.Metadata.MetadataID())}, debuginfo.Int1
	case *compiled.VirtualObject:
		return b.virtualObject(v), nil
	case compiled.MonitorValue:
		fault.Fatalf("installer", "monitor value outside the monitor slots")
	default:
		fault.ShouldNotReachHere("installer", v)
	}
	return nil, nil
}

func (b *scopeBuilder) primitive(v compiled.PrimitiveConstant) (debuginfo.ScopeValue, debuginfo.ScopeValue) {
	if v.Raw {
		return debuginfo.ConstantLongValue{Value: v.Bits}, nil
	}
	switch {
	case v.Kind == compiled.KindInt, v.Kind == compiled.KindFloat, v.Kind.IsSubInt():
		return debuginfo.ConstantIntValue{Value: int32(v.Bits)}, nil
	case v.Kind == compiled.KindLong, v.Kind == compiled.KindDouble:
		return debuginfo.ConstantLongValue{Value: v.Bits}, debuginfo.Int1
	}
	fault.Fatalf("installer", "unexpected primitive constant kind %s", v.Kind)
	return nil, nil
}

func (b *scopeBuilder) registerValue(v compiled.RegisterValue) (debuginfo.ScopeValue, debuginfo.ScopeValue) {
	t := b.x.target
	k := v.Kind
	checkReferenceMask(k)
	reg := t.Register(v.Register)

	loc := func(lt debuginfo.LocationType) debuginfo.ScopeValue {
		return debuginfo.LocationValue{Location: debuginfo.RegisterLocation(lt, reg)}
	}
	if t.IsGeneralPurpose(reg) {
		switch {
		case k.Platform == compiled.KindObject:
			return loc(debuginfo.Oop), nil
		case k.Platform == compiled.KindLong:
			if k.IsReference() {
				return loc(debuginfo.Oop), nil
			}
			lv := loc(debuginfo.Lng)
			return lv, lv
		case k.Platform == compiled.KindInt:
			if k.IsReference() {
				return loc(debuginfo.NarrowOop), nil
			}
			return loc(debuginfo.IntInLong), nil
		case k.Platform == compiled.KindFloat, k.Platform.IsSubInt():
			return loc(debuginfo.IntInLong), nil
		}
		fault.Fatalf("installer", "unexpected kind %s in cpu register %s", k, t.RegisterName(reg))
	}
	switch {
	case k.IsReference():
		// references never live in fp registers
	case k.Platform == compiled.KindFloat:
		return loc(debuginfo.Normal), nil
	case k.Platform == compiled.KindDouble:
		lv := loc(debuginfo.Dbl)
		return lv, lv
	}
	fault.Fatalf("installer", "unexpected kind %s in floating point register %s", k, t.RegisterName(reg))
	return nil, nil
}

func (b *scopeBuilder) stackValue(v compiled.StackSlot) (debuginfo.ScopeValue, debuginfo.ScopeValue) {
	k := v.Kind
	checkReferenceMask(k)
	off := v.Offset
	if v.AddFrameSize {
		off += b.x.code.TotalFrameSize
	}

	loc := func(lt debuginfo.LocationType) debuginfo.ScopeValue {
		return debuginfo.LocationValue{Location: debuginfo.StackLocation(lt, off)}
	}
	switch {
	case k.Platform == compiled.KindObject:
		return loc(debuginfo.Oop), nil
	case k.Platform == compiled.KindLong:
		if k.IsReference() {
			return loc(debuginfo.Oop), nil
		}
		lv := loc(debuginfo.Lng)
		return lv, lv
	case k.Platform == compiled.KindDouble:
		lv := loc(debuginfo.Dbl)
		return lv, lv
	case k.Platform == compiled.KindInt:
		if k.IsReference() {
			return loc(debuginfo.NarrowOop), nil
		}
		return loc(debuginfo.Normal), nil
	case k.Platform == compiled.KindFloat, k.Platform.IsSubInt():
		return loc(debuginfo.Normal), nil
	}
	fault.Fatalf("installer", "unexpected kind %s in stack slot %d", k, off)
	return nil, nil
}

// virtualObject returns the pooled object for v. The object is pooled before
// its fields are resolved so self references end at the same object.
func (b *scopeBuilder) virtualObject(v *compiled.VirtualObject) *debuginfo.ObjectValue {
	if ov, ok := b.byID[v.ID]; ok {
		return ov
	}
	if v.Type == nil {
		fault.Fatalf("installer", "virtual object %d without a type", v.ID)
	}
	ov := &debuginfo.ObjectValue{ID: v.ID, Klass: v.Type}
	b.byID[v.ID] = ov
	b.objects = append(b.objects, ov)

	longArray := v.Type.IsLongArray()
	bigEndian := b.x.target.ByteOrder() == binary.BigEndian
	for _, fv := range v.Values {
		first, second := b.value(fv)
		if longArray && second == nil {
			// Ints stored into a long array fill a whole element.
			if bigEndian {
				first, second = debuginfo.Int0, first
			} else {
				second = debuginfo.Int0
			}
		}
		if second != nil {
			ov.Fields = append(ov.Fields, second)
		}
		ov.Fields = append(ov.Fields, first)
	}
	return ov
}

// monitor resolves a monitor slot. The lock must live in the frame.
func (b *scopeBuilder) monitor(v compiled.Value) *debuginfo.MonitorValue {
	mv, ok := v.(compiled.MonitorValue)
	if !ok {
		fault.Fatalf("installer", "monitors must be MonitorValue, got %T", v)
	}
	owner, second := b.value(mv.Owner)
	fault.Guarantee(second == nil, "installer", "monitor owner occupies two slots")

	slot, ok := mv.Slot.(compiled.StackSlot)
	if !ok {
		fault.Fatalf("installer", "monitor lock slot %v is not a stack location", mv.Slot)
	}
	slot.Kind = compiled.ValueKind(compiled.KindLong)
	first, second := b.stackValue(slot)
	fault.Guarantee(second == first, "installer", "monitor lock slot must be a long")
	return &debuginfo.MonitorValue{
		Owner:      owner,
		Basic:      first.(debuginfo.LocationValue).Location,
		Eliminated: mv.Eliminated,
	}
}

// isInvoke covers invokevirtual through invokedynamic. Invokes never
// reexecute: the call already happened.
func isInvoke(op byte) bool {
	return op >= 0xb6 && op <= 0xba
}

// shouldReexecute reports whether the interpreter restarts the bytecode at
// bci after deoptimization.
func shouldReexecute(m *compiled.Method, bci int) bool {
	if bci < 0 {
		return false
	}
	if len(m.Bytecode) == 0 {
		return true
	}
	op, ok := m.BytecodeAt(bci)
	if !ok {
		fault.Fatalf("installer", "bci %d outside %s", bci, m)
	}
	return !isInvoke(op)
}

// returnsOop reports methods whose result is a reference.
func returnsOop(m *compiled.Method) bool {
	i := strings.LastIndexByte(m.Descriptor, ')')
	if i < 0 || i+1 >= len(m.Descriptor) {
		return false
	}
	c := m.Descriptor[i+1]
	return c == 'L' || c == '['
}

// recordScope describes the scope chain of info at pc. Without a position
// (stubs) only the oop map is recorded.
func (x *installation) recordScope(pc int, info *compiled.DebugInfo, fullFrame, returnOop bool) {
	if info.Position == nil {
		return
	}
	x.describe(pc, info.Position, fullFrame, x.newScopeBuilder(), returnOop)
}

func (x *installation) describe(pc int, f compiled.Frame, fullFrame bool, b *scopeBuilder, returnOop bool) {
	pos := f.Position()
	if pos == nil || pos.Method == nil {
		fault.Fatalf("installer", "position at %#x without a method", pc)
	}
	var frame *compiled.BytecodeFrame
	if fullFrame {
		fr, ok := f.(*compiled.BytecodeFrame)
		if !ok {
			fault.Fatalf("installer", "full frame expected for debug info at %#x", pc)
		}
		frame = fr
	}
	if pos.Caller != nil {
		x.describe(pc, pos.Caller, fullFrame, b, returnOop)
	}

	flags := debuginfo.ScopeFlags{ReturnOop: returnOop}
	var locals, expressions, monitors debuginfo.Token
	if frame != nil {
		flags.Reexecute = shouldReexecute(pos.Method, pos.BCI) && !frame.DuringCall
		flags.Rethrow = frame.RethrowException
		locals, expressions, monitors = x.frameValues(frame, b)
	}
	x.debug.DescribeScope(pc, pos.Method, pos.BCI, flags, locals, expressions, monitors)
}

// frameValues resolves and serializes the interpreter state of one frame.
func (x *installation) frameValues(frame *compiled.BytecodeFrame, b *scopeBuilder) (locals, expressions, monitors debuginfo.Token) {
	values := frame.Values
	nl, ns, nm := frame.NumLocals, frame.NumStack, frame.NumLocks
	if nl < 0 || ns < 0 || nm < 0 || nl+ns+nm != len(values) {
		fault.Fatalf("installer", "unexpected values length %d in scope (%d locals, %d expressions, %d monitors)", len(values), nl, ns, nm)
	}

	var localValues, stackValues []debuginfo.ScopeValue
	var monitorValues []*debuginfo.MonitorValue
	for i := 0; i < len(values); i++ {
		if i >= nl+ns {
			monitorValues = append(monitorValues, b.monitor(values[i]))
			continue
		}
		first, second := b.value(values[i])
		dst := &localValues
		if i >= nl {
			dst = &stackValues
		}
		if second != nil {
			*dst = append(*dst, second)
		}
		*dst = append(*dst, first)
		if second != nil {
			i++
			if i >= len(values) {
				fault.Fatalf("installer", "double-slot value not followed by Illegal")
			}
			if _, ok := values[i].(compiled.Illegal); !ok {
				fault.Fatalf("installer", "double-slot value not followed by Illegal")
			}
		}
	}

	// Objects found in any frame so far are written before the lists that
	// refer to them.
	x.debug.DumpObjectPool(b.objects)
	locals = x.debug.CreateScopeValues(localValues)
	expressions = x.debug.CreateScopeValues(stackValues)
	monitors = x.debug.CreateMonitorValues(monitorValues)
	return locals, expressions, monitors
}
