package installer

import (
	"github.com/tinyrange/codeinstall/internal/codebuf"
	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/fault"
	"github.com/tinyrange/codeinstall/internal/oopmap"
)

// pendingCall is the invoke kind announced by the last invoke mark. The
// call site that follows consumes it.
type pendingCall struct {
	kind compiled.MarkID
	pc   int
}

var noPendingCall = pendingCall{kind: compiled.MarkInvokeInvalid, pc: -1}

// processSites handles every site in emission order.
func (x *installation) processSites() {
	poller, _ := x.rt.(SafepointPoller)
	pending := noPendingCall
	for _, s := range x.code.Sites {
		pending = x.processSite(s, pending)
		if poller != nil && x.in.cfg.SafepointChecks {
			poller.SafepointPoll()
		}
	}
}

// processSite handles one site and returns the pending call kind for the
// next one.
func (x *installation) processSite(s compiled.Site, pending pendingCall) pendingCall {
	if s == nil {
		fault.Fatalf("installer", "nil site")
	}
	if pc := s.PC(); pc < 0 || pc >= x.code.CodeSize {
		fault.Fatalf("installer", "site %T at %d outside code of %d bytes", s, pc, x.code.CodeSize)
	}
	x.log.Debug("site", "kind", siteKind(s), "pc", s.PC())

	switch s := s.(type) {
	case compiled.Call:
		x.siteCall(s, pending)
		return noPendingCall
	case compiled.Infopoint:
		if s.Reason.IsSafepoint() {
			x.siteSafepoint(s)
		} else {
			x.siteInfopoint(s)
		}
	case compiled.DataPatch:
		x.siteDataPatch(s)
	case compiled.Mark:
		return x.siteMark(s, pending)
	default:
		fault.ShouldNotReachHere("installer", s)
	}
	return pending
}

func siteKind(s compiled.Site) string {
	switch s.(type) {
	case compiled.Call:
		return "call"
	case compiled.Infopoint:
		return "infopoint"
	case compiled.DataPatch:
		return "data_patch"
	case compiled.Mark:
		return "mark"
	}
	return "unknown"
}

func (x *installation) oopMap(info *compiled.DebugInfo) *oopmap.OopMap {
	return oopmap.Build(x.target, x.code.TotalFrameSize, x.code.ParameterCount(), info)
}

func (x *installation) siteCall(c compiled.Call, pending pendingCall) {
	var method *compiled.Method
	switch t := c.Target.(type) {
	case nil:
		fault.Fatalf("installer", "call at %d has no target", c.PCOffset)
	case *compiled.Method:
		if t == nil {
			fault.Fatalf("installer", "call at %d has no target", c.PCOffset)
		}
		if c.DebugInfo == nil {
			fault.Fatalf("installer", "debug info expected at call at %d", c.PCOffset)
		}
		method = t
	}

	insts := x.cb.Insts()
	next := x.target.NextOffset(insts.Bytes(), c.PCOffset)
	if c.DebugInfo != nil {
		x.debug.AddSafepoint(next, x.oopMap(c.DebugInfo))
		x.recordScope(next, c.DebugInfo, true, method != nil && returnsOop(method))
		x.debug.EndSafepoint(next)
		x.stats.Safepoints++
	}

	switch t := c.Target.(type) {
	case compiled.ForeignCall:
		dest := uintptr(t.Address)
		if dest == 0 {
			addr, err := x.rt.ResolveSymbol(t.Name)
			if err != nil {
				fault.Fatalf("installer", "foreign call %q at %d: %v", t.Name, c.PCOffset, err)
			}
			dest = addr
		}
		x.target.RelocateForeignCall(x.cb, c.PCOffset, dest)
	case *compiled.Method:
		x.relocateJavaCall(c.PCOffset, pending)
		if pending.kind == compiled.MarkInvokeStatic || pending.kind == compiled.MarkInvokeSpecial {
			x.target.EmitToInterpStub(x.cb, c.PCOffset)
		}
	default:
		fault.ShouldNotReachHere("installer", c.Target)
	}
}

// relocateJavaCall routes a method call through the resolution stub of the
// announced invoke kind.
func (x *installation) relocateJavaCall(pc int, pending pendingCall) {
	var dest uintptr
	var r codebuf.Relocation
	switch pending.kind {
	case compiled.MarkInlineInvoke:
		return
	case compiled.MarkInvokeInterface, compiled.MarkInvokeVirtual:
		dest = x.rt.ResolveVirtualCallStub()
		r = codebuf.Relocation{Type: codebuf.RelocVirtualCall, Mark: pending.pc}
	case compiled.MarkInvokeStatic:
		dest = x.rt.ResolveStaticCallStub()
		r = codebuf.Relocation{Type: codebuf.RelocStaticCall}
	case compiled.MarkInvokeSpecial:
		dest = x.rt.ResolveOptVirtualCallStub()
		r = codebuf.Relocation{Type: codebuf.RelocOptVirtualCall}
	default:
		fault.Fatalf("installer", "call at %d is not preceded by an invoke mark", pc)
	}
	x.target.RelocateJavaCall(x.cb, pc, dest, r)
}

func (x *installation) siteSafepoint(s compiled.Infopoint) {
	if s.DebugInfo == nil {
		fault.Fatalf("installer", "debug info expected at safepoint at %d", s.PCOffset)
	}
	x.debug.AddSafepoint(s.PCOffset, x.oopMap(s.DebugInfo))
	x.recordScope(s.PCOffset, s.DebugInfo, true, false)
	x.debug.EndSafepoint(s.PCOffset)
	x.stats.Safepoints++
	if s.Reason == compiled.ReasonImplicitException {
		x.implicitExceptions = append(x.implicitExceptions, s.PCOffset)
	}
}

func (x *installation) siteInfopoint(s compiled.Infopoint) {
	if s.DebugInfo == nil {
		fault.Fatalf("installer", "debug info expected at infopoint at %d", s.PCOffset)
	}
	x.debug.AddNonSafepoint(s.PCOffset)
	x.recordScope(s.PCOffset, s.DebugInfo, false, false)
	x.debug.EndNonSafepoint(s.PCOffset)
}

func (x *installation) siteDataPatch(p compiled.DataPatch) {
	switch ref := p.Reference.(type) {
	case compiled.ConstantReference:
		switch c := ref.Constant.(type) {
		case compiled.ObjectConstant:
			if c.Object.Handle == 0 {
				fault.Fatalf("installer", "null object constant in data patch at %d", p.PCOffset)
			}
			idx := x.oops.FindOrAddObject(c.Object)
			value := c.Object.Handle
			if c.Compressed {
				value = uint64(x.rt.CompressedOops().Encode(value))
			}
			x.target.PatchOopConstant(x.cb, p.PCOffset, value, c.Compressed, idx)
		case compiled.MetaspaceConstant:
			if c.Metadata == nil {
				fault.Fatalf("installer", "metaspace constant without metadata in data patch at %d", p.PCOffset)
			}
			idx := x.oops.FindOrAddMetadata(c.Metadata)
			value := c.Metadata.MetadataID()
			if c.Compressed {
				value = uint64(x.rt.CompressedKlassPointers().Encode(value))
			}
			x.target.PatchMetaspaceConstant(x.cb, p.PCOffset, value, c.Compressed, idx)
		case compiled.PrimitiveConstant:
			if ref.Inlined {
				x.target.PatchInlinedPrimitive(x.cb, p.PCOffset, c)
				return
			}
			off := x.appendConstant(c, ref.Alignment)
			x.target.PatchDataSectionReference(x.cb, p.PCOffset, off)
		default:
			fault.Fatalf("installer", "unknown constant type in data patch at %d: %T", p.PCOffset, ref.Constant)
		}
	case compiled.DataSectionReference:
		if ref.Offset < 0 || ref.Offset >= x.constantsSize {
			fault.Fatalf("installer", "data offset %#x points outside data section (size %#x)", ref.Offset, x.constantsSize)
		}
		x.target.PatchDataSectionReference(x.cb, p.PCOffset, ref.Offset)
	default:
		fault.Fatalf("installer", "unknown data patch reference at %d: %T", p.PCOffset, p.Reference)
	}
}

func (x *installation) siteMark(m compiled.Mark, pending pendingCall) pendingCall {
	pc := m.PCOffset
	switch m.ID {
	case compiled.MarkVerifiedEntry:
		x.offsets.VerifiedEntry = pc
	case compiled.MarkUnverifiedEntry:
		x.offsets.Entry = pc
	case compiled.MarkOSREntry:
		x.offsets.OSREntry = pc
	case compiled.MarkExceptionHandlerEntry:
		x.offsets.Exceptions = pc
	case compiled.MarkDeoptHandlerEntry:
		x.offsets.Deopt = pc
	case compiled.MarkInvokeVirtual, compiled.MarkInvokeInterface, compiled.MarkInlineInvoke,
		compiled.MarkInvokeStatic, compiled.MarkInvokeSpecial:
		return pendingCall{kind: m.ID, pc: pc}
	case compiled.MarkPollNear, compiled.MarkPollFar, compiled.MarkPollReturnNear, compiled.MarkPollReturnFar:
		x.target.RelocatePoll(x.cb, pc, m.ID, x.rt.PollingPage())
	default:
		fault.Fatalf("installer", "invalid mark id %d at %d", int(m.ID), pc)
	}
	return pending
}
