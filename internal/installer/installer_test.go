package installer

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/codeinstall/internal/arch"
	"github.com/tinyrange/codeinstall/internal/arch/amd64"
	"github.com/tinyrange/codeinstall/internal/codebuf"
	"github.com/tinyrange/codeinstall/internal/codecache"
	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/debuginfo"
	"github.com/tinyrange/codeinstall/internal/deps"
	"github.com/tinyrange/codeinstall/internal/fault"
	"github.com/tinyrange/codeinstall/internal/oops"
)

const (
	heapBase = 0x100000

	virtualStub = heapBase - 0x100
	staticStub  = heapBase - 0x200
	optStub     = heapBase - 0x300
	pollPage    = heapBase - 0x1000
)

type fakeCode struct {
	name  string
	entry uintptr
	stub  bool
}

func (c *fakeCode) Name() string        { return c.name }
func (c *fakeCode) EntryPoint() uintptr { return c.entry }
func (c *fakeCode) IsStub() bool        { return c.stub }

// fakeRuntime serves code buffers from a heap and keeps the last
// registration.
type fakeRuntime struct {
	heap    *codecache.Heap
	scratch int
	symbols map[string]uintptr
	reg     *Registration
	regErr  error
	polls   int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		heap:    codecache.NewHeap(64<<10, heapBase),
		symbols: map[string]uintptr{"rt_helper": heapBase + 0x8000},
	}
}

func (rt *fakeRuntime) AcquireCodeBuffer(size int) (*codecache.Blob, error) {
	if rt.scratch > 0 && size > rt.scratch {
		size = rt.scratch
	}
	return rt.heap.Acquire(size)
}

func (rt *fakeRuntime) ReleaseCodeBuffer(b *codecache.Blob) { rt.heap.Release(b) }

func (rt *fakeRuntime) ResolveVirtualCallStub() uintptr    { return virtualStub }
func (rt *fakeRuntime) ResolveStaticCallStub() uintptr     { return staticStub }
func (rt *fakeRuntime) ResolveOptVirtualCallStub() uintptr { return optStub }
func (rt *fakeRuntime) PollingPage() uintptr               { return pollPage }

func (rt *fakeRuntime) ResolveSymbol(name string) (uintptr, error) {
	if addr, ok := rt.symbols[name]; ok {
		return addr, nil
	}
	return 0, errors.New("no such symbol")
}

func (rt *fakeRuntime) CompressedOops() oops.Encoding          { return oops.Encoding{Base: 0, Shift: 3} }
func (rt *fakeRuntime) CompressedKlassPointers() oops.Encoding { return oops.Encoding{} }

func (rt *fakeRuntime) Register(r *Registration) (InstalledCode, error) {
	if rt.regErr != nil {
		return nil, rt.regErr
	}
	rt.reg = r
	return &fakeCode{name: r.Name, entry: r.Buffer.Insts().Addr(r.Offsets.VerifiedEntry), stub: r.IsStub()}, nil
}

func (rt *fakeRuntime) SafepointPoll() { rt.polls++ }

func newInstaller(t *testing.T, rt Runtime, cfg Config) *Installer {
	t.Helper()
	cfg.Arch = arch.AMD64
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	in, err := New(rt, cfg)
	require.NoError(t, err)
	return in
}

var (
	holder = &compiled.Type{ID: 0x10, Name: "Holder"}
	callee = &compiled.Method{ID: 0x20, Holder: "Holder", Name: "callee", Descriptor: "()Ljava/lang/Object;", Static: true}
	caller = &compiled.Method{ID: 0x30, Holder: "Holder", Name: "caller", Descriptor: "(I)V", ParameterSize: 1, Static: true}
)

const frameSize = 16

// code pads insts to 16 bytes with nops.
func code(insts ...byte) []byte {
	out := append([]byte(nil), insts...)
	for len(out) < 16 {
		out = append(out, 0x90)
	}
	return out
}

var callRel32 = []byte{0xe8, 0, 0, 0, 0}

func refMap() *compiled.ReferenceMap {
	return &compiled.ReferenceMap{
		RegisterRefMap: compiled.NewBitSet(3 * len(amd64.New().ReferenceMapRegisters())),
		FrameRefMap:    compiled.NewBitSet(3 * frameSize / 8),
	}
}

func frameInfo(bci int, numLocals, numStack, numLocks int, values ...compiled.Value) *compiled.DebugInfo {
	return &compiled.DebugInfo{
		Position: &compiled.BytecodeFrame{
			BytecodePosition: compiled.BytecodePosition{Method: caller, BCI: bci},
			Values:           values,
			NumLocals:        numLocals,
			NumStack:         numStack,
			NumLocks:         numLocks,
			DuringCall:       true,
		},
		ReferenceMap: refMap(),
	}
}

func methodCode(bytes []byte, sites ...compiled.Site) *compiled.CompiledCode {
	return &compiled.CompiledCode{
		Name:             "Holder.caller",
		Code:             bytes,
		CodeSize:         len(bytes),
		TotalFrameSize:   frameSize,
		Sites:            sites,
		Method:           caller,
		EntryBCI:         compiled.InvocationEntryBCI,
		ID:               1,
		InstallAsDefault: true,
	}
}

func TestInstallStaticCall(t *testing.T) {
	rt := newFakeRuntime()
	in := newInstaller(t, rt, Config{SafepointChecks: true})

	info := frameInfo(0, 2, 0, 0,
		compiled.IntConstant(7),
		compiled.StackSlot{Offset: 8, Kind: compiled.ReferenceKind(compiled.KindObject)},
	)
	info.ReferenceMap.FrameRefMap.SetReference(1)
	cc := methodCode(code(callRel32...),
		compiled.Mark{PCOffset: 0, ID: compiled.MarkVerifiedEntry},
		compiled.Mark{PCOffset: 0, ID: compiled.MarkInvokeStatic},
		compiled.Call{PCOffset: 0, Target: callee, DebugInfo: info},
	)

	res, err := in.Install(cc)
	require.NoError(t, err)
	require.Equal(t, Registered, res.State)
	require.Equal(t, 1, res.Stats.Safepoints)
	require.Equal(t, 3, rt.polls)

	reg := rt.reg
	require.NotNil(t, reg)
	require.False(t, reg.IsStub())
	require.Equal(t, 2, reg.FrameWords)
	require.Equal(t, 0, reg.Offsets.VerifiedEntry)
	require.Equal(t, -1, reg.Offsets.OSREntry)

	insts := reg.Buffer.Insts()
	relocs := insts.Relocations()
	require.Len(t, relocs, 1)
	require.Equal(t, codebuf.RelocStaticCall, relocs[0].Type)
	require.Equal(t, uintptr(staticStub), relocs[0].Target)

	disp := int32(binary.LittleEndian.Uint32(insts.Bytes()[1:]))
	require.Equal(t, int64(staticStub), int64(insts.Addr(5))+int64(disp))

	stubs := reg.Buffer.Stubs().Relocations()
	require.Len(t, stubs, 1)
	require.Equal(t, codebuf.RelocStaticStub, stubs[0].Type)
	require.Equal(t, insts.Addr(0), stubs[0].Target)

	// the safepoint is at the return address
	require.NotNil(t, reg.OopMaps.At(5))
	sc := reg.Debug.Reader().ScopesAt(5)
	require.NotNil(t, sc)
	require.Equal(t, caller, sc.Method)
	require.False(t, sc.Flags.Reexecute)
	require.True(t, sc.Flags.ReturnOop)
	require.Equal(t, []debuginfo.ScopeValue{
		debuginfo.ConstantIntValue{Value: 7},
		debuginfo.LocationValue{Location: debuginfo.StackLocation(debuginfo.Oop, 8)},
	}, sc.Locals)

	// layout post-condition: insts follow the reserved constants
	require.Equal(t, estimateConstantsSize(cc, 32), insts.Start()-reg.Buffer.Consts().Start())
}

func TestInvokeMarkConsumedByCall(t *testing.T) {
	rt := newFakeRuntime()
	in := newInstaller(t, rt, Config{})

	two := append(append([]byte(nil), callRel32...), callRel32...)
	cc := methodCode(code(two...),
		compiled.Mark{PCOffset: 0, ID: compiled.MarkInvokeVirtual},
		compiled.Call{PCOffset: 0, Target: callee, DebugInfo: frameInfo(0, 0, 0, 0)},
		compiled.Call{PCOffset: 5, Target: callee, DebugInfo: frameInfo(1, 0, 0, 0)},
	)
	f := fault.Catch(func() { _, _ = in.Install(cc) })
	require.NotNil(t, f)
	require.Contains(t, f.Error(), "not preceded by an invoke mark")
	require.Equal(t, 0, rt.heap.Used(), "buffer not released")
	require.Nil(t, rt.reg)
}

func TestVirtualAndInterfaceCalls(t *testing.T) {
	for _, kind := range []compiled.MarkID{compiled.MarkInvokeVirtual, compiled.MarkInvokeInterface} {
		t.Run(kind.String(), func(t *testing.T) {
			rt := newFakeRuntime()
			in := newInstaller(t, rt, Config{})

			// the mark sits on the inline cache load ahead of the call
			insts := append([]byte{0x90, 0x90, 0x90, 0x90, 0x90}, callRel32...)
			cc := methodCode(code(insts...),
				compiled.Mark{PCOffset: 2, ID: kind},
				compiled.Call{PCOffset: 5, Target: callee, DebugInfo: frameInfo(0, 0, 0, 0)},
			)
			_, err := in.Install(cc)
			require.NoError(t, err)

			buf := rt.reg.Buffer
			relocs := buf.Insts().Relocations()
			require.Len(t, relocs, 1)
			require.Equal(t, codebuf.RelocVirtualCall, relocs[0].Type)
			require.Equal(t, 5, relocs[0].Offset)
			require.Equal(t, 2, relocs[0].Mark)
			require.Equal(t, uintptr(virtualStub), relocs[0].Target)

			disp := int32(binary.LittleEndian.Uint32(buf.Insts().Bytes()[6:]))
			require.Equal(t, int64(virtualStub), int64(buf.Insts().Addr(10))+int64(disp))
			require.Empty(t, buf.Stubs().Relocations(), "virtual calls need no interpreter stub")
			require.NotNil(t, rt.reg.OopMaps.At(10))
		})
	}
}

func TestForeignAndSpecialCalls(t *testing.T) {
	rt := newFakeRuntime()
	in := newInstaller(t, rt, Config{})

	two := append(append([]byte(nil), callRel32...), callRel32...)
	cc := methodCode(code(two...),
		compiled.Call{PCOffset: 0, Target: compiled.ForeignCall{Name: "rt_helper"}},
		compiled.Mark{PCOffset: 5, ID: compiled.MarkInvokeSpecial},
		compiled.Call{PCOffset: 5, Target: callee, DebugInfo: frameInfo(0, 0, 0, 0)},
	)
	_, err := in.Install(cc)
	require.NoError(t, err)

	relocs := rt.reg.Buffer.Insts().Relocations()
	require.Len(t, relocs, 2)
	require.Equal(t, codebuf.RelocRuntimeCall, relocs[0].Type)
	require.Equal(t, uintptr(heapBase+0x8000), relocs[0].Target)
	require.Equal(t, codebuf.RelocOptVirtualCall, relocs[1].Type)
	require.Len(t, rt.reg.Buffer.Stubs().Relocations(), 1)

	// a foreign call consumes the pending invoke kind too
	cc = methodCode(code(two...),
		compiled.Mark{PCOffset: 0, ID: compiled.MarkInvokeStatic},
		compiled.Call{PCOffset: 0, Target: compiled.ForeignCall{Name: "rt_helper"}},
		compiled.Call{PCOffset: 5, Target: callee, DebugInfo: frameInfo(0, 0, 0, 0)},
	)
	require.NotNil(t, fault.Catch(func() { _, _ = in.Install(cc) }))
}

func TestUnknownForeignCall(t *testing.T) {
	rt := newFakeRuntime()
	in := newInstaller(t, rt, Config{})
	cc := methodCode(code(callRel32...), compiled.Call{PCOffset: 0, Target: compiled.ForeignCall{Name: "missing"}})
	f := fault.Catch(func() { _, _ = in.Install(cc) })
	require.NotNil(t, f)
	require.Contains(t, f.Error(), "missing")
}

func TestLongOccupiesTwoSlots(t *testing.T) {
	rt := newFakeRuntime()
	in := newInstaller(t, rt, Config{})

	info := frameInfo(0, 3, 0, 0,
		compiled.LongConstant(-2),
		compiled.Illegal{},
		compiled.RegisterValue{Register: 3, Kind: compiled.ValueKind(compiled.KindInt)},
	)
	cc := methodCode(code(callRel32...),
		compiled.Mark{PCOffset: 0, ID: compiled.MarkInvokeStatic},
		compiled.Call{PCOffset: 0, Target: callee, DebugInfo: info},
	)
	_, err := in.Install(cc)
	require.NoError(t, err)

	sc := rt.reg.Debug.Reader().ScopesAt(5)
	require.Equal(t, []debuginfo.ScopeValue{
		debuginfo.Int1,
		debuginfo.ConstantLongValue{Value: -2},
		debuginfo.LocationValue{Location: debuginfo.RegisterLocation(debuginfo.IntInLong, amd64.GPR(3))},
	}, sc.Locals)

	// a long must be followed by Illegal
	bad := frameInfo(0, 2, 0, 0, compiled.LongConstant(1), compiled.IntConstant(0))
	cc = methodCode(code(callRel32...),
		compiled.Mark{PCOffset: 0, ID: compiled.MarkInvokeStatic},
		compiled.Call{PCOffset: 0, Target: callee, DebugInfo: bad},
	)
	require.NotNil(t, fault.Catch(func() { _, _ = in.Install(cc) }))
}

func TestMonitorsAndVirtualObjects(t *testing.T) {
	rt := newFakeRuntime()
	in := newInstaller(t, rt, Config{})

	node := &compiled.Type{ID: 0x40, Name: "Node"}
	self := &compiled.VirtualObject{ID: 0, Type: node}
	self.Values = []compiled.Value{compiled.IntConstant(3), self}

	info := frameInfo(0, 1, 1, 1,
		self,
		self,
		compiled.MonitorValue{
			Owner: self,
			Slot:  compiled.StackSlot{Offset: 0, Kind: compiled.ValueKind(compiled.KindLong)},
		},
	)
	cc := methodCode(code(callRel32...),
		compiled.Mark{PCOffset: 0, ID: compiled.MarkInvokeStatic},
		compiled.Call{PCOffset: 0, Target: callee, DebugInfo: info},
	)
	_, err := in.Install(cc)
	require.NoError(t, err)

	sc := rt.reg.Debug.Reader().ScopesAt(5)
	require.Len(t, sc.Objects, 1)
	obj := sc.Objects[0]
	require.Equal(t, node, obj.Klass)
	require.Same(t, obj, obj.Fields[1])
	require.Same(t, obj, sc.Locals[0])
	require.Same(t, obj, sc.Expressions[0])
	require.Len(t, sc.Monitors, 1)
	require.Same(t, obj, sc.Monitors[0].Owner)
	require.Equal(t, 0, sc.Monitors[0].Basic.StackOffset())
}

func TestMutuallyReferencingVirtualObjects(t *testing.T) {
	rt := newFakeRuntime()
	in := newInstaller(t, rt, Config{})

	node := &compiled.Type{ID: 0x40, Name: "Node"}
	a := &compiled.VirtualObject{ID: 0, Type: node}
	b := &compiled.VirtualObject{ID: 1, Type: node}
	a.Values = []compiled.Value{compiled.IntConstant(1), b}
	b.Values = []compiled.Value{compiled.IntConstant(2), a}
	// another description of object 0 resolves to the pooled one
	again := &compiled.VirtualObject{ID: 0, Type: node}

	info := frameInfo(0, 2, 2, 1,
		a,
		b,
		b,
		again,
		compiled.MonitorValue{
			Owner: a,
			Slot:  compiled.StackSlot{Offset: 0, Kind: compiled.ValueKind(compiled.KindLong)},
		},
	)
	cc := methodCode(code(callRel32...),
		compiled.Mark{PCOffset: 0, ID: compiled.MarkInvokeStatic},
		compiled.Call{PCOffset: 0, Target: callee, DebugInfo: info},
	)
	_, err := in.Install(cc)
	require.NoError(t, err)

	sc := rt.reg.Debug.Reader().ScopesAt(5)
	require.NotNil(t, sc)
	require.Len(t, sc.Objects, 2)
	ra, rb := sc.Objects[0], sc.Objects[1]
	require.Equal(t, 0, ra.ID)
	require.Equal(t, 1, rb.ID)

	require.Equal(t, debuginfo.ConstantIntValue{Value: 1}, ra.Fields[0])
	require.Same(t, rb, ra.Fields[1])
	require.Equal(t, debuginfo.ConstantIntValue{Value: 2}, rb.Fields[0])
	require.Same(t, ra, rb.Fields[1])

	require.Same(t, ra, sc.Locals[0])
	require.Same(t, rb, sc.Locals[1])
	require.Same(t, rb, sc.Expressions[0])
	require.Same(t, ra, sc.Expressions[1])
	require.Len(t, sc.Monitors, 1)
	require.Same(t, ra, sc.Monitors[0].Owner)
}

func TestConstantsEstimateHoldsAppendedConstants(t *testing.T) {
	intAt := func(align int) func(i int) compiled.ConstantReference {
		return func(i int) compiled.ConstantReference {
			return compiled.ConstantReference{Constant: compiled.IntConstant(int32(0x1000 + i)), Alignment: align}
		}
	}
	longAt := func(align int) func(i int) compiled.ConstantReference {
		return func(i int) compiled.ConstantReference {
			return compiled.ConstantReference{Constant: compiled.LongConstant(0x7700000000 + int64(i)), Alignment: align}
		}
	}
	mixed := func(i int) compiled.ConstantReference {
		switch i % 4 {
		case 0:
			return longAt(8)(i)
		case 1:
			return intAt(4)(i)
		case 2:
			return intAt(8)(i)
		}
		return longAt(4)(i)
	}

	tests := []struct {
		name  string
		sites int
		data  int
		patch func(i int) compiled.ConstantReference
	}{
		{"one int", 1, 0, intAt(4)},
		{"ints aligned 4", 9, 0, intAt(4)},
		{"ints aligned 8", 7, 13, intAt(8)},
		{"longs aligned 8", 12, 13, longAt(8)},
		{"longs aligned 4", 5, 3, longAt(4)},
		{"mixed", 33, 20, mixed},
		{"mixed large data section", 17, 100, mixed},
	}
	movRip := []byte{0x48, 0x8b, 0x05, 0, 0, 0, 0}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newFakeRuntime()
			in := newInstaller(t, rt, Config{})

			var insts []byte
			var sites []compiled.Site
			for i := 0; i < tt.sites; i++ {
				sites = append(sites, compiled.DataPatch{PCOffset: len(insts), Reference: tt.patch(i)})
				insts = append(insts, movRip...)
			}
			cc := methodCode(code(insts...), sites...)
			if tt.data > 0 {
				cc.DataSection = make([]byte, tt.data)
				for i := range cc.DataSection {
					cc.DataSection[i] = 0xee
				}
				cc.DataSectionAlignment = 8
			}

			_, err := in.Install(cc)
			require.NoError(t, err)

			buf := rt.reg.Buffer
			consts := buf.Consts()
			reserved := buf.Insts().Start() - consts.Start()
			require.Equal(t, estimateConstantsSize(cc, 32), reserved)
			require.LessOrEqual(t, consts.Size(), reserved)
			for i, v := range consts.Bytes()[:tt.data] {
				if v != 0xee {
					t.Fatalf("data section byte %d=%#x, want 0xee", i, v)
				}
			}

			relocs := buf.Insts().Relocations()
			require.Len(t, relocs, tt.sites)
			for i, r := range relocs {
				ref := tt.patch(i)
				c := ref.Constant.(compiled.PrimitiveConstant)
				require.Equal(t, 7*i, r.Offset)
				require.Equal(t, codebuf.RelocSectionWord, r.Type)
				require.GreaterOrEqual(t, r.TargetOffset, tt.data)
				require.Zero(t, r.TargetOffset%ref.Alignment, "constant %d misaligned at %d", i, r.TargetOffset)

				data := consts.Bytes()[r.TargetOffset:]
				if c.Kind == compiled.KindLong {
					require.Equal(t, uint64(c.Bits), binary.LittleEndian.Uint64(data))
				} else {
					require.Equal(t, uint32(c.Bits), binary.LittleEndian.Uint32(data))
				}
			}
		})
	}
}

func TestDataPatches(t *testing.T) {
	rt := newFakeRuntime()
	in := newInstaller(t, rt, Config{})

	movRip := []byte{0x48, 0x8b, 0x05, 0, 0, 0, 0}
	movImm := []byte{0x48, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0}
	insts := append(append([]byte(nil), movRip...), movImm...)
	cc := methodCode(code(insts...),
		compiled.DataPatch{PCOffset: 0, Reference: compiled.ConstantReference{
			Constant:  compiled.LongConstant(0x1122334455667788),
			Alignment: 8,
		}},
		compiled.DataPatch{PCOffset: 7, Reference: compiled.ConstantReference{
			Constant: compiled.ObjectConstant{Object: compiled.Object{Handle: 0xabc0, Class: "Holder"}},
		}},
	)

	_, err := in.Install(cc)
	require.NoError(t, err)

	buf := rt.reg.Buffer
	consts := buf.Consts()
	require.Equal(t, uint64(0x1122334455667788), binary.LittleEndian.Uint64(consts.Bytes()[:8]))

	relocs := buf.Insts().Relocations()
	require.Len(t, relocs, 2)
	require.Equal(t, codebuf.RelocSectionWord, relocs[0].Type)
	require.Equal(t, codebuf.RelocOop, relocs[1].Type)
	require.Equal(t, uint64(0xabc0), binary.LittleEndian.Uint64(buf.Insts().Bytes()[9:]))
	require.Equal(t, uint64(0xabc0), rt.reg.Oops.ObjectAt(relocs[1].Index).Handle)
}

func TestDataSectionPatches(t *testing.T) {
	rt := newFakeRuntime()
	in := newInstaller(t, rt, Config{})

	cc := methodCode(code())
	cc.DataSection = make([]byte, 16)
	cc.DataSectionAlignment = 8
	cc.DataSectionPatches = []compiled.DataSectionPatch{
		{Offset: 0, Reference: compiled.ConstantReference{Constant: compiled.MetaspaceConstant{Metadata: holder}}},
		{Offset: 8, Reference: compiled.ConstantReference{Constant: compiled.MetaspaceConstant{Metadata: callee, Compressed: true}}},
	}
	_, err := in.Install(cc)
	require.NoError(t, err)

	consts := rt.reg.Buffer.Consts()
	require.Equal(t, holder.ID, binary.LittleEndian.Uint64(consts.Bytes()[0:]))
	require.Equal(t, uint32(callee.ID), binary.LittleEndian.Uint32(consts.Bytes()[8:]))
	relocs := consts.Relocations()
	require.Len(t, relocs, 2)
	require.Equal(t, codebuf.FormatImm64, relocs[0].Format)
	require.Equal(t, codebuf.FormatNarrow, relocs[1].Format)

	cc.DataSectionPatches = []compiled.DataSectionPatch{
		{Offset: 0, Reference: compiled.ConstantReference{Constant: compiled.ObjectConstant{Object: compiled.Object{Handle: 8}, Compressed: true}}},
	}
	require.NotNil(t, fault.Catch(func() { _, _ = in.Install(cc) }))
}

func TestEntryMarks(t *testing.T) {
	rt := newFakeRuntime()
	in := newInstaller(t, rt, Config{})

	cc := methodCode(code(),
		compiled.Mark{PCOffset: 0, ID: compiled.MarkUnverifiedEntry},
		compiled.Mark{PCOffset: 4, ID: compiled.MarkVerifiedEntry},
		compiled.Mark{PCOffset: 8, ID: compiled.MarkExceptionHandlerEntry},
		compiled.Mark{PCOffset: 12, ID: compiled.MarkDeoptHandlerEntry},
		compiled.Mark{PCOffset: 14, ID: compiled.MarkPollFar},
	)
	_, err := in.Install(cc)
	require.NoError(t, err)

	require.Equal(t, Offsets{Entry: 0, VerifiedEntry: 4, OSREntry: -1, Exceptions: 8, Deopt: 12}, rt.reg.Offsets)
	relocs := rt.reg.Buffer.Insts().RelocationsAt(14)
	require.Len(t, relocs, 1)
	require.Equal(t, codebuf.RelocPoll, relocs[0].Type)
}

func TestInstallStub(t *testing.T) {
	rt := newFakeRuntime()
	in := newInstaller(t, rt, Config{})

	cc := &compiled.CompiledCode{
		Code:           code(),
		CodeSize:       16,
		TotalFrameSize: frameSize,
		StubName:       "unwind_exception",
		Sites: []compiled.Site{
			compiled.Infopoint{PCOffset: 4, Reason: compiled.ReasonSafepoint, DebugInfo: &compiled.DebugInfo{ReferenceMap: refMap()}},
		},
	}
	res, err := in.Install(cc)
	require.NoError(t, err)
	require.True(t, res.Code.IsStub())
	require.Equal(t, "unwind_exception", res.Code.Name())
	require.True(t, rt.reg.IsStub())
	require.NotNil(t, rt.reg.OopMaps.At(4))
	require.Nil(t, rt.reg.Debug.Reader().ScopesAt(4))
}

func TestInfopoints(t *testing.T) {
	rt := newFakeRuntime()
	in := newInstaller(t, rt, Config{})

	position := func(bci int) *compiled.DebugInfo {
		return &compiled.DebugInfo{Position: &compiled.BytecodePosition{Method: caller, BCI: bci}}
	}
	cc := methodCode(code(),
		compiled.Infopoint{PCOffset: 2, Reason: compiled.ReasonLineNumber, DebugInfo: position(4)},
		compiled.Infopoint{PCOffset: 6, Reason: compiled.ReasonImplicitException, DebugInfo: frameInfo(5, 0, 0, 0)},
	)
	res, err := in.Install(cc)
	require.NoError(t, err)
	require.Equal(t, 1, res.Stats.Safepoints)
	require.Equal(t, []int{6}, rt.reg.ImplicitExceptions)

	d, ok := rt.reg.Debug.Reader().PcDescAt(2)
	require.True(t, ok)
	require.False(t, d.Safepoint)
}

func TestAssumptions(t *testing.T) {
	rt := newFakeRuntime()
	in := newInstaller(t, rt, Config{})

	abstract := &compiled.Type{ID: 0x50, Name: "Shape", Abstract: true}
	circle := &compiled.Type{ID: 0x51, Name: "Circle"}
	cc := methodCode(code())
	cc.Assumptions = []compiled.Assumption{
		compiled.ConcreteSubtype{Context: abstract, Subtype: circle},
		compiled.ConcreteSubtype{Context: circle, Subtype: circle},
		compiled.MethodContents{Method: callee},
		compiled.MethodContents{Method: callee},
		compiled.NoFinalizableSubclass{ReceiverType: holder},
		compiled.ConcreteMethod{Method: callee, Context: holder, Impl: callee},
		compiled.CallSiteTargetValue{CallSite: compiled.Object{Handle: 0x10}, MethodHandle: compiled.Object{Handle: 0x20}},
	}
	res, err := in.Install(cc)
	require.NoError(t, err)
	require.Equal(t, 6, res.Stats.Dependencies)
	require.Equal(t, 6, rt.reg.Dependencies.Len())

	cc.Assumptions = []compiled.Assumption{compiled.ConcreteSubtype{Context: holder, Subtype: circle}}
	require.NotNil(t, fault.Catch(func() { _, _ = in.Install(cc) }))
}

func TestRecoverableErrors(t *testing.T) {
	cc := func() *compiled.CompiledCode {
		return methodCode(code(callRel32...),
			compiled.Mark{PCOffset: 0, ID: compiled.MarkInvokeStatic},
			compiled.Call{PCOffset: 0, Target: callee, DebugInfo: frameInfo(0, 0, 0, 0)},
		)
	}

	t.Run("code too large", func(t *testing.T) {
		rt := newFakeRuntime()
		in := newInstaller(t, rt, Config{MaxCodeSize: 64})
		_, err := in.Install(cc())
		require.ErrorIs(t, err, ErrCodeTooLarge)
		require.Zero(t, rt.heap.Used())
	})

	t.Run("cache full", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.heap = codecache.NewHeap(64, heapBase)
		in := newInstaller(t, rt, Config{})
		_, err := in.Install(cc())
		require.ErrorIs(t, err, ErrCacheFull)
	})

	t.Run("buffer too small", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.scratch = 64
		in := newInstaller(t, rt, Config{})
		_, err := in.Install(cc())
		require.ErrorIs(t, err, ErrBufferTooSmall)
		require.Zero(t, rt.heap.Used())
	})

	t.Run("dependencies", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.regErr = deps.ErrDependenciesInvalid
		in := newInstaller(t, rt, Config{})
		_, err := in.InstallWithEnv(cc(), &CompileEnv{HierarchyVersion: 1})
		require.ErrorIs(t, err, ErrDependenciesInvalid)
		require.Zero(t, rt.heap.Used())
	})
}

func TestMalformedInput(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cc *compiled.CompiledCode)
	}{
		{"code size beyond code", func(cc *compiled.CompiledCode) { cc.CodeSize = 32 }},
		{"negative frame size", func(cc *compiled.CompiledCode) { cc.TotalFrameSize = -8 }},
		{"data section alignment", func(cc *compiled.CompiledCode) {
			cc.DataSection = []byte{1}
			cc.DataSectionAlignment = 3
		}},
		{"site outside code", func(cc *compiled.CompiledCode) {
			cc.Sites = append(cc.Sites, compiled.Mark{PCOffset: 16, ID: compiled.MarkPollFar})
		}},
		{"nil site", func(cc *compiled.CompiledCode) { cc.Sites = append(cc.Sites, nil) }},
		{"invalid mark", func(cc *compiled.CompiledCode) {
			cc.Sites = append(cc.Sites, compiled.Mark{PCOffset: 0, ID: compiled.MarkID(99)})
		}},
		{"call without debug info", func(cc *compiled.CompiledCode) {
			cc.Sites = append(cc.Sites,
				compiled.Mark{PCOffset: 0, ID: compiled.MarkInvokeStatic},
				compiled.Call{PCOffset: 0, Target: callee})
		}},
		{"null oop patch", func(cc *compiled.CompiledCode) {
			cc.Sites = append(cc.Sites, compiled.DataPatch{PCOffset: 0, Reference: compiled.ConstantReference{
				Constant: compiled.ObjectConstant{},
			}})
		}},
		{"data reference outside data section", func(cc *compiled.CompiledCode) {
			cc.Sites = append(cc.Sites, compiled.DataPatch{PCOffset: 0, Reference: compiled.DataSectionReference{Offset: 4096}})
		}},
		{"values length mismatch", func(cc *compiled.CompiledCode) {
			cc.Sites = append(cc.Sites,
				compiled.Mark{PCOffset: 0, ID: compiled.MarkInvokeStatic},
				compiled.Call{PCOffset: 0, Target: callee, DebugInfo: frameInfo(0, 2, 0, 0, compiled.IntConstant(1))})
		}},
		{"stub without name", func(cc *compiled.CompiledCode) { cc.Method = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newFakeRuntime()
			in := newInstaller(t, rt, Config{})
			cc := methodCode(code(callRel32...))
			tt.modify(cc)
			if f := fault.Catch(func() { _, _ = in.Install(cc) }); f == nil {
				t.Fatalf("Install did not fault")
			}
			if used := rt.heap.Used(); used != 0 {
				t.Fatalf("heap Used()=%d after fault, want 0", used)
			}
			if rt.reg != nil {
				t.Fatalf("faulted installation was registered")
			}
		})
	}
}

func TestStateNames(t *testing.T) {
	if got := Registered.String(); got != "registered" {
		t.Fatalf("Registered.String()=%q", got)
	}
	if got := State(42).String(); got != "state(42)" {
		t.Fatalf("State(42).String()=%q", got)
	}
}

func TestHandlerTable(t *testing.T) {
	tbl := buildHandlerTable([]compiled.ExceptionHandler{
		{PCOffset: 8, HandlerPos: 40},
		{PCOffset: 4, HandlerPos: 32},
		{PCOffset: 8, HandlerPos: 48},
	})
	require.Equal(t, 5, tbl.Len())
	require.Equal(t, []HandlerEntry{
		{Len: 2, PCO: 8},
		{Len: -1, PCO: 40},
		{Len: -1, PCO: 48},
		{Len: 1, PCO: 4},
		{Len: -1, PCO: 32},
	}, tbl.Entries())
	require.Equal(t, []int{40, 48}, tbl.Handlers(8))
	require.Equal(t, []int{32}, tbl.Handlers(4))
	require.Empty(t, tbl.Handlers(12))
}
