package installer

import (
	"errors"

	"github.com/tinyrange/codeinstall/internal/codebuf"
	"github.com/tinyrange/codeinstall/internal/codecache"
	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/debuginfo"
	"github.com/tinyrange/codeinstall/internal/deps"
	"github.com/tinyrange/codeinstall/internal/oopmap"
	"github.com/tinyrange/codeinstall/internal/oops"
)

// Recoverable failures. The caller may retry the compilation or leave the
// method interpreted; runtime state is untouched.
var (
	ErrCacheFull           = codecache.ErrCacheFull
	ErrBufferTooSmall      = codebuf.ErrBufferTooSmall
	ErrCodeTooLarge        = errors.New("code too large")
	ErrDependenciesFailed  = deps.ErrDependenciesFailed
	ErrDependenciesInvalid = deps.ErrDependenciesInvalid
)

// CodeMemory hands out the scratch region code is laid out in.
type CodeMemory interface {
	// AcquireCodeBuffer returns a region of at least size bytes or an
	// error wrapping ErrCacheFull. The runtime may return a smaller,
	// fixed-size scratch region.
	AcquireCodeBuffer(size int) (*codecache.Blob, error)
	ReleaseCodeBuffer(b *codecache.Blob)
}

// StubResolver provides the shared runtime entry points calls are routed
// through until they are resolved.
type StubResolver interface {
	ResolveVirtualCallStub() uintptr
	ResolveStaticCallStub() uintptr
	ResolveOptVirtualCallStub() uintptr
	PollingPage() uintptr
}

// SymbolResolver maps foreign call names to addresses.
type SymbolResolver interface {
	ResolveSymbol(name string) (uintptr, error)
}

// Registrar publishes finished code. It validates the dependencies and
// takes ownership of the buffer on success.
type Registrar interface {
	Register(r *Registration) (InstalledCode, error)
}

// Runtime is everything the installer needs from the hosting VM.
type Runtime interface {
	CodeMemory
	StubResolver
	SymbolResolver
	Registrar
	CompressedOops() oops.Encoding
	CompressedKlassPointers() oops.Encoding
}

// SafepointPoller is implemented by runtimes that want a cooperative
// checkpoint after every site.
type SafepointPoller interface {
	SafepointPoll()
}

// InstalledCode is the handle returned by a successful registration.
type InstalledCode interface {
	Name() string
	EntryPoint() uintptr
	IsStub() bool
}

// CompileEnv is the runtime state the compilation started from.
type CompileEnv struct {
	// HierarchyVersion is the class hierarchy modification counter read
	// when the compilation started.
	HierarchyVersion uint64
}

// Offsets are the entry points of a method in insts offsets. Unset entries
// are -1.
type Offsets struct {
	Entry         int
	VerifiedEntry int
	OSREntry      int
	Exceptions    int
	Deopt         int
}

func newOffsets() Offsets {
	return Offsets{Entry: 0, VerifiedEntry: 0, OSREntry: -1, Exceptions: -1, Deopt: -1}
}

// Registration is the request handed to the Registrar.
type Registration struct {
	Name   string
	Buffer *codebuf.CodeBuffer

	FrameWords            int
	CustomStackAreaOffset int
	Offsets               Offsets

	OopMaps            *oopmap.Set
	Debug              *debuginfo.Recorder
	Oops               *oops.Recorder
	Dependencies       *deps.Dependencies
	ExceptionTable     *HandlerTable
	ImplicitExceptions []int

	// Env is nil when the compile state is unknown; dependencies are then
	// treated as if the hierarchy changed.
	Env *CompileEnv

	// Method identity. StubName is set instead for runtime stubs.
	Method           *compiled.Method
	EntryBCI         int
	CompileID        int
	InstallAsDefault bool
	StubName         string
}

// IsStub reports whether a runtime stub is requested.
func (r *Registration) IsStub() bool { return r.Method == nil }
