// Package hostvm is a small managed runtime that installed code is registered
// into. It owns the code cache, the shared call stubs and the class
// hierarchy dependencies are validated against, and it deoptimizes code
// whose dependencies a later class load breaks.
package hostvm

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tinyrange/codeinstall/internal/codecache"
	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/deps"
	"github.com/tinyrange/codeinstall/internal/installer"
	"github.com/tinyrange/codeinstall/internal/oops"
	"github.com/tinyrange/codeinstall/internal/symbols"
)

// Config describes a VM.
type Config struct {
	// CodeCacheSize is the capacity of the code cache in bytes.
	CodeCacheSize int
	// CodeCacheBase is the address the heap code cache pretends to live at.
	// Ignored when Executable is set.
	CodeCacheBase uintptr
	// Executable backs the code cache with mmap'ed memory that is made
	// executable on registration.
	Executable bool
	// ScratchBufferSize caps the buffer handed to a single installation.
	// Zero means every request is served in full.
	ScratchBufferSize int

	CompressedOops          oops.Encoding
	CompressedKlassPointers oops.Encoding

	// Symbols resolves foreign calls. Nil means no symbols are known.
	Symbols symbols.Resolver
	Logger  *slog.Logger
}

const (
	defaultCodeCacheSize = 16 << 20
	defaultCodeCacheBase = 0x7f0000000000
	sharedStubSize       = codecache.Alignment
	pollingPageSize      = 4096
)

type methodCode struct {
	def *NMethod
	osr map[int]*NMethod
}

// VM is safe for concurrent use.
type VM struct {
	cfg   Config
	log   *slog.Logger
	cache codecache.Provider

	stubs       *codecache.Blob
	pollingPage *codecache.Blob

	mu          sync.Mutex
	hier        *hierarchy
	code        map[uuid.UUID]*NMethod
	methods     map[uint64]*methodCode
	runtimeStub map[string]*RuntimeStub
	symbols     symbols.Resolver
}

func New(cfg Config) (*VM, error) {
	if cfg.CodeCacheSize == 0 {
		cfg.CodeCacheSize = defaultCodeCacheSize
	}
	if cfg.CodeCacheBase == 0 {
		cfg.CodeCacheBase = defaultCodeCacheBase
	}
	if cfg.ScratchBufferSize < 0 {
		return nil, fmt.Errorf("hostvm: negative scratch buffer size %d", cfg.ScratchBufferSize)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	var cache codecache.Provider
	if cfg.Executable {
		cache = codecache.NewMmap(cfg.CodeCacheSize)
	} else {
		cache = codecache.NewHeap(cfg.CodeCacheSize, cfg.CodeCacheBase)
	}

	vm := &VM{
		cfg:         cfg,
		log:         log,
		cache:       cache,
		hier:        newHierarchy(),
		code:        make(map[uuid.UUID]*NMethod),
		methods:     make(map[uint64]*methodCode),
		runtimeStub: make(map[string]*RuntimeStub),
		symbols:     cfg.Symbols,
	}
	if vm.symbols == nil {
		vm.symbols = symbols.NewTable()
	}

	var err error
	if vm.stubs, err = cache.Acquire(3 * sharedStubSize); err != nil {
		return nil, fmt.Errorf("hostvm: allocate shared stubs: %w", err)
	}
	if vm.pollingPage, err = cache.Acquire(pollingPageSize); err != nil {
		cache.Release(vm.stubs)
		return nil, fmt.Errorf("hostvm: allocate polling page: %w", err)
	}
	log.Debug("hostvm started", "code_cache", cfg.CodeCacheSize, "executable", cfg.Executable)
	return vm, nil
}

// Close releases every installed code object.
func (vm *VM) Close() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for id, nm := range vm.code {
		vm.cache.Release(nm.blob)
		delete(vm.code, id)
	}
	for name, s := range vm.runtimeStub {
		vm.cache.Release(s.blob)
		delete(vm.runtimeStub, name)
	}
	vm.methods = make(map[uint64]*methodCode)
	vm.cache.Release(vm.stubs)
	vm.cache.Release(vm.pollingPage)
	return nil
}

// AcquireCodeBuffer implements installer.CodeMemory.
func (vm *VM) AcquireCodeBuffer(size int) (*codecache.Blob, error) {
	if vm.cfg.ScratchBufferSize > 0 && size > vm.cfg.ScratchBufferSize {
		size = vm.cfg.ScratchBufferSize
	}
	return vm.cache.Acquire(size)
}

func (vm *VM) ReleaseCodeBuffer(b *codecache.Blob) { vm.cache.Release(b) }

func (vm *VM) ResolveVirtualCallStub() uintptr    { return vm.stubs.Addr(0) }
func (vm *VM) ResolveStaticCallStub() uintptr     { return vm.stubs.Addr(sharedStubSize) }
func (vm *VM) ResolveOptVirtualCallStub() uintptr { return vm.stubs.Addr(2 * sharedStubSize) }
func (vm *VM) PollingPage() uintptr               { return vm.pollingPage.Base }

func (vm *VM) ResolveSymbol(name string) (uintptr, error) { return vm.symbols.ResolveSymbol(name) }

func (vm *VM) CompressedOops() oops.Encoding          { return vm.cfg.CompressedOops }
func (vm *VM) CompressedKlassPointers() oops.Encoding { return vm.cfg.CompressedKlassPointers }

// HierarchyVersion is the class hierarchy modification counter. A
// compilation records it when it starts.
func (vm *VM) HierarchyVersion() uint64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.hier.version
}

// CompileEnv captures the state a compilation starts from.
func (vm *VM) CompileEnv() *installer.CompileEnv {
	return &installer.CompileEnv{HierarchyVersion: vm.HierarchyVersion()}
}

// Register implements installer.Registrar. Dependencies are validated under
// the VM lock so no class load can slip in between validation and
// publication.
func (vm *VM) Register(r *installer.Registration) (installer.InstalledCode, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if !r.IsStub() {
		changed := r.Env == nil || r.Env.HierarchyVersion != vm.hier.version
		if err := deps.Validate(r.Dependencies, vm.hier, changed); err != nil {
			return nil, err
		}
	}
	if err := vm.cache.Seal(r.Buffer.Blob()); err != nil {
		return nil, fmt.Errorf("hostvm: seal %s: %w", r.Name, err)
	}

	if r.IsStub() {
		s := &RuntimeStub{codeBlob: newCodeBlob(r)}
		if old, ok := vm.runtimeStub[r.StubName]; ok {
			vm.log.Debug("replacing runtime stub", "name", r.StubName, "old", old.ID())
		}
		vm.runtimeStub[r.StubName] = s
		return s, nil
	}

	nm := &NMethod{
		codeBlob:     newCodeBlob(r),
		method:       r.Method,
		entryBCI:     r.EntryBCI,
		compileID:    r.CompileID,
		offsets:      r.Offsets,
		debug:        r.Debug.Reader(),
		oops:         r.Oops,
		dependencies: r.Dependencies.All(),
		handlers:     r.ExceptionTable,
		implicit:     append([]int(nil), r.ImplicitExceptions...),
	}
	vm.code[nm.id] = nm

	mc := vm.methods[r.Method.ID]
	if mc == nil {
		mc = &methodCode{osr: make(map[int]*NMethod)}
		vm.methods[r.Method.ID] = mc
	}
	switch {
	case nm.IsOSR():
		if old := mc.osr[nm.entryBCI]; old != nil {
			vm.makeNotEntrant(old, "replaced")
		}
		mc.osr[nm.entryBCI] = nm
	case r.InstallAsDefault:
		if mc.def != nil {
			vm.makeNotEntrant(mc.def, "replaced")
		}
		mc.def = nm
	}
	return nm, nil
}

func (vm *VM) makeNotEntrant(nm *NMethod, reason string) {
	if nm.makeNotEntrant() {
		vm.log.Info("made not entrant", "code", nm.name, "id", nm.id, "reason", reason)
	}
}

// DefaultCode returns the code new invocations of m enter.
func (vm *VM) DefaultCode(m *compiled.Method) *NMethod {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if mc := vm.methods[m.ID]; mc != nil && mc.def != nil && mc.def.Alive() {
		return mc.def
	}
	return nil
}

// OSRCode returns the on-stack-replacement code of m at bci.
func (vm *VM) OSRCode(m *compiled.Method, bci int) *NMethod {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if mc := vm.methods[m.ID]; mc != nil {
		if nm := mc.osr[bci]; nm != nil && nm.Alive() {
			return nm
		}
	}
	return nil
}

func (vm *VM) RuntimeStub(name string) *RuntimeStub {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.runtimeStub[name]
}

// Lookup finds installed code by id.
func (vm *VM) Lookup(id uuid.UUID) (*NMethod, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	nm, ok := vm.code[id]
	return nm, ok
}

// Code returns every installed method ordered by compile id.
func (vm *VM) Code() []*NMethod {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	out := make([]*NMethod, 0, len(vm.code))
	for _, nm := range vm.code {
		out = append(out, nm)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].compileID != out[j].compileID {
			return out[i].compileID < out[j].compileID
		}
		return out[i].name < out[j].name
	})
	return out
}

// Unload frees a method that is no longer entrant.
func (vm *VM) Unload(id uuid.UUID) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	nm, ok := vm.code[id]
	if !ok {
		return fmt.Errorf("hostvm: no code %s", id)
	}
	if nm.Alive() {
		return errors.New("hostvm: code is still entrant")
	}
	delete(vm.code, id)
	if mc := vm.methods[nm.method.ID]; mc != nil {
		if mc.def == nm {
			mc.def = nil
		}
		if mc.osr[nm.entryBCI] == nm {
			delete(mc.osr, nm.entryBCI)
		}
	}
	vm.cache.Release(nm.blob)
	return nil
}

// Stats describes the code cache.
type Stats struct {
	Capacity     int
	Used         int
	Methods      int
	Alive        int
	RuntimeStubs int
}

func (vm *VM) Stats() Stats {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	s := Stats{
		Capacity:     vm.cache.Capacity(),
		Used:         vm.cache.Used(),
		Methods:      len(vm.code),
		RuntimeStubs: len(vm.runtimeStub),
	}
	for _, nm := range vm.code {
		if nm.Alive() {
			s.Alive++
		}
	}
	return s
}
