// Package installer turns a compiler's CompiledCode into an installed,
// executable code object: it lays out the code buffer, patches and relocates
// every site, records oop maps and deoptimization info, maps assumptions to
// dependencies and registers the result with the runtime.
//
// Two classes of failure exist. Recoverable ones (full code cache, buffer
// too small, code too large, invalid dependencies) are returned as errors
// matching the Err variables. Malformed input from the compiler is fatal: it
// panics with a *fault.Fault after the installation has been torn down.
package installer

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/tinyrange/codeinstall/internal/arch"
	"github.com/tinyrange/codeinstall/internal/codebuf"
	"github.com/tinyrange/codeinstall/internal/codecache"
	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/debuginfo"
	"github.com/tinyrange/codeinstall/internal/deps"
	"github.com/tinyrange/codeinstall/internal/oopmap"
	"github.com/tinyrange/codeinstall/internal/oops"
	"github.com/tinyrange/codeinstall/internal/timing"
)

var (
	phaseValidate    = timing.RegisterPhase("validate")
	phaseAcquire     = timing.RegisterPhase("acquire")
	phaseAssumptions = timing.RegisterPhase("assumptions")
	phaseLayout      = timing.RegisterPhase("layout")
	phaseSites       = timing.RegisterPhase("sites")
	phaseRegister    = timing.RegisterPhase("register")
)

// Config controls an Installer.
type Config struct {
	// Arch selects the target. Empty means the host architecture.
	Arch arch.Name
	// MaxCodeSize caps the estimated size of one code object. Zero means
	// no limit.
	MaxCodeSize int
	// SafepointChecks makes the installer call the runtime's
	// SafepointPoller after every site.
	SafepointChecks bool
	Logger          *slog.Logger
}

// Installer installs code into one runtime. It keeps no per-installation
// state and may be used from several goroutines.
type Installer struct {
	rt     Runtime
	cfg    Config
	target arch.Target
	log    *slog.Logger
}

func New(rt Runtime, cfg Config) (*Installer, error) {
	if rt == nil {
		return nil, fmt.Errorf("installer: runtime must be non-nil")
	}
	name := cfg.Arch
	if name == arch.Invalid {
		name = arch.Name(runtime.GOARCH)
	}
	t, err := arch.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("installer: %w", err)
	}
	if cfg.MaxCodeSize < 0 {
		return nil, fmt.Errorf("installer: negative max code size %d", cfg.MaxCodeSize)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Installer{rt: rt, cfg: cfg, target: t, log: log.With("arch", t.Name())}, nil
}

func (in *Installer) Target() arch.Target { return in.target }

// Stats summarizes one installation.
type Stats struct {
	ConstantsSize int
	CodeSize      int
	StubsSize     int
	Relocations   int
	Safepoints    int
	OopMaps       int
	Dependencies  int
}

// Result is a successful installation.
type Result struct {
	Code  InstalledCode
	State State
	Stats Stats
}

// installation is the state of one Install call. Nothing in it outlives
// the call except what is handed to the Registrar.
type installation struct {
	in     *Installer
	rt     Runtime
	target arch.Target
	log    *slog.Logger
	code   *compiled.CompiledCode
	state  State

	blob          *codecache.Blob
	cb            *codebuf.CodeBuffer
	constantsSize int

	oops    *oops.Recorder
	maps    *oopmap.Set
	debug   *debuginfo.Recorder
	deps    *deps.Dependencies
	offsets Offsets

	implicitExceptions []int
	stats              Stats

	timer *timing.Recorder
	phase timing.Phase
}

// enter ends the running phase and starts p.
func (x *installation) enter(p timing.Phase) {
	x.timer.Mark(x.phase)
	x.phase = p
}

// Install installs code with an unknown compile state: dependencies are
// checked as if the class hierarchy changed since compilation.
func (in *Installer) Install(code *compiled.CompiledCode) (*Result, error) {
	return in.InstallWithEnv(code, nil)
}

// InstallWithEnv installs code compiled against env.
func (in *Installer) InstallWithEnv(code *compiled.CompiledCode, env *CompileEnv) (res *Result, err error) {
	if code == nil {
		return nil, fmt.Errorf("installer: nil compiled code")
	}
	name := code.Name
	if name == "" {
		if code.IsStub() {
			name = code.StubName
		} else {
			name = code.Method.String()
		}
	}
	x := &installation{
		in:      in,
		rt:      in.rt,
		target:  in.target,
		log:     in.log.With("code", name),
		code:    code,
		oops:    oops.NewRecorder(),
		maps:    oopmap.NewSet(),
		deps:    deps.New(),
		offsets: newOffsets(),
		timer:   timing.NewRecorder(),
		phase:   phaseValidate,
	}
	x.debug = debuginfo.NewRecorder(x.oops, x.maps)

	registered := false
	defer func() {
		r := recover()
		if registered {
			return
		}
		x.state = Failed
		x.timer.Fail(x.phase)
		if x.blob != nil {
			x.rt.ReleaseCodeBuffer(x.blob)
		}
		if r != nil {
			x.log.Error("installation aborted", "error", r)
			panic(r)
		}
		if err != nil {
			x.log.Warn("installation failed", "error", err)
		}
	}()

	x.validate()

	// Reserve the buffer.
	x.enter(phaseAcquire)
	est := x.estimateSizes()
	x.constantsSize = est.constants
	x.stats.ConstantsSize = est.constants
	x.stats.CodeSize = code.CodeSize
	x.stats.StubsSize = est.stubs
	if limit := in.cfg.MaxCodeSize; limit > 0 && est.total() > limit {
		return nil, fmt.Errorf("%s needs %d bytes, limit %d: %w", name, est.total(), limit, ErrCodeTooLarge)
	}
	blob, err := x.rt.AcquireCodeBuffer(est.total())
	if err != nil {
		return nil, fmt.Errorf("acquire %d bytes for %s: %w", est.total(), name, err)
	}
	x.blob = blob

	x.enter(phaseAssumptions)
	x.gatherAssumptions()
	x.advance(AssumptionsGathered)

	x.enter(phaseLayout)
	if err := x.layOut(est); err != nil {
		return nil, fmt.Errorf("lay out %s: %w", name, err)
	}
	x.advance(BufferLaidOut)

	x.enter(phaseSites)
	x.patchDataSection()
	for _, c := range code.Comments {
		x.cb.BlockComment(c.PCOffset, c.Text)
	}
	x.processSites()
	x.advance(SitesProcessed)

	table := buildHandlerTable(code.ExceptionHandlers)
	x.checkLayout()

	x.stats.Relocations = len(x.cb.Consts().Relocations()) + len(x.cb.Insts().Relocations()) + len(x.cb.Stubs().Relocations())
	x.stats.OopMaps = x.maps.Len()
	x.stats.Dependencies = x.deps.Len()

	reg := &Registration{
		Name:                  name,
		Buffer:                x.cb,
		FrameWords:            code.TotalFrameSize / (x.target.SlotsPerWord() * 4),
		CustomStackAreaOffset: code.CustomStackAreaOffset,
		Offsets:               x.offsets,
		OopMaps:               x.maps,
		Debug:                 x.debug,
		Oops:                  x.oops,
		Dependencies:          x.deps,
		ExceptionTable:        table,
		ImplicitExceptions:    x.implicitExceptions,
		Env:                   env,
		Method:                code.Method,
		EntryBCI:              code.EntryBCI,
		CompileID:             code.ID,
		InstallAsDefault:      code.InstallAsDefault,
		StubName:              code.StubName,
	}
	x.enter(phaseRegister)
	installed, err := x.rt.Register(reg)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", name, err)
	}
	registered = true
	x.advance(Registered)
	x.timer.Mark(x.phase)

	x.log.Info("installed code",
		"entry", fmt.Sprintf("%#x", installed.EntryPoint()),
		"insts", x.cb.Insts().Size(),
		"consts", x.cb.Consts().Size(),
		"stubs", x.cb.Stubs().Size(),
		"relocations", x.stats.Relocations,
		"safepoints", x.stats.Safepoints,
		"dependencies", x.stats.Dependencies)
	return &Result{Code: installed, State: x.state, Stats: x.stats}, nil
}
