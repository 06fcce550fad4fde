package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/codeinstall/internal/arch"
	"github.com/tinyrange/codeinstall/internal/config"
	"github.com/tinyrange/codeinstall/internal/descriptor"
	"github.com/tinyrange/codeinstall/internal/fault"
	"github.com/tinyrange/codeinstall/internal/hostvm"
	"github.com/tinyrange/codeinstall/internal/installer"
	"github.com/tinyrange/codeinstall/internal/report"
	"github.com/tinyrange/codeinstall/internal/symbols"
	"github.com/tinyrange/codeinstall/internal/timing"
)

func usage() {
	fmt.Fprintf(os.Stderr, `codeinstall - install compiled code descriptors into a host VM

USAGE:
  codeinstall [flags] <descriptor.yaml>...
  codeinstall init [dir]          Write a default %s
  codeinstall timings <file>      Summarize a timings file

FLAGS:
`, config.Filename)
	flag.PrintDefaults()
}

func run() error {
	configPath := flag.String("config", "", "config file or directory (default: ./"+config.Filename+" when present)")
	archName := flag.String("arch", "", "target architecture, overrides the config")
	workers := flag.Int("j", 0, "concurrent installations, overrides the config")
	timingsPath := flag.String("timings", "", "write per-phase timings to file")
	dump := flag.Bool("dump", false, "print relocations, scopes and dependencies of installed methods")
	verbose := flag.Bool("v", false, "log at debug level")

	flag.Usage = usage
	flag.Parse()

	switch flag.Arg(0) {
	case "init":
		return runInit(flag.Arg(1))
	case "timings":
		if flag.NArg() != 2 {
			flag.Usage()
			os.Exit(1)
		}
		return runTimings(flag.Arg(1))
	}

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *archName != "" {
		cfg.Arch = *archName
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *timingsPath != "" {
		f, err := os.Create(*timingsPath)
		if err != nil {
			return fmt.Errorf("create timings file: %w", err)
		}
		defer f.Close()
		rec, err := timing.StartRecording(f)
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				log.Error("close timings", "error", err)
			}
		}()
	}

	resolver, closeLibs, err := openSymbols(cfg)
	if err != nil {
		return err
	}
	defer closeLibs()

	vmCfg, err := cfg.VM(log)
	if err != nil {
		return err
	}
	vmCfg.Symbols = resolver
	vm, err := hostvm.New(vmCfg)
	if err != nil {
		return fmt.Errorf("start host VM: %w", err)
	}
	defer vm.Close()

	instCfg, err := cfg.Installer(log)
	if err != nil {
		return err
	}
	inst, err := installer.New(vm, instCfg)
	if err != nil {
		return err
	}

	descs := make([]*descriptor.Descriptor, flag.NArg())
	for i, path := range flag.Args() {
		d, err := descriptor.Load(path)
		if err != nil {
			return err
		}
		if err := defineClasses(vm, d); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		descs[i] = d
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	outs := install(ctx, log, vm, inst, flag.Args(), descs, cfg.Workers)

	color := term.IsTerminal(int(os.Stdout.Fd()))
	p := report.New(os.Stdout, color)
	p.Outcomes(outs)
	if *dump {
		for _, o := range outs {
			if o.Err != nil {
				continue
			}
			if nm, ok := o.Result.Code.(*hostvm.NMethod); ok {
				p.NMethod(nm)
			} else {
				p.Result(o.Result)
			}
		}
	}
	p.VM(vm.Stats())

	for _, o := range outs {
		if o.Err != nil {
			return errors.New("some installations failed")
		}
	}
	return ctx.Err()
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat(config.Filename); err == nil {
		return config.Load(config.Filename)
	}
	return config.Default(), nil
}

// openSymbols builds the resolver chain: the fixed table first, then every
// configured library in order.
func openSymbols(cfg config.Config) (symbols.Resolver, func(), error) {
	table := symbols.NewTable()
	for name, addr := range cfg.Symbols.Table {
		if err := table.Define(name, uintptr(addr)); err != nil {
			return nil, nil, err
		}
	}
	chain := symbols.Chain{table}
	var libs []*symbols.Library
	closeAll := func() {
		for _, l := range libs {
			l.Close()
		}
	}
	for _, path := range cfg.Symbols.Libraries {
		l, err := symbols.Open(path)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		libs = append(libs, l)
		chain = append(chain, l)
	}
	return chain, closeAll, nil
}

// defineClasses loads the types a descriptor declares unless an earlier
// descriptor already did.
func defineClasses(vm *hostvm.VM, d *descriptor.Descriptor) error {
	defs, err := descriptor.Classes(d)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if _, ok := vm.Class(def.Type); ok {
			continue
		}
		if _, err := vm.DefineClass(def.Type, def.Super, def.Finalizable, def.Methods...); err != nil {
			return err
		}
	}
	return nil
}

func install(ctx context.Context, log *slog.Logger, vm *hostvm.VM, inst *installer.Installer, paths []string, descs []*descriptor.Descriptor, workers int) []report.Outcome {
	outs := make([]report.Outcome, len(descs))

	var bar *progressbar.ProgressBar
	if len(descs) > 1 && term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(len(descs)), "installing")
		defer bar.Close()
	}
	var barMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, d := range descs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outs[i] = report.Outcome{Source: filepath.Base(paths[i]), Err: err}
				return nil
			}
			start := time.Now()
			res, err := installOne(vm, inst, d)
			outs[i] = report.Outcome{Source: filepath.Base(paths[i]), Result: res, Err: err, Duration: time.Since(start)}
			if err != nil {
				log.Debug("install failed", "descriptor", paths[i], "error", err)
			}
			if bar != nil {
				barMu.Lock()
				bar.Add(1)
				barMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return outs
}

// installOne builds and installs one descriptor. A fatal fault only aborts
// this descriptor; it is reported like any other error.
func installOne(vm *hostvm.VM, inst *installer.Installer, d *descriptor.Descriptor) (res *installer.Result, err error) {
	code, err := descriptor.Build(d, inst.Target())
	if err != nil {
		return nil, err
	}
	env := vm.CompileEnv()
	if f := fault.Catch(func() { res, err = inst.InstallWithEnv(code, env) }); f != nil {
		return nil, f
	}
	return res, err
}

func runInit(dir string) error {
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, config.Filename)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	cfg := config.Default()
	if _, err := arch.Lookup(arch.Name(cfg.Arch)); err != nil {
		cfg.Arch = string(arch.AMD64)
	}
	if err := config.Write(path, cfg); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func runTimings(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open timings file: %w", err)
	}
	defer f.Close()
	sums, err := timing.Summarize(f)
	if err != nil {
		return err
	}
	report.New(os.Stdout, term.IsTerminal(int(os.Stdout.Fd()))).Timings(sums)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "codeinstall: %v\n", err)
		os.Exit(1)
	}
}
