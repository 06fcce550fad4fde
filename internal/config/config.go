// Package config loads the codeinstall.yaml file that describes the runtime
// code is installed into.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/codeinstall/internal/arch"
	_ "github.com/tinyrange/codeinstall/internal/arch/aarch64"
	_ "github.com/tinyrange/codeinstall/internal/arch/amd64"
	"github.com/tinyrange/codeinstall/internal/hostvm"
	"github.com/tinyrange/codeinstall/internal/installer"
	"github.com/tinyrange/codeinstall/internal/oops"
)

const (
	Filename = "codeinstall.yaml"

	DefaultCodeCacheSize = "16MiB"
	DefaultWorkers       = 4
)

type Config struct {
	Version int    `yaml:"version"`
	Arch    string `yaml:"arch"`

	CodeCache CodeCacheConfig `yaml:"codeCache"`
	// MaxCodeSize caps one code object, e.g. "1MiB". Empty means no limit.
	MaxCodeSize     string `yaml:"maxCodeSize,omitempty"`
	SafepointChecks bool   `yaml:"safepointChecks,omitempty"`

	CompressedOops          EncodingConfig `yaml:"compressedOops"`
	CompressedKlassPointers EncodingConfig `yaml:"compressedKlassPointers"`

	Symbols SymbolsConfig `yaml:"symbols,omitempty"`

	Workers  int    `yaml:"workers,omitempty"`
	LogLevel string `yaml:"logLevel,omitempty"`
}

type CodeCacheConfig struct {
	Size          string `yaml:"size"`
	Base          uint64 `yaml:"base,omitempty"`
	Executable    bool   `yaml:"executable,omitempty"`
	ScratchBuffer string `yaml:"scratchBuffer,omitempty"`
}

type EncodingConfig struct {
	Base  uint64 `yaml:"base"`
	Shift uint   `yaml:"shift"`
}

type SymbolsConfig struct {
	// Table maps runtime entry points to fixed addresses.
	Table map[string]uint64 `yaml:"table,omitempty"`
	// Libraries are loaded and searched after the table.
	Libraries []string `yaml:"libraries,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Arch == "" {
		c.Arch = runtime.GOARCH
	}
	if c.CodeCache.Size == "" {
		c.CodeCache.Size = DefaultCodeCacheSize
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.CompressedOops.Shift == 0 && c.CompressedOops.Base == 0 {
		c.CompressedOops.Shift = 3
	}
	if c.CompressedKlassPointers.Shift == 0 && c.CompressedKlassPointers.Base == 0 {
		c.CompressedKlassPointers.Shift = 3
	}
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", Filename, err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads path, or path/codeinstall.yaml when path is a directory.
func Load(path string) (Config, error) {
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		path = filepath.Join(path, Filename)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", Filename, err)
	}
	return Parse(data)
}

// Write stores c as YAML at path.
func Write(path string, c Config) error {
	c.normalize()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return enc.Close()
}

func (c Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	if _, err := arch.Lookup(arch.Name(c.Arch)); err != nil {
		return err
	}
	if _, err := c.CodeCacheSize(); err != nil {
		return err
	}
	if _, err := c.ScratchBufferSize(); err != nil {
		return err
	}
	if _, err := c.MaxCodeSizeBytes(); err != nil {
		return err
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// parseSize accepts human sizes such as "64KiB" or "16MB". Both suffix
// families are binary.
func parseSize(field, s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if n < 0 || int64(int(n)) != n {
		return 0, fmt.Errorf("%s: size %q out of range", field, s)
	}
	return int(n), nil
}

func (c Config) CodeCacheSize() (int, error) {
	n, err := parseSize("codeCache.size", c.CodeCache.Size)
	if err == nil && n == 0 {
		err = fmt.Errorf("codeCache.size must be positive")
	}
	return n, err
}

func (c Config) ScratchBufferSize() (int, error) {
	return parseSize("codeCache.scratchBuffer", c.CodeCache.ScratchBuffer)
}

func (c Config) MaxCodeSizeBytes() (int, error) {
	return parseSize("maxCodeSize", c.MaxCodeSize)
}

func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("logLevel: %w", err)
	}
	return l, nil
}

// VM returns the host VM configuration. The symbol resolver is left to the
// caller, which owns the loaded libraries.
func (c Config) VM(log *slog.Logger) (hostvm.Config, error) {
	size, err := c.CodeCacheSize()
	if err != nil {
		return hostvm.Config{}, err
	}
	scratch, err := c.ScratchBufferSize()
	if err != nil {
		return hostvm.Config{}, err
	}
	return hostvm.Config{
		CodeCacheSize:           size,
		CodeCacheBase:           uintptr(c.CodeCache.Base),
		Executable:              c.CodeCache.Executable,
		ScratchBufferSize:       scratch,
		CompressedOops:          oops.Encoding{Base: c.CompressedOops.Base, Shift: c.CompressedOops.Shift},
		CompressedKlassPointers: oops.Encoding{Base: c.CompressedKlassPointers.Base, Shift: c.CompressedKlassPointers.Shift},
		Logger:                  log,
	}, nil
}

func (c Config) Installer(log *slog.Logger) (installer.Config, error) {
	limit, err := c.MaxCodeSizeBytes()
	if err != nil {
		return installer.Config{}, err
	}
	return installer.Config{
		Arch:            arch.Name(c.Arch),
		MaxCodeSize:     limit,
		SafepointChecks: c.SafepointChecks,
		Logger:          log,
	}, nil
}

// HumanSize formats a byte count the way sizes are written in the file.
func HumanSize(n int) string {
	return units.BytesSize(float64(n))
}
