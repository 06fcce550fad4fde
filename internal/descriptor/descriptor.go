// Package descriptor reads compiled code descriptions from YAML files so
// code can be installed without a compiler attached. A descriptor is the
// serialized form of compiled.CompiledCode.
package descriptor

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// Format is the newest descriptor format understood. Files declaring a
// different major version, or a newer minor version, are rejected.
const Format = "v1.1.0"

type Descriptor struct {
	Format string `yaml:"format"`
	Name   string `yaml:"name"`
	Arch   string `yaml:"arch,omitempty"`

	Code                  Hex `yaml:"code"`
	CodeSize              int `yaml:"codeSize,omitempty"`
	TotalFrameSize        int `yaml:"totalFrameSize"`
	CustomStackAreaOffset int `yaml:"customStackAreaOffset,omitempty"`

	DataSection          Hex         `yaml:"dataSection,omitempty"`
	DataSectionAlignment int         `yaml:"dataSectionAlignment,omitempty"`
	DataSectionPatches   []DataPatch `yaml:"dataSectionPatches,omitempty"`

	Types   []Type   `yaml:"types,omitempty"`
	Methods []Method `yaml:"methods,omitempty"`

	// Method names the compiled method; Stub is set instead for runtime
	// stubs.
	Method           string `yaml:"method,omitempty"`
	Stub             string `yaml:"stub,omitempty"`
	EntryBCI         *int   `yaml:"entryBCI,omitempty"`
	CompileID        int    `yaml:"compileId,omitempty"`
	InstallAsDefault bool   `yaml:"installAsDefault,omitempty"`

	Sites             []Site             `yaml:"sites,omitempty"`
	ExceptionHandlers []ExceptionHandler `yaml:"exceptionHandlers,omitempty"`
	Assumptions       []Assumption       `yaml:"assumptions,omitempty"`
	Comments          []Comment          `yaml:"comments,omitempty"`
}

type Type struct {
	ID       uint64 `yaml:"id"`
	Name     string `yaml:"name"`
	Abstract bool   `yaml:"abstract,omitempty"`
	Super    string `yaml:"super,omitempty"`
	// Finalizable is set when the class overrides finalize.
	Finalizable bool `yaml:"finalizable,omitempty"`
}

type Method struct {
	ID            uint64 `yaml:"id"`
	Holder        string `yaml:"holder"`
	Name          string `yaml:"name"`
	Descriptor    string `yaml:"descriptor"`
	Static        bool   `yaml:"static,omitempty"`
	Abstract      bool   `yaml:"abstract,omitempty"`
	ParameterSize int    `yaml:"parameterSize,omitempty"`
	Bytecode      Hex    `yaml:"bytecode,omitempty"`
}

// Site is one of Mark, Call, Infopoint or DataPatch.
type Site struct {
	Mark      *Mark      `yaml:"mark,omitempty"`
	Call      *Call      `yaml:"call,omitempty"`
	Infopoint *Infopoint `yaml:"infopoint,omitempty"`
	DataPatch *DataPatch `yaml:"dataPatch,omitempty"`
}

type Mark struct {
	PC int    `yaml:"pc"`
	ID string `yaml:"id"`
}

type Call struct {
	PC int `yaml:"pc"`
	// Method names a Java callee; Foreign names a runtime entry point.
	Method  string     `yaml:"method,omitempty"`
	Foreign string     `yaml:"foreign,omitempty"`
	Address uint64     `yaml:"address,omitempty"`
	Debug   *DebugInfo `yaml:"debug,omitempty"`
}

type Infopoint struct {
	PC     int        `yaml:"pc"`
	Reason string     `yaml:"reason"`
	Debug  *DebugInfo `yaml:"debug,omitempty"`
}

// DataPatch refers either to a constant or to an offset in the data section.
// Inside dataSectionPatches PC is an offset into the data section.
type DataPatch struct {
	PC        int    `yaml:"pc"`
	Constant  *Value `yaml:"constant,omitempty"`
	Inlined   bool   `yaml:"inlined,omitempty"`
	Alignment int    `yaml:"alignment,omitempty"`
	Data      *int   `yaml:"data,omitempty"`
}

type DebugInfo struct {
	Frame      *Frame      `yaml:"frame,omitempty"`
	Position   *Frame      `yaml:"position,omitempty"`
	RefMap     *RefMap     `yaml:"refMap,omitempty"`
	CalleeSave []SavedSlot `yaml:"calleeSave,omitempty"`
}

// Frame is a bytecode frame, or a bare position when no values are given
// and it is used as a position.
type Frame struct {
	Method     string  `yaml:"method"`
	BCI        int     `yaml:"bci"`
	Locals     Values `yaml:"locals,omitempty"`
	Stack      Values `yaml:"stack,omitempty"`
	Locks      Values `yaml:"locks,omitempty"`
	Rethrow    bool   `yaml:"rethrow,omitempty"`
	DuringCall bool   `yaml:"duringCall,omitempty"`
	Caller     *Frame `yaml:"caller,omitempty"`
}

type RefMap struct {
	// Registers is the number of register locations; zero uses the
	// target's reference map registers.
	Registers int `yaml:"registers,omitempty"`
	// FrameWords defaults to the total frame size in words.
	FrameWords *int     `yaml:"frameWords,omitempty"`
	Refs       []RefLoc `yaml:"refs,omitempty"`
	// NoRegisters omits the register map, as stubs do.
	NoRegisters bool `yaml:"noRegisters,omitempty"`
}

// RefLoc is a reference in register location Reg or frame word Word.
// Narrow is "", "low", "high" or "both".
type RefLoc struct {
	Reg    *int   `yaml:"reg,omitempty"`
	Word   *int   `yaml:"word,omitempty"`
	Narrow string `yaml:"narrow,omitempty"`
}

type SavedSlot struct {
	Reg  int `yaml:"reg"`
	Slot int `yaml:"slot"`
}

type ExceptionHandler struct {
	PC      int `yaml:"pc"`
	Handler int `yaml:"handler"`
}

type Assumption struct {
	Kind         string `yaml:"kind"`
	Method       string `yaml:"method,omitempty"`
	Context      string `yaml:"context,omitempty"`
	Subtype      string `yaml:"subtype,omitempty"`
	Impl         string `yaml:"impl,omitempty"`
	CallSite     uint64 `yaml:"callSite,omitempty"`
	MethodHandle uint64 `yaml:"methodHandle,omitempty"`
}

type Comment struct {
	PC   int    `yaml:"pc"`
	Text string `yaml:"text"`
}

func (d *Descriptor) normalize() {
	if d.Format == "" {
		d.Format = Format
	}
	if d.CodeSize == 0 {
		d.CodeSize = len(d.Code)
	}
}

// checkFormat accepts any format with the same major version that is not
// newer than Format.
func checkFormat(v string) error {
	if !semver.IsValid(v) {
		return fmt.Errorf("invalid descriptor format %q", v)
	}
	if semver.Major(v) != semver.Major(Format) || semver.Compare(v, Format) > 0 {
		return fmt.Errorf("descriptor format %s not supported (want %s.x up to %s)", v, semver.Major(Format), Format)
	}
	return nil
}

// Parse decodes one descriptor.
func Parse(data []byte) (*Descriptor, error) {
	var d Descriptor
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	d.normalize()
	if err := checkFormat(d.Format); err != nil {
		return nil, err
	}
	return &d, nil
}

func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Hex is a byte string written as hex digits. Whitespace is ignored.
type Hex []byte

func (h *Hex) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	b, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*h = b
	return nil
}

func (h Hex) MarshalYAML() (any, error) {
	return hex.EncodeToString(h), nil
}
