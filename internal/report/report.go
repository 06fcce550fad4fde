// Package report prints installation results for people. Styling is only
// emitted when the printer was created for a terminal.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/codeinstall/internal/codebuf"
	"github.com/tinyrange/codeinstall/internal/config"
	"github.com/tinyrange/codeinstall/internal/debuginfo"
	"github.com/tinyrange/codeinstall/internal/hostvm"
	"github.com/tinyrange/codeinstall/internal/installer"
	"github.com/tinyrange/codeinstall/internal/timing"
)

// maxNameWidth truncates code names in tables.
const maxNameWidth = 48

type Printer struct {
	w     io.Writer
	color bool
}

func New(w io.Writer, color bool) *Printer {
	return &Printer{w: w, color: color}
}

func (p *Printer) bold(s string) string {
	if !p.color {
		return s
	}
	return ansi.Style{}.Bold().Styled(s)
}

func (p *Printer) faint(s string) string {
	if !p.color {
		return s
	}
	return ansi.Style{}.Faint().Styled(s)
}

func (p *Printer) status(ok bool) string {
	if ok {
		return p.bold("ok")
	}
	return p.bold("FAIL")
}

// table writes rows with columns padded to the widest cell. Widths are
// measured without escape sequences.
func (p *Printer) table(rows [][]string) {
	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			if w := ansi.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	for _, row := range rows {
		var sb strings.Builder
		for i, cell := range row {
			sb.WriteString(cell)
			if i < len(row)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(cell)+2))
			}
		}
		fmt.Fprintln(p.w, strings.TrimRight(sb.String(), " "))
	}
}

func name(s string) string {
	return ansi.Truncate(s, maxNameWidth, "…")
}

// Outcome is the result of installing one descriptor.
type Outcome struct {
	Source   string
	Result   *installer.Result
	Err      error
	Duration time.Duration
}

// Outcomes prints one line per installation followed by a total.
func (p *Printer) Outcomes(outs []Outcome) {
	rows := [][]string{{p.bold("STATUS"), p.bold("CODE"), p.bold("ENTRY"), p.bold("SIZE"), p.bold("TIME")}}
	failed := 0
	for _, o := range outs {
		if o.Err != nil {
			failed++
			rows = append(rows, []string{p.status(false), name(o.Source), "-", "-", o.Duration.Round(time.Microsecond).String()})
			continue
		}
		s := o.Result.Stats
		rows = append(rows, []string{
			p.status(true),
			name(o.Result.Code.Name()),
			fmt.Sprintf("%#x", o.Result.Code.EntryPoint()),
			config.HumanSize(s.ConstantsSize + s.CodeSize + s.StubsSize),
			o.Duration.Round(time.Microsecond).String(),
		})
	}
	p.table(rows)
	for _, o := range outs {
		if o.Err != nil {
			fmt.Fprintf(p.w, "%s: %v\n", p.bold(o.Source), o.Err)
		}
	}
	fmt.Fprintf(p.w, "%d installed, %d failed\n", len(outs)-failed, failed)
}

// Result prints the layout of one installed code object.
func (p *Printer) Result(res *installer.Result) {
	s := res.Stats
	fmt.Fprintf(p.w, "%s %s\n", p.bold(res.Code.Name()), p.faint(res.State.String()))
	p.table([][]string{
		{"  entry", fmt.Sprintf("%#x", res.Code.EntryPoint())},
		{"  consts", fmt.Sprintf("%d", s.ConstantsSize)},
		{"  insts", fmt.Sprintf("%d", s.CodeSize)},
		{"  stubs", fmt.Sprintf("%d", s.StubsSize)},
		{"  relocations", fmt.Sprintf("%d", s.Relocations)},
		{"  safepoints", fmt.Sprintf("%d", s.Safepoints)},
		{"  oop maps", fmt.Sprintf("%d", s.OopMaps)},
		{"  dependencies", fmt.Sprintf("%d", s.Dependencies)},
	})
}

// NMethod prints the relocations, debug scopes and dependencies of nm.
func (p *Printer) NMethod(nm *hostvm.NMethod) {
	fmt.Fprintf(p.w, "%s\n", p.bold(nm.String()))
	o := nm.Offsets()
	fmt.Fprintf(p.w, "  offsets entry=%d verified=%d osr=%d exceptions=%d deopt=%d\n",
		o.Entry, o.VerifiedEntry, o.OSREntry, o.Exceptions, o.Deopt)

	var rows [][]string
	for _, id := range []codebuf.SectionID{codebuf.SectConsts, codebuf.SectInsts, codebuf.SectStubs} {
		for _, r := range nm.Relocations(id) {
			rows = append(rows, []string{"  " + id.String(), fmt.Sprintf("%d", r.Offset), r.Type.String()})
		}
	}
	if len(rows) > 0 {
		fmt.Fprintln(p.w, p.faint("  relocations"))
		p.table(rows)
	}

	if d := nm.Debug(); d != nil {
		for _, pd := range d.PcDescs() {
			sc := d.ScopesAt(pd.PC)
			if sc == nil {
				continue
			}
			fmt.Fprintf(p.w, "  pc %d%s\n", pd.PC, safepointTag(pd.Safepoint))
			p.scopes(sc)
		}
	}

	for _, dep := range nm.Dependencies() {
		fmt.Fprintf(p.w, "  depends on %s\n", dep)
	}
	for _, c := range nm.Comments() {
		fmt.Fprintf(p.w, "  %s %d: %s\n", p.faint(";"), c.Offset, c.Text)
	}
}

func safepointTag(sp bool) string {
	if sp {
		return " safepoint"
	}
	return ""
}

func (p *Printer) scopes(sc *debuginfo.ScopeDesc) {
	for depth := 0; sc != nil; sc, depth = sc.Sender, depth+1 {
		indent := strings.Repeat("  ", depth+2)
		fmt.Fprintf(p.w, "%s%s %s\n", indent, sc, p.faint(sc.Flags.String()))
		if len(sc.Locals) > 0 {
			fmt.Fprintf(p.w, "%s  locals %s\n", indent, join(sc.Locals))
		}
		if len(sc.Expressions) > 0 {
			fmt.Fprintf(p.w, "%s  stack  %s\n", indent, join(sc.Expressions))
		}
		for _, m := range sc.Monitors {
			fmt.Fprintf(p.w, "%s  lock   %s\n", indent, m)
		}
	}
}

func join(vs []debuginfo.ScopeValue) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, " ")
}

// VM prints code cache usage.
func (p *Printer) VM(s hostvm.Stats) {
	p.table([][]string{
		{p.bold("code cache"), fmt.Sprintf("%s / %s", config.HumanSize(s.Used), config.HumanSize(s.Capacity))},
		{p.bold("methods"), fmt.Sprintf("%d (%d entrant)", s.Methods, s.Alive)},
		{p.bold("runtime stubs"), fmt.Sprintf("%d", s.RuntimeStubs)},
	})
}

// Timings prints per-phase totals, slowest first.
func (p *Printer) Timings(sums []timing.Summary) {
	timing.SortByTotal(sums)
	rows := [][]string{{p.bold("PHASE"), p.bold("COUNT"), p.bold("FAILED"), p.bold("TOTAL"), p.bold("MEAN"), p.bold("MAX")}}
	for _, s := range sums {
		rows = append(rows, []string{
			s.Name,
			fmt.Sprintf("%d", s.Count),
			fmt.Sprintf("%d", s.Failed),
			s.Total.Round(time.Microsecond).String(),
			s.Mean().Round(time.Microsecond).String(),
			s.Max.Round(time.Microsecond).String(),
		})
	}
	p.table(rows)
}
