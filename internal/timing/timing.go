// Package timing records how long each installation phase takes. Records
// go to at most one process-wide sink; when none is open Record is a no-op.
package timing

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	Magic   uint32 = 0x4d544943 // "CITM"
	Version uint32 = 1

	pageSize = 4096
)

type header struct {
	Magic       uint32
	Version     uint32
	PhaseLength uint32
}

// Phase identifies a registered phase. Zero is never registered.
type Phase uint32

type PhaseInfo struct {
	Name  string `yaml:"name"`
	Flags Flags  `yaml:"flags,omitempty"`
}

type Flags uint32

const (
	// FlagFailed marks the phase an installation failed in.
	FlagFailed Flags = 1 << iota
)

var (
	phasesMu sync.Mutex
	phases   = make(map[Phase]PhaseInfo)
)

// RegisterPhase is meant for package initialization.
func RegisterPhase(name string) Phase {
	phasesMu.Lock()
	defer phasesMu.Unlock()
	id := Phase(len(phases) + 1)
	phases[id] = PhaseInfo{Name: name}
	return id
}

func (p Phase) String() string {
	phasesMu.Lock()
	defer phasesMu.Unlock()
	if info, ok := phases[p]; ok {
		return info.Name
	}
	return fmt.Sprintf("phase(%d)", uint32(p))
}

type record struct {
	Phase    Phase
	Flags    Flags
	Duration int64
}

var recordSize = binary.Size(record{})

type sink struct {
	w    io.Writer
	recs chan record
	done chan error

	// mu orders sends against the close of recs.
	mu     sync.RWMutex
	closed bool
}

func (s *sink) send(r record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.closed {
		s.recs <- r
	}
}

func (s *sink) run() {
	bw := bufio.NewWriterSize(s.w, pageSize)
	var buf [16]byte
	for r := range s.recs {
		binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Phase))
		binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Flags))
		binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Duration))
		if _, err := bw.Write(buf[:recordSize]); err != nil {
			// drain so Record never blocks on a dead sink
			for range s.recs {
			}
			s.done <- err
			return
		}
	}
	s.done <- bw.Flush()
}

func (s *sink) Close() error {
	if !current.CompareAndSwap(s, nil) {
		return errors.New("timing: already closed")
	}
	s.mu.Lock()
	s.closed = true
	close(s.recs)
	s.mu.Unlock()
	if err := <-s.done; err != nil {
		return fmt.Errorf("timing: write: %w", err)
	}
	return nil
}

var current atomic.Pointer[sink]

// Recorder measures consecutive phases of one installation. It is not safe
// for concurrent use; every installation has its own.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

// Mark records the time since the previous mark as phase p.
func (r *Recorder) Mark(p Phase) {
	r.mark(p, 0)
}

// Fail records the time since the previous mark as the failed phase p.
func (r *Recorder) Fail(p Phase) {
	r.mark(p, FlagFailed)
}

func (r *Recorder) mark(p Phase, f Flags) {
	now := time.Now()
	record1(p, f, now.Sub(r.last))
	r.last = now
}

func Record(p Phase, d time.Duration) {
	record1(p, 0, d)
}

func record1(p Phase, f Flags, d time.Duration) {
	if s := current.Load(); s != nil {
		s.send(record{Phase: p, Flags: f, Duration: d.Nanoseconds()})
	}
}

// StartRecording writes the phase table to w and sends every following
// record there until the returned closer is closed.
func StartRecording(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, errors.New("timing: already recording")
	}

	phasesMu.Lock()
	table, err := yaml.Marshal(phases)
	phasesMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timing: encode phases: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{Magic: Magic, Version: Version, PhaseLength: uint32(len(table))}); err != nil {
		return nil, fmt.Errorf("timing: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timing: write phases: %w", err)
	}
	// records start on a page boundary
	if off := binary.Size(header{}) + len(table); off%pageSize != 0 {
		if _, err := w.Write(make([]byte, pageSize-off%pageSize)); err != nil {
			return nil, fmt.Errorf("timing: write padding: %w", err)
		}
	}

	s := &sink{w: w, recs: make(chan record, 1024), done: make(chan error, 1)}
	if !current.CompareAndSwap(nil, s) {
		return nil, errors.New("timing: already recording")
	}
	go s.run()
	return s, nil
}

// ReadAll calls fn for every record in r.
func ReadAll(r io.Reader, fn func(name string, flags Flags, d time.Duration) error) error {
	br := bufio.NewReaderSize(r, pageSize)

	var h header
	if err := binary.Read(br, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("timing: read header: %w", err)
	}
	if h.Magic != Magic {
		return errors.New("timing: not a timing file")
	}
	if h.Version != Version {
		return fmt.Errorf("timing: unsupported version %d", h.Version)
	}

	table := make([]byte, h.PhaseLength)
	if _, err := io.ReadFull(br, table); err != nil {
		return fmt.Errorf("timing: read phases: %w", err)
	}
	var names map[Phase]PhaseInfo
	if err := yaml.Unmarshal(table, &names); err != nil {
		return fmt.Errorf("timing: decode phases: %w", err)
	}
	if off := binary.Size(h) + len(table); off%pageSize != 0 {
		if _, err := br.Discard(pageSize - off%pageSize); err != nil {
			return fmt.Errorf("timing: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(br, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timing: read record: %w", err)
		}
		info, ok := names[rec.Phase]
		if !ok {
			return fmt.Errorf("timing: unknown phase %d", rec.Phase)
		}
		if err := fn(info.Name, rec.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}

// Summary aggregates the records of one phase.
type Summary struct {
	Name   string
	Count  int
	Failed int
	Total  time.Duration
	Max    time.Duration
}

func (s Summary) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summarize reads r and aggregates it per phase, in order of first
// appearance.
func Summarize(r io.Reader) ([]Summary, error) {
	var out []Summary
	index := make(map[string]int)
	err := ReadAll(r, func(name string, flags Flags, d time.Duration) error {
		i, ok := index[name]
		if !ok {
			i = len(out)
			index[name] = i
			out = append(out, Summary{Name: name})
		}
		s := &out[i]
		s.Count++
		if flags&FlagFailed != 0 {
			s.Failed++
		}
		s.Total += d
		if d > s.Max {
			s.Max = d
		}
		return nil
	})
	return out, err
}

// SortByTotal orders summaries by descending total time.
func SortByTotal(s []Summary) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].Total > s[j].Total })
}
