package timing

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var (
	phaseA = RegisterPhase("a")
	phaseB = RegisterPhase("b")
)

func TestRecording(t *testing.T) {
	var buf bytes.Buffer
	func() {
		w, err := StartRecording(&buf)
		if err != nil {
			t.Fatalf("StartRecording: %v", err)
		}
		defer w.Close()

		Record(phaseA, 100*time.Millisecond)
		Record(phaseB, 200*time.Millisecond)
	}()

	var seen []string
	if err := ReadAll(bytes.NewReader(buf.Bytes()), func(name string, flags Flags, d time.Duration) error {
		seen = append(seen, name)
		return nil
	}); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("records=%v, want [a b]", seen)
	}
}

func TestRecorderMarks(t *testing.T) {
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	r := NewRecorder()
	r.Mark(phaseA)
	r.Mark(phaseB)
	r.Fail(phaseB)
	r.Mark(phaseA)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err == nil {
		t.Fatalf("second Close succeeded")
	}

	sums, err := Summarize(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("len(Summarize)=%d, want 2", len(sums))
	}
	a, b := sums[0], sums[1]
	if a.Name != "a" || a.Count != 2 || a.Failed != 0 {
		t.Fatalf("a=%+v", a)
	}
	if b.Name != "b" || b.Count != 2 || b.Failed != 1 {
		t.Fatalf("b=%+v", b)
	}
	if a.Max > a.Total || a.Mean() > a.Max {
		t.Fatalf("a Max=%v Total=%v Mean=%v", a.Max, a.Total, a.Mean())
	}
}

func TestRecordDuringClose(t *testing.T) {
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	const writers, each = 8, 500
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < each; j++ {
				Record(phaseA, time.Microsecond)
			}
		}()
	}
	close(start)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()

	// a sink loaded before Close drops the record instead of panicking
	w.(*sink).send(record{Phase: phaseA})

	n := 0
	if err := ReadAll(bytes.NewReader(buf.Bytes()), func(string, Flags, time.Duration) error {
		n++
		return nil
	}); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if n > writers*each {
		t.Fatalf("records=%d, want at most %d", n, writers*each)
	}
}

func TestDoubleStart(t *testing.T) {
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	defer w.Close()
	if _, err := StartRecording(&buf); err == nil {
		t.Fatalf("second StartRecording succeeded")
	}
}

func TestRecordWithoutSink(t *testing.T) {
	// dropped silently
	Record(phaseA, time.Second)
	NewRecorder().Fail(phaseB)
}

func TestSortByTotal(t *testing.T) {
	s := []Summary{{Name: "x", Total: 1}, {Name: "y", Total: 3}, {Name: "z", Total: 2}}
	SortByTotal(s)
	if s[0].Name != "y" || s[1].Name != "z" || s[2].Name != "x" {
		t.Fatalf("order=%v", s)
	}
	if (Summary{}).Mean() != 0 {
		t.Fatalf("Mean of empty summary is not zero")
	}
}

func TestReadAllBadMagic(t *testing.T) {
	if err := ReadAll(bytes.NewReader(make([]byte, 64)), func(string, Flags, time.Duration) error { return nil }); err == nil {
		t.Fatalf("ReadAll accepted a zero header")
	}
}

func BenchmarkRecord(b *testing.B) {
	var buf bytes.Buffer
	var count uint64
	func() {
		w, err := StartRecording(&buf)
		if err != nil {
			b.Fatalf("StartRecording: %v", err)
		}
		defer w.Close()

		b.ResetTimer()

		for b.Loop() {
			Record(phaseA, 100*time.Millisecond)
			Record(phaseB, 200*time.Millisecond)
			atomic.AddUint64(&count, 2)
		}
	}()

	b.ReportMetric(float64(count), "records")
	b.StopTimer()

	var seen uint64
	if err := ReadAll(bytes.NewReader(buf.Bytes()), func(string, Flags, time.Duration) error {
		atomic.AddUint64(&seen, 1)
		return nil
	}); err != nil {
		b.Fatalf("ReadAll: %v", err)
	}
	if seen != count {
		b.Fatalf("expected %d records, got %d", count, seen)
	}
}

func BenchmarkRecordTempFile(b *testing.B) {
	f, err := os.Create(filepath.Join(b.TempDir(), "timings.bin"))
	if err != nil {
		b.Fatalf("Create: %v", err)
	}
	defer f.Close()

	w, err := StartRecording(f)
	if err != nil {
		b.Fatalf("StartRecording: %v", err)
	}
	defer w.Close()

	for b.Loop() {
		Record(phaseA, time.Millisecond)
	}
}
