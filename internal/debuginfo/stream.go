package debuginfo

import (
	"encoding/binary"
	"math"

	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/fault"
	"github.com/tinyrange/codeinstall/internal/oops"
)

// Value tags of the serialized form.
const (
	codeLocation = iota
	codeConstantInt
	codeConstantOop
	codeConstantLong
	codeConstantDouble
	codeObject
	codeObjectID
)

const (
	locWhereBits = 1
	locTypeBits  = 4
	locTypeShift = locWhereBits
	locOffShift  = locWhereBits + locTypeBits
)

type writeStream struct {
	buf []byte
}

func (w *writeStream) position() int { return len(w.buf) }

func (w *writeStream) writeInt(v int)     { w.buf = binary.AppendVarint(w.buf, int64(v)) }
func (w *writeStream) writeLong(v int64)  { w.buf = binary.AppendVarint(w.buf, v) }
func (w *writeStream) writeUint(v uint64) { w.buf = binary.AppendUvarint(w.buf, v) }

func (w *writeStream) writeBool(b bool) {
	if b {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *writeStream) writeDouble(f float64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(f))
}

func (w *writeStream) writeLocation(l Location) {
	if l.Offset < 0 {
		fault.Fatalf("debuginfo", "negative location offset in %v", l)
	}
	w.writeUint(uint64(l.Offset)<<locOffShift | uint64(l.Type)<<locTypeShift | uint64(l.Where))
}

// writeValue serializes v. Objects are written in full the first time they
// are seen after the pool was reset and as a back-reference after that, so
// cyclic graphs terminate.
func (w *writeStream) writeValue(v ScopeValue, rec *oops.Recorder) {
	switch v := v.(type) {
	case LocationValue:
		w.writeInt(codeLocation)
		w.writeLocation(v.Location)
	case ConstantIntValue:
		w.writeInt(codeConstantInt)
		w.writeInt(int(v.Value))
	case ConstantLongValue:
		w.writeInt(codeConstantLong)
		w.writeLong(v.Value)
	case ConstantDoubleValue:
		w.writeInt(codeConstantDouble)
		w.writeDouble(v.Value)
	case ConstantOopValue:
		w.writeInt(codeConstantOop)
		w.writeInt(rec.FindOrAddObject(v.Object))
	case *ObjectValue:
		if v.visited {
			w.writeInt(codeObjectID)
			w.writeInt(v.ID)
			return
		}
		v.visited = true
		w.writeInt(codeObject)
		w.writeInt(v.ID)
		w.writeInt(rec.FindOrAddMetadata(v.Klass))
		w.writeInt(len(v.Fields))
		for _, f := range v.Fields {
			w.writeValue(f, rec)
		}
	case nil:
		fault.Fatalf("debuginfo", "nil scope value")
	default:
		fault.ShouldNotReachHere("debuginfo", v)
	}
}

func (w *writeStream) writeMonitor(m *MonitorValue, rec *oops.Recorder) {
	w.writeValue(m.Owner, rec)
	w.writeLocation(m.Basic)
	w.writeBool(m.Eliminated)
}

type readStream struct {
	buf []byte
	pos int
}

func (r *readStream) corrupt() {
	fault.Fatalf("debuginfo", "corrupt debug info stream at %d", r.pos)
}

func (r *readStream) readInt() int {
	v, n := binary.Varint(r.buf[r.pos:])
	if n <= 0 {
		r.corrupt()
	}
	r.pos += n
	return int(v)
}

func (r *readStream) readLong() int64 {
	v, n := binary.Varint(r.buf[r.pos:])
	if n <= 0 {
		r.corrupt()
	}
	r.pos += n
	return v
}

func (r *readStream) readUint() uint64 {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		r.corrupt()
	}
	r.pos += n
	return v
}

func (r *readStream) readBool() bool {
	if r.pos >= len(r.buf) {
		r.corrupt()
	}
	b := r.buf[r.pos]
	r.pos++
	return b != 0
}

func (r *readStream) readDouble() float64 {
	if r.pos+8 > len(r.buf) {
		r.corrupt()
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.buf[r.pos:]))
	r.pos += 8
	return v
}

func (r *readStream) readLocation() Location {
	v := r.readUint()
	return Location{
		Where:  Where(v & (1<<locWhereBits - 1)),
		Type:   LocationType(v >> locTypeShift & (1<<locTypeBits - 1)),
		Offset: int(v >> locOffShift),
	}
}

// objectTable resolves object ids while decoding one pc.
type objectTable map[int]*ObjectValue

func (r *readStream) readValue(rec *oops.Recorder, objs objectTable) ScopeValue {
	switch code := r.readInt(); code {
	case codeLocation:
		return LocationValue{Location: r.readLocation()}
	case codeConstantInt:
		return ConstantIntValue{Value: int32(r.readInt())}
	case codeConstantLong:
		return ConstantLongValue{Value: r.readLong()}
	case codeConstantDouble:
		return ConstantDoubleValue{Value: r.readDouble()}
	case codeConstantOop:
		return ConstantOopValue{Object: rec.ObjectAt(r.readInt())}
	case codeObject:
		id := r.readInt()
		ov, ok := objs[id]
		if !ok {
			ov = &ObjectValue{ID: id}
			objs[id] = ov
		}
		klass, _ := rec.MetadataAt(r.readInt()).(*compiled.Type)
		ov.Klass = klass
		n := r.readInt()
		ov.Fields = make([]ScopeValue, 0, n)
		for i := 0; i < n; i++ {
			ov.Fields = append(ov.Fields, r.readValue(rec, objs))
		}
		return ov
	case codeObjectID:
		id := r.readInt()
		ov, ok := objs[id]
		if !ok {
			// forward reference from a field; filled in when the full
			// record is read
			ov = &ObjectValue{ID: id}
			objs[id] = ov
		}
		return ov
	default:
		fault.Fatalf("debuginfo", "unknown scope value code %d at %d", code, r.pos)
		return nil
	}
}

func (r *readStream) readMonitor(rec *oops.Recorder, objs objectTable) *MonitorValue {
	owner := r.readValue(rec, objs)
	return &MonitorValue{Owner: owner, Basic: r.readLocation(), Eliminated: r.readBool()}
}
