// Package event defines the tagged fuzzing event variants exchanged between
// workers and the broker, and their wire serialization.
package event

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned when a frame's structure cannot be parsed.
var ErrMalformedFrame = errors.New("event: malformed frame")

// ErrUnknownVariant is returned when a frame carries a discriminant this
// build does not recognize.
var ErrUnknownVariant = errors.New("event: unknown variant")

// Variant identifies which Event field is populated.
type Variant uint8

const (
	VariantNewTestcase Variant = iota + 1
	VariantUpdateStats
	VariantObjective
	VariantLog
	// VariantCustomBuf carries an arbitrary user-tagged payload the broker
	// forwards without interpretation, mirroring LLMP's own custom-buf
	// event.
	VariantCustomBuf
)

// Severity mirrors the log severity levels a client may report.
type Severity uint8

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

// NewTestcase announces a newly discovered, locally-interesting input.
type NewTestcase struct {
	Input        []byte
	ClientConfig string
	CorpusSize   uint64
	ObserversBuf []byte
	Time         int64 // unix nanos
	Executions   uint64
}

// UpdateStats reports execution throughput without a new testcase.
type UpdateStats struct {
	Time       int64
	Executions uint64
}

// Objective announces that the local objective corpus grew.
type Objective struct {
	ObjectiveSize uint64
}

// Log carries a free-form diagnostic message for the host log sink.
type Log struct {
	SeverityLevel Severity
	Message       string
}

// CustomBuf carries an opaque payload under a caller-chosen tag. The broker
// forwards it like NewTestcase; clients ignore it unless they registered a
// handler for Tag.
type CustomBuf struct {
	Tag uint32
	Buf []byte
}

// Event is a tagged variant carrying exactly one of NewTestcase,
// UpdateStats, Objective, Log, or CustomBuf. Field order within each
// payload is fixed by the codec below.
type Event struct {
	Variant     Variant
	NewTestcase *NewTestcase
	UpdateStats *UpdateStats
	Objective   *Objective
	Log         *Log
	CustomBuf   *CustomBuf
}

// Name returns a short human-readable label, used in stats display and logs.
func (e *Event) Name() string {
	switch e.Variant {
	case VariantNewTestcase:
		return "NewTestcase"
	case VariantUpdateStats:
		return "UpdateStats"
	case VariantObjective:
		return "Objective"
	case VariantLog:
		return "Log"
	case VariantCustomBuf:
		return "CustomBuf"
	default:
		return "Unknown"
	}
}

// MaxFrameSize bounds the encoded size of a single event, guarding against a
// corrupt length prefix walking off into an unreasonable allocation.
const MaxFrameSize = 64 << 20 // 64 MiB

// Encode serializes e into a compact, self-describing frame. Field order is
// fixed per variant; multi-byte integers are little-endian.
func Encode(e *Event) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(e.Variant))

	switch e.Variant {
	case VariantNewTestcase:
		nt := e.NewTestcase
		if nt == nil {
			return nil, fmt.Errorf("%w: nil NewTestcase payload", ErrMalformedFrame)
		}
		buf = appendBytes(buf, nt.Input)
		buf = appendString(buf, nt.ClientConfig)
		buf = appendU64(buf, nt.CorpusSize)
		buf = appendBytes(buf, nt.ObserversBuf)
		buf = appendI64(buf, nt.Time)
		buf = appendU64(buf, nt.Executions)

	case VariantUpdateStats:
		us := e.UpdateStats
		if us == nil {
			return nil, fmt.Errorf("%w: nil UpdateStats payload", ErrMalformedFrame)
		}
		buf = appendI64(buf, us.Time)
		buf = appendU64(buf, us.Executions)

	case VariantObjective:
		ob := e.Objective
		if ob == nil {
			return nil, fmt.Errorf("%w: nil Objective payload", ErrMalformedFrame)
		}
		buf = appendU64(buf, ob.ObjectiveSize)

	case VariantLog:
		lg := e.Log
		if lg == nil {
			return nil, fmt.Errorf("%w: nil Log payload", ErrMalformedFrame)
		}
		buf = append(buf, byte(lg.SeverityLevel))
		buf = appendString(buf, lg.Message)

	case VariantCustomBuf:
		cb := e.CustomBuf
		if cb == nil {
			return nil, fmt.Errorf("%w: nil CustomBuf payload", ErrMalformedFrame)
		}
		buf = appendU32(buf, cb.Tag)
		buf = appendBytes(buf, cb.Buf)

	default:
		return nil, fmt.Errorf("%w: variant %d", ErrUnknownVariant, e.Variant)
	}

	if len(buf) > MaxFrameSize {
		return nil, fmt.Errorf("%w: encoded size %d exceeds max %d", ErrMalformedFrame, len(buf), MaxFrameSize)
	}
	return buf, nil
}

// Decode is the inverse of Encode; decode(encode(e)) == e for all legal e.
// A zero-length byte field, whether encoded from a nil or an empty slice,
// decodes as an empty non-nil slice.
func Decode(data []byte) (*Event, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	r := &reader{buf: data[1:]}
	variant := Variant(data[0])
	e := &Event{Variant: variant}

	var err error
	switch variant {
	case VariantNewTestcase:
		nt := &NewTestcase{}
		if nt.Input, err = r.bytes(); err != nil {
			return nil, err
		}
		if nt.ClientConfig, err = r.string(); err != nil {
			return nil, err
		}
		if nt.CorpusSize, err = r.u64(); err != nil {
			return nil, err
		}
		if nt.ObserversBuf, err = r.bytes(); err != nil {
			return nil, err
		}
		if nt.Time, err = r.i64(); err != nil {
			return nil, err
		}
		if nt.Executions, err = r.u64(); err != nil {
			return nil, err
		}
		e.NewTestcase = nt

	case VariantUpdateStats:
		us := &UpdateStats{}
		if us.Time, err = r.i64(); err != nil {
			return nil, err
		}
		if us.Executions, err = r.u64(); err != nil {
			return nil, err
		}
		e.UpdateStats = us

	case VariantObjective:
		ob := &Objective{}
		if ob.ObjectiveSize, err = r.u64(); err != nil {
			return nil, err
		}
		e.Objective = ob

	case VariantLog:
		lg := &Log{}
		sev, err2 := r.byte()
		if err2 != nil {
			return nil, err2
		}
		lg.SeverityLevel = Severity(sev)
		if lg.Message, err = r.string(); err != nil {
			return nil, err
		}
		e.Log = lg

	case VariantCustomBuf:
		cb := &CustomBuf{}
		if cb.Tag, err = r.u32(); err != nil {
			return nil, err
		}
		if cb.Buf, err = r.bytes(); err != nil {
			return nil, err
		}
		e.CustomBuf = cb

	default:
		return nil, fmt.Errorf("%w: discriminant %d", ErrUnknownVariant, variant)
	}

	if !r.empty() {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformedFrame)
	}
	return e, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendI64(buf []byte, v int64) []byte {
	return appendU64(buf, uint64(v))
}

func appendBytes(buf []byte, v []byte) []byte {
	buf = appendU32(buf, uint32(len(v)))
	return append(buf, v...)
}

func appendString(buf []byte, v string) []byte {
	return appendBytes(buf, []byte(v))
}

type reader struct {
	buf []byte
}

func (r *reader) empty() bool { return len(r.buf) == 0 }

func (r *reader) byte() (byte, error) {
	if len(r.buf) < 1 {
		return 0, fmt.Errorf("%w: truncated byte", ErrMalformedFrame)
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b, nil
}

func (r *reader) u32() (uint32, error) {
	if len(r.buf) < 4 {
		return 0, fmt.Errorf("%w: truncated u32", ErrMalformedFrame)
	}
	v := binary.LittleEndian.Uint32(r.buf[:4])
	r.buf = r.buf[4:]
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if len(r.buf) < 8 {
		return 0, fmt.Errorf("%w: truncated u64", ErrMalformedFrame)
	}
	v := binary.LittleEndian.Uint64(r.buf[:8])
	r.buf = r.buf[8:]
	return v, nil
}

func (r *reader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(len(r.buf)) || n > MaxFrameSize {
		return nil, fmt.Errorf("%w: length %d exceeds remaining frame", ErrMalformedFrame, n)
	}
	v := make([]byte, n)
	copy(v, r.buf[:n])
	r.buf = r.buf[n:]
	return v, nil
}

func (r *reader) string() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
