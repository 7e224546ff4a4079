// Package pymarshal implements the subset of the CPython marshal
// serialization format needed to read and write a PYZ archive index.
//
// The index is a list of (name, (typecode, offset, length)) tuples. The
// decoder accepts the encodings CPython versions 2 through 4 emit for
// those values, including interned-string references. The encoder emits
// the version 2 encoding, which every CPython release deserializes.
// Code objects are never interpreted here; they travel as opaque bytes.
package pymarshal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Tuple is a decoded Python tuple.
type Tuple []any

// List is a decoded Python list.
type List []any

// ErrUnsupported is returned when the data contains a marshal type
// outside the subset an archive index can hold.
var ErrUnsupported = errors.New("pymarshal: unsupported type")

// Marshal type codes, per CPython's marshal.c. Multi-byte integers are
// little-endian, unlike the big-endian archive headers.
const (
	typeNull           = '0'
	typeNone           = 'N'
	typeFalse          = 'F'
	typeTrue           = 'T'
	typeInt            = 'i'
	typeInt64          = 'I'
	typeBinaryFloat    = 'g'
	typeLong           = 'l'
	typeString         = 's'
	typeInterned       = 't'
	typeRef            = 'r'
	typeTuple          = '('
	typeList           = '['
	typeDict           = '{'
	typeUnicode        = 'u'
	typeASCII          = 'a'
	typeASCIIInterned  = 'A'
	typeSmallTuple     = ')'
	typeShortASCII     = 'z'
	typeShortASCIIIntr = 'Z'

	flagRef = 0x80
)

// Decode parses a single marshal-serialized object.
func Decode(data []byte) (any, error) {
	d := &decoder{data: data}
	v, err := d.value()
	if err != nil {
		return nil, err
	}
	return v, nil
}

type decoder struct {
	data []byte
	pos  int
	refs []any
}

func (d *decoder) byte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, errors.New("pymarshal: unexpected end of data")
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.data) {
		return nil, errors.New("pymarshal: unexpected end of data")
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) int32() (int32, error) {
	b, err := d.bytes(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (d *decoder) value() (any, error) {
	b, err := d.byte()
	if err != nil {
		return nil, err
	}
	ref := b&flagRef != 0
	typ := b &^ flagRef

	// Interned strings are reference-tracked even without the flag.
	if typ == typeInterned || typ == typeASCIIInterned || typ == typeShortASCIIIntr {
		ref = true
	}

	// Containers reserve their reference slot before their elements are
	// read, matching CPython's numbering.
	idx := -1
	reserve := func() {
		if ref && idx < 0 {
			idx = len(d.refs)
			d.refs = append(d.refs, nil)
		}
	}
	record := func(v any) any {
		if idx >= 0 {
			d.refs[idx] = v
		} else if ref {
			d.refs = append(d.refs, v)
		}
		return v
	}

	switch typ {
	case typeNone:
		return nil, nil
	case typeTrue:
		return record(true), nil
	case typeFalse:
		return record(false), nil
	case typeInt:
		n, err := d.int32()
		if err != nil {
			return nil, err
		}
		return record(int64(n)), nil
	case typeInt64:
		b, err := d.bytes(8)
		if err != nil {
			return nil, err
		}
		return record(int64(binary.LittleEndian.Uint64(b))), nil
	case typeBinaryFloat:
		b, err := d.bytes(8)
		if err != nil {
			return nil, err
		}
		return record(math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
	case typeLong:
		v, err := d.long()
		if err != nil {
			return nil, err
		}
		return record(v), nil
	case typeString, typeUnicode, typeInterned, typeASCII, typeASCIIInterned:
		n, err := d.int32()
		if err != nil {
			return nil, err
		}
		b, err := d.bytes(int(n))
		if err != nil {
			return nil, err
		}
		return record(string(b)), nil
	case typeShortASCII, typeShortASCIIIntr:
		n, err := d.byte()
		if err != nil {
			return nil, err
		}
		b, err := d.bytes(int(n))
		if err != nil {
			return nil, err
		}
		return record(string(b)), nil
	case typeTuple, typeSmallTuple:
		var n int
		if typ == typeSmallTuple {
			c, err := d.byte()
			if err != nil {
				return nil, err
			}
			n = int(c)
		} else {
			c, err := d.int32()
			if err != nil {
				return nil, err
			}
			if c < 0 {
				return nil, fmt.Errorf("pymarshal: negative tuple length %d", c)
			}
			n = int(c)
		}
		reserve()
		t := make(Tuple, 0, n)
		for range n {
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			t = append(t, v)
		}
		return record(t), nil
	case typeList:
		c, err := d.int32()
		if err != nil {
			return nil, err
		}
		if c < 0 {
			return nil, fmt.Errorf("pymarshal: negative list length %d", c)
		}
		reserve()
		l := make(List, 0, c)
		for range int(c) {
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			l = append(l, v)
		}
		return record(l), nil
	case typeDict:
		reserve()
		m := make(map[string]any)
		for {
			if d.pos < len(d.data) && d.data[d.pos] == typeNull {
				d.pos++
				break
			}
			k, err := d.value()
			if err != nil {
				return nil, err
			}
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%w: non-string dict key %T", ErrUnsupported, k)
			}
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			m[key] = v
		}
		return record(m), nil
	case typeRef:
		i, err := d.int32()
		if err != nil {
			return nil, err
		}
		if i < 0 || int(i) >= len(d.refs) {
			return nil, fmt.Errorf("pymarshal: reference %d out of range", i)
		}
		return d.refs[i], nil
	default:
		return nil, fmt.Errorf("%w: code %q", ErrUnsupported, typ)
	}
}

// long decodes CPython's variable-length integer: a signed digit count
// followed by 15-bit little-endian digits.
func (d *decoder) long() (int64, error) {
	n, err := d.int32()
	if err != nil {
		return 0, err
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var v int64
	for i := int32(0); i < n; i++ {
		b, err := d.bytes(2)
		if err != nil {
			return 0, err
		}
		v |= int64(binary.LittleEndian.Uint16(b)&0x7fff) << (15 * i)
	}
	if neg {
		v = -v
	}
	return v, nil
}

// Encode serializes v using the version 2 format without references.
//
// Supported values: nil, bool, int64, string, Tuple, and List. These
// cover everything an archive index contains.
func Encode(v any) ([]byte, error) {
	var e encoder
	if err := e.value(v); err != nil {
		return nil, err
	}
	return e.buf, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) int32(n int32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(n))
}

func (e *encoder) value(v any) error {
	switch v := v.(type) {
	case nil:
		e.buf = append(e.buf, typeNone)
	case bool:
		if v {
			e.buf = append(e.buf, typeTrue)
		} else {
			e.buf = append(e.buf, typeFalse)
		}
	case int64:
		if v < math.MinInt32 || v > math.MaxInt32 {
			e.buf = append(e.buf, typeInt64)
			e.buf = binary.LittleEndian.AppendUint64(e.buf, uint64(v))
			return nil
		}
		e.buf = append(e.buf, typeInt)
		e.int32(int32(v))
	case int:
		return e.value(int64(v))
	case int32:
		return e.value(int64(v))
	case string:
		if len(v) > math.MaxInt32 {
			return fmt.Errorf("pymarshal: string too long (%d bytes)", len(v))
		}
		e.buf = append(e.buf, typeUnicode)
		e.int32(int32(len(v)))
		e.buf = append(e.buf, v...)
	case Tuple:
		e.buf = append(e.buf, typeTuple)
		e.int32(int32(len(v)))
		for _, el := range v {
			if err := e.value(el); err != nil {
				return err
			}
		}
	case List:
		e.buf = append(e.buf, typeList)
		e.int32(int32(len(v)))
		for _, el := range v {
			if err := e.value(el); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
	return nil
}
