// Package serializer is the reflection codec behind snapshots, the snapshot
// store index and remote frames. Integers are fixed-width little-endian,
// slice and string lengths use the general natural encoding, byte slices and
// arrays are written raw and pointers carry a one-byte presence tag.
package serializer

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"reflect"
)

// Serialize accepts a value or a pointer to one and returns its encoding.
func Serialize(v any) []byte {
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr && !val.IsNil() {
		val = val.Elem()
	}
	e := encoder{buf: make([]byte, 0, 4096)}
	e.value(val)
	return e.buf
}

// Deserialize decodes data into target, which must be a non-nil pointer.
// Every byte of data must be consumed.
func Deserialize(data []byte, target any) error {
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("deserialize target must be a non-nil pointer")
	}
	d := decoder{data: data}
	if err := d.value(val.Elem()); err != nil {
		return err
	}
	if rest := len(d.data) - d.off; rest > 0 {
		return fmt.Errorf("extra %d bytes left after deserialization", rest)
	}
	return nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) value(v reflect.Value) {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			e.buf = append(e.buf, 0)
			return
		}
		e.buf = append(e.buf, 1)
		e.value(v.Elem())
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			e.value(v.Field(i))
		}
	case reflect.Slice:
		e.buf = AppendGeneralNatural(e.buf, uint64(v.Len()))
		if v.Type().Elem().Kind() == reflect.Uint8 {
			e.buf = append(e.buf, v.Bytes()...)
			return
		}
		e.elements(v)
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			raw := reflect.MakeSlice(reflect.SliceOf(v.Type().Elem()), v.Len(), v.Len())
			reflect.Copy(raw, v)
			e.buf = append(e.buf, raw.Bytes()...)
			return
		}
		e.elements(v)
	case reflect.String:
		s := v.String()
		e.buf = AppendGeneralNatural(e.buf, uint64(len(s)))
		e.buf = append(e.buf, s...)
	case reflect.Bool:
		if v.Bool() {
			e.buf = append(e.buf, 1)
		} else {
			e.buf = append(e.buf, 0)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.fixed(int(v.Type().Size()), uint64(v.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.fixed(int(v.Type().Size()), v.Uint())
	default:
		panic(fmt.Sprintf("unsupported kind: %s", v.Kind()))
	}
}

func (e *encoder) elements(v reflect.Value) {
	for i := 0; i < v.Len(); i++ {
		e.value(v.Index(i))
	}
}

// fixed appends the low width bytes of x; two's complement truncation gives
// signed values their natural encoding.
func (e *encoder) fixed(width int, x uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	e.buf = append(e.buf, b[:width]...)
}

type decoder struct {
	data []byte
	off  int
}

func (d *decoder) remaining() int { return len(d.data) - d.off }

func (d *decoder) take(n int) ([]byte, error) {
	if n > d.remaining() {
		return nil, fmt.Errorf("need %d bytes, %d remaining", n, d.remaining())
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

// length reads a general natural bounded by the bytes left, since every
// encoded element occupies at least one byte.
func (d *decoder) length() (int, error) {
	x, n, ok := DecodeGeneralNatural(d.data[d.off:])
	if !ok {
		return 0, fmt.Errorf("malformed length prefix")
	}
	d.off += n
	if x > uint64(d.remaining()) {
		return 0, fmt.Errorf("length %d exceeds remaining %d bytes", x, d.remaining())
	}
	return int(x), nil
}

func (d *decoder) fixed(width int) (uint64, error) {
	b, err := d.take(width)
	if err != nil {
		return 0, err
	}
	var full [8]byte
	copy(full[:], b)
	return binary.LittleEndian.Uint64(full[:]), nil
}

func (d *decoder) value(v reflect.Value) error {
	typ := v.Type()
	switch v.Kind() {
	case reflect.Ptr:
		tag, err := d.take(1)
		if err != nil {
			return fmt.Errorf("pointer tag: %w", err)
		}
		switch tag[0] {
		case 0:
			v.Set(reflect.Zero(typ))
			return nil
		case 1:
		default:
			return fmt.Errorf("invalid pointer tag %d", tag[0])
		}
		if v.IsNil() {
			v.Set(reflect.New(typ.Elem()))
		}
		return d.value(v.Elem())
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := d.value(v.Field(i)); err != nil {
				return fmt.Errorf("field %s: %w", typ.Field(i).Name, err)
			}
		}
		return nil
	case reflect.Slice:
		n, err := d.length()
		if err != nil {
			return fmt.Errorf("slice: %w", err)
		}
		v.Set(reflect.MakeSlice(typ, n, n))
		return d.elements(v)
	case reflect.Array:
		return d.elements(v)
	case reflect.String:
		n, err := d.length()
		if err != nil {
			return fmt.Errorf("string: %w", err)
		}
		b, _ := d.take(n)
		v.SetString(string(b))
		return nil
	case reflect.Bool:
		b, err := d.take(1)
		if err != nil {
			return fmt.Errorf("bool: %w", err)
		}
		if b[0] > 1 {
			return fmt.Errorf("invalid bool encoding %d", b[0])
		}
		v.SetBool(b[0] == 1)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		width := int(typ.Size())
		x, err := d.fixed(width)
		if err != nil {
			return fmt.Errorf("integer: %w", err)
		}
		shift := 64 - 8*width
		v.SetInt(int64(x<<shift) >> shift)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		x, err := d.fixed(int(typ.Size()))
		if err != nil {
			return fmt.Errorf("unsigned integer: %w", err)
		}
		v.SetUint(x)
		return nil
	default:
		return fmt.Errorf("unsupported kind for deserialization: %s", v.Kind())
	}
}

// elements fills an already sized slice or array. Byte elements are copied
// in bulk, so the result never aliases the input.
func (d *decoder) elements(v reflect.Value) error {
	if v.Type().Elem().Kind() == reflect.Uint8 {
		b, err := d.take(v.Len())
		if err != nil {
			return fmt.Errorf("byte data: %w", err)
		}
		reflect.Copy(v, reflect.ValueOf(b))
		return nil
	}
	for i := 0; i < v.Len(); i++ {
		if err := d.value(v.Index(i)); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	return nil
}

// AppendGeneralNatural appends the compact encoding of x: a header byte whose
// leading ones count the little-endian tail bytes, or 0xFF and eight bytes.
func AppendGeneralNatural(buf []byte, x uint64) []byte {
	if x == 0 {
		return append(buf, 0)
	}
	l := uint((bits.Len64(x) - 1) / 7)
	if l >= 8 {
		buf = append(buf, 0xFF)
		return binary.LittleEndian.AppendUint64(buf, x)
	}
	header := (1 << 8) - (1 << (8 - l)) + (x >> (8 * l))
	buf = append(buf, byte(header))
	for i := uint(0); i < l; i++ {
		buf = append(buf, byte(x>>(8*i)))
	}
	return buf
}

// EncodeGeneralNatural returns the compact encoding of x.
func EncodeGeneralNatural(x uint64) []byte {
	return AppendGeneralNatural(nil, x)
}

// DecodeGeneralNatural reads one general natural from the front of p and
// reports how many bytes it used.
func DecodeGeneralNatural(p []byte) (x uint64, n int, ok bool) {
	if len(p) == 0 {
		return 0, 0, false
	}
	header := p[0]
	if header == 0xFF {
		if len(p) < 9 {
			return 0, 0, false
		}
		return binary.LittleEndian.Uint64(p[1:9]), 9, true
	}
	l := bits.LeadingZeros8(^header)
	if len(p) < 1+l {
		return 0, 0, false
	}
	high := uint64(header) - (1<<8 - 1<<(8-l))
	for i := 0; i < l; i++ {
		x |= uint64(p[1+i]) << (8 * i)
	}
	return high<<(8*l) | x, 1 + l, true
}
