package quarry

import (
	"encoding/hex"
	"math"
	"strconv"
)

// Type discriminates the five value representations the engine speaks.
type Type uint8

const (
	TypeNull Type = iota
	TypeInteger
	TypeReal
	TypeText
	TypeBlob
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeInteger:
		return "integer"
	case TypeReal:
		return "real"
	case TypeText:
		return "text"
	case TypeBlob:
		return "blob"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// Value is one engine value: null, integer, real, text, or blob. The zero
// Value is null. Values are immutable; constructors copy byte payloads and
// accessors return copies, so no Value aliases caller or engine memory.
//
// Reals are carried as raw IEEE 754 bits, so any NaN payload survives a
// round trip through the engine unchanged.
type Value struct {
	typ  Type
	num  uint64
	text string
	blob []byte
}

// Null returns the null value.
func Null() Value {
	return Value{typ: TypeNull}
}

// Integer returns a 64-bit integer value.
func Integer(v int64) Value {
	return Value{typ: TypeInteger, num: uint64(v)}
}

// Real returns a 64-bit float value.
func Real(v float64) Value {
	return Value{typ: TypeReal, num: math.Float64bits(v)}
}

// Text returns a text value. The string must be valid UTF-8; the codec
// rejects anything else at the engine boundary.
func Text(s string) Value {
	return Value{typ: TypeText, text: s}
}

// BlobValue returns a blob value holding a copy of b. An empty blob and a
// null value are distinct.
func BlobValue(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{typ: TypeBlob, blob: cp}
}

// Type reports which representation the value holds.
func (v Value) Type() Type {
	return v.typ
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool {
	return v.typ == TypeNull
}

// Int64 returns the integer payload, or 0 when the value is not an integer.
func (v Value) Int64() int64 {
	if v.typ != TypeInteger {
		return 0
	}
	return int64(v.num)
}

// Float returns the real payload, or 0 when the value is not a real.
func (v Value) Float() float64 {
	if v.typ != TypeReal {
		return 0
	}
	return math.Float64frombits(v.num)
}

// Text returns the text payload, or "" when the value is not text.
func (v Value) Text() string {
	if v.typ != TypeText {
		return ""
	}
	return v.text
}

// Blob returns a copy of the blob payload, or nil when the value is not a
// blob.
func (v Value) Blob() []byte {
	if v.typ != TypeBlob {
		return nil
	}
	cp := make([]byte, len(v.blob))
	copy(cp, v.blob)
	return cp
}

// String renders the value for display. Text returns the text itself; blobs
// render as X'..' hex literals.
func (v Value) String() string {
	switch v.typ {
	case TypeNull:
		return "NULL"
	case TypeInteger:
		return strconv.FormatInt(int64(v.num), 10)
	case TypeReal:
		return strconv.FormatFloat(math.Float64frombits(v.num), 'g', -1, 64)
	case TypeText:
		return v.text
	case TypeBlob:
		return "X'" + hex.EncodeToString(v.blob) + "'"
	default:
		return "?"
	}
}
