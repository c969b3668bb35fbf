package sqlexec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind tags the normalized form of a result value.
type Kind string

const (
	KindNull    Kind = "null"
	KindBool    Kind = "bool"
	KindInteger Kind = "integer"
	KindFloat   Kind = "float"
	KindText    Kind = "text"
	KindDate    Kind = "date"
	KindBinary  Kind = "binary"
)

// Scalar is a transport-safe result value. Driver-specific raw types
// never leave the executor; every cell is normalized into one of the
// tagged kinds. Date and Binary carry their encoded form in Text.
type Scalar struct {
	Kind  Kind
	Int   int64
	Float float64
	Bool  bool
	Text  string
}

func Null() Scalar { return Scalar{Kind: KindNull} }

func BoolValue(v bool) Scalar { return Scalar{Kind: KindBool, Bool: v} }

func IntValue(v int64) Scalar { return Scalar{Kind: KindInteger, Int: v} }

func FloatValue(v float64) Scalar { return Scalar{Kind: KindFloat, Float: v} }

func TextValue(v string) Scalar { return Scalar{Kind: KindText, Text: v} }

func DateValue(v time.Time, dateOnly bool) Scalar {
	layout := time.RFC3339
	if dateOnly {
		layout = "2006-01-02"
	}
	return Scalar{Kind: KindDate, Text: v.Format(layout)}
}

func BinaryValue(v []byte) Scalar {
	return Scalar{Kind: KindBinary, Text: base64.StdEncoding.EncodeToString(v)}
}

// MarshalJSON renders the plain JSON form: numbers for integer and
// float, strings for text, date and binary, booleans and null as is.
func (s Scalar) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(s.Bool)
	case KindInteger:
		return json.Marshal(s.Int)
	case KindFloat:
		return json.Marshal(s.Float)
	default:
		return json.Marshal(s.Text)
	}
}

// normalizeValue converts one driver value into a Scalar. dbType is the
// upper-cased database type name for the column, empty when the driver
// does not report one. The second return is true when the value had no
// tagged form and degraded to its string representation.
func normalizeValue(value any, dbType string) (Scalar, bool) {
	switch v := value.(type) {
	case nil:
		return Null(), false
	case bool:
		return BoolValue(v), false
	case int64:
		return IntValue(v), false
	case int:
		return IntValue(int64(v)), false
	case int32:
		return IntValue(int64(v)), false
	case int16:
		return IntValue(int64(v)), false
	case int8:
		return IntValue(int64(v)), false
	case uint64:
		// Values past the int64 range keep their digits as text.
		if v > math.MaxInt64 {
			return TextValue(strconv.FormatUint(v, 10)), false
		}
		return IntValue(int64(v)), false
	case uint32:
		return IntValue(int64(v)), false
	case uint16:
		return IntValue(int64(v)), false
	case uint8:
		return IntValue(int64(v)), false
	case float64:
		return FloatValue(v), false
	case float32:
		return FloatValue(float64(v)), false
	case string:
		return TextValue(v), false
	case time.Time:
		return DateValue(v, dbType == "DATE"), false
	case []byte:
		if isBinaryType(dbType) || !utf8.Valid(v) {
			return BinaryValue(v), false
		}
		return TextValue(string(v)), false
	default:
		return TextValue(fmt.Sprintf("%v", v)), true
	}
}

func isBinaryType(dbType string) bool {
	return dbType == "BYTEA" ||
		strings.Contains(dbType, "BLOB") ||
		strings.Contains(dbType, "BINARY")
}
