package ua

import (
	"reflect"
	"strconv"
	"strings"
)

// NumericRange selects a contiguous section of a one-dimensional array
// value, using the OPC-UA index range syntax "n" or "low:high" with
// inclusive bounds.
type NumericRange struct {
	Low  int
	High int
}

// ParseNumericRange parses an index range string. The empty string
// selects the whole value and yields (nil, Good).
func ParseNumericRange(s string) (*NumericRange, StatusCode) {
	if s == "" {
		return nil, Good
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		lo, err := strconv.Atoi(s[:i])
		if err != nil || lo < 0 {
			return nil, BadIndexRangeInvalid
		}
		hi, err := strconv.Atoi(s[i+1:])
		if err != nil || hi <= lo {
			return nil, BadIndexRangeInvalid
		}
		return &NumericRange{Low: lo, High: hi}, Good
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return nil, BadIndexRangeInvalid
	}
	return &NumericRange{Low: n, High: n}, Good
}

// Overlaps reports whether two ranges share at least one index. A nil
// range selects everything and overlaps any other range.
func (r *NumericRange) Overlaps(other *NumericRange) bool {
	if r == nil || other == nil {
		return true
	}
	return r.Low <= other.High && other.Low <= r.High
}

// Section extracts the selected elements from an array variant. It
// returns BadIndexRangeNoData when the value has no data in the range
// and BadIndexRangeInvalid when the value is not an array.
func (r *NumericRange) Section(v Variant) (Variant, StatusCode) {
	if r == nil {
		return v, Good
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, BadIndexRangeInvalid
	}
	if r.Low >= rv.Len() {
		return nil, BadIndexRangeNoData
	}
	hi := r.High + 1
	if hi > rv.Len() {
		hi = rv.Len()
	}
	return rv.Slice(r.Low, hi).Interface(), Good
}

func (r *NumericRange) String() string {
	if r == nil {
		return ""
	}
	if r.Low == r.High {
		return strconv.Itoa(r.Low)
	}
	return strconv.Itoa(r.Low) + ":" + strconv.Itoa(r.High)
}
