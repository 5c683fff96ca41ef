package ua

import (
	"reflect"
)

/*
Variant stores a single value or slice of the following types:

	bool, int8, uint8, int16, uint16, int32, uint32
	int64, uint64, float32, float64, string, time.Time

Scalar values are stored directly. Array values are stored as slices and
are deep-copied on admission to a monitored item queue, so a queued
value never aliases caller-owned storage.
*/
type Variant interface{}

// CloneVariant returns a copy of the given variant. Slices are copied
// element by element; scalar values are returned as is.
func CloneVariant(v Variant) Variant {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return v
	}
	if rv.IsNil() {
		return v
	}
	out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
	reflect.Copy(out, rv)
	// nested slices need their own backing arrays.
	if rv.Type().Elem().Kind() == reflect.Slice {
		for i := 0; i < out.Len(); i++ {
			out.Index(i).Set(reflect.ValueOf(CloneVariant(out.Index(i).Interface())))
		}
	}
	return out.Interface()
}

// VariantsEqual reports whether two variants hold the same value.
func VariantsEqual(a, b Variant) bool {
	return reflect.DeepEqual(a, b)
}
