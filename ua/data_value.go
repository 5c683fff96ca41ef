package ua

import (
	"time"
)

// DataValue holds the value, quality and timestamps of an attribute.
type DataValue struct {
	Value           Variant
	StatusCode      StatusCode
	SourceTimestamp time.Time
	ServerTimestamp time.Time
}

// NewDataValue constructs a DataValue.
func NewDataValue(value Variant, status StatusCode, sourceTimestamp time.Time, serverTimestamp time.Time) DataValue {
	return DataValue{value, status, sourceTimestamp, serverTimestamp}
}

// NilDataValue is the nil value.
var NilDataValue = DataValue{}

// Clone returns a copy of the DataValue whose Value shares no storage
// with the receiver.
func (dv DataValue) Clone() DataValue {
	dv.Value = CloneVariant(dv.Value)
	return dv
}
