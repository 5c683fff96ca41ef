package ua

// StatusCode is the result of a service operation.
type StatusCode uint32

// IsGood returns true if the StatusCode is good.
func (c StatusCode) IsGood() bool {
	return (uint32(c) & SeverityMask) == SeverityGood
}

// IsBad returns true if the StatusCode is bad.
func (c StatusCode) IsBad() bool {
	return (uint32(c) & SeverityMask) == SeverityBad
}

// IsUncertain returns true if the StatusCode is uncertain.
func (c StatusCode) IsUncertain() bool {
	return (uint32(c) & SeverityMask) == SeverityUncertain
}

// IsSemanticsChanged returns true if the semantics-changed bit is set.
func (c StatusCode) IsSemanticsChanged() bool {
	return (uint32(c) & SemanticsChanged) == SemanticsChanged
}

// IsOverflow returns true if the monitored item queue overflowed while
// this value was queued.
func (c StatusCode) IsOverflow() bool {
	return ((uint32(c) & InfoTypeMask) == InfoTypeDataValue) && ((uint32(c) & Overflow) == Overflow)
}

// WithOverflow returns the StatusCode with the data value overflow bit set.
func (c StatusCode) WithOverflow() StatusCode {
	return StatusCode(uint32(c) | InfoTypeDataValue | Overflow)
}

// WithSemanticsChanged returns the StatusCode with the semantics-changed bit set.
func (c StatusCode) WithSemanticsChanged() StatusCode {
	return StatusCode(uint32(c) | SemanticsChanged)
}

const (
	// Good - The operation completed successfully.
	Good StatusCode = 0x00000000
	// SeverityMask - .
	SeverityMask uint32 = 0xC0000000
	// SeverityGood - .
	SeverityGood uint32 = 0x00000000
	// SeverityUncertain - .
	SeverityUncertain uint32 = 0x40000000
	// SeverityBad - .
	SeverityBad uint32 = 0x80000000
	// SubCodeMask - .
	SubCodeMask uint32 = 0x0FFF0000
	// StructureChanged - .
	StructureChanged uint32 = 0x00008000
	// SemanticsChanged - .
	SemanticsChanged uint32 = 0x00004000
	// InfoTypeMask - .
	InfoTypeMask uint32 = 0x00000C00
	// InfoTypeDataValue - .
	InfoTypeDataValue uint32 = 0x00000400
	// Overflow - .
	Overflow uint32 = 0x00000080
)

const (
	// GoodSubscriptionTransferred - The subscription was transferred to another session.
	GoodSubscriptionTransferred StatusCode = 0x002D0000
	// BadUnexpectedError - An unexpected error occurred.
	BadUnexpectedError StatusCode = 0x80010000
	// BadInternalError - An internal error occurred as a result of a programming or configuration error.
	BadInternalError StatusCode = 0x80020000
	// BadNothingToDo - There was nothing to do because the client passed a list of operations with no elements.
	BadNothingToDo StatusCode = 0x800F0000
	// BadTooManyOperations - The request could not be processed because it specified too many operations.
	BadTooManyOperations StatusCode = 0x80100000
	// BadTimeout - The operation timed out.
	BadTimeout StatusCode = 0x800A0000
	// BadServerHalted - The server has stopped and cannot process any requests.
	BadServerHalted StatusCode = 0x800E0000
	// BadSessionIDInvalid - The session id is not valid.
	BadSessionIDInvalid StatusCode = 0x80250000
	// BadSessionClosed - The session was closed by the client.
	BadSessionClosed StatusCode = 0x80260000
	// BadSubscriptionIDInvalid - The subscription id is not valid.
	BadSubscriptionIDInvalid StatusCode = 0x80280000
	// BadSequenceNumberUnknown - The sequence number is unknown to the server.
	BadSequenceNumberUnknown StatusCode = 0x807A0000
	// BadMessageNotAvailable - The requested notification message is no longer available.
	BadMessageNotAvailable StatusCode = 0x80BD0000
	// BadNoSubscription - There is no subscription available for this session.
	BadNoSubscription StatusCode = 0x80790000
	// BadTooManyPublishRequests - The server has reached the maximum number of queued publish requests.
	BadTooManyPublishRequests StatusCode = 0x806D0000
	// BadTooManySubscriptions - The server has reached its maximum number of subscriptions.
	BadTooManySubscriptions StatusCode = 0x80770000
	// BadTooManySessions - The server has reached its maximum number of sessions.
	BadTooManySessions StatusCode = 0x80560000
	// BadTooManyMonitoredItems - The server has reached the maximum number of queued monitored items.
	BadTooManyMonitoredItems StatusCode = 0x80DB0000
	// BadMonitoredItemIDInvalid - The monitored item id does not refer to a valid monitored item.
	BadMonitoredItemIDInvalid StatusCode = 0x80420000
	// BadMonitoredItemFilterUnsupported - The server does not support the requested monitored item filter.
	BadMonitoredItemFilterUnsupported StatusCode = 0x80440000
	// BadMonitoringModeInvalid - The monitoring mode is invalid.
	BadMonitoringModeInvalid StatusCode = 0x80430000
	// BadFilterNotAllowed - A monitoring filter cannot be used in combination with the attribute specified.
	BadFilterNotAllowed StatusCode = 0x80450000
	// BadDeadbandFilterInvalid - The deadband filter is not valid.
	BadDeadbandFilterInvalid StatusCode = 0x808E0000
	// BadNodeIDUnknown - The node id refers to a node that does not exist in the server address space.
	BadNodeIDUnknown StatusCode = 0x80340000
	// BadAttributeIDInvalid - The attribute is not supported for the specified node.
	BadAttributeIDInvalid StatusCode = 0x80350000
	// BadIndexRangeInvalid - The syntax of the index range parameter is invalid.
	BadIndexRangeInvalid StatusCode = 0x80360000
	// BadIndexRangeNoData - No data exists within the range of indexes specified.
	BadIndexRangeNoData StatusCode = 0x80370000
	// BadWaitingForInitialData - Waiting for the server to obtain values from the underlying data source.
	BadWaitingForInitialData StatusCode = 0x80320000
	// BadInvalidState - The operation cannot be completed because the object is closed or in a transitional state.
	BadInvalidState StatusCode = 0x80AF0000
	// BadOutOfRange - The value was out of range.
	BadOutOfRange StatusCode = 0x803C0000
)
