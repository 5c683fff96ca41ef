package ua

// DataChangeTrigger specifies the conditions under which a data change
// notification is reported.
type DataChangeTrigger uint32

// DataChangeTriggers
const (
	DataChangeTriggerStatus DataChangeTrigger = iota
	DataChangeTriggerStatusValue
	DataChangeTriggerStatusValueTimestamp
)

// DeadbandType specifies the minimum-change threshold discipline of a
// DataChangeFilter.
type DeadbandType uint32

// DeadbandTypes
const (
	DeadbandTypeNone DeadbandType = iota
	DeadbandTypeAbsolute
	DeadbandTypePercent
)

// DataChangeFilter defines the change test applied before a sampled
// value is queued by a monitored item.
type DataChangeFilter struct {
	Trigger       DataChangeTrigger
	DeadbandType  DeadbandType
	DeadbandValue float64
}

// EventFilter selects the fields reported for each event. Evaluation of
// the select and where clauses is delegated to the event source; the
// engine only carries the clauses and queues the projected field lists.
type EventFilter struct {
	SelectClauses []string
	WhereClause   string
}

// FilterKind discriminates the closed set of monitoring filters.
type FilterKind byte

// FilterKinds
const (
	FilterNone FilterKind = iota
	FilterDataChange
	FilterEvent
)

// MonitoringFilter is the tagged union of the monitoring filter
// variants. The zero value is the default change test (report when
// status or value differs).
type MonitoringFilter struct {
	Kind       FilterKind
	DataChange DataChangeFilter
	Event      EventFilter
}

// NewDataChangeFilter wraps a DataChangeFilter.
func NewDataChangeFilter(f DataChangeFilter) MonitoringFilter {
	return MonitoringFilter{Kind: FilterDataChange, DataChange: f}
}

// NewEventFilter wraps an EventFilter.
func NewEventFilter(f EventFilter) MonitoringFilter {
	return MonitoringFilter{Kind: FilterEvent, Event: f}
}

// Range defines the engineering value range used by percent deadband.
type Range struct {
	Low  float64
	High float64
}
