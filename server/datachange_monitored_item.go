package server

import (
	"context"
	"math"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeworks/uaserver/ua"
	deque "github.com/gammazero/deque"
)

// DataChangeMonitoredItem watches the attribute of a node for data
// changes. Values are admitted through recordValue, filtered by the
// active data change filter, and buffered in a bounded queue until the
// owning subscription harvests them.
type DataChangeMonitoredItem struct {
	sync.RWMutex
	srv                 *Server
	sub                 *Subscription
	node                Node
	id                  uint32
	itemToMonitor       ua.ReadValueID
	indexRange          *ua.NumericRange
	monitoringMode      ua.MonitoringMode
	modeSet             bool
	clientHandle        uint32
	samplingInterval    float64
	ti                  time.Duration
	queueSize           uint32
	discardOldest       bool
	timestampsToReturn  ua.TimestampsToReturn
	filter              ua.MonitoringFilter
	queue               deque.Deque[ua.DataValue]
	previousQueuedValue ua.DataValue
	lastSemanticVersion uint32
	triggeredItems      []MonitoredItem
	triggered           int32
	ts                  time.Time
	sampleInFlight      int32
	cancelDispose       func()
}

// NewDataChangeMonitoredItem constructs a DataChangeMonitoredItem. The
// item starts without a monitoring mode; it samples nothing until
// SetMonitoringMode is called.
func NewDataChangeMonitoredItem(sub *Subscription, node Node, itemToMonitor ua.ReadValueID, indexRange *ua.NumericRange, parameters ua.MonitoringParameters, timestampsToReturn ua.TimestampsToReturn) *DataChangeMonitoredItem {
	mi := &DataChangeMonitoredItem{
		srv:                 sub.srv,
		sub:                 sub,
		node:                node,
		id:                  sub.srv.nextMonitoredItemID(),
		itemToMonitor:       itemToMonitor,
		indexRange:          indexRange,
		monitoringMode:      ua.MonitoringModeDisabled,
		clientHandle:        parameters.ClientHandle,
		discardOldest:       parameters.DiscardOldest,
		timestampsToReturn:  timestampsToReturn,
		previousQueuedValue: ua.NewDataValue(nil, ua.BadWaitingForInitialData, time.Time{}, time.Time{}),
		lastSemanticVersion: node.SemanticVersion(),
	}
	mi.setQueueSize(parameters.QueueSize)
	mi.setSamplingInterval(parameters.SamplingInterval, sub.PublishingInterval())
	mi.setFilter(parameters.Filter)
	mi.cancelDispose = node.OnDispose(mi.Delete)
	return mi
}

// ID returns the identifier of the MonitoredItem.
func (mi *DataChangeMonitoredItem) ID() uint32 {
	return mi.id
}

// Node returns the Node of the MonitoredItem.
func (mi *DataChangeMonitoredItem) Node() Node {
	mi.RLock()
	defer mi.RUnlock()
	return mi.node
}

// ItemToMonitor returns the ReadValueID of the MonitoredItem.
func (mi *DataChangeMonitoredItem) ItemToMonitor() ua.ReadValueID {
	return mi.itemToMonitor
}

// SamplingInterval returns the sampling interval in ms of the MonitoredItem.
func (mi *DataChangeMonitoredItem) SamplingInterval() float64 {
	mi.RLock()
	defer mi.RUnlock()
	return mi.samplingInterval
}

// QueueSize returns the queue capacity of the MonitoredItem.
func (mi *DataChangeMonitoredItem) QueueSize() uint32 {
	mi.RLock()
	defer mi.RUnlock()
	return mi.queueSize
}

// QueueLength returns the number of queued notifications.
func (mi *DataChangeMonitoredItem) QueueLength() int {
	mi.RLock()
	defer mi.RUnlock()
	return mi.queue.Len()
}

// MonitoringMode returns the monitoring mode of the MonitoredItem.
func (mi *DataChangeMonitoredItem) MonitoringMode() ua.MonitoringMode {
	mi.RLock()
	defer mi.RUnlock()
	return mi.monitoringMode
}

// ClientHandle returns the client handle of the MonitoredItem.
func (mi *DataChangeMonitoredItem) ClientHandle() uint32 {
	mi.RLock()
	defer mi.RUnlock()
	return mi.clientHandle
}

// Triggered returns true when the MonitoredItem is triggered.
// Lock-free: triggering items fan out to linked items while holding
// their own lock.
func (mi *DataChangeMonitoredItem) Triggered() bool {
	return atomic.LoadInt32(&mi.triggered) == 1
}

// SetTriggered sets when the MonitoredItem is triggered.
func (mi *DataChangeMonitoredItem) SetTriggered(val bool) {
	if val {
		atomic.StoreInt32(&mi.triggered, 1)
	} else {
		atomic.StoreInt32(&mi.triggered, 0)
	}
}

// LastQueuedValue returns a copy of the most recently admitted value.
func (mi *DataChangeMonitoredItem) LastQueuedValue() ua.DataValue {
	mi.RLock()
	defer mi.RUnlock()
	return mi.previousQueuedValue.Clone()
}

// Modify revises the parameters of the MonitoredItem. Out-of-range
// requests are clamped, never rejected.
func (mi *DataChangeMonitoredItem) Modify(req ua.MonitoredItemModifyRequest) ua.MonitoredItemModifyResult {
	defaultInterval := mi.defaultSamplingInterval()
	mi.Lock()
	defer mi.Unlock()
	if mi.node == nil {
		return ua.MonitoredItemModifyResult{StatusCode: ua.BadMonitoredItemIDInvalid}
	}
	mi.stopSampling()
	mi.clientHandle = req.RequestedParameters.ClientHandle
	mi.discardOldest = req.RequestedParameters.DiscardOldest
	mi.setQueueSize(req.RequestedParameters.QueueSize)
	mi.setSamplingInterval(req.RequestedParameters.SamplingInterval, defaultInterval)
	mi.setFilter(req.RequestedParameters.Filter)
	mi.startSampling()
	return ua.MonitoredItemModifyResult{
		StatusCode:              ua.Good,
		RevisedSamplingInterval: mi.samplingInterval,
		RevisedQueueSize:        mi.queueSize,
	}
}

// Delete terminates the MonitoredItem. Safe to call more than once and
// from a node dispose callback.
func (mi *DataChangeMonitoredItem) Delete() {
	mi.Lock()
	defer mi.Unlock()
	if mi.node == nil {
		return
	}
	mi.stopSampling()
	if mi.cancelDispose != nil {
		mi.cancelDispose()
		mi.cancelDispose = nil
	}
	mi.queue.Clear()
	mi.node = nil
	mi.previousQueuedValue = ua.NewDataValue(nil, ua.BadWaitingForInitialData, time.Time{}, time.Time{})
	mi.triggeredItems = nil
	mi.sub = nil
}

// SetMonitoringMode sets the MonitoringMode of the MonitoredItem.
// Disabling discards all queued notifications. Enabling from the
// initial or disabled state forces an immediate first sample whose
// timestamp anchors the sampling period.
func (mi *DataChangeMonitoredItem) SetMonitoringMode(mode ua.MonitoringMode) {
	mi.Lock()
	defer mi.Unlock()
	if mi.node == nil {
		return
	}
	if mi.modeSet && mi.monitoringMode == mode {
		return
	}
	wasActive := mi.modeSet && mi.monitoringMode != ua.MonitoringModeDisabled
	mi.stopSampling()
	mi.monitoringMode = mode
	mi.modeSet = true
	if mode == ua.MonitoringModeDisabled {
		mi.queue.Clear()
		mi.previousQueuedValue = ua.NewDataValue(nil, ua.BadWaitingForInitialData, time.Time{}, time.Time{})
		return
	}
	if wasActive {
		mi.startSampling()
		return
	}
	// first sample as soon as possible.
	v := mi.readCurrentValue()
	mi.recordValueLocked(v, true, nil)
	mi.startSampling()
}

func (mi *DataChangeMonitoredItem) setQueueSize(queueSize uint32) {
	if queueSize > maxQueueSize {
		queueSize = maxQueueSize
	}
	if queueSize < minQueueSize {
		queueSize = minQueueSize
	}
	mi.queueSize = queueSize

	// trim to size
	overflow := false
	for mi.queue.Len() > int(mi.queueSize) {
		if mi.discardOldest {
			mi.queue.PopFront()
		} else {
			mi.queue.PopBack()
		}
		overflow = true
	}
	if overflow && mi.queueSize > 1 {
		if mi.discardOldest {
			v := mi.queue.Front()
			v.StatusCode = v.StatusCode.WithOverflow()
			mi.queue.Set(0, v)
		} else {
			v := mi.queue.Back()
			v.StatusCode = v.StatusCode.WithOverflow()
			mi.queue.Set(mi.queue.Len()-1, v)
		}
	}
}

// defaultSamplingInterval resolves the fallback for a negative
// requested interval. Called before the item lock is taken, since the
// subscription calls into the item under its own lock.
func (mi *DataChangeMonitoredItem) defaultSamplingInterval() float64 {
	mi.RLock()
	sub := mi.sub
	mi.RUnlock()
	if sub == nil {
		return minSamplingInterval
	}
	return sub.PublishingInterval()
}

func (mi *DataChangeMonitoredItem) setSamplingInterval(samplingInterval, defaultInterval float64) {
	if samplingInterval < 0 || math.IsNaN(samplingInterval) {
		samplingInterval = defaultInterval
	}
	if samplingInterval > 0 {
		if samplingInterval < minSamplingInterval {
			samplingInterval = minSamplingInterval
		}
		if samplingInterval > maxSamplingInterval {
			samplingInterval = maxSamplingInterval
		}
		if min := mi.node.MinimumSamplingInterval(); samplingInterval < min {
			samplingInterval = min
		}
	}
	// samplingInterval of 0 means event-driven: no timer, the source
	// pushes changes through RecordValue.
	mi.samplingInterval = samplingInterval
	mi.ti = time.Duration(mi.samplingInterval) * time.Millisecond
}

func (mi *DataChangeMonitoredItem) setFilter(filter ua.MonitoringFilter) {
	if filter.Kind == ua.FilterDataChange {
		mi.filter = filter
		return
	}
	mi.filter = ua.MonitoringFilter{Kind: ua.FilterNone}
}

func (mi *DataChangeMonitoredItem) startSampling() {
	mi.ts = time.Now()
	if mi.monitoringMode == ua.MonitoringModeDisabled || mi.ti <= 0 {
		return
	}
	mi.srv.Scheduler().GetPollGroup(mi.ti).Subscribe(mi)
}

func (mi *DataChangeMonitoredItem) stopSampling() {
	if mi.ti <= 0 {
		return
	}
	mi.srv.Scheduler().GetPollGroup(mi.ti).Unsubscribe(mi)
}

func (mi *DataChangeMonitoredItem) readCurrentValue() ua.DataValue {
	return mi.node.ReadAttribute(context.Background(), mi.itemToMonitor.AttributeID, mi.indexRange)
}

// Poll samples the attribute once. A tick that finds a sample already
// in flight for this item is a no-op for that cycle.
func (mi *DataChangeMonitoredItem) Poll() {
	if !atomic.CompareAndSwapInt32(&mi.sampleInFlight, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&mi.sampleInFlight, 0)
	mi.RLock()
	node := mi.node
	mode := mi.monitoringMode
	mi.RUnlock()
	if node == nil || mode == ua.MonitoringModeDisabled {
		return
	}
	v := node.ReadAttribute(context.Background(), mi.itemToMonitor.AttributeID, mi.indexRange)
	mi.RecordValue(v, false, nil)
}

// AddTriggeredItem links an item that reports off this item's changes.
func (mi *DataChangeMonitoredItem) AddTriggeredItem(item MonitoredItem) bool {
	mi.Lock()
	defer mi.Unlock()
	if mi.node == nil {
		return false
	}
	mi.triggeredItems = append(mi.triggeredItems, item)
	return true
}

// RemoveTriggeredItem removes a linked item.
func (mi *DataChangeMonitoredItem) RemoveTriggeredItem(item MonitoredItem) bool {
	mi.Lock()
	defer mi.Unlock()
	for i, e := range mi.triggeredItems {
		if e.ID() == item.ID() {
			mi.triggeredItems[i] = mi.triggeredItems[len(mi.triggeredItems)-1]
			mi.triggeredItems[len(mi.triggeredItems)-1] = nil
			mi.triggeredItems = mi.triggeredItems[:len(mi.triggeredItems)-1]
			return true
		}
	}
	return false
}

// RecordValue is the admission path for new values, whether sampled by
// the engine or pushed by the node. It returns false when the value is
// rejected: the item is disposed, the supplied sub-range does not
// overlap the monitored one, or the change filter finds no effective
// change. On admission the value is deep-cloned before it is queued.
func (mi *DataChangeMonitoredItem) RecordValue(value ua.DataValue, skipChangeTest bool, indexRange *ua.NumericRange) bool {
	mi.Lock()
	defer mi.Unlock()
	return mi.recordValueLocked(value, skipChangeTest, indexRange)
}

func (mi *DataChangeMonitoredItem) recordValueLocked(value ua.DataValue, skipChangeTest bool, indexRange *ua.NumericRange) bool {
	if mi.node == nil || mi.monitoringMode == ua.MonitoringModeDisabled {
		return false
	}
	if indexRange != nil && !indexRange.Overlaps(mi.indexRange) {
		return false
	}
	// a semantic change forces delivery regardless of filters.
	if sv := mi.node.SemanticVersion(); sv != mi.lastSemanticVersion {
		mi.lastSemanticVersion = sv
		value.StatusCode = value.StatusCode.WithSemanticsChanged()
		skipChangeTest = true
	}
	if !skipChangeTest && !mi.isDataChange(value, mi.previousQueuedValue) {
		return false
	}
	clone := value.Clone()
	mi.enqueue(withTimestamps(clone, mi.timestampsToReturn))
	mi.previousQueuedValue = clone
	for _, item := range mi.triggeredItems {
		item.SetTriggered(true)
	}
	return true
}

func (mi *DataChangeMonitoredItem) enqueue(item ua.DataValue) {
	if mi.queueSize == 1 {
		// buffer semantics: the single slot always holds the newest
		// value and the discard policy has no effect.
		mi.queue.Clear()
		mi.queue.PushBack(item)
		return
	}
	overflow := false
	if mi.discardOldest {
		for mi.queue.Len() >= int(mi.queueSize) {
			mi.queue.PopFront()
			overflow = true
		}
		mi.queue.PushBack(item)
		if overflow {
			// overflow bit goes on the oldest retained entry.
			v := mi.queue.Front()
			v.StatusCode = v.StatusCode.WithOverflow()
			mi.queue.Set(0, v)
			mi.noteOverflow()
		}
	} else {
		if mi.queue.Len() < int(mi.queueSize) {
			mi.queue.PushBack(item)
			return
		}
		// keep newest: replace the last slot and flag the incoming value.
		item.StatusCode = item.StatusCode.WithOverflow()
		mi.queue.Set(mi.queue.Len()-1, item)
		mi.noteOverflow()
	}
}

func (mi *DataChangeMonitoredItem) noteOverflow() {
	if mi.sub != nil {
		mi.sub.noteQueueOverflow()
	}
	if mi.srv != nil && mi.srv.metrics != nil {
		mi.srv.metrics.MonitoredItemQueueOverflows.Inc()
	}
}

func (mi *DataChangeMonitoredItem) notifications(max int) (notifications []any, more bool) {
	mi.Lock()
	defer mi.Unlock()
	notifications = make([]any, 0, 4)
	for i := 0; i < max && mi.queue.Len() > 0; i++ {
		notifications = append(notifications, mi.queue.PopFront())
	}
	more = mi.queue.Len() > 0
	if !more {
		atomic.StoreInt32(&mi.triggered, 0)
	}
	return notifications, more
}

func (mi *DataChangeMonitoredItem) notificationsAvailable(tn time.Time, late bool, resend bool) bool {
	_ = late
	mi.Lock()
	defer mi.Unlock()
	if mi.node == nil || mi.monitoringMode == ua.MonitoringModeDisabled {
		mi.ts = tn
		return false
	}
	if resend && mi.monitoringMode == ua.MonitoringModeReporting && mi.queue.Len() == 0 {
		// initial-values semantics after a transfer: requeue the current
		// value so the new session sees a complete picture.
		v := mi.readCurrentValue()
		clone := v.Clone()
		mi.enqueue(withTimestamps(clone, mi.timestampsToReturn))
		mi.previousQueuedValue = clone
	}
	return mi.queue.Len() > 0 && (mi.monitoringMode == ua.MonitoringModeReporting || mi.Triggered())
}

func (mi *DataChangeMonitoredItem) isDataChange(current, previous ua.DataValue) bool {
	if mi.filter.Kind != ua.FilterDataChange {
		// default change test: status or value differs.
		return current.StatusCode&0xFFFFF000 != previous.StatusCode&0xFFFFF000 ||
			!ua.VariantsEqual(mi.section(current.Value), mi.section(previous.Value))
	}
	dcf := mi.filter.DataChange
	if current.StatusCode&0xFFFFF000 != previous.StatusCode&0xFFFFF000 {
		return true
	}
	if dcf.Trigger == ua.DataChangeTriggerStatus {
		return false
	}
	if dcf.Trigger == ua.DataChangeTriggerStatusValueTimestamp &&
		!current.SourceTimestamp.Equal(previous.SourceTimestamp) {
		return true
	}
	cv := mi.section(current.Value)
	pv := mi.section(previous.Value)
	switch dcf.DeadbandType {
	case ua.DeadbandTypeNone:
		return !ua.VariantsEqual(cv, pv)
	case ua.DeadbandTypeAbsolute:
		return exceedsDeadband(cv, pv, dcf.DeadbandValue)
	case ua.DeadbandTypePercent:
		rng, ok := mi.node.EURange()
		if !ok {
			// the range cannot be resolved: treat as changed rather than
			// silently suppressing updates.
			mi.srv.logger.WithField("monitoredItem", mi.id).
				Warn("percent deadband: EURange not resolvable, reporting value as changed")
			return true
		}
		return exceedsDeadband(cv, pv, dcf.DeadbandValue/100.0*(rng.High-rng.Low))
	}
	return true
}

// section restricts a value to the monitored sub-range for comparison.
// Values the range cannot be applied to are compared whole.
func (mi *DataChangeMonitoredItem) section(v ua.Variant) ua.Variant {
	if mi.indexRange == nil {
		return v
	}
	if s, code := mi.indexRange.Section(v); code.IsGood() {
		return s
	}
	return v
}

// exceedsDeadband reports whether any element of the new value differs
// from the old by strictly more than the deadband. A difference exactly
// at the threshold is not a change.
func exceedsDeadband(current, previous ua.Variant, deadband float64) bool {
	if current == nil || previous == nil {
		return !(current == nil && previous == nil)
	}
	vc := reflect.ValueOf(current)
	vp := reflect.ValueOf(previous)
	if vc.Type() != vp.Type() {
		return true
	}
	switch vc.Kind() {
	case reflect.Slice, reflect.Array:
		if vc.Len() != vp.Len() {
			return true
		}
		for i := 0; i < vc.Len(); i++ {
			if exceedsDeadband(vc.Index(i).Interface(), vp.Index(i).Interface(), deadband) {
				return true
			}
		}
		return false
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return math.Abs(float64(vc.Int())-float64(vp.Int())) > deadband
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return math.Abs(float64(vc.Uint())-float64(vp.Uint())) > deadband
	case reflect.Float32, reflect.Float64:
		return math.Abs(vc.Float()-vp.Float()) > deadband
	}
	return !reflect.DeepEqual(current, previous)
}

// withTimestamps returns the DataValue with only the selected timestamps.
func withTimestamps(value ua.DataValue, timestampsToReturn ua.TimestampsToReturn) ua.DataValue {
	switch timestampsToReturn {
	case ua.TimestampsToReturnSource:
		value.ServerTimestamp = time.Time{}
	case ua.TimestampsToReturnServer:
		value.SourceTimestamp = time.Time{}
	case ua.TimestampsToReturnNeither:
		value.SourceTimestamp = time.Time{}
		value.ServerTimestamp = time.Time{}
	}
	return value
}
