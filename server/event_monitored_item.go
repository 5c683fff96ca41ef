package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeworks/uaserver/ua"
	deque "github.com/gammazero/deque"
)

// EventMonitoredItem watches a node for events. The event source
// evaluates the filter clauses and pushes projected field lists; the
// item only buffers them.
type EventMonitoredItem struct {
	sync.RWMutex
	srv            *Server
	sub            *Subscription
	node           Node
	id             uint32
	itemToMonitor  ua.ReadValueID
	monitoringMode ua.MonitoringMode
	modeSet        bool
	clientHandle   uint32
	queueSize      uint32
	discardOldest  bool
	filter         ua.EventFilter
	queue          deque.Deque[[]ua.Variant]
	triggeredItems []MonitoredItem
	triggered      int32
	cancelEvents   func()
	cancelDispose  func()
}

// NewEventMonitoredItem constructs an EventMonitoredItem. The node must
// implement EventSource; callers validate that before constructing.
func NewEventMonitoredItem(sub *Subscription, node Node, itemToMonitor ua.ReadValueID, parameters ua.MonitoringParameters) *EventMonitoredItem {
	mi := &EventMonitoredItem{
		srv:            sub.srv,
		sub:            sub,
		node:           node,
		id:             sub.srv.nextMonitoredItemID(),
		itemToMonitor:  itemToMonitor,
		monitoringMode: ua.MonitoringModeDisabled,
		clientHandle:   parameters.ClientHandle,
		discardOldest:  parameters.DiscardOldest,
		filter:         parameters.Filter.Event,
	}
	mi.setQueueSize(parameters.QueueSize)
	mi.cancelDispose = node.OnDispose(mi.Delete)
	return mi
}

// ID returns the identifier of the MonitoredItem.
func (mi *EventMonitoredItem) ID() uint32 {
	return mi.id
}

// Node returns the Node of the MonitoredItem.
func (mi *EventMonitoredItem) Node() Node {
	mi.RLock()
	defer mi.RUnlock()
	return mi.node
}

// ItemToMonitor returns the ReadValueID of the MonitoredItem.
func (mi *EventMonitoredItem) ItemToMonitor() ua.ReadValueID {
	return mi.itemToMonitor
}

// SamplingInterval returns 0: event items have no sampling timer.
func (mi *EventMonitoredItem) SamplingInterval() float64 {
	return 0
}

// QueueSize returns the queue capacity of the MonitoredItem.
func (mi *EventMonitoredItem) QueueSize() uint32 {
	mi.RLock()
	defer mi.RUnlock()
	return mi.queueSize
}

// QueueLength returns the number of queued events.
func (mi *EventMonitoredItem) QueueLength() int {
	mi.RLock()
	defer mi.RUnlock()
	return mi.queue.Len()
}

// MonitoringMode returns the monitoring mode of the MonitoredItem.
func (mi *EventMonitoredItem) MonitoringMode() ua.MonitoringMode {
	mi.RLock()
	defer mi.RUnlock()
	return mi.monitoringMode
}

// ClientHandle returns the client handle of the MonitoredItem.
func (mi *EventMonitoredItem) ClientHandle() uint32 {
	mi.RLock()
	defer mi.RUnlock()
	return mi.clientHandle
}

// Triggered returns true when the MonitoredItem is triggered.
// Lock-free: triggering items fan out to linked items while holding
// their own lock.
func (mi *EventMonitoredItem) Triggered() bool {
	return atomic.LoadInt32(&mi.triggered) == 1
}

// SetTriggered sets when the MonitoredItem is triggered.
func (mi *EventMonitoredItem) SetTriggered(val bool) {
	if val {
		atomic.StoreInt32(&mi.triggered, 1)
	} else {
		atomic.StoreInt32(&mi.triggered, 0)
	}
}

// Modify revises the parameters of the MonitoredItem.
func (mi *EventMonitoredItem) Modify(req ua.MonitoredItemModifyRequest) ua.MonitoredItemModifyResult {
	mi.Lock()
	defer mi.Unlock()
	mi.clientHandle = req.RequestedParameters.ClientHandle
	mi.discardOldest = req.RequestedParameters.DiscardOldest
	mi.setQueueSize(req.RequestedParameters.QueueSize)
	if req.RequestedParameters.Filter.Kind == ua.FilterEvent {
		mi.filter = req.RequestedParameters.Filter.Event
		if mi.cancelEvents != nil {
			// resubscribe so the source picks up the new clauses.
			mi.stopWatching()
			mi.startWatching()
		}
	}
	return ua.MonitoredItemModifyResult{
		StatusCode:       ua.Good,
		RevisedQueueSize: mi.queueSize,
	}
}

// Delete terminates the MonitoredItem. Idempotent.
func (mi *EventMonitoredItem) Delete() {
	mi.Lock()
	defer mi.Unlock()
	if mi.node == nil {
		return
	}
	mi.stopWatching()
	if mi.cancelDispose != nil {
		mi.cancelDispose()
		mi.cancelDispose = nil
	}
	mi.queue.Clear()
	mi.node = nil
	mi.triggeredItems = nil
	mi.sub = nil
}

// SetMonitoringMode sets the MonitoringMode of the MonitoredItem.
// Disabling discards all queued events.
func (mi *EventMonitoredItem) SetMonitoringMode(mode ua.MonitoringMode) {
	mi.Lock()
	defer mi.Unlock()
	if mi.node == nil {
		return
	}
	if mi.modeSet && mi.monitoringMode == mode {
		return
	}
	mi.monitoringMode = mode
	mi.modeSet = true
	if mode == ua.MonitoringModeDisabled {
		mi.stopWatching()
		mi.queue.Clear()
		return
	}
	mi.startWatching()
}

func (mi *EventMonitoredItem) startWatching() {
	if mi.cancelEvents != nil {
		return
	}
	if src, ok := mi.node.(EventSource); ok {
		mi.cancelEvents = src.SubscribeEvents(mi.filter, mi.OnEvent)
	}
}

func (mi *EventMonitoredItem) stopWatching() {
	if mi.cancelEvents != nil {
		mi.cancelEvents()
		mi.cancelEvents = nil
	}
}

func (mi *EventMonitoredItem) setQueueSize(queueSize uint32) {
	if queueSize > maxQueueSize {
		queueSize = maxQueueSize
	}
	if queueSize < minQueueSize {
		queueSize = minQueueSize
	}
	mi.queueSize = queueSize
	for mi.queue.Len() > int(mi.queueSize) {
		if mi.discardOldest {
			mi.queue.PopFront()
		} else {
			mi.queue.PopBack()
		}
	}
}

// OnEvent queues one projected event field list.
func (mi *EventMonitoredItem) OnEvent(fields []ua.Variant) {
	mi.Lock()
	defer mi.Unlock()
	if mi.node == nil || mi.monitoringMode == ua.MonitoringModeDisabled {
		return
	}
	if mi.queue.Len() >= int(mi.queueSize) {
		if mi.discardOldest {
			mi.queue.PopFront()
		} else {
			mi.queue.PopBack()
		}
		if mi.sub != nil {
			mi.sub.noteQueueOverflow()
		}
		if mi.srv != nil && mi.srv.metrics != nil {
			mi.srv.metrics.MonitoredItemQueueOverflows.Inc()
		}
	}
	mi.queue.PushBack(fields)
	for _, item := range mi.triggeredItems {
		item.SetTriggered(true)
	}
}

// AddTriggeredItem links an item that reports off this item's events.
func (mi *EventMonitoredItem) AddTriggeredItem(item MonitoredItem) bool {
	mi.Lock()
	defer mi.Unlock()
	if mi.node == nil {
		return false
	}
	mi.triggeredItems = append(mi.triggeredItems, item)
	return true
}

// RemoveTriggeredItem removes a linked item.
func (mi *EventMonitoredItem) RemoveTriggeredItem(item MonitoredItem) bool {
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

func (mi *EventMonitoredItem) notifications(max int) (notifications []any, more bool) {
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

func (mi *EventMonitoredItem) notificationsAvailable(tn time.Time, late bool, resend bool) bool {
	_, _, _ = tn, late, resend
	mi.RLock()
	defer mi.RUnlock()
	if mi.node == nil || mi.monitoringMode == ua.MonitoringModeDisabled {
		return false
	}
	return mi.queue.Len() > 0 && (mi.monitoringMode == ua.MonitoringModeReporting || mi.Triggered())
}
