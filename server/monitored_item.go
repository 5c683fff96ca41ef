package server

import (
	"time"

	"github.com/edgeworks/uaserver/ua"
)

const (
	minQueueSize        = 1
	maxQueueSize        = 5000
	minSamplingInterval = 50.0
	maxSamplingInterval = 3600 * 1000.0
)

// MonitoredItem is a server-side watch on one node attribute, producing
// a stream of change notifications into a bounded queue.
type MonitoredItem interface {
	ID() uint32
	Node() Node
	ItemToMonitor() ua.ReadValueID
	SamplingInterval() float64
	QueueSize() uint32
	QueueLength() int
	MonitoringMode() ua.MonitoringMode
	ClientHandle() uint32
	Triggered() bool
	SetTriggered(bool)
	Modify(req ua.MonitoredItemModifyRequest) ua.MonitoredItemModifyResult
	Delete()
	SetMonitoringMode(mode ua.MonitoringMode)
	AddTriggeredItem(item MonitoredItem) bool
	RemoveTriggeredItem(item MonitoredItem) bool

	// notifications drains up to max queued notifications, oldest first.
	notifications(max int) (notifications []any, more bool)
	// notificationsAvailable reports whether the item has something to
	// publish on this cycle, after any sampling work is brought current.
	notificationsAvailable(tn time.Time, late bool, resend bool) bool
}
