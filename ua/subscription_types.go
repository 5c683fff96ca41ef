package ua

import (
	"time"
)

// MonitoringMode is the sampling and reporting state of a monitored item.
type MonitoringMode uint32

// MonitoringModes
const (
	MonitoringModeDisabled MonitoringMode = iota
	MonitoringModeSampling
	MonitoringModeReporting
)

// TimestampsToReturn selects which timestamps accompany queued values.
type TimestampsToReturn uint32

// TimestampsToReturns
const (
	TimestampsToReturnSource TimestampsToReturn = iota
	TimestampsToReturnServer
	TimestampsToReturnBoth
	TimestampsToReturnNeither
)

// ReadValueID identifies the node, attribute and optional index range
// watched by a monitored item.
type ReadValueID struct {
	NodeID      NodeID
	AttributeID uint32
	IndexRange  string
}

// MonitoringParameters are the client-requested parameters of a
// monitored item.
type MonitoringParameters struct {
	ClientHandle     uint32
	SamplingInterval float64
	Filter           MonitoringFilter
	QueueSize        uint32
	DiscardOldest    bool
}

// MonitoredItemCreateRequest asks the server to create one monitored item.
type MonitoredItemCreateRequest struct {
	ItemToMonitor       ReadValueID
	MonitoringMode      MonitoringMode
	RequestedParameters MonitoringParameters
}

// MonitoredItemCreateResult is the per-item result of CreateMonitoredItems.
type MonitoredItemCreateResult struct {
	StatusCode              StatusCode
	MonitoredItemID         uint32
	RevisedSamplingInterval float64
	RevisedQueueSize        uint32
}

// MonitoredItemModifyRequest asks the server to modify one monitored item.
type MonitoredItemModifyRequest struct {
	MonitoredItemID     uint32
	RequestedParameters MonitoringParameters
}

// MonitoredItemModifyResult is the per-item result of ModifyMonitoredItems.
type MonitoredItemModifyResult struct {
	StatusCode              StatusCode
	RevisedSamplingInterval float64
	RevisedQueueSize        uint32
}

// CreateSubscriptionRequest asks the server to create a subscription.
type CreateSubscriptionRequest struct {
	RequestedPublishingInterval float64
	RequestedLifetimeCount      uint32
	RequestedMaxKeepAliveCount  uint32
	MaxNotificationsPerPublish  uint32
	PublishingEnabled           bool
	Priority                    byte
}

// CreateSubscriptionResult reports the revised subscription parameters.
type CreateSubscriptionResult struct {
	StatusCode                StatusCode
	SubscriptionID            uint32
	RevisedPublishingInterval float64
	RevisedLifetimeCount      uint32
	RevisedMaxKeepAliveCount  uint32
}

// ModifySubscriptionRequest asks the server to modify a subscription.
type ModifySubscriptionRequest struct {
	SubscriptionID              uint32
	RequestedPublishingInterval float64
	RequestedLifetimeCount      uint32
	RequestedMaxKeepAliveCount  uint32
	MaxNotificationsPerPublish  uint32
	Priority                    byte
}

// ModifySubscriptionResult reports the revised subscription parameters.
type ModifySubscriptionResult struct {
	StatusCode                StatusCode
	RevisedPublishingInterval float64
	RevisedLifetimeCount      uint32
	RevisedMaxKeepAliveCount  uint32
}

// TransferResult is the per-subscription result of TransferSubscriptions.
type TransferResult struct {
	StatusCode               StatusCode
	AvailableSequenceNumbers []uint32
}

// SubscriptionAcknowledgement acknowledges receipt of one sent
// notification message, piggy-backed on a publish request.
type SubscriptionAcknowledgement struct {
	SubscriptionID uint32
	SequenceNumber uint32
}

// MonitoredItemNotification carries one queued data change.
type MonitoredItemNotification struct {
	ClientHandle uint32
	Value        DataValue
}

// DataChangeNotification is the batch of data changes in one message.
type DataChangeNotification struct {
	MonitoredItems []MonitoredItemNotification
}

// EventFieldList carries the selected fields of one event.
type EventFieldList struct {
	ClientHandle uint32
	EventFields  []Variant
}

// EventNotificationList is the batch of events in one message.
type EventNotificationList struct {
	Events []EventFieldList
}

// StatusChangeNotification reports a change in the life of the
// subscription itself.
type StatusChangeNotification struct {
	Status StatusCode
}

// NotificationData is the closed set of notification bodies carried by
// a NotificationMessage: DataChangeNotification, EventNotificationList
// or StatusChangeNotification.
type NotificationData interface{}

// NotificationMessage is one sequenced message of a subscription.
type NotificationMessage struct {
	SequenceNumber   uint32
	PublishTime      time.Time
	NotificationData []NotificationData
}

// IsKeepAlive reports whether the message carries no notifications.
func (m NotificationMessage) IsKeepAlive() bool {
	return len(m.NotificationData) == 0
}

// PublishResponse is the assembled response to one publish request.
type PublishResponse struct {
	SubscriptionID           uint32
	AvailableSequenceNumbers []uint32
	MoreNotifications        bool
	NotificationMessage      NotificationMessage
	Results                  []StatusCode
}

// RepublishResponse re-delivers a retained notification message.
type RepublishResponse struct {
	NotificationMessage NotificationMessage
}
