package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeworks/uaserver/ua"
)

func newTestItem(t *testing.T, srv *Server, node *testNode, params ua.MonitoringParameters) (*DataChangeMonitoredItem, *Subscription) {
	t.Helper()
	sub, _ := newTestSubscription(srv, ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: 10000,
		PublishingEnabled:           true,
	})
	rvi := ua.ReadValueID{NodeID: node.NodeID(), AttributeID: ua.AttributeIDValue}
	mi := NewDataChangeMonitoredItem(sub, node, rvi, nil, params, ua.TimestampsToReturnBoth)
	require.True(t, sub.AppendItem(mi))
	return mi, sub
}

func recordFloat(mi *DataChangeMonitoredItem, v float64) bool {
	now := time.Now().UTC()
	return mi.RecordValue(ua.NewDataValue(v, ua.Good, now, now), false, nil)
}

func drain(mi *DataChangeMonitoredItem) []ua.DataValue {
	ns, _ := mi.notifications(1000)
	out := make([]ua.DataValue, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.(ua.DataValue))
	}
	return out
}

func TestMonitoredItemQueueSizeClamped(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	node := newTestNode("temp", 10.0)

	tests := []struct {
		name      string
		requested uint32
		want      uint32
	}{
		{"zero becomes one", 0, 1},
		{"one stays one", 1, 1},
		{"in range", 100, 100},
		{"above cap", 50000, 5000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mi, _ := newTestItem(t, srv, node, ua.MonitoringParameters{QueueSize: tc.requested, DiscardOldest: true})
			assert.Equal(t, tc.want, mi.QueueSize())
		})
	}
}

func TestMonitoredItemDiscardOldest(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	node := newTestNode("temp", 10.0)
	mi, _ := newTestItem(t, srv, node, ua.MonitoringParameters{QueueSize: 2, DiscardOldest: true})
	mi.SetMonitoringMode(ua.MonitoringModeReporting)

	// initial sample fills slot one.
	require.Equal(t, 1, mi.QueueLength())
	require.True(t, recordFloat(mi, 20))
	require.True(t, recordFloat(mi, 30))

	vals := drain(mi)
	require.Len(t, vals, 2)
	assert.Equal(t, 20.0, vals[0].Value)
	assert.True(t, vals[0].StatusCode.IsOverflow(), "oldest retained value carries the overflow bit")
	assert.Equal(t, 30.0, vals[1].Value)
	assert.False(t, vals[1].StatusCode.IsOverflow())
}

func TestMonitoredItemKeepNewest(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	node := newTestNode("temp", 10.0)
	mi, _ := newTestItem(t, srv, node, ua.MonitoringParameters{QueueSize: 2, DiscardOldest: false})
	mi.SetMonitoringMode(ua.MonitoringModeReporting)

	require.True(t, recordFloat(mi, 20))
	require.True(t, recordFloat(mi, 30))

	vals := drain(mi)
	require.Len(t, vals, 2)
	assert.Equal(t, 10.0, vals[0].Value)
	assert.Equal(t, 30.0, vals[1].Value)
	assert.True(t, vals[1].StatusCode.IsOverflow(), "incoming value carries the overflow bit")
}

func TestMonitoredItemSingleSlotNoOverflowBit(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	node := newTestNode("temp", 10.0)
	mi, _ := newTestItem(t, srv, node, ua.MonitoringParameters{QueueSize: 1, DiscardOldest: true})
	mi.SetMonitoringMode(ua.MonitoringModeReporting)

	require.True(t, recordFloat(mi, 20))
	require.True(t, recordFloat(mi, 30))

	vals := drain(mi)
	require.Len(t, vals, 1)
	assert.Equal(t, 30.0, vals[0].Value)
	assert.False(t, vals[0].StatusCode.IsOverflow(), "single slot never flags overflow")
}

func TestMonitoredItemDisableClearsQueue(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	node := newTestNode("temp", 10.0)
	mi, _ := newTestItem(t, srv, node, ua.MonitoringParameters{QueueSize: 10, DiscardOldest: true})
	mi.SetMonitoringMode(ua.MonitoringModeReporting)
	require.True(t, recordFloat(mi, 20))
	require.Equal(t, 2, mi.QueueLength())

	mi.SetMonitoringMode(ua.MonitoringModeDisabled)
	assert.Equal(t, 0, mi.QueueLength())

	// values are rejected while disabled.
	assert.False(t, recordFloat(mi, 30))
}

func TestMonitoredItemAbsoluteDeadbandStrict(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	node := newTestNode("temp", 10.0)
	mi, _ := newTestItem(t, srv, node, ua.MonitoringParameters{
		QueueSize:     10,
		DiscardOldest: true,
		Filter: ua.NewDataChangeFilter(ua.DataChangeFilter{
			Trigger:       ua.DataChangeTriggerStatusValue,
			DeadbandType:  ua.DeadbandTypeAbsolute,
			DeadbandValue: 5,
		}),
	})
	mi.SetMonitoringMode(ua.MonitoringModeReporting)

	assert.False(t, recordFloat(mi, 15), "difference exactly at the deadband is not a change")
	assert.True(t, recordFloat(mi, 15.1), "difference above the deadband is a change")
	assert.False(t, recordFloat(mi, 15.1), "equal value is not a change")
}

func TestMonitoredItemPercentDeadband(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	node := newTestNode("temp", 50.0)
	node.rng = &ua.Range{Low: 0, High: 100}
	mi, _ := newTestItem(t, srv, node, ua.MonitoringParameters{
		QueueSize:     10,
		DiscardOldest: true,
		Filter: ua.NewDataChangeFilter(ua.DataChangeFilter{
			Trigger:       ua.DataChangeTriggerStatusValue,
			DeadbandType:  ua.DeadbandTypePercent,
			DeadbandValue: 10, // threshold of 10 over a range of 100
		}),
	})
	mi.SetMonitoringMode(ua.MonitoringModeReporting)

	assert.False(t, recordFloat(mi, 58))
	assert.True(t, recordFloat(mi, 61))
}

func TestMonitoredItemPercentDeadbandWithoutRangeReports(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	node := newTestNode("temp", 50.0) // no EURange
	mi, _ := newTestItem(t, srv, node, ua.MonitoringParameters{
		QueueSize:     10,
		DiscardOldest: true,
		Filter: ua.NewDataChangeFilter(ua.DataChangeFilter{
			Trigger:       ua.DataChangeTriggerStatusValue,
			DeadbandType:  ua.DeadbandTypePercent,
			DeadbandValue: 10,
		}),
	})
	mi.SetMonitoringMode(ua.MonitoringModeReporting)

	// without a resolvable range, changes are reported rather than
	// silently suppressed.
	assert.True(t, recordFloat(mi, 50.001))
}

func TestMonitoredItemStatusTrigger(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	node := newTestNode("temp", 10.0)
	mi, _ := newTestItem(t, srv, node, ua.MonitoringParameters{
		QueueSize:     10,
		DiscardOldest: true,
		Filter: ua.NewDataChangeFilter(ua.DataChangeFilter{
			Trigger: ua.DataChangeTriggerStatus,
		}),
	})
	mi.SetMonitoringMode(ua.MonitoringModeReporting)

	// same status, different value: not a change under the Status trigger.
	assert.False(t, recordFloat(mi, 99))
	// status change is.
	now := time.Now().UTC()
	assert.True(t, mi.RecordValue(ua.NewDataValue(99.0, ua.BadOutOfRange, now, now), false, nil))
}

func TestMonitoredItemSemanticChangeForcesDelivery(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	node := newTestNode("temp", 10.0)
	mi, _ := newTestItem(t, srv, node, ua.MonitoringParameters{
		QueueSize:     10,
		DiscardOldest: true,
		Filter: ua.NewDataChangeFilter(ua.DataChangeFilter{
			Trigger:       ua.DataChangeTriggerStatusValue,
			DeadbandType:  ua.DeadbandTypeAbsolute,
			DeadbandValue: 1000,
		}),
	})
	mi.SetMonitoringMode(ua.MonitoringModeReporting)

	// huge deadband suppresses everything. a semantic change must break
	// through and carry the semantics-changed bit.
	require.False(t, recordFloat(mi, 11))
	node.bumpSemanticVersion()
	require.True(t, recordFloat(mi, 11))

	vals := drain(mi)
	require.Len(t, vals, 2)
	assert.True(t, vals[1].StatusCode.IsSemanticsChanged())
}

func TestMonitoredItemModifyClampsAndRevises(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	node := newTestNode("temp", 10.0)
	mi, _ := newTestItem(t, srv, node, ua.MonitoringParameters{QueueSize: 5, SamplingInterval: 250, DiscardOldest: true})
	mi.SetMonitoringMode(ua.MonitoringModeReporting)

	result := mi.Modify(ua.MonitoredItemModifyRequest{
		MonitoredItemID: mi.ID(),
		RequestedParameters: ua.MonitoringParameters{
			QueueSize:        100000,
			SamplingInterval: 1, // below the floor
			DiscardOldest:    true,
		},
	})
	require.True(t, result.StatusCode.IsGood())
	assert.Equal(t, uint32(5000), result.RevisedQueueSize)
	assert.Equal(t, minSamplingInterval, result.RevisedSamplingInterval)
}

func TestMonitoredItemNegativeIntervalDefaultsToPublishingInterval(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	node := newTestNode("temp", 10.0)
	mi, sub := newTestItem(t, srv, node, ua.MonitoringParameters{QueueSize: 5, SamplingInterval: -1, DiscardOldest: true})
	assert.Equal(t, sub.PublishingInterval(), mi.SamplingInterval())
}

func TestMonitoredItemTriggeringLinks(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	node := newTestNode("temp", 10.0)
	trigger, sub := newTestItem(t, srv, node, ua.MonitoringParameters{QueueSize: 10, DiscardOldest: true})
	trigger.SetMonitoringMode(ua.MonitoringModeReporting)

	linkedNode := newTestNode("pressure", 1.0)
	rvi := ua.ReadValueID{NodeID: linkedNode.NodeID(), AttributeID: ua.AttributeIDValue}
	linked := NewDataChangeMonitoredItem(sub, linkedNode, rvi, nil, ua.MonitoringParameters{QueueSize: 10, DiscardOldest: true}, ua.TimestampsToReturnBoth)
	require.True(t, sub.AppendItem(linked))
	linked.SetMonitoringMode(ua.MonitoringModeSampling)
	require.True(t, trigger.AddTriggeredItem(linked))

	// sampling items hold their queue until the triggering item fires.
	now := time.Now().UTC()
	require.True(t, linked.RecordValue(ua.NewDataValue(2.0, ua.Good, now, now), true, nil))
	assert.False(t, linked.notificationsAvailable(now, false, false))

	require.True(t, recordFloat(trigger, 20))
	assert.True(t, linked.Triggered())
	assert.True(t, linked.notificationsAvailable(now, false, false))

	// the trigger flag clears once the queue drains.
	linked.notifications(1000)
	assert.False(t, linked.Triggered())

	require.True(t, trigger.RemoveTriggeredItem(linked))
	assert.False(t, trigger.RemoveTriggeredItem(linked))
}

func TestEventMonitoredItemQueuesEvents(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	node := newTestNode("alarms", nil)
	sub, _ := newTestSubscription(srv, ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: 10000,
		PublishingEnabled:           true,
	})
	rvi := ua.ReadValueID{NodeID: node.NodeID(), AttributeID: ua.AttributeIDEventNotifier}
	mi := NewEventMonitoredItem(sub, node, rvi, ua.MonitoringParameters{
		QueueSize:     2,
		DiscardOldest: true,
		Filter:        ua.NewEventFilter(ua.EventFilter{SelectClauses: []string{"Severity"}}),
	})
	require.True(t, sub.AppendItem(mi))
	mi.SetMonitoringMode(ua.MonitoringModeReporting)

	node.fireEvent([]ua.Variant{int32(100)})
	node.fireEvent([]ua.Variant{int32(200)})
	node.fireEvent([]ua.Variant{int32(300)})

	require.Equal(t, 2, mi.QueueLength())
	ns, more := mi.notifications(10)
	require.False(t, more)
	require.Len(t, ns, 2)
	assert.Equal(t, []ua.Variant{int32(200)}, ns[0])
	assert.Equal(t, []ua.Variant{int32(300)}, ns[1])

	// disabling stops delivery and clears the queue.
	node.fireEvent([]ua.Variant{int32(400)})
	mi.SetMonitoringMode(ua.MonitoringModeDisabled)
	assert.Equal(t, 0, mi.QueueLength())
	node.fireEvent([]ua.Variant{int32(500)})
	assert.Equal(t, 0, mi.QueueLength())
}

func TestMonitoredItemIndexRangeComparison(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	node := newTestNode("array", []float64{1, 2, 3, 4})
	rng, code := ua.ParseNumericRange("0:1")
	require.True(t, code.IsGood())

	sub, _ := newTestSubscription(srv, ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: 10000,
		PublishingEnabled:           true,
	})
	rvi := ua.ReadValueID{NodeID: node.NodeID(), AttributeID: ua.AttributeIDValue, IndexRange: "0:1"}
	mi := NewDataChangeMonitoredItem(sub, node, rvi, rng, ua.MonitoringParameters{QueueSize: 10, DiscardOldest: true}, ua.TimestampsToReturnBoth)
	require.True(t, sub.AppendItem(mi))
	mi.SetMonitoringMode(ua.MonitoringModeReporting)

	now := time.Now().UTC()
	// change outside the monitored range is invisible.
	assert.False(t, mi.RecordValue(ua.NewDataValue([]float64{1, 2, 9, 9}, ua.Good, now, now), false, nil))
	// change inside the range is reported.
	assert.True(t, mi.RecordValue(ua.NewDataValue([]float64{1, 7, 9, 9}, ua.Good, now, now), false, nil))

	// a write scoped to a non-overlapping sub-range is rejected outright.
	other := &ua.NumericRange{Low: 3, High: 3}
	assert.False(t, mi.RecordValue(ua.NewDataValue([]float64{8}, ua.Good, now, now), true, other))
}
