package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeworks/uaserver/ua"
)

func setupSession(t *testing.T, srv *Server) *Session {
	t.Helper()
	session, code := srv.Sessions().CreateSession("")
	require.True(t, code.IsGood())
	return session
}

func createSub(t *testing.T, srv *Server, session *Session) ua.CreateSubscriptionResult {
	t.Helper()
	result := srv.CreateSubscription(session, ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: 10000,
		RequestedMaxKeepAliveCount:  10,
		RequestedLifetimeCount:      60,
		PublishingEnabled:           true,
	})
	require.True(t, result.StatusCode.IsGood())
	return result
}

func TestCreateSubscriptionRevisesParameters(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	session := setupSession(t, srv)

	result := srv.CreateSubscription(session, ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: 1,
		PublishingEnabled:           true,
	})
	require.True(t, result.StatusCode.IsGood())
	assert.NotZero(t, result.SubscriptionID)
	assert.Equal(t, 50.0, result.RevisedPublishingInterval)
	assert.Equal(t, uint32(2), result.RevisedMaxKeepAliveCount)
	assert.GreaterOrEqual(t, result.RevisedLifetimeCount, 3*result.RevisedMaxKeepAliveCount)
}

func TestCreateSubscriptionSessionLimit(t *testing.T) {
	srv := newTestServer(Capabilities{MaxSubscriptionsPerSession: 2})
	defer srv.Close()
	session := setupSession(t, srv)

	createSub(t, srv, session)
	createSub(t, srv, session)
	result := srv.CreateSubscription(session, ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: 10000,
		PublishingEnabled:           true,
	})
	assert.Equal(t, ua.BadTooManySubscriptions, result.StatusCode)
}

func TestModifyUnknownSubscription(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	session := setupSession(t, srv)
	result := srv.ModifySubscription(session, ua.ModifySubscriptionRequest{SubscriptionID: 42})
	assert.Equal(t, ua.BadSubscriptionIDInvalid, result.StatusCode)
}

func TestBatchLimits(t *testing.T) {
	srv := newTestServer(Capabilities{MaxOperationsPerCall: 2})
	defer srv.Close()
	session := setupSession(t, srv)
	created := createSub(t, srv, session)

	_, code := srv.SetPublishingMode(session, nil, true)
	assert.Equal(t, ua.BadNothingToDo, code)

	_, code = srv.SetPublishingMode(session, []uint32{1, 2, 3}, true)
	assert.Equal(t, ua.BadTooManyOperations, code)

	results, code := srv.SetPublishingMode(session, []uint32{created.SubscriptionID, 999}, false)
	require.True(t, code.IsGood())
	require.Len(t, results, 2)
	assert.Equal(t, ua.Good, results[0])
	assert.Equal(t, ua.BadSubscriptionIDInvalid, results[1])
}

func TestDeleteSubscriptions(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	session := setupSession(t, srv)
	created := createSub(t, srv, session)

	results, code := srv.DeleteSubscriptions(session, []uint32{created.SubscriptionID, 999})
	require.True(t, code.IsGood())
	assert.Equal(t, ua.Good, results[0])
	assert.Equal(t, ua.BadSubscriptionIDInvalid, results[1])

	_, ok := srv.subscriptions.Get(created.SubscriptionID)
	assert.False(t, ok)

	// an explicit delete owes the client nothing: the next publish with
	// no remaining subscriptions faults.
	rec := &responseRecorder{}
	srv.Publish(session, nil, 0, rec.respond, rec.fault)
	require.Equal(t, 1, rec.faultCount())
	assert.Equal(t, ua.BadNoSubscription, rec.faults[0])
}

func TestCreateMonitoredItemsValidation(t *testing.T) {
	srv := newTestServer(Capabilities{}, newTestNode("temp", 10.0))
	defer srv.Close()
	session := setupSession(t, srv)
	created := createSub(t, srv, session)
	tempID := ua.NewNodeIDString(2, "temp")

	_, code := srv.CreateMonitoredItems(session, 999, ua.TimestampsToReturnBoth, []ua.MonitoredItemCreateRequest{{}})
	assert.Equal(t, ua.BadSubscriptionIDInvalid, code)

	tests := []struct {
		name string
		req  ua.MonitoredItemCreateRequest
		want ua.StatusCode
	}{
		{
			name: "unknown node",
			req: ua.MonitoredItemCreateRequest{
				ItemToMonitor: ua.ReadValueID{NodeID: ua.NewNodeIDString(2, "nope"), AttributeID: ua.AttributeIDValue},
			},
			want: ua.BadNodeIDUnknown,
		},
		{
			name: "event filter on value attribute",
			req: ua.MonitoredItemCreateRequest{
				ItemToMonitor: ua.ReadValueID{NodeID: tempID, AttributeID: ua.AttributeIDValue},
				RequestedParameters: ua.MonitoringParameters{
					Filter: ua.NewEventFilter(ua.EventFilter{}),
				},
			},
			want: ua.BadFilterNotAllowed,
		},
		{
			name: "data change filter on non-value attribute",
			req: ua.MonitoredItemCreateRequest{
				ItemToMonitor: ua.ReadValueID{NodeID: tempID, AttributeID: ua.AttributeIDDescription},
				RequestedParameters: ua.MonitoringParameters{
					Filter: ua.NewDataChangeFilter(ua.DataChangeFilter{}),
				},
			},
			want: ua.BadFilterNotAllowed,
		},
		{
			name: "negative deadband",
			req: ua.MonitoredItemCreateRequest{
				ItemToMonitor: ua.ReadValueID{NodeID: tempID, AttributeID: ua.AttributeIDValue},
				RequestedParameters: ua.MonitoringParameters{
					Filter: ua.NewDataChangeFilter(ua.DataChangeFilter{
						DeadbandType:  ua.DeadbandTypeAbsolute,
						DeadbandValue: -1,
					}),
				},
			},
			want: ua.BadDeadbandFilterInvalid,
		},
		{
			name: "percent deadband above 100",
			req: ua.MonitoredItemCreateRequest{
				ItemToMonitor: ua.ReadValueID{NodeID: tempID, AttributeID: ua.AttributeIDValue},
				RequestedParameters: ua.MonitoringParameters{
					Filter: ua.NewDataChangeFilter(ua.DataChangeFilter{
						DeadbandType:  ua.DeadbandTypePercent,
						DeadbandValue: 250,
					}),
				},
			},
			want: ua.BadDeadbandFilterInvalid,
		},
		{
			name: "bad index range",
			req: ua.MonitoredItemCreateRequest{
				ItemToMonitor: ua.ReadValueID{NodeID: tempID, AttributeID: ua.AttributeIDValue, IndexRange: "5:1"},
			},
			want: ua.BadIndexRangeInvalid,
		},
		{
			name: "event item on plain node",
			req: ua.MonitoredItemCreateRequest{
				ItemToMonitor: ua.ReadValueID{NodeID: tempID, AttributeID: ua.AttributeIDEventNotifier},
				RequestedParameters: ua.MonitoringParameters{
					Filter: ua.NewEventFilter(ua.EventFilter{}),
				},
			},
			// the test node implements EventSource, so this one succeeds.
			want: ua.Good,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			results, code := srv.CreateMonitoredItems(session, created.SubscriptionID, ua.TimestampsToReturnBoth, []ua.MonitoredItemCreateRequest{tc.req})
			require.True(t, code.IsGood())
			require.Len(t, results, 1)
			assert.Equal(t, tc.want, results[0].StatusCode)
		})
	}
}

func TestMonitoredItemLifecycleThroughServices(t *testing.T) {
	node := newTestNode("temp", 10.0)
	srv := newTestServer(Capabilities{}, node)
	defer srv.Close()
	session := setupSession(t, srv)
	created := createSub(t, srv, session)

	results, code := srv.CreateMonitoredItems(session, created.SubscriptionID, ua.TimestampsToReturnBoth, []ua.MonitoredItemCreateRequest{{
		ItemToMonitor:  ua.ReadValueID{NodeID: node.NodeID(), AttributeID: ua.AttributeIDValue},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: ua.MonitoringParameters{
			ClientHandle:  7,
			QueueSize:     10,
			DiscardOldest: true,
		},
	}})
	require.True(t, code.IsGood())
	require.True(t, results[0].StatusCode.IsGood())
	itemID := results[0].MonitoredItemID
	require.NotZero(t, itemID)

	modResults, code := srv.ModifyMonitoredItems(session, created.SubscriptionID, []ua.MonitoredItemModifyRequest{{
		MonitoredItemID: itemID,
		RequestedParameters: ua.MonitoringParameters{
			ClientHandle:  7,
			QueueSize:     99999,
			DiscardOldest: true,
		},
	}})
	require.True(t, code.IsGood())
	require.True(t, modResults[0].StatusCode.IsGood())
	assert.Equal(t, uint32(5000), modResults[0].RevisedQueueSize)

	modeResults, code := srv.SetMonitoringMode(session, created.SubscriptionID, ua.MonitoringModeDisabled, []uint32{itemID, 999})
	require.True(t, code.IsGood())
	assert.Equal(t, ua.Good, modeResults[0])
	assert.Equal(t, ua.BadMonitoredItemIDInvalid, modeResults[1])

	delResults, code := srv.DeleteMonitoredItems(session, created.SubscriptionID, []uint32{itemID, itemID})
	require.True(t, code.IsGood())
	assert.Equal(t, ua.Good, delResults[0])
	assert.Equal(t, ua.BadMonitoredItemIDInvalid, delResults[1])
}

func TestSetTriggeringThroughServices(t *testing.T) {
	node := newTestNode("temp", 10.0)
	srv := newTestServer(Capabilities{}, node)
	defer srv.Close()
	session := setupSession(t, srv)
	created := createSub(t, srv, session)

	makeItem := func(mode ua.MonitoringMode, handle uint32) uint32 {
		results, code := srv.CreateMonitoredItems(session, created.SubscriptionID, ua.TimestampsToReturnBoth, []ua.MonitoredItemCreateRequest{{
			ItemToMonitor:  ua.ReadValueID{NodeID: node.NodeID(), AttributeID: ua.AttributeIDValue},
			MonitoringMode: mode,
			RequestedParameters: ua.MonitoringParameters{
				ClientHandle:  handle,
				QueueSize:     10,
				DiscardOldest: true,
			},
		}})
		require.True(t, code.IsGood())
		require.True(t, results[0].StatusCode.IsGood())
		return results[0].MonitoredItemID
	}
	triggerID := makeItem(ua.MonitoringModeReporting, 1)
	linkedID := makeItem(ua.MonitoringModeSampling, 2)

	_, _, code := srv.SetTriggering(session, created.SubscriptionID, triggerID, nil, nil)
	assert.Equal(t, ua.BadNothingToDo, code)

	_, _, code = srv.SetTriggering(session, created.SubscriptionID, 999, []uint32{linkedID}, nil)
	assert.Equal(t, ua.BadMonitoredItemIDInvalid, code)

	addResults, _, code := srv.SetTriggering(session, created.SubscriptionID, triggerID, []uint32{linkedID, 999}, nil)
	require.True(t, code.IsGood())
	assert.Equal(t, ua.Good, addResults[0])
	assert.Equal(t, ua.BadMonitoredItemIDInvalid, addResults[1])

	_, removeResults, code := srv.SetTriggering(session, created.SubscriptionID, triggerID, nil, []uint32{linkedID, linkedID})
	require.True(t, code.IsGood())
	assert.Equal(t, ua.Good, removeResults[0])
	assert.Equal(t, ua.BadMonitoredItemIDInvalid, removeResults[1])
}

func TestRepublishThroughServices(t *testing.T) {
	node := newTestNode("temp", 10.0)
	srv := newTestServer(Capabilities{}, node)
	defer srv.Close()
	session := setupSession(t, srv)
	created := createSub(t, srv, session)

	_, code := srv.Republish(session, 999, 1)
	assert.Equal(t, ua.BadSubscriptionIDInvalid, code)

	_, code = srv.Republish(session, created.SubscriptionID, 1)
	assert.Equal(t, ua.BadMessageNotAvailable, code)

	// deliver one message, then republish it.
	results, code := srv.CreateMonitoredItems(session, created.SubscriptionID, ua.TimestampsToReturnBoth, []ua.MonitoredItemCreateRequest{{
		ItemToMonitor:  ua.ReadValueID{NodeID: node.NodeID(), AttributeID: ua.AttributeIDValue},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: ua.MonitoringParameters{
			ClientHandle:  1,
			QueueSize:     10,
			DiscardOldest: true,
		},
	}})
	require.True(t, code.IsGood())
	require.True(t, results[0].StatusCode.IsGood())

	rec := &responseRecorder{}
	srv.Publish(session, nil, 0, rec.respond, rec.fault)
	require.Eventually(t, func() bool { return rec.responseCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	seq := rec.lastResponse().NotificationMessage.SequenceNumber

	resp, code := srv.Republish(session, created.SubscriptionID, seq)
	require.True(t, code.IsGood())
	assert.Equal(t, seq, resp.NotificationMessage.SequenceNumber)
}

func TestTransferSubscriptionBetweenSessions(t *testing.T) {
	node := newTestNode("temp", 10.0)
	srv := newTestServer(Capabilities{}, node)
	defer srv.Close()
	oldSession := setupSession(t, srv)
	created := createSub(t, srv, oldSession)
	results, code := srv.CreateMonitoredItems(oldSession, created.SubscriptionID, ua.TimestampsToReturnBoth, []ua.MonitoredItemCreateRequest{{
		ItemToMonitor:  ua.ReadValueID{NodeID: node.NodeID(), AttributeID: ua.AttributeIDValue},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: ua.MonitoringParameters{
			ClientHandle:  1,
			QueueSize:     10,
			DiscardOldest: true,
		},
	}})
	require.True(t, code.IsGood())
	require.True(t, results[0].StatusCode.IsGood())

	// drain the initial value on the old session.
	rec := &responseRecorder{}
	srv.Publish(oldSession, nil, 0, rec.respond, rec.fault)
	require.Eventually(t, func() bool { return rec.responseCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	newSession := setupSession(t, srv)
	transfers, code := srv.TransferSubscriptions(newSession, []uint32{created.SubscriptionID, 999}, true)
	require.True(t, code.IsGood())
	require.Len(t, transfers, 2)
	require.True(t, transfers[0].StatusCode.IsGood())
	assert.Contains(t, transfers[0].AvailableSequenceNumbers, uint32(1),
		"unacknowledged messages survive the transfer")
	assert.Equal(t, ua.BadSubscriptionIDInvalid, transfers[1].StatusCode)

	// the old session is owed a transfer notice.
	oldRec := &responseRecorder{}
	srv.Publish(oldSession, nil, 0, oldRec.respond, oldRec.fault)
	require.Eventually(t, func() bool { return oldRec.responseCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	sc, ok := oldRec.lastResponse().NotificationMessage.NotificationData[0].(ua.StatusChangeNotification)
	require.True(t, ok)
	assert.Equal(t, ua.GoodSubscriptionTransferred, sc.Status)

	// sendInitialValues requeues the current value for the new session.
	newRec := &responseRecorder{}
	srv.Publish(newSession, nil, 0, newRec.respond, newRec.fault)
	require.Eventually(t, func() bool { return newRec.responseCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	resp := newRec.lastResponse()
	assert.Equal(t, created.SubscriptionID, resp.SubscriptionID)
	require.False(t, resp.NotificationMessage.IsKeepAlive())
	dcn, ok := resp.NotificationMessage.NotificationData[0].(ua.DataChangeNotification)
	require.True(t, ok)
	assert.Equal(t, 10.0, dcn.MonitoredItems[0].Value.Value)

	// the subscription now publishes for the new session only.
	sub, ok := srv.subscriptions.Get(created.SubscriptionID)
	require.True(t, ok)
	assert.Equal(t, newSession.ID().String(), sub.SessionID().String())
}

func TestTransferBackCancelsPendingTransferNotice(t *testing.T) {
	node := newTestNode("temp", 10.0)
	srv := newTestServer(Capabilities{}, node)
	defer srv.Close()
	sessionA := setupSession(t, srv)
	created := createSub(t, srv, sessionA)

	sessionB := setupSession(t, srv)
	transfers, code := srv.TransferSubscriptions(sessionB, []uint32{created.SubscriptionID}, false)
	require.True(t, code.IsGood())
	require.True(t, transfers[0].StatusCode.IsGood())

	// move the subscription home before session A collected its notice.
	transfers, code = srv.TransferSubscriptions(sessionA, []uint32{created.SubscriptionID}, false)
	require.True(t, code.IsGood())
	require.True(t, transfers[0].StatusCode.IsGood())

	sessionA.engine.Lock()
	stale := len(sessionA.engine.draining)
	sessionA.engine.Unlock()
	require.Equal(t, 0, stale, "the owed notice is dropped when the subscription returns")

	// session A's next publish belongs to the live subscription, not to
	// a status change for a subscription it currently owns.
	rec := &responseRecorder{}
	srv.Publish(sessionA, nil, 0, rec.respond, rec.fault)
	require.Equal(t, 1, rec.responseCount())
	resp := rec.lastResponse()
	assert.Equal(t, created.SubscriptionID, resp.SubscriptionID)
	assert.True(t, resp.NotificationMessage.IsKeepAlive())

	// session B keeps the notice it is owed.
	recB := &responseRecorder{}
	srv.Publish(sessionB, nil, 0, recB.respond, recB.fault)
	require.Equal(t, 1, recB.responseCount())
	sc, ok := recB.lastResponse().NotificationMessage.NotificationData[0].(ua.StatusChangeNotification)
	require.True(t, ok)
	assert.Equal(t, ua.GoodSubscriptionTransferred, sc.Status)
}

func TestCloseSessionParksSubscriptionsForTransfer(t *testing.T) {
	node := newTestNode("temp", 10.0)
	srv := newTestServer(Capabilities{}, node)
	defer srv.Close()
	oldSession := setupSession(t, srv)
	created := createSub(t, srv, oldSession)

	require.True(t, srv.Sessions().CloseSession(oldSession.ID(), false))
	sub, ok := srv.subscriptions.Get(created.SubscriptionID)
	require.True(t, ok, "subscription survives its session")
	require.NotEqual(t, StateClosed, sub.State())

	newSession := setupSession(t, srv)
	transfers, code := srv.TransferSubscriptions(newSession, []uint32{created.SubscriptionID}, false)
	require.True(t, code.IsGood())
	require.True(t, transfers[0].StatusCode.IsGood())
	assert.Equal(t, newSession.ID().String(), sub.SessionID().String())
}

func TestCloseSessionDeletesSubscriptions(t *testing.T) {
	srv := newTestServer(Capabilities{})
	defer srv.Close()
	session := setupSession(t, srv)
	created := createSub(t, srv, session)

	require.True(t, srv.Sessions().CloseSession(session.ID(), true))
	_, ok := srv.subscriptions.Get(created.SubscriptionID)
	assert.False(t, ok)
}
