package server

import (
	"github.com/edgeworks/uaserver/ua"
)

// CreateSubscription creates a subscription on the session and starts
// its publishing timer. Out-of-range timing parameters are revised,
// never rejected.
func (srv *Server) CreateSubscription(session *Session, req ua.CreateSubscriptionRequest) ua.CreateSubscriptionResult {
	if session.isClosed() {
		return ua.CreateSubscriptionResult{StatusCode: ua.BadSessionClosed}
	}
	session.touch()
	if max := srv.caps.MaxSubscriptionsPerSession; max > 0 && session.engine.SubscriptionCount() >= max {
		return ua.CreateSubscriptionResult{StatusCode: ua.BadTooManySubscriptions}
	}
	if max := srv.caps.MaxSubscriptionCount; max > 0 && srv.subscriptions.Len() >= max {
		return ua.CreateSubscriptionResult{StatusCode: ua.BadTooManySubscriptions}
	}
	sub := NewSubscription(session.engine, req)
	if !session.engine.AddSubscription(sub) {
		return ua.CreateSubscriptionResult{StatusCode: ua.BadSessionClosed}
	}
	srv.subscriptions.Add(sub)
	sub.startPublishing()
	srv.logger.WithFields(map[string]interface{}{
		"subscription": sub.ID(),
		"session":      session.ID().String(),
		"interval":     sub.PublishingInterval(),
	}).Info("subscription created")
	return ua.CreateSubscriptionResult{
		StatusCode:                ua.Good,
		SubscriptionID:            sub.ID(),
		RevisedPublishingInterval: sub.PublishingInterval(),
		RevisedLifetimeCount:      sub.LifetimeCount(),
		RevisedMaxKeepAliveCount:  sub.MaxKeepAliveCount(),
	}
}

// ModifySubscription revises the timing parameters of a subscription.
func (srv *Server) ModifySubscription(session *Session, req ua.ModifySubscriptionRequest) ua.ModifySubscriptionResult {
	session.touch()
	sub, ok := session.engine.FindSubscription(req.SubscriptionID)
	if !ok {
		return ua.ModifySubscriptionResult{StatusCode: ua.BadSubscriptionIDInvalid}
	}
	return sub.Modify(req)
}

// SetPublishingMode enables or disables publishing for a batch of
// subscriptions.
func (srv *Server) SetPublishingMode(session *Session, subscriptionIDs []uint32, publishingEnabled bool) ([]ua.StatusCode, ua.StatusCode) {
	session.touch()
	if err := srv.checkBatch(len(subscriptionIDs)); err != ua.Good {
		return nil, err
	}
	results := make([]ua.StatusCode, len(subscriptionIDs))
	for i, id := range subscriptionIDs {
		sub, ok := session.engine.FindSubscription(id)
		if !ok {
			results[i] = ua.BadSubscriptionIDInvalid
			continue
		}
		sub.SetPublishingMode(publishingEnabled)
		results[i] = ua.Good
	}
	return results, ua.Good
}

// DeleteSubscriptions deletes a batch of subscriptions, disposing their
// monitored items. No final message is owed for an explicit delete.
func (srv *Server) DeleteSubscriptions(session *Session, subscriptionIDs []uint32) ([]ua.StatusCode, ua.StatusCode) {
	session.touch()
	if err := srv.checkBatch(len(subscriptionIDs)); err != ua.Good {
		return nil, err
	}
	results := make([]ua.StatusCode, len(subscriptionIDs))
	for i, id := range subscriptionIDs {
		sub, ok := session.engine.RemoveSubscription(id)
		if !ok {
			results[i] = ua.BadSubscriptionIDInvalid
			continue
		}
		srv.subscriptions.Delete(id)
		sub.close()
		results[i] = ua.Good
	}
	return results, ua.Good
}

// TransferSubscriptions atomically moves subscriptions onto this
// session. The previous session, if still open, is owed a final
// status change message. With sendInitialValues the current value of
// every monitored item is requeued after the move.
func (srv *Server) TransferSubscriptions(session *Session, subscriptionIDs []uint32, sendInitialValues bool) ([]ua.TransferResult, ua.StatusCode) {
	session.touch()
	if err := srv.checkBatch(len(subscriptionIDs)); err != ua.Good {
		return nil, err
	}
	results := make([]ua.TransferResult, len(subscriptionIDs))
	for i, id := range subscriptionIDs {
		results[i] = srv.transferSubscription(session, id, sendInitialValues)
	}
	return results, ua.Good
}

func (srv *Server) transferSubscription(session *Session, id uint32, sendInitialValues bool) ua.TransferResult {
	sub, ok := srv.subscriptions.Get(id)
	if !ok {
		return ua.TransferResult{StatusCode: ua.BadSubscriptionIDInvalid}
	}
	if sub.State() == StateClosed {
		return ua.TransferResult{StatusCode: ua.BadSubscriptionIDInvalid}
	}
	sub.Lock()
	alreadyOwned := sub.engine == session.engine
	sub.Unlock()
	if alreadyOwned {
		sub.RLock()
		avail := sub.availableSequenceNumbersLocked()
		sub.RUnlock()
		return ua.TransferResult{StatusCode: ua.Good, AvailableSequenceNumbers: avail}
	}

	// detach from the previous owner, which may be a live session's
	// engine or the orphan engine.
	var prevEngine *PublishEngine
	if prev, ok := srv.claimOrphan(id); ok {
		sub = prev
	} else if prevSession, ok := srv.sessions.Get(sub.SessionID()); ok {
		if _, ok := prevSession.engine.RemoveSubscription(id); !ok {
			return ua.TransferResult{StatusCode: ua.BadSubscriptionIDInvalid}
		}
		prevEngine = prevSession.engine
	} else if _, ok := srv.orphanEngine.RemoveSubscription(id); !ok {
		return ua.TransferResult{StatusCode: ua.BadSubscriptionIDInvalid}
	}

	sub.attachEngine(session.engine)
	if !session.engine.AddSubscription(sub) {
		sub.close()
		srv.subscriptions.Delete(id)
		return ua.TransferResult{StatusCode: ua.BadSessionClosed}
	}
	session.engine.purgeDraining(id)
	if prevEngine != nil {
		sub.RLock()
		seq := sub.seqNum
		sub.RUnlock()
		prevEngine.QueueDrainMessage(id, ua.NotificationMessage{
			SequenceNumber: seq,
			NotificationData: []ua.NotificationData{
				ua.StatusChangeNotification{Status: ua.GoodSubscriptionTransferred},
			},
		})
	}
	if sendInitialValues {
		sub.resendData()
	}
	sub.RLock()
	avail := sub.availableSequenceNumbersLocked()
	sub.RUnlock()
	srv.logger.WithFields(map[string]interface{}{
		"subscription": id,
		"session":      session.ID().String(),
	}).Info("subscription transferred")
	return ua.TransferResult{StatusCode: ua.Good, AvailableSequenceNumbers: avail}
}

// CreateMonitoredItems creates a batch of monitored items on a
// subscription.
func (srv *Server) CreateMonitoredItems(session *Session, subscriptionID uint32, timestampsToReturn ua.TimestampsToReturn, requests []ua.MonitoredItemCreateRequest) ([]ua.MonitoredItemCreateResult, ua.StatusCode) {
	session.touch()
	if err := srv.checkBatch(len(requests)); err != ua.Good {
		return nil, err
	}
	sub, ok := session.engine.FindSubscription(subscriptionID)
	if !ok {
		return nil, ua.BadSubscriptionIDInvalid
	}
	results := make([]ua.MonitoredItemCreateResult, len(requests))
	for i, req := range requests {
		results[i] = srv.createMonitoredItem(sub, timestampsToReturn, req)
	}
	return results, ua.Good
}

func (srv *Server) createMonitoredItem(sub *Subscription, timestampsToReturn ua.TimestampsToReturn, req ua.MonitoredItemCreateRequest) ua.MonitoredItemCreateResult {
	if max := srv.caps.MaxMonitoredItemsPerSubscription; max > 0 && len(sub.Items()) >= max {
		return ua.MonitoredItemCreateResult{StatusCode: ua.BadTooManyMonitoredItems}
	}
	node, ok := srv.resolver.FindNode(req.ItemToMonitor.NodeID)
	if !ok {
		return ua.MonitoredItemCreateResult{StatusCode: ua.BadNodeIDUnknown}
	}
	if code := validateFilter(req.ItemToMonitor.AttributeID, req.RequestedParameters.Filter); code.IsBad() {
		return ua.MonitoredItemCreateResult{StatusCode: code}
	}

	var item MonitoredItem
	if req.ItemToMonitor.AttributeID == ua.AttributeIDEventNotifier {
		if _, ok := node.(EventSource); !ok {
			return ua.MonitoredItemCreateResult{StatusCode: ua.BadAttributeIDInvalid}
		}
		item = NewEventMonitoredItem(sub, node, req.ItemToMonitor, req.RequestedParameters)
	} else {
		var indexRange *ua.NumericRange
		if req.ItemToMonitor.IndexRange != "" {
			rng, code := ua.ParseNumericRange(req.ItemToMonitor.IndexRange)
			if code.IsBad() {
				return ua.MonitoredItemCreateResult{StatusCode: code}
			}
			indexRange = rng
		}
		item = NewDataChangeMonitoredItem(sub, node, req.ItemToMonitor, indexRange, req.RequestedParameters, timestampsToReturn)
	}
	if !sub.AppendItem(item) {
		item.Delete()
		return ua.MonitoredItemCreateResult{StatusCode: ua.BadSubscriptionIDInvalid}
	}
	item.SetMonitoringMode(req.MonitoringMode)
	if srv.metrics != nil {
		srv.metrics.MonitoredItemCount.Inc()
	}
	return ua.MonitoredItemCreateResult{
		StatusCode:              ua.Good,
		MonitoredItemID:         item.ID(),
		RevisedSamplingInterval: item.SamplingInterval(),
		RevisedQueueSize:        item.QueueSize(),
	}
}

// ModifyMonitoredItems modifies a batch of monitored items.
func (srv *Server) ModifyMonitoredItems(session *Session, subscriptionID uint32, requests []ua.MonitoredItemModifyRequest) ([]ua.MonitoredItemModifyResult, ua.StatusCode) {
	session.touch()
	if err := srv.checkBatch(len(requests)); err != ua.Good {
		return nil, err
	}
	sub, ok := session.engine.FindSubscription(subscriptionID)
	if !ok {
		return nil, ua.BadSubscriptionIDInvalid
	}
	results := make([]ua.MonitoredItemModifyResult, len(requests))
	for i, req := range requests {
		item, ok := sub.FindItem(req.MonitoredItemID)
		if !ok {
			results[i] = ua.MonitoredItemModifyResult{StatusCode: ua.BadMonitoredItemIDInvalid}
			continue
		}
		if code := validateFilter(item.ItemToMonitor().AttributeID, req.RequestedParameters.Filter); code.IsBad() {
			results[i] = ua.MonitoredItemModifyResult{StatusCode: code}
			continue
		}
		results[i] = item.Modify(req)
	}
	return results, ua.Good
}

// SetMonitoringMode changes the monitoring mode of a batch of items.
func (srv *Server) SetMonitoringMode(session *Session, subscriptionID uint32, mode ua.MonitoringMode, monitoredItemIDs []uint32) ([]ua.StatusCode, ua.StatusCode) {
	session.touch()
	if err := srv.checkBatch(len(monitoredItemIDs)); err != ua.Good {
		return nil, err
	}
	if mode > ua.MonitoringModeReporting {
		return nil, ua.BadMonitoringModeInvalid
	}
	sub, ok := session.engine.FindSubscription(subscriptionID)
	if !ok {
		return nil, ua.BadSubscriptionIDInvalid
	}
	results := make([]ua.StatusCode, len(monitoredItemIDs))
	for i, id := range monitoredItemIDs {
		item, ok := sub.FindItem(id)
		if !ok {
			results[i] = ua.BadMonitoredItemIDInvalid
			continue
		}
		item.SetMonitoringMode(mode)
		results[i] = ua.Good
	}
	return results, ua.Good
}

// SetTriggering links monitored items to a triggering item: queued
// notifications of sampling-mode linked items are reported whenever the
// triggering item reports.
func (srv *Server) SetTriggering(session *Session, subscriptionID uint32, triggeringItemID uint32, linksToAdd, linksToRemove []uint32) (addResults, removeResults []ua.StatusCode, status ua.StatusCode) {
	session.touch()
	if len(linksToAdd) == 0 && len(linksToRemove) == 0 {
		return nil, nil, ua.BadNothingToDo
	}
	if max := srv.caps.MaxOperationsPerCall; max > 0 && len(linksToAdd)+len(linksToRemove) > max {
		return nil, nil, ua.BadTooManyOperations
	}
	sub, ok := session.engine.FindSubscription(subscriptionID)
	if !ok {
		return nil, nil, ua.BadSubscriptionIDInvalid
	}
	trigger, ok := sub.FindItem(triggeringItemID)
	if !ok {
		return nil, nil, ua.BadMonitoredItemIDInvalid
	}
	addResults = make([]ua.StatusCode, len(linksToAdd))
	for i, id := range linksToAdd {
		item, ok := sub.FindItem(id)
		if !ok {
			addResults[i] = ua.BadMonitoredItemIDInvalid
			continue
		}
		trigger.AddTriggeredItem(item)
		addResults[i] = ua.Good
	}
	removeResults = make([]ua.StatusCode, len(linksToRemove))
	for i, id := range linksToRemove {
		item, ok := sub.FindItem(id)
		if !ok {
			removeResults[i] = ua.BadMonitoredItemIDInvalid
			continue
		}
		if !trigger.RemoveTriggeredItem(item) {
			removeResults[i] = ua.BadMonitoredItemIDInvalid
			continue
		}
		removeResults[i] = ua.Good
	}
	return addResults, removeResults, ua.Good
}

// DeleteMonitoredItems deletes a batch of monitored items.
func (srv *Server) DeleteMonitoredItems(session *Session, subscriptionID uint32, monitoredItemIDs []uint32) ([]ua.StatusCode, ua.StatusCode) {
	session.touch()
	if err := srv.checkBatch(len(monitoredItemIDs)); err != ua.Good {
		return nil, err
	}
	sub, ok := session.engine.FindSubscription(subscriptionID)
	if !ok {
		return nil, ua.BadSubscriptionIDInvalid
	}
	results := make([]ua.StatusCode, len(monitoredItemIDs))
	for i, id := range monitoredItemIDs {
		if !sub.DeleteItem(id) {
			results[i] = ua.BadMonitoredItemIDInvalid
			continue
		}
		if srv.metrics != nil {
			srv.metrics.MonitoredItemCount.Dec()
		}
		results[i] = ua.Good
	}
	return results, ua.Good
}

// Publish queues one publish request on the session. The response is
// delivered through respond when a subscription has something to say,
// or through fault when the request cannot be honored.
func (srv *Server) Publish(session *Session, acks []ua.SubscriptionAcknowledgement, timeoutHint uint32, respond func(*ua.PublishResponse), fault func(ua.StatusCode)) {
	session.touch()
	session.engine.EnqueuePublishRequest(acks, timeoutHint, respond, fault)
}

// Republish re-delivers a retained notification message of a
// subscription on this session.
func (srv *Server) Republish(session *Session, subscriptionID uint32, retransmitSequenceNumber uint32) (ua.RepublishResponse, ua.StatusCode) {
	session.touch()
	sub, ok := session.engine.FindSubscription(subscriptionID)
	if !ok {
		return ua.RepublishResponse{}, ua.BadSubscriptionIDInvalid
	}
	nm, ok := sub.MessageForSequenceNumber(retransmitSequenceNumber)
	if !ok {
		return ua.RepublishResponse{}, ua.BadMessageNotAvailable
	}
	return ua.RepublishResponse{NotificationMessage: nm}, ua.Good
}

func (srv *Server) checkBatch(n int) ua.StatusCode {
	if n == 0 {
		return ua.BadNothingToDo
	}
	if max := srv.caps.MaxOperationsPerCall; max > 0 && n > max {
		return ua.BadTooManyOperations
	}
	return ua.Good
}

// validateFilter checks a monitoring filter against the attribute it
// would apply to.
func validateFilter(attributeID uint32, filter ua.MonitoringFilter) ua.StatusCode {
	switch filter.Kind {
	case ua.FilterNone:
		return ua.Good
	case ua.FilterDataChange:
		if attributeID != ua.AttributeIDValue {
			return ua.BadFilterNotAllowed
		}
		f := filter.DataChange
		if f.Trigger > ua.DataChangeTriggerStatusValueTimestamp {
			return ua.BadDeadbandFilterInvalid
		}
		switch f.DeadbandType {
		case ua.DeadbandTypeNone:
			return ua.Good
		case ua.DeadbandTypeAbsolute:
			if f.DeadbandValue < 0 {
				return ua.BadDeadbandFilterInvalid
			}
			return ua.Good
		case ua.DeadbandTypePercent:
			if f.DeadbandValue < 0 || f.DeadbandValue > 100 {
				return ua.BadDeadbandFilterInvalid
			}
			return ua.Good
		default:
			return ua.BadDeadbandFilterInvalid
		}
	case ua.FilterEvent:
		if attributeID != ua.AttributeIDEventNotifier {
			return ua.BadFilterNotAllowed
		}
		return ua.Good
	default:
		return ua.BadMonitoredItemFilterUnsupported
	}
}
