package server

import (
	"container/list"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeworks/uaserver/ua"
	"github.com/google/uuid"
)

const (
	minPublishingInterval        = 50.0
	maxPublishingInterval        = 15 * 24 * 60 * 60 * 1000.0
	minKeepAliveCount            = 2
	maxKeepAliveCount            = 12000
	minLifetimeDuration          = 5000.0
	maxRetransmissionQueueLength = 100
)

// SubscriptionState is the publishing state of a subscription.
type SubscriptionState uint8

// SubscriptionStates
const (
	StateCreating SubscriptionState = iota
	StateNormal
	StateLate
	StateKeepAlive
	StateClosed
)

func (s SubscriptionState) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateNormal:
		return "normal"
	case StateLate:
		return "late"
	case StateKeepAlive:
		return "keepalive"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Subscription organizes MonitoredItems, harvests their notifications
// into sequenced NotificationMessages on a periodic tick, and tracks
// the keep-alive and life-time counters that prove liveness to the
// client.
type Subscription struct {
	sync.RWMutex
	srv                        *Server
	engine                     *PublishEngine
	id                         uint32
	sessionID                  ua.NodeID
	publishingInterval         float64
	lifetimeCount              uint32
	maxKeepAlive               uint32
	maxNotificationsPerPublish uint32
	publishingEnabled          bool
	priority                   byte
	state                      SubscriptionState
	seqNum                     uint32
	keepAliveCounter           uint32
	lifetimeCounter            uint32
	messageSent                bool
	items                      map[uint32]MonitoredItem
	retransmissionQueue        *list.List
	resend                     bool
	moreNotifications          bool
	cancelPublishing           chan struct{}
	pendingStatusChange        *ua.NotificationMessage
	diagnosticsID              ua.NodeID

	modifyCount                  uint32
	publishRequestCount          uint32
	latePublishRequestCount      uint32
	notificationsCount           uint32
	dataChangeNotificationsCount uint32
	eventNotificationsCount      uint32
	republishRequestCount        uint32
	republishMessageCount        uint32
	monitoringQueueOverflowCount uint32
}

// NewSubscription instantiates a Subscription attached to a PublishEngine.
func NewSubscription(engine *PublishEngine, req ua.CreateSubscriptionRequest) *Subscription {
	s := &Subscription{
		srv:                 engine.srv,
		engine:              engine,
		id:                  engine.srv.nextSubscriptionID(),
		sessionID:           engine.sessionID(),
		publishingEnabled:   req.PublishingEnabled,
		priority:            req.Priority,
		state:               StateCreating,
		seqNum:              1,
		keepAliveCounter:    math.MaxUint32,
		items:               make(map[uint32]MonitoredItem),
		retransmissionQueue: list.New(),
		diagnosticsID:       ua.NewNodeIDGUID(1, uuid.New()),
	}
	s.setPublishingInterval(req.RequestedPublishingInterval)
	s.setMaxKeepAliveCount(req.RequestedMaxKeepAliveCount)
	s.setLifetimeCount(req.RequestedLifetimeCount)
	s.setMaxNotificationsPerPublish(req.MaxNotificationsPerPublish)
	return s
}

// ID returns the identifier of the Subscription.
func (s *Subscription) ID() uint32 {
	return s.id
}

// SessionID returns the id of the owning session.
func (s *Subscription) SessionID() ua.NodeID {
	s.RLock()
	defer s.RUnlock()
	return s.sessionID
}

// State returns the publishing state of the Subscription.
func (s *Subscription) State() SubscriptionState {
	s.RLock()
	defer s.RUnlock()
	return s.state
}

// Priority returns the relative priority of the Subscription.
func (s *Subscription) Priority() byte {
	s.RLock()
	defer s.RUnlock()
	return s.priority
}

// PublishingInterval returns the publishing interval in milliseconds.
func (s *Subscription) PublishingInterval() float64 {
	s.RLock()
	defer s.RUnlock()
	return s.publishingInterval
}

// LifetimeCount returns the revised life-time count.
func (s *Subscription) LifetimeCount() uint32 {
	s.RLock()
	defer s.RUnlock()
	return s.lifetimeCount
}

// MaxKeepAliveCount returns the revised keep-alive count.
func (s *Subscription) MaxKeepAliveCount() uint32 {
	s.RLock()
	defer s.RUnlock()
	return s.maxKeepAlive
}

// IsExpired reports whether the life-time counter reached its bound.
func (s *Subscription) IsExpired() bool {
	s.RLock()
	defer s.RUnlock()
	return s.lifetimeCounter >= s.lifetimeCount
}

// timeUntilExpiration estimates the remaining lifetime in milliseconds,
// used by the publish engine's starvation ordering.
func (s *Subscription) timeUntilExpiration() float64 {
	s.RLock()
	defer s.RUnlock()
	remaining := float64(0)
	if s.lifetimeCounter < s.lifetimeCount {
		remaining = float64(s.lifetimeCount-s.lifetimeCounter) * s.publishingInterval
	}
	return remaining
}

// starving reports whether the subscription should be considered for a
// newly arrived publish request ahead of its own tick.
func (s *Subscription) starving() bool {
	s.RLock()
	defer s.RUnlock()
	return s.state == StateLate || !s.messageSent
}

// Items returns the monitored items owned by the Subscription.
func (s *Subscription) Items() []MonitoredItem {
	s.RLock()
	defer s.RUnlock()
	ret := make([]MonitoredItem, 0, len(s.items))
	for _, v := range s.items {
		ret = append(ret, v)
	}
	return ret
}

// FindItem returns the monitored item with the given id.
func (s *Subscription) FindItem(id uint32) (MonitoredItem, bool) {
	s.RLock()
	defer s.RUnlock()
	item, ok := s.items[id]
	return item, ok
}

// AppendItem adds a monitored item to the Subscription.
func (s *Subscription) AppendItem(item MonitoredItem) bool {
	s.Lock()
	defer s.Unlock()
	if s.state == StateClosed {
		return false
	}
	if _, ok := s.items[item.ID()]; ok {
		return false
	}
	s.items[item.ID()] = item
	return true
}

// DeleteItem removes and disposes the monitored item with the given id.
func (s *Subscription) DeleteItem(id uint32) bool {
	s.Lock()
	item, ok := s.items[id]
	if ok {
		delete(s.items, id)
	}
	s.Unlock()
	if ok {
		item.Delete()
	}
	return ok
}

// SetPublishingMode enables or disables publishing. Either way the
// request proves the client is alive, so the life-time counter resets.
func (s *Subscription) SetPublishingMode(enabled bool) {
	s.Lock()
	defer s.Unlock()
	s.publishingEnabled = enabled
	s.lifetimeCounter = 0
}

// Modify revises the timing parameters. Out-of-range values are clamped
// and reported back, never rejected. The tick timer restarts when the
// publishing interval changes.
func (s *Subscription) Modify(req ua.ModifySubscriptionRequest) ua.ModifySubscriptionResult {
	s.Lock()
	defer s.Unlock()
	if s.state == StateClosed {
		return ua.ModifySubscriptionResult{StatusCode: ua.BadSubscriptionIDInvalid}
	}
	prevInterval := s.publishingInterval
	s.setPublishingInterval(req.RequestedPublishingInterval)
	s.setMaxKeepAliveCount(req.RequestedMaxKeepAliveCount)
	s.setLifetimeCount(req.RequestedLifetimeCount)
	s.setMaxNotificationsPerPublish(req.MaxNotificationsPerPublish)
	s.priority = req.Priority
	s.lifetimeCounter = 0
	s.modifyCount++
	if s.cancelPublishing != nil && prevInterval != s.publishingInterval {
		s.stopPublishingLocked()
		s.startPublishingLocked()
	}
	return ua.ModifySubscriptionResult{
		StatusCode:                ua.Good,
		RevisedPublishingInterval: s.publishingInterval,
		RevisedLifetimeCount:      s.lifetimeCount,
		RevisedMaxKeepAliveCount:  s.maxKeepAlive,
	}
}

func (s *Subscription) setPublishingInterval(publishingInterval float64) {
	if math.IsNaN(publishingInterval) || publishingInterval < minPublishingInterval {
		publishingInterval = minPublishingInterval
	}
	if publishingInterval > maxPublishingInterval {
		publishingInterval = maxPublishingInterval
	}
	s.publishingInterval = publishingInterval
}

func (s *Subscription) setMaxKeepAliveCount(count uint32) {
	if count < minKeepAliveCount {
		count = minKeepAliveCount
	}
	if count > maxKeepAliveCount {
		count = maxKeepAliveCount
	}
	s.maxKeepAlive = count
}

func (s *Subscription) setLifetimeCount(count uint32) {
	// the lifetime must cover at least three keep-alive periods.
	if s.maxKeepAlive < math.MaxUint32/3 && count < 3*s.maxKeepAlive {
		count = 3 * s.maxKeepAlive
	}
	// and at least minLifetimeDuration of wall time.
	if min := uint32(math.Ceil(minLifetimeDuration / s.publishingInterval)); count < min {
		count = min
	}
	s.lifetimeCount = count
}

func (s *Subscription) setMaxNotificationsPerPublish(max uint32) {
	if max == 0 {
		max = math.MaxInt32
	}
	s.maxNotificationsPerPublish = max
}

// startPublishing starts the periodic tick.
func (s *Subscription) startPublishing() {
	s.Lock()
	defer s.Unlock()
	if s.state == StateClosed || s.cancelPublishing != nil {
		return
	}
	s.startPublishingLocked()
}

func (s *Subscription) startPublishingLocked() {
	done := make(chan struct{})
	s.cancelPublishing = done
	interval := time.Duration(s.publishingInterval) * time.Millisecond
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case t := <-ticker.C:
				s.tick(t.UTC())
			}
		}
	}()
}

func (s *Subscription) stopPublishingLocked() {
	if s.cancelPublishing != nil {
		close(s.cancelPublishing)
		s.cancelPublishing = nil
	}
}

// tick runs one publishing cycle.
func (s *Subscription) tick(tn time.Time) {
	s.Lock()
	if s.state == StateClosed {
		s.Unlock()
		return
	}
	if s.state == StateCreating || s.state == StateKeepAlive {
		s.state = StateNormal
	}
	s.lifetimeCounter++
	notificationsAvailable := false
	resend := s.resend
	s.resend = false
	for _, item := range s.items {
		if item.notificationsAvailable(tn, false, resend) {
			notificationsAvailable = true
		}
	}
	engine := s.engine
	switch {
	case notificationsAvailable && s.publishingEnabled:
		if op, ok := engine.takePublishOp(); ok {
			s.sendDataMessageLocked(tn, op)
			s.Unlock()
			return
		}
		s.state = StateLate
		s.expireIfDueLocked()
		s.Unlock()

	case s.keepAliveCounter >= s.maxKeepAlive:
		if op, ok := engine.takePublishOp(); ok {
			s.sendKeepAliveLocked(op)
			s.Unlock()
			return
		}
		s.state = StateLate
		s.expireIfDueLocked()
		s.Unlock()

	default:
		s.keepAliveCounter++
		s.expireIfDueLocked()
		s.Unlock()
	}
}

// tryLatePublish offers a newly available publish request to this
// subscription. It consumes one queued request from the engine and
// returns true only when the subscription owed the client a message.
func (s *Subscription) tryLatePublish() bool {
	s.Lock()
	defer s.Unlock()
	if s.state == StateClosed {
		return false
	}
	if s.state != StateLate && s.messageSent {
		return false
	}
	tn := time.Now().UTC()
	notificationsAvailable := false
	resend := s.resend
	s.resend = false
	for _, item := range s.items {
		if item.notificationsAvailable(tn, true, resend) {
			notificationsAvailable = true
		}
	}
	switch {
	case notificationsAvailable && s.publishingEnabled:
		if op, ok := s.engine.takePublishOp(); ok {
			s.latePublishRequestCount++
			s.sendDataMessageLocked(tn, op)
			return true
		}
	case s.keepAliveCounter >= s.maxKeepAlive:
		if op, ok := s.engine.takePublishOp(); ok {
			s.latePublishRequestCount++
			s.sendKeepAliveLocked(op)
			return true
		}
	}
	return false
}

// sendDataMessageLocked assembles and delivers one NotificationMessage.
func (s *Subscription) sendDataMessageLocked(tn time.Time, op *publishOp) {
	more := false
	maxN := int(s.maxNotificationsPerPublish)
	mins := make([]ua.MonitoredItemNotification, 0, 4)
	efls := make([]ua.EventFieldList, 0, 4)
	for _, item := range s.items {
		if maxN <= 0 {
			more = true
			break
		}
		if item.MonitoringMode() != ua.MonitoringModeReporting && !item.Triggered() {
			continue
		}
		notifications, more1 := item.notifications(maxN)
		for _, n := range notifications {
			switch v := n.(type) {
			case ua.DataValue:
				mins = append(mins, ua.MonitoredItemNotification{ClientHandle: item.ClientHandle(), Value: v})
				s.dataChangeNotificationsCount++
				s.notificationsCount++
			case []ua.Variant:
				efls = append(efls, ua.EventFieldList{ClientHandle: item.ClientHandle(), EventFields: v})
				s.eventNotificationsCount++
				s.notificationsCount++
			}
		}
		more = more || more1
		maxN -= len(notifications)
	}
	nd := make([]ua.NotificationData, 0, 2)
	if len(mins) > 0 {
		nd = append(nd, ua.DataChangeNotification{MonitoredItems: mins})
	}
	if len(efls) > 0 {
		nd = append(nd, ua.EventNotificationList{Events: efls})
	}
	if len(nd) == 0 {
		// a concurrent disable can empty the item queues between the
		// availability scan and this harvest. An empty message must not
		// consume a sequence number.
		s.sendKeepAliveLocked(op)
		return
	}
	nm := ua.NotificationMessage{
		SequenceNumber:   s.seqNum,
		PublishTime:      tn,
		NotificationData: nd,
	}
	s.retainLocked(nm)
	op.respond(&ua.PublishResponse{
		SubscriptionID:           s.id,
		AvailableSequenceNumbers: s.availableSequenceNumbersLocked(),
		MoreNotifications:        more,
		NotificationMessage:      nm,
		Results:                  op.results,
	})
	s.publishRequestCount++
	s.advanceSequenceNumberLocked()
	s.keepAliveCounter = 0
	s.lifetimeCounter = 0
	s.messageSent = true
	s.moreNotifications = more
	if s.srv.metrics != nil {
		s.srv.metrics.NotificationMessagesSent.Inc()
	}
	if more {
		// excess notifications stay queued; remain late so the next
		// publish request drains them, and try again off this turn.
		s.state = StateLate
		s.srv.wp.Submit(func() { s.tryLatePublish() })
	} else {
		s.state = StateNormal
	}
}

// sendKeepAliveLocked delivers an empty message carrying the next
// expected sequence number. Keep-alives do not consume a sequence
// number and are not retained for republish.
func (s *Subscription) sendKeepAliveLocked(op *publishOp) {
	op.respond(&ua.PublishResponse{
		SubscriptionID:           s.id,
		AvailableSequenceNumbers: s.availableSequenceNumbersLocked(),
		MoreNotifications:        false,
		NotificationMessage: ua.NotificationMessage{
			SequenceNumber:   s.seqNum,
			PublishTime:      time.Now().UTC(),
			NotificationData: nil,
		},
		Results: op.results,
	})
	s.publishRequestCount++
	s.keepAliveCounter = 0
	s.lifetimeCounter = 0
	s.messageSent = true
	s.state = StateKeepAlive
	if s.srv.metrics != nil {
		s.srv.metrics.KeepAliveMessagesSent.Inc()
	}
}

// expireIfDueLocked closes the subscription when the life-time counter
// reaches its bound, queuing one final StatusChangeNotification that
// the publish engine owes the client.
func (s *Subscription) expireIfDueLocked() {
	if s.lifetimeCounter < s.lifetimeCount {
		return
	}
	nm := ua.NotificationMessage{
		SequenceNumber:   s.seqNum,
		PublishTime:      time.Now().UTC(),
		NotificationData: []ua.NotificationData{ua.StatusChangeNotification{Status: ua.BadTimeout}},
	}
	s.advanceSequenceNumberLocked()
	s.pendingStatusChange = &nm
	s.srv.logger.WithField("subscription", s.id).Warn("subscription expired")
	s.closeLocked()
	engine := s.engine
	s.srv.wp.Submit(func() {
		engine.subscriptionExpired(s)
	})
}

// close terminates the subscription, disposing all monitored items.
// Idempotent.
func (s *Subscription) close() {
	s.Lock()
	defer s.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.stopPublishingLocked()
	items := make([]MonitoredItem, 0, len(s.items))
	for id, item := range s.items {
		delete(s.items, id)
		items = append(items, item)
	}
	// dispose outside any per-item sampling callback path.
	s.srv.wp.Submit(func() {
		for _, item := range items {
			item.Delete()
		}
	})
}

// takeStatusChange returns the final status change message owed to the
// client, at most once.
func (s *Subscription) takeStatusChange() (ua.NotificationMessage, bool) {
	s.Lock()
	defer s.Unlock()
	if s.pendingStatusChange == nil {
		return ua.NotificationMessage{}, false
	}
	nm := *s.pendingStatusChange
	s.pendingStatusChange = nil
	return nm, true
}

func (s *Subscription) setStatusChange(code ua.StatusCode) {
	s.Lock()
	defer s.Unlock()
	nm := ua.NotificationMessage{
		SequenceNumber:   s.seqNum,
		PublishTime:      time.Now().UTC(),
		NotificationData: []ua.NotificationData{ua.StatusChangeNotification{Status: code}},
	}
	s.advanceSequenceNumberLocked()
	s.pendingStatusChange = &nm
}

func (s *Subscription) hasPendingStatusChange() bool {
	s.RLock()
	defer s.RUnlock()
	return s.pendingStatusChange != nil
}

func (s *Subscription) advanceSequenceNumberLocked() {
	if s.seqNum != math.MaxUint32 {
		s.seqNum++
	} else {
		s.seqNum = 1
	}
}

// retainLocked appends a sent message to the bounded retransmission
// queue, evicting the oldest entries beyond the cap.
func (s *Subscription) retainLocked(nm ua.NotificationMessage) {
	q := s.retransmissionQueue
	for q.Len() >= maxRetransmissionQueueLength {
		q.Remove(q.Front())
	}
	q.PushBack(nm)
}

func (s *Subscription) availableSequenceNumbersLocked() []uint32 {
	avail := make([]uint32, 0, s.retransmissionQueue.Len())
	for e := s.retransmissionQueue.Front(); e != nil; e = e.Next() {
		if nm, ok := e.Value.(ua.NotificationMessage); ok {
			avail = append(avail, nm.SequenceNumber)
		}
	}
	return avail
}

// Acknowledge removes the message with the given sequence number from
// the retransmission queue. Unknown sequence numbers are a soft error.
func (s *Subscription) Acknowledge(seqNum uint32) bool {
	s.Lock()
	defer s.Unlock()
	if s.retransmissionQueue == nil {
		return false
	}
	for e := s.retransmissionQueue.Front(); e != nil; e = e.Next() {
		if nm, ok := e.Value.(ua.NotificationMessage); ok && nm.SequenceNumber == seqNum {
			s.retransmissionQueue.Remove(e)
			return true
		}
	}
	return false
}

// MessageForSequenceNumber returns a still-held sent message for
// republishing. The message stays retained until acknowledged.
func (s *Subscription) MessageForSequenceNumber(seqNum uint32) (ua.NotificationMessage, bool) {
	s.Lock()
	defer s.Unlock()
	s.republishRequestCount++
	// a republish proves the client is alive.
	s.lifetimeCounter = 0
	for e := s.retransmissionQueue.Front(); e != nil; e = e.Next() {
		if nm, ok := e.Value.(ua.NotificationMessage); ok && nm.SequenceNumber == seqNum {
			s.republishMessageCount++
			return nm, true
		}
	}
	return ua.NotificationMessage{}, false
}

// resendData requeues the current value of every reporting monitored
// item on the next cycle, used after a subscription transfer.
func (s *Subscription) resendData() {
	s.Lock()
	defer s.Unlock()
	s.resend = true
}

func (s *Subscription) noteQueueOverflow() {
	atomic.AddUint32(&s.monitoringQueueOverflowCount, 1)
}

// attachEngine reassigns the owning publish engine during a transfer.
// The subscription owes its new session a first message, so the next
// publish request is consumed on arrival.
func (s *Subscription) attachEngine(engine *PublishEngine) {
	s.Lock()
	defer s.Unlock()
	s.engine = engine
	s.sessionID = engine.sessionID()
	s.lifetimeCounter = 0
	s.messageSent = false
}

// SubscriptionDiagnostics is a point-in-time snapshot of the
// subscription's counters.
type SubscriptionDiagnostics struct {
	SubscriptionID               uint32
	SessionID                    ua.NodeID
	Priority                     byte
	PublishingInterval           float64
	MaxKeepAliveCount            uint32
	MaxLifetimeCount             uint32
	MaxNotificationsPerPublish   uint32
	PublishingEnabled            bool
	State                        SubscriptionState
	ModifyCount                  uint32
	PublishRequestCount          uint32
	LatePublishRequestCount      uint32
	NotificationsCount           uint32
	DataChangeNotificationsCount uint32
	EventNotificationsCount      uint32
	RepublishRequestCount        uint32
	RepublishMessageCount        uint32
	CurrentKeepAliveCount        uint32
	CurrentLifetimeCount         uint32
	UnacknowledgedMessageCount   uint32
	MonitoredItemCount           uint32
	DisabledMonitoredItemCount   uint32
	MonitoringQueueOverflowCount uint32
	NextSequenceNumber           uint32
}

// Diagnostics returns a snapshot of the subscription's counters.
func (s *Subscription) Diagnostics() SubscriptionDiagnostics {
	s.RLock()
	defer s.RUnlock()
	disabled := uint32(0)
	for _, item := range s.items {
		if item.MonitoringMode() == ua.MonitoringModeDisabled {
			disabled++
		}
	}
	return SubscriptionDiagnostics{
		SubscriptionID:               s.id,
		SessionID:                    s.sessionID,
		Priority:                     s.priority,
		PublishingInterval:           s.publishingInterval,
		MaxKeepAliveCount:            s.maxKeepAlive,
		MaxLifetimeCount:             s.lifetimeCount,
		MaxNotificationsPerPublish:   s.maxNotificationsPerPublish,
		PublishingEnabled:            s.publishingEnabled,
		State:                        s.state,
		ModifyCount:                  s.modifyCount,
		PublishRequestCount:          s.publishRequestCount,
		LatePublishRequestCount:      s.latePublishRequestCount,
		NotificationsCount:           s.notificationsCount,
		DataChangeNotificationsCount: s.dataChangeNotificationsCount,
		EventNotificationsCount:      s.eventNotificationsCount,
		RepublishRequestCount:        s.republishRequestCount,
		RepublishMessageCount:        s.republishMessageCount,
		CurrentKeepAliveCount:        s.keepAliveCounter,
		CurrentLifetimeCount:         s.lifetimeCounter,
		UnacknowledgedMessageCount:   uint32(s.retransmissionQueue.Len()),
		MonitoredItemCount:           uint32(len(s.items)),
		DisabledMonitoredItemCount:   disabled,
		MonitoringQueueOverflowCount: atomic.LoadUint32(&s.monitoringQueueOverflowCount),
		NextSequenceNumber:           s.seqNum,
	}
}
