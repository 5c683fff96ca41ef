package server

import (
	"sort"
	"sync"
	"time"

	"github.com/edgeworks/uaserver/ua"
	"github.com/gammazero/deque"
)

const (
	defaultMaxPublishRequests = 100
	publishSweepInterval      = 1 * time.Second
)

// publishOp is one queued Publish service invocation, held until a
// subscription has something to say.
type publishOp struct {
	receivedAt time.Time
	timeoutAt  time.Time
	results    []ua.StatusCode
	respond    func(*ua.PublishResponse)
	fault      func(ua.StatusCode)
}

func (op *publishOp) expired(tn time.Time) bool {
	return !op.timeoutAt.IsZero() && tn.After(op.timeoutAt)
}

// drainEntry is a final message owed to the client for a subscription
// that no longer publishes on this session.
type drainEntry struct {
	subscriptionID uint32
	message        ua.NotificationMessage
}

// PublishEngine owns the FIFO of outstanding publish requests for one
// session and arbitrates them between the session's subscriptions.
// Requests time out against the server-local receipt time, oldest
// requests are evicted when the queue is full, and late subscriptions
// are served in priority order when a new request arrives.
type PublishEngine struct {
	sync.Mutex
	srv                *Server
	session            ua.NodeID
	requests           deque.Deque[*publishOp]
	subscriptions      map[uint32]*Subscription
	draining           []drainEntry
	maxPublishRequests int
	closed             bool
	cancelSweep        chan struct{}
}

// NewPublishEngine instantiates a PublishEngine for the given session.
func NewPublishEngine(srv *Server, session ua.NodeID) *PublishEngine {
	e := &PublishEngine{
		srv:                srv,
		session:            session,
		subscriptions:      make(map[uint32]*Subscription),
		maxPublishRequests: srv.caps.MaxPublishRequests,
		cancelSweep:        make(chan struct{}),
	}
	if e.maxPublishRequests < 1 {
		e.maxPublishRequests = defaultMaxPublishRequests
	}
	go e.sweep()
	return e
}

func (e *PublishEngine) sessionID() ua.NodeID {
	return e.session
}

// SubscriptionCount returns the number of live subscriptions.
func (e *PublishEngine) SubscriptionCount() int {
	e.Lock()
	defer e.Unlock()
	return len(e.subscriptions)
}

// Subscriptions returns the live subscriptions of this engine.
func (e *PublishEngine) Subscriptions() []*Subscription {
	e.Lock()
	defer e.Unlock()
	subs := make([]*Subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	return subs
}

// FindSubscription returns the live subscription with the given id.
func (e *PublishEngine) FindSubscription(id uint32) (*Subscription, bool) {
	e.Lock()
	defer e.Unlock()
	sub, ok := e.subscriptions[id]
	return sub, ok
}

// AddSubscription registers a subscription with this engine.
func (e *PublishEngine) AddSubscription(sub *Subscription) bool {
	e.Lock()
	defer e.Unlock()
	if e.closed {
		return false
	}
	e.subscriptions[sub.ID()] = sub
	return true
}

// RemoveSubscription detaches a subscription without queuing any final
// message, used for explicit deletes and outbound transfers.
func (e *PublishEngine) RemoveSubscription(id uint32) (*Subscription, bool) {
	e.Lock()
	defer e.Unlock()
	sub, ok := e.subscriptions[id]
	if ok {
		delete(e.subscriptions, id)
	}
	return sub, ok
}

// QueueDrainMessage records a final message owed to this session's
// client for a subscription that left the engine, and serves it at once
// when a publish request is already waiting.
func (e *PublishEngine) QueueDrainMessage(subscriptionID uint32, nm ua.NotificationMessage) {
	e.Lock()
	if e.closed {
		e.Unlock()
		return
	}
	e.draining = append(e.draining, drainEntry{subscriptionID: subscriptionID, message: nm})
	e.Unlock()
	e.serveDraining()
}

// purgeDraining drops any final messages still owed for the given
// subscription. A subscription transferred back to this engine must
// not race its own stale transfer notice.
func (e *PublishEngine) purgeDraining(subscriptionID uint32) {
	e.Lock()
	defer e.Unlock()
	kept := e.draining[:0]
	for _, entry := range e.draining {
		if entry.subscriptionID != subscriptionID {
			kept = append(kept, entry)
		}
	}
	e.draining = kept
}

// subscriptionExpired moves an expired subscription's final status
// change message into the draining list.
func (e *PublishEngine) subscriptionExpired(sub *Subscription) {
	e.Lock()
	delete(e.subscriptions, sub.ID())
	e.Unlock()
	e.srv.subscriptions.Delete(sub.ID())
	if nm, ok := sub.takeStatusChange(); ok {
		e.QueueDrainMessage(sub.ID(), nm)
	}
}

// EnqueuePublishRequest accepts one Publish invocation. Acknowledgements
// are processed first, then the request either carries a final message
// for a drained subscription, or joins the FIFO and is offered to any
// late subscription.
func (e *PublishEngine) EnqueuePublishRequest(acks []ua.SubscriptionAcknowledgement, timeoutHint uint32, respond func(*ua.PublishResponse), fault func(ua.StatusCode)) {
	tn := time.Now().UTC()
	op := &publishOp{
		receivedAt: tn,
		results:    e.processAcknowledgements(acks),
		respond:    respond,
		fault:      fault,
	}
	if timeoutHint > 0 {
		op.timeoutAt = tn.Add(time.Duration(timeoutHint) * time.Millisecond)
	}

	e.Lock()
	if e.closed {
		e.Unlock()
		fault(ua.BadSessionClosed)
		return
	}
	if len(e.subscriptions) == 0 && len(e.draining) == 0 {
		e.Unlock()
		fault(ua.BadNoSubscription)
		return
	}
	e.requests.PushBack(op)
	e.Unlock()

	if e.srv.metrics != nil {
		e.srv.metrics.PublishRequestsQueued.Inc()
	}
	e.serveDraining()
	e.serveStarving()

	// enforce the capacity bound only after the serve passes, so an
	// arrival that lets a late subscription consume a request does not
	// also evict one.
	var evicted []*publishOp
	e.Lock()
	for e.requests.Len() > e.maxPublishRequests {
		evicted = append(evicted, e.requests.PopFront())
	}
	e.Unlock()
	for _, ev := range evicted {
		ev.fault(ua.BadTooManyPublishRequests)
	}
}

// processAcknowledgements resolves each acknowledgement against the
// session's subscriptions, yielding one status code per ack.
func (e *PublishEngine) processAcknowledgements(acks []ua.SubscriptionAcknowledgement) []ua.StatusCode {
	if len(acks) == 0 {
		return nil
	}
	e.Lock()
	subs := make(map[uint32]*Subscription, len(e.subscriptions))
	for id, sub := range e.subscriptions {
		subs[id] = sub
	}
	e.Unlock()
	results := make([]ua.StatusCode, len(acks))
	for i, ack := range acks {
		sub, ok := subs[ack.SubscriptionID]
		if !ok {
			results[i] = ua.BadSubscriptionIDInvalid
			continue
		}
		if !sub.Acknowledge(ack.SequenceNumber) {
			results[i] = ua.BadSequenceNumberUnknown
			continue
		}
		results[i] = ua.Good
	}
	return results
}

// takePublishOp pops the oldest live publish request, faulting any
// expired requests found ahead of it.
func (e *PublishEngine) takePublishOp() (*publishOp, bool) {
	tn := time.Now().UTC()
	var expired []*publishOp
	var taken *publishOp
	e.Lock()
	for e.requests.Len() > 0 {
		op := e.requests.PopFront()
		if op.expired(tn) {
			expired = append(expired, op)
			continue
		}
		taken = op
		break
	}
	e.Unlock()
	for _, op := range expired {
		op.fault(ua.BadTimeout)
	}
	return taken, taken != nil
}

// serveDraining responds to waiting publish requests with the final
// messages of drained subscriptions, oldest first.
func (e *PublishEngine) serveDraining() {
	for {
		e.Lock()
		if len(e.draining) == 0 || e.requests.Len() == 0 {
			e.Unlock()
			return
		}
		entry := e.draining[0]
		e.draining = e.draining[1:]
		e.Unlock()
		op, ok := e.takePublishOp()
		if !ok {
			e.Lock()
			e.draining = append([]drainEntry{entry}, e.draining...)
			e.Unlock()
			return
		}
		op.respond(&ua.PublishResponse{
			SubscriptionID:      entry.subscriptionID,
			MoreNotifications:   false,
			NotificationMessage: entry.message,
			Results:             op.results,
		})
	}
}

// serveStarving offers queued publish requests to subscriptions that
// owe the client a message, highest priority first and nearest to
// expiry first within a priority.
func (e *PublishEngine) serveStarving() {
	e.Lock()
	candidates := make([]*Subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		candidates = append(candidates, sub)
	}
	e.Unlock()
	starving := candidates[:0]
	for _, sub := range candidates {
		if sub.starving() {
			starving = append(starving, sub)
		}
	}
	sort.SliceStable(starving, func(i, j int) bool {
		pi, pj := starving[i].Priority(), starving[j].Priority()
		if pi != pj {
			return pi > pj
		}
		return starving[i].timeUntilExpiration() < starving[j].timeUntilExpiration()
	})
	for _, sub := range starving {
		e.Lock()
		empty := e.requests.Len() == 0
		e.Unlock()
		if empty {
			return
		}
		sub.tryLatePublish()
	}
}

// sweep periodically faults publish requests whose timeout hint has
// elapsed, measured from the server-local receipt time.
func (e *PublishEngine) sweep() {
	ticker := time.NewTicker(publishSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.cancelSweep:
			return
		case <-ticker.C:
			e.sweepExpired(time.Now().UTC())
		}
	}
}

func (e *PublishEngine) sweepExpired(tn time.Time) {
	var expired []*publishOp
	e.Lock()
	n := e.requests.Len()
	for i := 0; i < n; i++ {
		op := e.requests.PopFront()
		if op.expired(tn) {
			expired = append(expired, op)
			continue
		}
		e.requests.PushBack(op)
	}
	e.Unlock()
	for _, op := range expired {
		op.fault(ua.BadTimeout)
	}
	if e.srv.metrics != nil && len(expired) > 0 {
		e.srv.metrics.PublishRequestsTimedOut.Add(float64(len(expired)))
	}
}

// Close shuts the engine down. With deleteSubscriptions the remaining
// subscriptions are closed outright, otherwise they are parked on the
// server's orphan engine where a later session may claim them by
// transfer. Outstanding publish requests are faulted.
func (e *PublishEngine) Close(deleteSubscriptions bool) {
	e.Lock()
	if e.closed {
		e.Unlock()
		return
	}
	e.closed = true
	close(e.cancelSweep)
	subs := make([]*Subscription, 0, len(e.subscriptions))
	for id, sub := range e.subscriptions {
		delete(e.subscriptions, id)
		subs = append(subs, sub)
	}
	var pending []*publishOp
	for e.requests.Len() > 0 {
		pending = append(pending, e.requests.PopFront())
	}
	e.draining = nil
	e.Unlock()

	for _, op := range pending {
		op.fault(ua.BadSessionClosed)
	}
	for _, sub := range subs {
		if deleteSubscriptions {
			e.srv.subscriptions.Delete(sub.ID())
			sub.close()
			continue
		}
		e.srv.parkSubscription(sub)
	}
}
