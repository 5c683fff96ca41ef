package server

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgeworks/uaserver/ua"
)

// testNode is a value node with a settable value and an optional event
// stream.
type testNode struct {
	sync.Mutex
	id          ua.NodeID
	value       ua.DataValue
	minInterval float64
	semver      uint32
	rng         *ua.Range
	deliver     func([]ua.Variant)
	disposeCbs  []func()
}

func newTestNode(name string, value ua.Variant) *testNode {
	now := time.Now().UTC()
	return &testNode{
		id:     ua.NewNodeIDString(2, name),
		value:  ua.NewDataValue(value, ua.Good, now, now),
		semver: 1,
	}
}

func (n *testNode) NodeID() ua.NodeID { return n.id }

func (n *testNode) ReadAttribute(_ context.Context, attributeID uint32, indexRange *ua.NumericRange) ua.DataValue {
	n.Lock()
	defer n.Unlock()
	if attributeID != ua.AttributeIDValue {
		return ua.NewDataValue(nil, ua.BadAttributeIDInvalid, time.Time{}, time.Time{})
	}
	v := n.value
	if indexRange != nil {
		s, code := indexRange.Section(v.Value)
		if code.IsBad() {
			return ua.NewDataValue(nil, code, v.SourceTimestamp, v.ServerTimestamp)
		}
		v.Value = s
	}
	return v
}

func (n *testNode) setValue(value ua.Variant) {
	n.Lock()
	defer n.Unlock()
	now := time.Now().UTC()
	n.value = ua.NewDataValue(value, ua.Good, now, now)
}

func (n *testNode) MinimumSamplingInterval() float64 {
	n.Lock()
	defer n.Unlock()
	return n.minInterval
}

func (n *testNode) SemanticVersion() uint32 {
	n.Lock()
	defer n.Unlock()
	return n.semver
}

func (n *testNode) bumpSemanticVersion() {
	n.Lock()
	defer n.Unlock()
	n.semver++
}

func (n *testNode) EURange() (ua.Range, bool) {
	n.Lock()
	defer n.Unlock()
	if n.rng == nil {
		return ua.Range{}, false
	}
	return *n.rng, true
}

func (n *testNode) OnDispose(cb func()) (cancel func()) {
	n.Lock()
	defer n.Unlock()
	n.disposeCbs = append(n.disposeCbs, cb)
	return func() {}
}

func (n *testNode) SubscribeEvents(_ ua.EventFilter, deliver func([]ua.Variant)) (cancel func()) {
	n.Lock()
	n.deliver = deliver
	n.Unlock()
	return func() {
		n.Lock()
		n.deliver = nil
		n.Unlock()
	}
}

func (n *testNode) fireEvent(fields []ua.Variant) {
	n.Lock()
	deliver := n.deliver
	n.Unlock()
	if deliver != nil {
		deliver(fields)
	}
}

type testResolver struct {
	nodes map[string]Node
}

func newTestResolver(nodes ...Node) *testResolver {
	r := &testResolver{nodes: make(map[string]Node)}
	for _, n := range nodes {
		r.nodes[n.NodeID().String()] = n
	}
	return r
}

func (r *testResolver) FindNode(id ua.NodeID) (Node, bool) {
	n, ok := r.nodes[id.String()]
	return n, ok
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServer(caps Capabilities, nodes ...Node) *Server {
	return NewServer(newTestResolver(nodes...), caps, quietLogger())
}

// newTestSubscription builds a subscription whose tick timer is not
// running, so tests drive tick directly.
func newTestSubscription(srv *Server, req ua.CreateSubscriptionRequest) (*Subscription, *PublishEngine) {
	engine := NewPublishEngine(srv, ua.NewNodeIDNumeric(1, 999))
	sub := NewSubscription(engine, req)
	engine.AddSubscription(sub)
	srv.subscriptions.Add(sub)
	return sub, engine
}

// queueOp pushes a publish op directly onto the engine FIFO, without
// triggering the late-subscription service of the enqueue path.
func queueOp(e *PublishEngine, respond func(*ua.PublishResponse), fault func(ua.StatusCode)) {
	op := &publishOp{
		receivedAt: time.Now().UTC(),
		respond:    respond,
		fault:      fault,
	}
	e.Lock()
	e.requests.PushBack(op)
	e.Unlock()
}

// responseRecorder captures publish responses and faults.
type responseRecorder struct {
	sync.Mutex
	responses []*ua.PublishResponse
	faults    []ua.StatusCode
}

func (r *responseRecorder) respond(resp *ua.PublishResponse) {
	r.Lock()
	defer r.Unlock()
	r.responses = append(r.responses, resp)
}

func (r *responseRecorder) fault(code ua.StatusCode) {
	r.Lock()
	defer r.Unlock()
	r.faults = append(r.faults, code)
}

func (r *responseRecorder) responseCount() int {
	r.Lock()
	defer r.Unlock()
	return len(r.responses)
}

func (r *responseRecorder) faultCount() int {
	r.Lock()
	defer r.Unlock()
	return len(r.faults)
}

func (r *responseRecorder) lastResponse() *ua.PublishResponse {
	r.Lock()
	defer r.Unlock()
	if len(r.responses) == 0 {
		return nil
	}
	return r.responses[len(r.responses)-1]
}
