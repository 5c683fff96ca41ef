package server

import (
	"sync"

	"github.com/edgeworks/uaserver/ua"
)

// SubscriptionManager is the server-wide registry of live
// subscriptions, keyed by subscription id.
type SubscriptionManager struct {
	sync.RWMutex
	server            *Server
	subscriptionsByID map[uint32]*Subscription
}

// NewSubscriptionManager instantiates a new SubscriptionManager.
func NewSubscriptionManager(server *Server) *SubscriptionManager {
	return &SubscriptionManager{
		server:            server,
		subscriptionsByID: make(map[uint32]*Subscription),
	}
}

// Add registers a subscription.
func (m *SubscriptionManager) Add(s *Subscription) bool {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.subscriptionsByID[s.ID()]; ok {
		return false
	}
	m.subscriptionsByID[s.ID()] = s
	if m.server.metrics != nil {
		m.server.metrics.SubscriptionCount.Inc()
	}
	return true
}

// Delete unregisters a subscription.
func (m *SubscriptionManager) Delete(id uint32) {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.subscriptionsByID[id]; !ok {
		return
	}
	delete(m.subscriptionsByID, id)
	if m.server.metrics != nil {
		m.server.metrics.SubscriptionCount.Dec()
	}
}

// Get returns the subscription with the given id.
func (m *SubscriptionManager) Get(id uint32) (*Subscription, bool) {
	m.RLock()
	defer m.RUnlock()
	s, ok := m.subscriptionsByID[id]
	return s, ok
}

// Len returns the number of live subscriptions.
func (m *SubscriptionManager) Len() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.subscriptionsByID)
}

// GetBySession returns the subscriptions owned by the given session.
func (m *SubscriptionManager) GetBySession(sessionID ua.NodeID) []*Subscription {
	m.RLock()
	defer m.RUnlock()
	subs := make([]*Subscription, 0, 4)
	want := sessionID.String()
	for _, sub := range m.subscriptionsByID {
		if sub.SessionID().String() == want {
			subs = append(subs, sub)
		}
	}
	return subs
}
