package server

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"

	"github.com/edgeworks/uaserver/ua"
)

// Server is the root of the subscription machinery. It owns the
// sampling scheduler, the session registry, the server-wide
// subscription registry, and the orphan engine that holds
// subscriptions whose session closed without deleting them.
type Server struct {
	caps          Capabilities
	logger        *logrus.Logger
	metrics       *Metrics
	resolver      NodeResolver
	scheduler     *Scheduler
	wp            *workerpool.WorkerPool
	sessions      *SessionManager
	subscriptions *SubscriptionManager
	orphanEngine  *PublishEngine
	orphans       *ttlcache.Cache[uint32, *Subscription]

	subscriptionIDCounter  uint32
	monitoredItemIDCounter uint32
	closed                 int32
}

// NewServer instantiates a Server against the given address space.
func NewServer(resolver NodeResolver, caps Capabilities, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	caps = caps.withDefaults()
	srv := &Server{
		caps:     caps,
		logger:   logger,
		metrics:  NewMetrics(),
		resolver: resolver,
		wp:       workerpool.New(caps.Workers),
	}
	srv.scheduler = NewScheduler(srv)
	srv.sessions = NewSessionManager(srv)
	srv.subscriptions = NewSubscriptionManager(srv)
	srv.orphanEngine = NewPublishEngine(srv, ua.NodeID{})
	srv.orphans = ttlcache.New[uint32, *Subscription](
		ttlcache.WithTTL[uint32, *Subscription](srv.caps.OrphanSubscriptionTTL),
		ttlcache.WithDisableTouchOnHit[uint32, *Subscription](),
	)
	srv.orphans.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[uint32, *Subscription]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		sub := item.Value()
		srv.logger.WithField("subscription", sub.ID()).Info("orphaned subscription expired")
		srv.subscriptions.Delete(sub.ID())
		srv.orphanEngine.RemoveSubscription(sub.ID())
		sub.close()
	})
	go srv.orphans.Start()
	return srv
}

// Logger returns the server's logger.
func (srv *Server) Logger() *logrus.Logger {
	return srv.logger
}

// Metrics returns the server's metric set.
func (srv *Server) Metrics() *Metrics {
	return srv.metrics
}

// Scheduler returns the sampling scheduler.
func (srv *Server) Scheduler() *Scheduler {
	return srv.scheduler
}

// Capabilities returns the server's operational limits.
func (srv *Server) Capabilities() Capabilities {
	return srv.caps
}

// Sessions returns the session registry.
func (srv *Server) Sessions() *SessionManager {
	return srv.sessions
}

// Subscriptions returns the server-wide subscription registry.
func (srv *Server) Subscriptions() *SubscriptionManager {
	return srv.subscriptions
}

func (srv *Server) nextSubscriptionID() uint32 {
	return atomic.AddUint32(&srv.subscriptionIDCounter, 1)
}

func (srv *Server) nextMonitoredItemID() uint32 {
	return atomic.AddUint32(&srv.monitoredItemIDCounter, 1)
}

// parkSubscription moves a subscription onto the orphan engine when its
// session closed without deleting it. The subscription keeps ticking
// and may be claimed by TransferSubscriptions until its lifetime or the
// orphan TTL runs out.
func (srv *Server) parkSubscription(sub *Subscription) {
	sub.attachEngine(srv.orphanEngine)
	if !srv.orphanEngine.AddSubscription(sub) {
		srv.subscriptions.Delete(sub.ID())
		sub.close()
		return
	}
	ttl := time.Duration(sub.timeUntilExpiration()) * time.Millisecond
	if max := srv.caps.OrphanSubscriptionTTL; ttl <= 0 || ttl > max {
		ttl = max
	}
	srv.orphans.Set(sub.ID(), sub, ttl)
	srv.logger.WithFields(logrus.Fields{
		"subscription": sub.ID(),
		"ttl":          ttl,
	}).Info("subscription orphaned")
}

// claimOrphan removes a parked subscription from the orphan engine.
func (srv *Server) claimOrphan(id uint32) (*Subscription, bool) {
	sub, ok := srv.orphanEngine.RemoveSubscription(id)
	if !ok {
		return nil, false
	}
	srv.orphans.Delete(id)
	return sub, true
}

// Close shuts the server down, closing every session, subscription and
// poll group.
func (srv *Server) Close() {
	if !atomic.CompareAndSwapInt32(&srv.closed, 0, 1) {
		return
	}
	srv.sessions.closeAll()
	srv.orphans.Stop()
	srv.orphanEngine.Close(true)
	srv.scheduler.Close()
	srv.wp.StopWait()
	srv.logger.Info("subscription server closed")
}
