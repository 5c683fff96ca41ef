package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgeworks/uaserver/internal/log"
	"github.com/edgeworks/uaserver/server"
	"github.com/edgeworks/uaserver/ua"
)

// simulatedSensor is a value node driven by a random walk.
type simulatedSensor struct {
	sync.RWMutex
	id      ua.NodeID
	value   float64
	rng     ua.Range
	version uint32
	cancel  chan struct{}
}

func newSimulatedSensor(name string, initial float64, rng ua.Range) *simulatedSensor {
	s := &simulatedSensor{
		id:      ua.NewNodeIDString(2, name),
		value:   initial,
		rng:     rng,
		version: 1,
		cancel:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *simulatedSensor) run() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.cancel:
			return
		case <-ticker.C:
			s.Lock()
			s.value += rand.Float64()*2 - 1
			if s.value < s.rng.Low {
				s.value = s.rng.Low
			}
			if s.value > s.rng.High {
				s.value = s.rng.High
			}
			s.Unlock()
		}
	}
}

func (s *simulatedSensor) NodeID() ua.NodeID { return s.id }

func (s *simulatedSensor) ReadAttribute(ctx context.Context, attributeID uint32, indexRange *ua.NumericRange) ua.DataValue {
	if attributeID != ua.AttributeIDValue {
		return ua.NewDataValue(nil, ua.BadAttributeIDInvalid, time.Now().UTC(), time.Now().UTC())
	}
	s.RLock()
	v := s.value
	s.RUnlock()
	now := time.Now().UTC()
	return ua.NewDataValue(v, ua.Good, now, now)
}

func (s *simulatedSensor) MinimumSamplingInterval() float64 { return 0 }

func (s *simulatedSensor) SemanticVersion() uint32 {
	s.RLock()
	defer s.RUnlock()
	return s.version
}

func (s *simulatedSensor) EURange() (ua.Range, bool) { return s.rng, true }

func (s *simulatedSensor) OnDispose(func()) (cancel func()) { return func() {} }

func (s *simulatedSensor) stop() { close(s.cancel) }

// mapResolver backs the demo address space.
type mapResolver struct {
	nodes map[string]server.Node
}

func (r *mapResolver) FindNode(id ua.NodeID) (server.Node, bool) {
	n, ok := r.nodes[id.String()]
	return n, ok
}

func main() {
	configPath := flag.String("config", "", "directory holding uaserver.yaml")
	logLevel := flag.String("log-level", "info", "log level")
	metricsAddr := flag.String("metrics", ":9464", "prometheus listen address")
	flag.Parse()

	logger := log.NewLogger(*logLevel)

	caps, err := server.LoadCapabilities(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("loading config")
	}

	sensors := []*simulatedSensor{
		newSimulatedSensor("Temperature", 21.5, ua.Range{Low: -40, High: 120}),
		newSimulatedSensor("Pressure", 101.3, ua.Range{Low: 0, High: 200}),
		newSimulatedSensor("Humidity", 55, ua.Range{Low: 0, High: 100}),
	}
	resolver := &mapResolver{nodes: make(map[string]server.Node)}
	for _, s := range sensors {
		resolver.nodes[s.NodeID().String()] = s
	}

	srv := server.NewServer(resolver, caps, logger)

	registry := prometheus.NewRegistry()
	if err := srv.Metrics().Register(registry); err != nil {
		logger.WithError(err).Fatal("registering metrics")
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		logger.WithField("addr", *metricsAddr).Info("metrics listening")
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	session, code := srv.Sessions().CreateSession("demo")
	if code.IsBad() {
		logger.WithField("status", fmt.Sprintf("0x%08X", uint32(code))).Fatal("creating session")
	}
	created := srv.CreateSubscription(session, ua.CreateSubscriptionRequest{
		RequestedPublishingInterval: 500,
		RequestedLifetimeCount:      60,
		RequestedMaxKeepAliveCount:  10,
		PublishingEnabled:           true,
	})
	if created.StatusCode.IsBad() {
		logger.Fatal("creating subscription")
	}

	requests := make([]ua.MonitoredItemCreateRequest, 0, len(sensors))
	for i, s := range sensors {
		requests = append(requests, ua.MonitoredItemCreateRequest{
			ItemToMonitor:  ua.ReadValueID{NodeID: s.NodeID(), AttributeID: ua.AttributeIDValue},
			MonitoringMode: ua.MonitoringModeReporting,
			RequestedParameters: ua.MonitoringParameters{
				ClientHandle:     uint32(i + 1),
				SamplingInterval: 250,
				QueueSize:        10,
				DiscardOldest:    true,
				Filter: ua.NewDataChangeFilter(ua.DataChangeFilter{
					Trigger:       ua.DataChangeTriggerStatusValue,
					DeadbandType:  ua.DeadbandTypeAbsolute,
					DeadbandValue: 0.1,
				}),
			},
		})
	}
	results, code := srv.CreateMonitoredItems(session, created.SubscriptionID, ua.TimestampsToReturnBoth, requests)
	if code.IsBad() {
		logger.Fatal("creating monitored items")
	}
	for i, r := range results {
		logger.WithField("status", fmt.Sprintf("0x%08X", uint32(r.StatusCode))).
			Infof("monitored item %d created", requests[i].RequestedParameters.ClientHandle)
	}

	// a demo client loop keeping publish requests outstanding and
	// acknowledging what it receives.
	stop := make(chan struct{})
	go func() {
		var mu sync.Mutex
		var acks []ua.SubscriptionAcknowledgement
		for {
			select {
			case <-stop:
				return
			default:
			}
			mu.Lock()
			pending := acks
			acks = nil
			mu.Unlock()
			done := make(chan struct{})
			srv.Publish(session, pending, 30000,
				func(resp *ua.PublishResponse) {
					if !resp.NotificationMessage.IsKeepAlive() {
						logger.WithField("seq", resp.NotificationMessage.SequenceNumber).
							Infof("notification message, %d bodies", len(resp.NotificationMessage.NotificationData))
						mu.Lock()
						acks = append(acks, ua.SubscriptionAcknowledgement{
							SubscriptionID: resp.SubscriptionID,
							SequenceNumber: resp.NotificationMessage.SequenceNumber,
						})
						mu.Unlock()
					}
					close(done)
				},
				func(code ua.StatusCode) {
					logger.WithField("status", fmt.Sprintf("0x%08X", uint32(code))).Warn("publish faulted")
					close(done)
				})
			select {
			case <-done:
			case <-stop:
				return
			}
		}
	}()

	logger.Info("uaserver running, ctrl-c to stop")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	close(stop)
	for _, s := range sensors {
		s.stop()
	}
	srv.Close()
}
