package server

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Capabilities are the operational limits of the server.
type Capabilities struct {
	MaxSessionCount                  int
	MaxSubscriptionCount             int
	MaxSubscriptionsPerSession       int
	MaxMonitoredItemsPerSubscription int
	MaxPublishRequests               int
	MaxOperationsPerCall             int
	OrphanSubscriptionTTL            time.Duration
	Workers                          int
}

func (c Capabilities) withDefaults() Capabilities {
	if c.MaxSessionCount == 0 {
		c.MaxSessionCount = 100
	}
	if c.MaxSubscriptionCount == 0 {
		c.MaxSubscriptionCount = 1000
	}
	if c.MaxSubscriptionsPerSession == 0 {
		c.MaxSubscriptionsPerSession = 100
	}
	if c.MaxMonitoredItemsPerSubscription == 0 {
		c.MaxMonitoredItemsPerSubscription = 10000
	}
	if c.MaxPublishRequests == 0 {
		c.MaxPublishRequests = defaultMaxPublishRequests
	}
	if c.MaxOperationsPerCall == 0 {
		c.MaxOperationsPerCall = 10000
	}
	if c.OrphanSubscriptionTTL == 0 {
		c.OrphanSubscriptionTTL = 10 * time.Minute
	}
	if c.Workers == 0 {
		c.Workers = 8
	}
	return c
}

// LoadCapabilities reads the server limits from a config file and the
// environment. Every key has a default, so a missing config file is
// not an error.
func LoadCapabilities(configPath string) (Capabilities, error) {
	v := viper.New()
	v.SetConfigName("uaserver")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("uaserver")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("limits.max_session_count", 100)
	v.SetDefault("limits.max_subscription_count", 1000)
	v.SetDefault("limits.max_subscriptions_per_session", 100)
	v.SetDefault("limits.max_monitored_items_per_subscription", 10000)
	v.SetDefault("limits.max_publish_requests", defaultMaxPublishRequests)
	v.SetDefault("limits.max_operations_per_call", 10000)
	v.SetDefault("limits.orphan_subscription_ttl", "10m")
	v.SetDefault("limits.workers", 8)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Capabilities{}, errors.Wrap(err, "reading config")
		}
	}

	caps := Capabilities{
		MaxSessionCount:                  v.GetInt("limits.max_session_count"),
		MaxSubscriptionCount:             v.GetInt("limits.max_subscription_count"),
		MaxSubscriptionsPerSession:       v.GetInt("limits.max_subscriptions_per_session"),
		MaxMonitoredItemsPerSubscription: v.GetInt("limits.max_monitored_items_per_subscription"),
		MaxPublishRequests:               v.GetInt("limits.max_publish_requests"),
		MaxOperationsPerCall:             v.GetInt("limits.max_operations_per_call"),
		OrphanSubscriptionTTL:            v.GetDuration("limits.orphan_subscription_ttl"),
		Workers:                          v.GetInt("limits.workers"),
	}
	return caps.withDefaults(), nil
}
