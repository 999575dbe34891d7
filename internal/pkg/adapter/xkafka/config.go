package xkafka

import (
	"fmt"
	"time"
)

const (
	defaultGroupId            = "megaetl"
	defaultAutoOffsetReset    = "earliest"
	defaultPollTimeoutMs      = 1000
	defaultMetadataTimeoutMs  = 5000
	defaultConnectTimeout     = 60 * time.Second
	defaultTopicRetryInterval = 5 * time.Second
)

type ConfigMap map[string]any

type Config struct {
	GroupId            string
	AutoOffsetReset    string        // "earliest" or "latest", used when the group has no committed offset
	PollTimeoutMs      int           // timeoutMs in Consumer Poll function
	MetadataTimeoutMs  int           // timeoutMs in each cluster metadata request
	ConnectTimeout     time.Duration // Upper bound of waiting for the topic to exist
	TopicRetryInterval time.Duration
	Props              ConfigMap // supports all possible Kafka consumer properties, overriding the above
}

func (c *Config) setDefaults() {
	if c.GroupId == "" {
		c.GroupId = defaultGroupId
	}
	if c.AutoOffsetReset == "" {
		c.AutoOffsetReset = defaultAutoOffsetReset
	}
	if c.PollTimeoutMs <= 0 {
		c.PollTimeoutMs = defaultPollTimeoutMs
	}
	if c.MetadataTimeoutMs <= 0 {
		c.MetadataTimeoutMs = defaultMetadataTimeoutMs
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.TopicRetryInterval <= 0 {
		c.TopicRetryInterval = defaultTopicRetryInterval
	}
}

// configMap builds the full consumer config. Offsets are stored explicitly by the adapter
// after each record has been processed, and committed in the background by the client.
func (c *Config) configMap(broker string) ConfigMap {
	m := ConfigMap{
		"bootstrap.servers":        broker,
		"group.id":                 c.GroupId,
		"enable.auto.commit":       true,
		"enable.auto.offset.store": false,
		"auto.offset.reset":        c.AutoOffsetReset,
	}
	for k, v := range c.Props {
		m[k] = v
	}
	return m
}

func (c *Config) String() string {
	return fmt.Sprintf("groupId: %s, pollTimeoutMs: %d, connectTimeout: %v, props: %+v",
		c.GroupId, c.PollTimeoutMs, c.ConnectTimeout, displayConfig(c.Props))
}

func displayConfig(in ConfigMap) ConfigMap {
	out := make(ConfigMap)
	for k, v := range in {
		if k != "sasl.password" {
			out[k] = v
		}
	}
	return out
}
