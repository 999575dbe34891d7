package xkafka

import "github.com/confluentinc/confluent-kafka-go/kafka"

type AdminClient interface {
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	Close()
}

// topicExists reports whether the cluster metadata contains a usable topicToFind.
func topicExists(topicToFind string, existingTopics map[string]kafka.TopicMetadata) bool {
	for _, topic := range existingTopics {
		if topic.Topic != topicToFind {
			continue
		}
		return topic.Error.Code() == kafka.ErrNoError
	}
	return false
}

type DefaultAdminClient struct {
	ac *kafka.AdminClient
}

func (d DefaultAdminClient) GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error) {
	return d.ac.GetMetadata(topic, allTopics, timeoutMs)
}

func (d DefaultAdminClient) Close() {
	d.ac.Close()
}
