// Package redpanda provides the durable job queues on Redpanda/Kafka: one
// topic per named queue plus a dead-letter topic, a producer that persists
// job rows before publishing, and a consumer worker pool.
package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Named queues. Each maps to its own topic; DLQ topics carry a suffix.
const (
	QueueScraping          = "scraping"
	QueueDiscovery         = "discovery"
	QueueCreatorSync       = "creator-sync"
	QueueWebhookProcessing = "webhook-processing"
)

// QueueNames lists every named queue in dispatch order.
func QueueNames() []string {
	return []string{QueueScraping, QueueDiscovery, QueueCreatorSync, QueueWebhookProcessing}
}

const dlqSuffix = ".dlq"

// TopicFor maps a queue name onto its Kafka topic.
func TopicFor(queue string) string { return "jobs." + queue }

// DLQTopicFor maps a queue name onto its dead-letter topic.
func DLQTopicFor(queue string) string { return TopicFor(queue) + dlqSuffix }

// errTopicAlreadyExists is Kafka protocol error code 36.
const errTopicAlreadyExists = 36

// createTopicIfNotExists creates a topic through the admin API, tolerating
// the already-exists case.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}
	if partitions <= 0 || replicationFactor <= 0 {
		return fmt.Errorf("partitions and replication factor must be positive")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, t := range createResp.Topics {
		if t.ErrorCode == 0 {
			slog.Info("topic created", slog.String("topic", t.Topic), slog.Int("partitions", int(partitions)))
			continue
		}
		if t.ErrorCode == errTopicAlreadyExists {
			continue
		}
		msg := ""
		if t.ErrorMessage != nil {
			msg = *t.ErrorMessage
		}
		return fmt.Errorf("create topic %s: %s (code %d)", t.Topic, msg, t.ErrorCode)
	}
	return nil
}

// EnsureTopics creates the main and dead-letter topics for every named queue.
func EnsureTopics(ctx context.Context, brokers []string) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("op=redpanda.EnsureTopics: %w", err)
	}
	defer client.Close()

	for _, q := range QueueNames() {
		if err := createTopicIfNotExists(ctx, client, TopicFor(q), 8, 1); err != nil {
			slog.Warn("topic creation failed, it may already exist",
				slog.String("topic", TopicFor(q)), slog.Any("error", err))
		}
		if err := createTopicIfNotExists(ctx, client, DLQTopicFor(q), 1, 1); err != nil {
			slog.Warn("dlq topic creation failed, it may already exist",
				slog.String("topic", DLQTopicFor(q)), slog.Any("error", err))
		}
	}
	return nil
}
