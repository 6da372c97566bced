package kafka

import (
	"errors"
	"fmt"

	"github.com/Shopify/sarama"

	commonlog "coach_msg/server/common/log"
)

// EnsureTopics creates missing topics and grows existing ones up to
// cfg.Partitions. Kafka never shrinks partitions.
func EnsureTopics(admin sarama.ClusterAdmin, topics []string, cfg Config) error {
	minISR := "1"
	if cfg.ReplicationFactor >= 3 {
		minISR = "2"
	}
	for _, t := range topics {
		descs, err := admin.DescribeTopics([]string{t})
		if err != nil {
			return fmt.Errorf("describe topic %s: %w", t, err)
		}
		exists := len(descs) == 1 && descs[0].Err == sarama.ErrNoError

		if !exists {
			td := &sarama.TopicDetail{
				NumPartitions:     cfg.Partitions,
				ReplicationFactor: cfg.ReplicationFactor,
				ConfigEntries: map[string]*string{
					"cleanup.policy":                 strPtr("delete"),
					"min.insync.replicas":            strPtr(minISR),
					"unclean.leader.election.enable": strPtr("false"),
					"compression.type":               strPtr("producer"),
				},
			}
			if err := admin.CreateTopic(t, td, false); err != nil {
				var te *sarama.TopicError
				if (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) || errors.Is(err, sarama.ErrTopicAlreadyExists) {
					commonlog.Event("kafka_topic", "action", "create", "status", "exists", "topic", t)
					continue
				}
				return fmt.Errorf("create topic %s: %w", t, err)
			}
			commonlog.Event("kafka_topic", "action", "create", "status", "ok", "topic", t, "partitions", cfg.Partitions, "rf", cfg.ReplicationFactor)
			continue
		}

		current := int32(len(descs[0].Partitions))
		if cfg.Partitions > current {
			if err := admin.CreatePartitions(t, cfg.Partitions, nil, false); err != nil {
				return fmt.Errorf("expand partitions %s from %d to %d: %w", t, current, cfg.Partitions, err)
			}
			commonlog.Event("kafka_topic", "action", "expand", "status", "ok", "topic", t, "from", current, "to", cfg.Partitions)
			continue
		}
		commonlog.Debugf("event=kafka_topic action=describe status=exists topic=%s partitions=%d", t, current)
	}
	return nil
}

func strPtr(s string) *string { return &s }
