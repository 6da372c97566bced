package kafka

import "github.com/Shopify/sarama"

func NewSyncProducer(cfg Config, partitioner sarama.PartitionerConstructor) (sarama.SyncProducer, error) {
	return sarama.NewSyncProducer(cfg.Brokers, BuildBaseConfig(cfg, partitioner))
}

func NewConsumerGroup(cfg Config, groupID string) (sarama.ConsumerGroup, error) {
	if groupID == "" {
		groupID = cfg.GroupID
	}
	return sarama.NewConsumerGroup(cfg.Brokers, groupID, BuildBaseConfig(cfg, nil))
}

func NewClusterAdmin(cfg Config) (sarama.ClusterAdmin, error) {
	return sarama.NewClusterAdmin(cfg.Brokers, BuildBaseConfig(cfg, nil))
}
