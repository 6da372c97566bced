// Package kafka builds the sarama clients backing the durable message log.
package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"

	cmnenv "coach_msg/server/common/env"
)

type Config struct {
	Brokers           []string
	GroupID           string
	Partitions        int32
	ReplicationFactor int16
	ProducerRetries   int
	Compression       string
	InitialOffset     string
	Version           sarama.KafkaVersion

	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	RebalanceTimeout  time.Duration
}

func LoadConfig() Config {
	return Config{
		Brokers:           cmnenv.CSV("KAFKA_BROKERS", []string{"localhost:9092"}),
		GroupID:           cmnenv.String("KAFKA_GROUP_ID", "coach-msg-broker"),
		Partitions:        int32(cmnenv.Int("KAFKA_PARTITIONS", 12)),
		ReplicationFactor: int16(cmnenv.Int("KAFKA_REPLICATION", 1)),
		ProducerRetries:   cmnenv.Int("KAFKA_PRODUCER_RETRIES", 5),
		Compression:       cmnenv.String("KAFKA_COMPRESSION", "snappy"),
		InitialOffset:     cmnenv.String("KAFKA_INITIAL_OFFSET", "oldest"),
		Version:           sarama.V2_1_0_0,
		SessionTimeout:    cmnenv.Millis("KAFKA_SESSION_TIMEOUT_MS", 30*time.Second),
		HeartbeatInterval: cmnenv.Millis("KAFKA_HEARTBEAT_MS", 3*time.Second),
		RebalanceTimeout:  cmnenv.Millis("KAFKA_REBALANCE_TIMEOUT_MS", 60*time.Second),
	}
}

// BuildBaseConfig returns a sarama config with an idempotent, fully
// acknowledged producer and a consumer group that commits offsets manually.
func BuildBaseConfig(cfg Config, partitioner sarama.PartitionerConstructor) *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = "coach_msg"
	sc.Version = cfg.Version

	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	if cfg.ProducerRetries <= 0 {
		cfg.ProducerRetries = 1
	}
	sc.Producer.Retry.Max = cfg.ProducerRetries
	sc.Producer.Retry.Backoff = 200 * time.Millisecond
	if partitioner == nil {
		partitioner = sarama.NewHashPartitioner
	}
	sc.Producer.Partitioner = partitioner
	switch strings.ToLower(cfg.Compression) {
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	switch strings.ToLower(cfg.InitialOffset) {
	case "newest":
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false
	if cfg.SessionTimeout > 0 {
		sc.Consumer.Group.Session.Timeout = cfg.SessionTimeout
	}
	if cfg.HeartbeatInterval > 0 {
		sc.Consumer.Group.Heartbeat.Interval = cfg.HeartbeatInterval
	}
	if cfg.RebalanceTimeout > 0 {
		sc.Consumer.Group.Rebalance.Timeout = cfg.RebalanceTimeout
	}

	sc.Net.DialTimeout = 10 * time.Second
	sc.Net.ReadTimeout = 30 * time.Second
	sc.Net.WriteTimeout = 30 * time.Second
	return sc
}
