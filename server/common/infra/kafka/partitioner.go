package kafka

import "github.com/Shopify/sarama"

// KeyFunc maps a record key onto one of n partitions.
type KeyFunc func(key string, n int32) int32

// NewKeyPartitioner routes every record by its key through fn, so all
// records sharing a key land on the same partition for a fixed partition
// count.
func NewKeyPartitioner(fn KeyFunc) sarama.PartitionerConstructor {
	return func(topic string) sarama.Partitioner {
		return &keyPartitioner{fn: fn}
	}
}

type keyPartitioner struct {
	fn KeyFunc
}

func (p *keyPartitioner) Partition(msg *sarama.ProducerMessage, numPartitions int32) (int32, error) {
	if msg.Key == nil || numPartitions <= 0 {
		return 0, nil
	}
	key, err := msg.Key.Encode()
	if err != nil {
		return -1, err
	}
	partition := p.fn(string(key), numPartitions)
	if partition < 0 || partition >= numPartitions {
		return -1, sarama.ErrInvalidPartition
	}
	return partition, nil
}

func (p *keyPartitioner) RequiresConsistency() bool {
	return true
}
