package syncbus

import (
	"context"
	"log/slog"
	"sync"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic is the topic carrying lock events.
const DefaultKafkaTopic = "borg-lockservice-events"

// KafkaBus implements Bus using a Kafka backend. Events go to partition 0 of
// a single topic so every worker sees them in publish order.
type KafkaBus struct {
	fanout

	topic    string
	producer sarama.SyncProducer
	consumer sarama.Consumer

	subMu sync.Mutex
	pc    sarama.PartitionConsumer
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers. An
// empty topic selects DefaultKafkaTopic.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	cfg.Producer.Partitioner = sarama.NewManualPartitioner
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{topic: topic, producer: producer, consumer: consumer}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic:     b.topic,
		Partition: 0,
		Key:       sarama.StringEncoder(ev.Resource),
		Value:     sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context) (chan Event, error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.pc == nil {
		pc, err := b.consumer.ConsumePartition(b.topic, 0, sarama.OffsetNewest)
		if err != nil {
			return nil, err
		}
		b.pc = pc
		go b.dispatch(pc)
	}
	ch, _ := b.add()
	unsubscribeOnDone(ctx, b, ch)
	return ch, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		ev, err := decode(msg.Value)
		if err != nil {
			slog.Warn("borglock: dropping malformed event", "topic", msg.Topic, "offset", msg.Offset, "error", err)
			continue
		}
		b.deliver(ev)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, ch chan Event) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	removed, remaining := b.remove(ch)
	if removed && remaining == 0 && b.pc != nil {
		err := b.pc.Close()
		b.pc = nil
		return err
	}
	return nil
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	b.subMu.Lock()
	if b.pc != nil {
		_ = b.pc.Close()
		b.pc = nil
	}
	b.subMu.Unlock()
	b.closeAll()
	_ = b.producer.Close()
	_ = b.consumer.Close()
}
