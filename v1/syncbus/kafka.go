package syncbus

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic is the topic lock events are written to.
const DefaultKafkaTopic = "tenantlock-events"

// KafkaBus implements Bus using Kafka. Events are keyed by lock key so that
// every event of a key lands on the same partition, in order. Subscribers
// consume every partition of the topic from the newest offset.
type KafkaBus struct {
	fanout
	producer sarama.SyncProducer
	consumer sarama.Consumer
	client   sarama.Client
	topic    string

	subMu sync.Mutex
	pcs   []sarama.PartitionConsumer
	wg    sync.WaitGroup
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
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
	b := NewKafkaBusFromClients(producer, consumer, topic)
	b.client = client
	return b, nil
}

// NewKafkaBusFromClients builds a KafkaBus over an existing producer and consumer.
func NewKafkaBusFromClients(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *KafkaBus {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaBus{producer: producer, consumer: consumer, topic: topic}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(ev.Key),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.markPublished()
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (chan Event, error) {
	if err := b.ensureConsumers(); err != nil {
		return nil, err
	}
	ch, _ := b.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

func (b *KafkaBus) ensureConsumers() error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.pcs != nil {
		return nil
	}
	partitions, err := b.consumer.Partitions(b.topic)
	if err != nil {
		return err
	}
	pcs := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := b.consumer.ConsumePartition(b.topic, p, sarama.OffsetNewest)
		if err != nil {
			for _, open := range pcs {
				_ = open.Close()
			}
			return err
		}
		pcs = append(pcs, pc)
	}
	for _, pc := range pcs {
		b.wg.Add(1)
		go b.dispatchFrom(pc)
	}
	b.pcs = pcs
	return nil
}

func (b *KafkaBus) dispatchFrom(pc sarama.PartitionConsumer) {
	defer b.wg.Done()
	for msg := range pc.Messages() {
		ev, err := decodeEvent(msg.Value)
		if err != nil {
			continue
		}
		b.dispatch(ev)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch chan Event) error {
	if !b.remove(key, ch) {
		return nil
	}
	return b.closeConsumers()
}

func (b *KafkaBus) closeConsumers() error {
	b.subMu.Lock()
	pcs := b.pcs
	b.pcs = nil
	b.subMu.Unlock()
	var first error
	for _, pc := range pcs {
		if err := pc.Close(); err != nil && first == nil {
			first = err
		}
	}
	b.wg.Wait()
	return first
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() error {
	err := b.closeConsumers()
	if perr := b.producer.Close(); err == nil {
		err = perr
	}
	if cerr := b.consumer.Close(); err == nil {
		err = cerr
	}
	if b.client != nil {
		if cerr := b.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
