package syncbus

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
)

// KafkaBus implements Bus on a single Kafka topic. Bus topics travel as the
// message key, since lock keys are not valid Kafka topic names and a topic
// per lock would not scale.
type KafkaBus struct {
	hub
	topic    string
	producer sarama.SyncProducer
	consumer sarama.Consumer

	mu      sync.Mutex
	started bool
	pcs     []sarama.PartitionConsumer
}

// NewKafkaBus connects to brokers and shares messages on kafkaTopic.
func NewKafkaBus(brokers []string, kafkaTopic string, cfg *sarama.Config) (*KafkaBus, error) {
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
	return newKafkaBus(kafkaTopic, producer, consumer), nil
}

func newKafkaBus(kafkaTopic string, producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaBus {
	return &KafkaBus{
		hub:      newHub(),
		topic:    kafkaTopic,
		producer: producer,
		consumer: consumer,
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(topic),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// start consumes every partition of the shared topic from the newest offset.
// A failed start leaves nothing open and is retried by the next Subscribe.
func (b *KafkaBus) start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
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
			for _, opened := range pcs {
				_ = opened.Close()
			}
			return err
		}
		pcs = append(pcs, pc)
	}
	for _, pc := range pcs {
		go b.dispatch(pc)
	}
	b.pcs, b.started = pcs, true
	return nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		topic := string(msg.Key)
		if b.has(topic) {
			b.deliver(topic, msg.Value)
		}
	}
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.start(); err != nil {
		return nil, err
	}
	ch, _ := b.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch chan []byte) error {
	b.remove(topic, ch)
	return nil
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	b.mu.Lock()
	pcs := b.pcs
	b.pcs, b.started = nil, false
	b.mu.Unlock()
	for _, pc := range pcs {
		_ = pc.Close()
	}
	_ = b.producer.Close()
	_ = b.consumer.Close()
	b.closeAll()
}
