package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes driver locations and ride offers. Both streams are
// keyed by driver ID so one driver's messages stay ordered.
type KafkaProducer struct {
	writer        messageWriter
	locationTopic string
	offerTopic    string
	timeout       time.Duration
}

func NewKafkaProducer(brokers []string, locationTopic, offerTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, locationTopic: locationTopic, offerTopic: offerTopic, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	return k.publish(ctx, k.locationTopic, d.ID, d)
}

// NotifyDriver puts the offer on the offer topic for push gateways that
// consume it.
func (k *KafkaProducer) NotifyDriver(ctx context.Context, driverID, _ string, p models.OfferPayload) error {
	return k.publish(ctx, k.offerTopic, driverID, p)
}

func (k *KafkaProducer) publish(ctx context.Context, topic, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
