package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/roadside-dispatch/internal/models"
)

// HeartbeatProducer publishes master location heartbeats. Keyed by
// master id so one master's samples stay ordered within a partition.
type HeartbeatProducer struct {
	writer *kafka.Writer
}

func NewHeartbeatProducer(brokers []string, topic string) *HeartbeatProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &HeartbeatProducer{writer: w}
}

func (k *HeartbeatProducer) Publish(ctx context.Context, hb models.Heartbeat) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(hb.MasterID), Value: b})
}

func (k *HeartbeatProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
