package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-tracking/internal/models"
)

const writeTimeout = 2 * time.Second

// KafkaProducer publishes location samples and ride lifecycle events.
// Samples are keyed by trip id so one trip stays on one partition.
type KafkaProducer struct {
	samples *kafka.Writer
	rides   *kafka.Writer
}

func NewKafkaProducer(brokers []string, samplesTopic, ridesTopic string) *KafkaProducer {
	return &KafkaProducer{
		samples: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: samplesTopic, Balancer: &kafka.Hash{}}),
		rides:   kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: ridesTopic, Balancer: &kafka.Hash{}}),
	}
}

func (k *KafkaProducer) PublishSample(ctx context.Context, s models.LocationSample) error {
	msg, err := sampleMessage(s)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return k.samples.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) PublishRideEvent(ctx context.Context, ev models.RideEvent) error {
	msg, err := rideEventMessage(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return k.rides.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) Close() error {
	var errs []error
	if k.samples != nil {
		errs = append(errs, k.samples.Close())
	}
	if k.rides != nil {
		errs = append(errs, k.rides.Close())
	}
	return errors.Join(errs...)
}

func sampleMessage(s models.LocationSample) (kafka.Message, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(s.TripID), Value: b, Time: s.CapturedAt}, nil
}

func rideEventMessage(ev models.RideEvent) (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(ev.RideID),
		Value:   b,
		Time:    ev.At,
		Headers: []kafka.Header{{Key: "ride_status", Value: []byte(ev.To)}},
	}, nil
}

// DecodeSample is the consumer-side counterpart of PublishSample.
func DecodeSample(m kafka.Message) (models.LocationSample, error) {
	var s models.LocationSample
	if err := json.Unmarshal(m.Value, &s); err != nil {
		return s, err
	}
	if s.TripID == "" {
		s.TripID = string(m.Key)
	}
	if s.TripID == "" {
		return s, errors.New("sample without trip id")
	}
	return s, nil
}

// DecodeRideEvent is the consumer-side counterpart of PublishRideEvent.
func DecodeRideEvent(m kafka.Message) (models.RideEvent, error) {
	var ev models.RideEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return ev, err
	}
	if ev.RideID == "" {
		ev.RideID = string(m.Key)
	}
	if ev.RideID == "" {
		return ev, errors.New("ride event without ride id")
	}
	return ev, nil
}
