package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-tracking/internal/channel"
	"github.com/example/ride-tracking/internal/config"
	"github.com/example/ride-tracking/internal/ingest"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total messages consumed",
	}, []string{"topic"})
	msgsInvalid = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	}, []string{"topic"})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewFileLogger(cfg.LogLevel, cfg.LogFile)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	snaps := channel.NewRedisSnapshots(rc, cfg.SnapshotTTL)

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	samples := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.SamplesTopic, GroupID: cfg.Group, MinBytes: 10e3, MaxBytes: 10e6})
	rides := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.RidesTopic, GroupID: cfg.Group, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = samples.Close()
		_ = rides.Close()
		_ = rc.Close()
	}()

	h := &handler{store: snaps, attempts: cfg.RetryAttempts, delay: cfg.RetryBackoff, logger: logger}
	logger.Info("consumer listening", "samples_topic", cfg.SamplesTopic, "rides_topic", cfg.RidesTopic, "brokers", cfg.KafkaBrokers, "group", cfg.Group)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); consume(ctx, samples, h.handleSample, logger) }()
	go func() { defer wg.Done(); consume(ctx, rides, h.handleRideEvent, logger) }()
	wg.Wait()
	logger.Info("shutting down consumer")
}

// consume reads until ctx is cancelled, backing off on read errors.
func consume(ctx context.Context, r *kafka.Reader, handle func(context.Context, kafka.Message), logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "topic", r.Config().Topic, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.WithLabelValues(m.Topic).Inc()
		handle(ctx, m)
	}
}

// SnapshotStore is the subset of channel.RedisSnapshots the consumer needs.
type SnapshotStore interface {
	Put(ctx context.Context, s models.LocationSample) error
	Delete(ctx context.Context, tripID string) error
}

type handler struct {
	store    SnapshotStore
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

func (h *handler) handleSample(ctx context.Context, m kafka.Message) {
	s, err := ingest.DecodeSample(m)
	if err != nil {
		msgsInvalid.WithLabelValues(m.Topic).Inc()
		h.logger.Warn("invalid sample", "error", err)
		return
	}
	if err := withRetry(ctx, h.attempts, h.delay, func() error { return h.store.Put(ctx, s) }); err != nil {
		redisErrors.Inc()
		h.logger.Error("snapshot update failed", "trip_id", s.TripID, "error", err)
		return
	}
	redisUpdates.Inc()
}

// handleRideEvent drops the snapshot of a ride that reached a final state.
func (h *handler) handleRideEvent(ctx context.Context, m kafka.Message) {
	ev, err := ingest.DecodeRideEvent(m)
	if err != nil {
		msgsInvalid.WithLabelValues(m.Topic).Inc()
		h.logger.Warn("invalid ride event", "error", err)
		return
	}
	if !ev.To.Terminal() {
		return
	}
	if err := withRetry(ctx, h.attempts, h.delay, func() error { return h.store.Delete(ctx, ev.RideID) }); err != nil {
		redisErrors.Inc()
		h.logger.Error("snapshot delete failed", "ride_id", ev.RideID, "error", err)
		return
	}
	redisUpdates.Inc()
}

// withRetry runs fn up to attempts times, doubling delay between tries.
func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
