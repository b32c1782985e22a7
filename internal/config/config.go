package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisStopsKey string

	KafkaBrokers    []string
	KafkaTopic      string
	KafkaRidesTopic string

	PGDSN string

	DirectionsURL     string
	DirectionsAPIKey  string
	DirectionsTimeout time.Duration

	StripeSecretKey      string
	StripePublishableKey string
	StripeWebhookSecret  string
	Currency             string
	CentsPerMinute       float64

	JWTSecret string

	PushEndpoint string
	PushKey      string

	DefaultSpeedMps float64

	WSPingInterval time.Duration
	WSPongWait     time.Duration
	WSSendBuffer   int

	LogLevel      string
	LogFile       string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		RedisStopsKey:     "stops_geo",
		KafkaTopic:        "trip-locations",
		KafkaRidesTopic:   "ride-events",
		DirectionsURL:     "https://maps.googleapis.com",
		DirectionsTimeout: 15 * time.Second,
		Currency:          "aud",
		CentsPerMinute:    11,
		DefaultSpeedMps:   10,
		WSPingInterval:    30 * time.Second,
		WSPongWait:        60 * time.Second,
		WSSendBuffer:      16,
		LogLevel:          "info",
	}
}

// LoadServerConfig reads a .env file when present and then the process
// environment. Parse failures are collected and returned together.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()

	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisStopsKey, "REDIS_STOPS_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaRidesTopic, "KAFKA_RIDES_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.DirectionsURL, "DIRECTIONS_URL")
	cfg.DirectionsAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setDurationFromEnv(&cfg.DirectionsTimeout, "DIRECTIONS_TIMEOUT", &errs)

	cfg.StripeSecretKey = os.Getenv("STRIPE_SECRET_KEY")
	cfg.StripePublishableKey = os.Getenv("STRIPE_PUBLISHABLE_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	setStringFromEnv(&cfg.Currency, "PAYMENT_CURRENCY")
	setFloatFromEnv(&cfg.CentsPerMinute, "PRICE_CENTS_PER_MINUTE", &errs)

	cfg.JWTSecret = os.Getenv("JWT_SECRET_KEY")

	cfg.PushEndpoint = os.Getenv("PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)

	setDurationFromEnv(&cfg.WSPingInterval, "WS_PING_INTERVAL", &errs)
	setDurationFromEnv(&cfg.WSPongWait, "WS_PONG_WAIT", &errs)
	setIntFromEnv(&cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.LogFile = strings.TrimSpace(os.Getenv("LOG_FILE"))

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET_KEY must be set"))
	}
	if cfg.CentsPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("PRICE_CENTS_PER_MINUTE must be > 0"))
	}
	if cfg.WSPongWait <= cfg.WSPingInterval {
		errs = append(errs, fmt.Errorf("WS_PONG_WAIT must exceed WS_PING_INTERVAL"))
	}
	if cfg.WSSendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_BUFFER must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ClientConfig configures the tripctl binary: one API base, one shared
// channel connection and the driver sampling policy.
type ClientConfig struct {
	APIURL    string
	SocketURL string
	Token     string

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	SampleInterval time.Duration
	SampleDistance float64

	RequestTimeout time.Duration
	LogLevel       string
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		APIURL:           "http://localhost:8080",
		ReconnectInitial: 500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
		SampleInterval:   5 * time.Second,
		SampleDistance:   10,
		RequestTimeout:   10 * time.Second,
		LogLevel:         "info",
	}
}

func LoadClientConfig() (ClientConfig, error) {
	_ = godotenv.Load()

	cfg := defaultClientConfig()
	var errs []error

	setStringFromEnv(&cfg.APIURL, "API_URL")
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.SocketURL = "ws" + strings.TrimPrefix(cfg.APIURL, "http") + "/ws"
	setStringFromEnv(&cfg.SocketURL, "SOCKET_URL")
	cfg.Token = strings.TrimSpace(os.Getenv("ACCESS_TOKEN"))

	setDurationFromEnv(&cfg.ReconnectInitial, "RECONNECT_INITIAL", &errs)
	setDurationFromEnv(&cfg.ReconnectMax, "RECONNECT_MAX", &errs)
	setDurationFromEnv(&cfg.SampleInterval, "SAMPLE_INTERVAL", &errs)
	setFloatFromEnv(&cfg.SampleDistance, "SAMPLE_DISTANCE_M", &errs)
	setDurationFromEnv(&cfg.RequestTimeout, "REQUEST_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.Token == "" {
		errs = append(errs, fmt.Errorf("ACCESS_TOKEN must be set"))
	}
	if cfg.ReconnectInitial <= 0 || cfg.ReconnectMax < cfg.ReconnectInitial {
		errs = append(errs, fmt.Errorf("RECONNECT_MAX must be >= RECONNECT_INITIAL > 0"))
	}
	if cfg.SampleInterval <= 0 {
		errs = append(errs, fmt.Errorf("SAMPLE_INTERVAL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the event consumer that keeps last-known trip
// locations in Redis.
type ConsumerConfig struct {
	KafkaBrokers  []string
	SamplesTopic  string
	RidesTopic    string
	Group         string
	RedisAddr     string
	RedisPassword string
	SnapshotTTL   time.Duration
	MetricsAddr   string
	RetryAttempts int
	RetryBackoff  time.Duration
	LogLevel      string
	LogFile       string
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		SamplesTopic:  "trip-locations",
		RidesTopic:    "ride-events",
		Group:         "ride-tracking-consumer",
		RedisAddr:     "localhost:6379",
		SnapshotTTL:   2 * time.Hour,
		MetricsAddr:   ":2112",
		RetryAttempts: 3,
		RetryBackoff:  200 * time.Millisecond,
		LogLevel:      "info",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	_ = godotenv.Load()

	cfg := defaultConsumerConfig()
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.SamplesTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.RidesTopic, "KAFKA_RIDES_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.SnapshotTTL, "SNAPSHOT_TTL", &errs)
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.RetryAttempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryBackoff, "REDIS_RETRY_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.LogFile = strings.TrimSpace(os.Getenv("LOG_FILE"))

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
