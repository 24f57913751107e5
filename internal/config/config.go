package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MaxDeliveryCountForDeadLetter matches the queue's redelivery ceiling. A task
// that fails this many times is parked in the dead-letter topic.
const MaxDeliveryCountForDeadLetter = 10

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
}

type NSQ struct {
	NsqdTCPAddr      string        // e.g. nsqd:4150
	NsqdHTTPAddr     string        // e.g. nsqd:4151, polled for backlog stats
	LookupHTTPAddr   string        // e.g. http://nsqlookupd:4161
	SendTopic        string        // NSQ topic for send tasks
	DLQTopic         string        // Dead letter queue topic
	WorkerChannel    string        // NSQ channel name for workers
	MaxInFlight      int           // messages buffered per consumer
	Concurrency      int           // concurrent handler goroutines
	MaxDeliveryCount int           // deliveries before dead-lettering
	MessageTimeout   time.Duration // per-message processing budget
	TouchInterval    time.Duration // how often a running handler touches its message
	StatsInterval    time.Duration // backlog poll period, 0 disables
}

type Redis struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type Send struct {
	MaxAttempts       int     // attempts per message inside one task
	RetryDelaySeconds float64 // throttle requeue delay
	CardCacheTTLHours float64 // card content cache lifetime
	CardCacheSize     int     // local cache entries
	ThrottleBackend   string  // redis | postgres | memory
	SharedCardCache   bool    // also cache cards in redis
}

type Bot struct {
	AppID       string
	AccessToken string        // static bearer token for the connector
	HTTPTimeout time.Duration // connector request timeout
}

type Blob struct {
	Enabled bool
	Bucket  string
	Prefix  string // joined with "/" before the card_blob column unless already present
}

type Tracing struct {
	Enabled      bool
	OTLPEndpoint string
	Version      string
}

type Config struct {
	AppName  string
	HTTPPort string // :8083
	LogLevel string
	DB       DB
	NSQ      NSQ
	Redis    Redis
	Send     Send
	Bot      Bot
	Blob     Blob
	Tracing  Tracing
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "harbornotify"),
		HTTPPort: ":" + strings.TrimPrefix(getenv("WORKER_HTTP_PORT", "8083"), ":"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "harbornotify"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		NSQ: NSQ{
			NsqdTCPAddr:      getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:     getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr:   getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			SendTopic:        getenv("NSQ_SEND_TOPIC", "notifications.send"),
			DLQTopic:         getenv("NSQ_DLQ_TOPIC", "notifications.send_dlq"),
			WorkerChannel:    getenv("NSQ_WORKER_CHANNEL", "send-workers"),
			MaxInFlight:      getenvInt("NSQ_MAX_IN_FLIGHT", 200),
			Concurrency:      getenvInt("NSQ_CONCURRENCY", 20),
			MaxDeliveryCount: getenvInt("NSQ_MAX_DELIVERY_COUNT", MaxDeliveryCountForDeadLetter),
			MessageTimeout:   getenvDuration("NSQ_MESSAGE_TIMEOUT", 2*time.Minute),
			TouchInterval:    getenvDuration("NSQ_TOUCH_INTERVAL", 30*time.Second),
			StatsInterval:    getenvDuration("NSQ_STATS_INTERVAL", 15*time.Second),
		},
		Redis: Redis{
			Enabled:  getenvBool("REDIS_ENABLED", true),
			Addr:     getenv("REDIS_ADDRESS", "redis:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
			PoolSize: getenvInt("REDIS_POOL_SIZE", 100),
		},
		Send: Send{
			MaxAttempts:       getenvInt("MAX_SEND_ATTEMPTS", 3),
			RetryDelaySeconds: getenvFloat("SEND_RETRY_DELAY_SECONDS", 660),
			CardCacheTTLHours: getenvFloat("CARD_CACHE_TTL_HOURS", 24),
			CardCacheSize:     getenvInt("CARD_CACHE_SIZE", 512),
			ThrottleBackend:   strings.ToLower(getenv("THROTTLE_BACKEND", "redis")),
			SharedCardCache:   getenvBool("CARD_CACHE_SHARED", false),
		},
		Bot: Bot{
			AppID:       getenv("BOT_APP_ID", ""),
			AccessToken: getenv("BOT_ACCESS_TOKEN", ""),
			HTTPTimeout: getenvDuration("BOT_HTTP_TIMEOUT", 15*time.Second),
		},
		Blob: Blob{
			Enabled: getenvBool("CARD_BLOB_ENABLED", false),
			Bucket:  getenv("CARD_BLOB_BUCKET", ""),
			Prefix:  getenv("CARD_BLOB_PREFIX", "cards/"),
		},
		Tracing: Tracing{
			Enabled:      getenvBool("TRACING_ENABLED", true),
			OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "tempo:4318"),
			Version:      getenv("SERVICE_VERSION", "dev"),
		},
	}
}

// Validate rejects settings the worker cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Send.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max send attempts must be >= 1, got %d", c.Send.MaxAttempts))
	}
	if c.Send.RetryDelaySeconds < 0 {
		errs = append(errs, fmt.Errorf("send retry delay must not be negative, got %v", c.Send.RetryDelaySeconds))
	}
	if c.Send.CardCacheTTLHours <= 0 {
		errs = append(errs, fmt.Errorf("card cache ttl must be positive, got %v", c.Send.CardCacheTTLHours))
	}
	if c.Send.CardCacheSize < 1 {
		errs = append(errs, fmt.Errorf("card cache size must be >= 1, got %d", c.Send.CardCacheSize))
	}
	switch c.Send.ThrottleBackend {
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, errors.New("redis throttle backend requires REDIS_ENABLED"))
		}
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown throttle backend %q", c.Send.ThrottleBackend))
	}
	if c.Send.SharedCardCache && !c.Redis.Enabled {
		errs = append(errs, errors.New("shared card cache requires REDIS_ENABLED"))
	}
	if c.Blob.Enabled && c.Blob.Bucket == "" {
		errs = append(errs, errors.New("CARD_BLOB_BUCKET is required when blob cards are enabled"))
	}
	if c.NSQ.MessageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("message timeout must be positive, got %v", c.NSQ.MessageTimeout))
	}
	if c.NSQ.MaxDeliveryCount < 1 {
		errs = append(errs, fmt.Errorf("max delivery count must be >= 1, got %d", c.NSQ.MaxDeliveryCount))
	}
	return errors.Join(errs...)
}

// SendRetryDelay is the throttle requeue delay as a duration.
func (c Config) SendRetryDelay() time.Duration {
	return time.Duration(c.Send.RetryDelaySeconds * float64(time.Second))
}

// CardCacheTTL is the card cache lifetime as a duration.
func (c Config) CardCacheTTL() time.Duration {
	return time.Duration(c.Send.CardCacheTTLHours * float64(time.Hour))
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
