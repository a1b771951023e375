package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int  // pgxpool max connections
	Migrate  bool // apply embedded migrations on startup
}

type Email struct {
	BaseURL    string        // email API base url, e.g. http://fake-mailer:8081
	Sender     string        // From address on every issue
	AuthToken  string        // X-Postmark-Server-Token
	Timeout    time.Duration // per-send timeout
	RatePerSec int           // 0 disables client-side rate limiting
}

type Worker struct {
	PollInterval time.Duration // sleep after an empty queue or a store error
	Concurrency  int           // delivery loops per process
	PublishDLQ   bool          // emit dead-letter notices for dropped deliveries
	HTTPPort     string        // worker health/metrics port
}

type NSQ struct {
	NsqdTCPAddr  string // e.g. nsqd:4150
	NsqdHTTPAddr string // stats endpoint, e.g. nsqd:4151
	DLQTopic     string // dead-letter notice topic
}

type Idempotency struct {
	LockTimeout time.Duration // how long a claim waits on a concurrent in-flight claim
}

type Auth struct {
	PublicKeyPEM string
	JWKSURL      string // used when PublicKeyPEM is empty
	Issuer       string
	Audience     string
}

type Config struct {
	AppName     string
	BaseURL     string // public base url of the API
	HTTPPort    string // :8080
	GRPCPort    string // :50051
	DB          DB
	Email       Email
	Worker      Worker
	NSQ         NSQ
	Idempotency Idempotency
	Auth        Auth
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
		AppName:  getenv("APP_NAME", "harborpost"),
		BaseURL:  getenv("APP_BASE_URL", "http://localhost:8080"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		GRPCPort: getenv("GRPC_PORT", ":50051"),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "harborpost"),
			MaxConns: getenvInt("DB_MAX_CONNS", 10),
			Migrate:  getenvBool("DB_MIGRATE", false),
		},
		Email: Email{
			BaseURL:    getenv("EMAIL_BASE_URL", "http://fake-mailer:8081"),
			Sender:     getenv("EMAIL_SENDER", "newsletter@harborpost.dev"),
			AuthToken:  getenv("EMAIL_AUTH_TOKEN", ""),
			Timeout:    getenvDuration("EMAIL_TIMEOUT", 10*time.Second),
			RatePerSec: getenvInt("EMAIL_RATE_PER_SEC", 0),
		},
		Worker: Worker{
			PollInterval: getenvDuration("WORKER_POLL_INTERVAL", 10*time.Second),
			Concurrency:  getenvInt("WORKER_CONCURRENCY", 1),
			PublishDLQ:   getenvBool("PUBLISH_DLQ_TOPIC", false),
			HTTPPort:     ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:  getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr: getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			DLQTopic:     getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
		},
		Idempotency: Idempotency{
			LockTimeout: getenvDuration("IDEMPOTENCY_LOCK_TIMEOUT", 5*time.Second),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			JWKSURL:      getenv("JWT_JWKS_URL", ""),
			Issuer:       getenv("JWT_ISSUER", "harborpost"),
			Audience:     getenv("JWT_AUDIENCE", "harborpost-api"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
