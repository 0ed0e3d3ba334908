package config

import (
	"time"
)

// Node identifiers. The relay runs as a fleet of identical gateway nodes; the
// node id participates in log lines and broadcast headers only.
const NodeTypeGateway = "chatGateway"

// Config is built once in main and handed to every component by reference.
// There is deliberately no package-level mutable instance.
type Config struct {
	NodeType string
	NodeID   string
	Port     int

	Redis RedisConfig
	Nats  NatsConfig
	Mongo MongoConfig

	Admission AdmissionConfig
	Sequencer SequencerConfig
	Breaker   BreakerConfig
	Presence  PresenceConfig
	Conn      ConnConfig

	JWTSecret []byte
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type NatsConfig struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

type MongoConfig struct {
	URI         string
	Database    string
	Username    string
	Password    string
	MaxPoolSize uint64
}

// AdmissionConfig carries the sliding-window limits and pool ceilings.
// Room and IP limits are deliberate loose multiples of the per-user limit so
// one chatty room or NAT'd office doesn't starve everyone, while a single
// abusive user stays tightly capped.
type AdmissionConfig struct {
	Window time.Duration // trailing window, nominal 60s

	MessageRate    int // per user per window
	ConnectionRate int // per user per window
	TypingRate     int // per user per window
	RoomMultiplier int // room limit = MessageRate * RoomMultiplier
	IPMultiplier   int // ip limit = rate * IPMultiplier

	MaxConnectionsPerUser int
	MaxTotalConnections   int

	RateTTL time.Duration // retention of window keys
	PoolTTL time.Duration // retention of pool membership sets

	OpTimeout time.Duration // per store call
}

type SequencerConfig struct {
	SequenceTTL time.Duration // counter key, refreshed on every increment
	PendingTTL  time.Duration // pending snapshot lifetime
	GapTTL      time.Duration // gap record lifetime
	GapWaitMax  time.Duration // bounded hold before delivering past a gap
	OpTimeout   time.Duration
}

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

type PresenceConfig struct {
	ConnectionTTL time.Duration // connection metadata + membership sets
	PresenceTTL   time.Duration // per-user-per-room presence keys
	OpTimeout     time.Duration
}

type ConnConfig struct {
	SendQueueSize int
	ConnTTL       time.Duration // idle connection expiry, renewed by heartbeat
	SweepEvery    time.Duration
	WriteDeadline time.Duration

	Clock func() time.Time // injectable for tests; nil => time.Now
}

// Default mirrors the limits the service has always shipped with.
func Default() *Config {
	return &Config{
		NodeType: NodeTypeGateway,
		NodeID:   "gateway_01",
		Port:     8080,
		Redis: RedisConfig{
			Addr:     "127.0.0.1:6379",
			DB:       0,
			PoolSize: 64,
		},
		Nats: NatsConfig{
			Servers:       []string{"nats://127.0.0.1:4222"},
			Name:          "chat-relay",
			ReconnectWait: 500 * time.Millisecond,
			Timeout:       3 * time.Second,
		},
		Mongo: MongoConfig{
			URI:         "mongodb://localhost:27017",
			Database:    "chatRelay",
			MaxPoolSize: 20,
		},
		Admission: AdmissionConfig{
			Window:                time.Minute,
			MessageRate:           30,
			ConnectionRate:        10,
			TypingRate:            60,
			RoomMultiplier:        2,
			IPMultiplier:          3,
			MaxConnectionsPerUser: 50,
			MaxTotalConnections:   1000,
			RateTTL:               time.Hour,
			PoolTTL:               5 * time.Minute,
			OpTimeout:             250 * time.Millisecond,
		},
		Sequencer: SequencerConfig{
			SequenceTTL: time.Hour,
			PendingTTL:  5 * time.Minute,
			GapTTL:      30 * time.Minute,
			GapWaitMax:  2 * time.Second,
			OpTimeout:   250 * time.Millisecond,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
		Presence: PresenceConfig{
			ConnectionTTL: time.Hour,
			PresenceTTL:   5 * time.Minute,
			OpTimeout:     250 * time.Millisecond,
		},
		Conn: ConnConfig{
			SendQueueSize: 256,
			ConnTTL:       2 * time.Hour,
			SweepEvery:    10 * time.Second,
			WriteDeadline: 5 * time.Second,
		},
		JWTSecret: []byte("mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o="),
	}
}
