package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Manager owns the shared client. It is constructed once in main and passed
// into the stores that need it; there is no package-level instance.
type Manager struct {
	client *redis.Client
}

type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

func NewManager(c Config) (*Manager, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Manager{client: rdb}, nil
}

func (m *Manager) Client() *redis.Client {
	return m.client
}

func (m *Manager) Close() error {
	if m != nil && m.client != nil {
		return m.client.Close()
	}
	return nil
}
