package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ChatRelay/global/config"
	"ChatRelay/logger"
	errs "ChatRelay/tools/errs"
)

// Manager owns the mongo client for the durable message store. Injected into
// the components that need it, same as the redis manager.
type Manager struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewManager(ctx context.Context, conf config.MongoConfig) (*Manager, error) {
	opts := options.Client().
		ApplyURI(conf.URI).
		SetMaxPoolSize(conf.MaxPoolSize).
		SetConnectTimeout(5 * time.Second)

	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errs.WrapMsg(err, "mongo connect")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, errs.WrapMsg(err, "mongo ping")
	}
	logger.Infof("[mongo] connected %s db=%s", conf.URI, conf.Database)
	return &Manager{client: cli, db: cli.Database(conf.Database)}, nil
}

func (m *Manager) DB() *mongo.Database { return m.db }

func (m *Manager) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
