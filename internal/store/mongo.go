package store

import (
	"context"
	"fmt"

	"github.com/stonegate/slgcore/internal/mlog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConnection is a hub for the audit sink: migration outcome documents
// and persistence dead-letter documents, both schemaless by nature.
type MongoConnection struct {
	ConnectionStringSource string
	Database               string
	MaxPoolSize            uint64
	Logger                 mlog.Logger

	client *mongo.Client
}

func (mc *MongoConnection) Connect(ctx context.Context) error {
	mc.Logger.Info("connecting to mongo...")

	opts := options.Client().ApplyURI(mc.ConnectionStringSource)
	if mc.MaxPoolSize > 0 {
		opts = opts.SetMaxPoolSize(mc.MaxPoolSize)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return fmt.Errorf("store: connect mongo: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("store: ping mongo: %w", err)
	}

	mc.client = client

	mc.Logger.Info("connected to mongo")

	return nil
}

// GetDatabase returns the configured database handle, connecting on first use.
func (mc *MongoConnection) GetDatabase(ctx context.Context) (*mongo.Database, error) {
	if mc.client == nil {
		if err := mc.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return mc.client.Database(mc.Database), nil
}
