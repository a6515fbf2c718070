package database

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	DB           *mongo.Client
	databaseName = "letitgo"
)

func Connect(ctx context.Context, uri, name string) error {
	if uri == "" {
		return errors.New("MONGODB_URI not set in environment")
	}
	clientOptions := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return err
	}

	DB = client
	if name != "" {
		databaseName = name
	}
	log.Info().Str("database", databaseName).Msg("Connected to MongoDB")
	return nil
}

func Disconnect(ctx context.Context) error {
	if DB == nil {
		return nil
	}
	return DB.Disconnect(ctx)
}

// Helper
func GetCollection(collectionName string) *mongo.Collection {
	return DB.Database(databaseName).Collection(collectionName)
}
