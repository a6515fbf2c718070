package models

import (
	"context"

	"github.com/Sumit189/letItGoTasks/common/database"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func CreateIndexes(ctx context.Context) error {
	archives := database.GetCollection("archives")
	_, err := archives.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "tenant_id", Value: 1},
				{Key: "queue_id", Value: 1},
			},
		},
		{
			Keys: bson.M{"archived_at": -1},
		},
	})
	return err
}
