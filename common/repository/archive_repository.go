package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Sumit189/letItGoTasks/common/database"
	"github.com/Sumit189/letItGoTasks/common/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var ErrNotArchived = errors.New("task not archived")

type ArchiveRepository struct {
	collection *mongo.Collection
}

func InitializeArchiveRepository() *ArchiveRepository {
	return NewArchiveRepository(database.GetCollection("archives"))
}

func NewArchiveRepository(collection *mongo.Collection) *ArchiveRepository {
	return &ArchiveRepository{collection: collection}
}

func (r *ArchiveRepository) SendToArchive(ctx context.Context, toBeArchived models.Archive) error {
	if toBeArchived.ArchivedAt.IsZero() {
		toBeArchived.ArchivedAt = time.Now().UTC()
	}
	_, err := r.collection.InsertOne(ctx, toBeArchived)
	return err
}

// FindArchive returns the most recent archive of a task, or ErrNotArchived.
func (r *ArchiveRepository) FindArchive(ctx context.Context, tenantID, queueID string) (models.Archive, error) {
	var archive models.Archive
	err := r.collection.FindOne(
		ctx,
		bson.M{"tenant_id": tenantID, "queue_id": queueID},
		options.FindOne().SetSort(bson.D{{Key: "archived_at", Value: -1}}),
	).Decode(&archive)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Archive{}, ErrNotArchived
	}
	return archive, err
}
