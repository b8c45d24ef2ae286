package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/finsight-ai/finsight-agent/internal/models"
)

// MongoStore handles research run persistence in MongoDB.
type MongoStore struct {
	col *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{col: db.Collection("runs")}
}

// Insert stores a finished run. Runs are keyed by their run_id (the UUID the
// API hands out), not the Mongo object ID.
func (s *MongoStore) Insert(ctx context.Context, run *models.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if _, err := s.col.InsertOne(ctx, run); err != nil {
		return fmt.Errorf("mongo insert run: %w", err)
	}
	return nil
}

func (s *MongoStore) ListByUser(ctx context.Context, userID string) ([]models.Run, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cur, err := s.col.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var runs []models.Run
	if err := cur.All(ctx, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *MongoStore) GetByRunID(ctx context.Context, runID string) (*models.Run, error) {
	var run models.Run
	if err := s.col.FindOne(ctx, bson.M{"run_id": runID}).Decode(&run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *MongoStore) Delete(ctx context.Context, runID string) error {
	_, err := s.col.DeleteOne(ctx, bson.M{"run_id": runID})
	return err
}
