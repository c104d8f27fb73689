package session

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// MongoStore persists session records in a MongoDB collection. The token is
// the document ID, so first-write idempotency comes from the _id index.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore wraps a sessions collection. The caller owns the client
// lifecycle; Close here would be a no-op and is deliberately absent.
func NewMongoStore(coll *mongo.Collection) (*MongoStore, error) {
	if coll == nil {
		return nil, errors.New("session: nil collection")
	}
	return &MongoStore{coll: coll}, nil
}

// EnsureIndexes creates the secondary index used by InvalidateAll.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "domain", Value: 1}, {Key: "user", Value: 1}, {Key: "client", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("session indexes: %w", err)
	}
	return nil
}

// Insert writes a new session record.
func (s *MongoStore) Insert(ctx context.Context, rec Record) error {
	if _, err := s.coll.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("session insert: %w", err)
	}
	return nil
}

// GetByID loads a session record by token within a domain.
func (s *MongoStore) GetByID(ctx context.Context, domain, id string) (Record, error) {
	var rec Record
	err := s.coll.FindOne(ctx, bson.M{"_id": id, "domain": domain}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, ErrSessionNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("session find: %w", err)
	}
	return rec, nil
}

// InvalidateAll marks every record for (domain, user[, client]) invalid in a
// single atomic multi-update.
func (s *MongoStore) InvalidateAll(ctx context.Context, domain, user, client string) error {
	filter := bson.M{"domain": domain, "user": user}
	if client != "" {
		filter["client"] = client
	}

	_, err := s.coll.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"valid": false}})
	if err != nil {
		return fmt.Errorf("session invalidate: %w", err)
	}
	return nil
}
