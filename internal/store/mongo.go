package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoContentStore keeps page content in a MongoDB collection, one document
// per page keyed by page id. Permissions always come from Postgres.
type MongoContentStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

type mongoPage struct {
	ID        string    `bson:"_id"`
	Content   string    `bson:"content"`
	CRDTState []byte    `bson:"crdt_state,omitempty"`
	UpdatedBy string    `bson:"updated_by"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func OpenMongo(ctx context.Context, uri, database string) (*MongoContentStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoContentStore{
		client:     client,
		collection: client.Database(database).Collection("pages"),
	}, nil
}

// SaveSnapshot upserts the page. Like the Postgres store, a snapshot without
// CRDT state drops the stored replica.
func (s *MongoContentStore) SaveSnapshot(ctx context.Context, pageID string, snapshot Snapshot, savedBy string) error {
	set := bson.M{
		"content":    string(snapshot.Content),
		"updated_by": savedBy,
		"updated_at": time.Now().UTC(),
	}
	update := bson.M{"$set": set}
	if len(snapshot.CRDTState) > 0 {
		set["crdt_state"] = snapshot.CRDTState
	} else {
		update["$unset"] = bson.M{"crdt_state": ""}
	}
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": pageID},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save page snapshot: %w", err)
	}
	return nil
}

func (s *MongoContentStore) LoadSnapshot(ctx context.Context, pageID string) (Snapshot, error) {
	var page mongoPage
	err := s.collection.FindOne(ctx, bson.M{"_id": pageID}).Decode(&page)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Snapshot{}, ErrPageNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load page snapshot: %w", err)
	}
	return Snapshot{Content: []byte(page.Content), CRDTState: page.CRDTState}, nil
}

func (s *MongoContentStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoContentStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
