package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo is the shared distributed tier backed by a capped-TTL collection.
// Entries carry their own expires_at so reads stay correct even before the
// collection's TTL monitor removes expired documents.
type Mongo struct {
	coll *mongo.Collection
}

type mongoEntry struct {
	Key       string    `bson:"_id"`
	Value     []byte    `bson:"value"`
	ExpiresAt time.Time `bson:"expires_at"`
	Version   int64     `bson:"version"`
}

// NewMongo creates the distributed tier on the given collection and ensures
// its TTL index. Index creation failure is not fatal; lazy expiry on read
// keeps results correct.
func NewMongo(ctx context.Context, coll *mongo.Collection) (*Mongo, error) {
	if coll == nil {
		return nil, errors.New("cache: mongo collection is nil")
	}
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return nil, fmt.Errorf("cache: ensure ttl index: %w", err)
	}
	return &Mongo{coll: coll}, nil
}

func (m *Mongo) Name() string { return "distributed" }

// Get returns the value for key if present and not expired.
func (m *Mongo) Get(ctx context.Context, key string) ([]byte, error) {
	var entry mongoEntry
	err := m.coll.FindOne(ctx, bson.M{
		"_id":        key,
		"expires_at": bson.M{"$gt": time.Now().UTC()},
	}).Decode(&entry)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entry.Value, nil
}

// Set upserts the value with its expiry, bumping the entry version.
func (m *Mongo) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	_, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{
			"$set": bson.M{
				"value":      value,
				"expires_at": time.Now().UTC().Add(ttl),
			},
			"$inc": bson.M{"version": 1},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

// Delete removes one key.
func (m *Mongo) Delete(ctx context.Context, key string) error {
	_, err := m.coll.DeleteOne(ctx, bson.M{"_id": key})
	return err
}

// DeletePrefix removes every key with the given prefix.
func (m *Mongo) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := m.coll.DeleteMany(ctx, bson.M{
		"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)},
	})
	return err
}
