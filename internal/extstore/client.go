// Package extstore is the client for the external, eventually-consistent
// document database that sync pulls from. Reads are cursor-ordered on
// (updated_at, _id) so incremental pulls never skip records; re-reading a
// record on resume is acceptable and expected.
package extstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Document is one change-ordered record from the external store. Data holds
// the full document for collection-specific decoding by the caller.
type Document struct {
	ID        string
	UpdatedAt time.Time
	Data      bson.Raw
}

// Client reads incremental changes from the external document store.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
}

// Dial connects to the external store.
func Dial(ctx context.Context, uri, database string) (*Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect external store: %w", err)
	}
	return &Client{client: client, db: client.Database(database)}, nil
}

// FetchChanges returns up to limit documents of the collection modified at or
// after the (since, afterID) cursor position, in ascending (updated_at, _id)
// order. The document matching the cursor itself is excluded via the id
// tie-break.
func (c *Client) FetchChanges(ctx context.Context, collection string, since time.Time, afterID string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 100
	}

	filter := bson.M{"$or": []bson.M{
		{"updated_at": bson.M{"$gt": since}},
		{"updated_at": since, "_id": bson.M{"$gt": afterID}},
	}}
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cur, err := c.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch %s changes: %w", collection, err)
	}
	defer cur.Close(ctx)

	var docs []Document
	for cur.Next(ctx) {
		var meta struct {
			ID        string    `bson:"_id"`
			UpdatedAt time.Time `bson:"updated_at"`
		}
		if err := cur.Decode(&meta); err != nil {
			return nil, fmt.Errorf("decode %s document: %w", collection, err)
		}
		raw := make(bson.Raw, len(cur.Current))
		copy(raw, cur.Current)
		docs = append(docs, Document{ID: meta.ID, UpdatedAt: meta.UpdatedAt.UTC(), Data: raw})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s changes: %w", collection, err)
	}
	return docs, nil
}

// Ping verifies the external store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// CacheCollection exposes a collection handle for the distributed cache tier,
// which shares this deployment's document store cluster.
func (c *Client) CacheCollection(name string) *mongo.Collection {
	return c.db.Collection(name)
}

// Close disconnects from the external store.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}
