package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/magnetiq/service-booking-wizard/internal/domain/wizard"
)

// ConnectMongo opens a client and verifies it with a ping.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

type sessionDocument struct {
	Key       string    `bson:"_id"`
	Payload   []byte    `bson:"payload"`
	ExpiresAt time.Time `bson:"expires_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoSessionStorage stores sessions in a collection with a TTL index on expires_at.
type MongoSessionStorage struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewMongoSessionStorage creates a storage over the wizard_sessions collection of db.
func NewMongoSessionStorage(db *mongo.Database) *MongoSessionStorage {
	return &MongoSessionStorage{coll: db.Collection("wizard_sessions"), now: time.Now}
}

// EnsureIndexes creates the TTL index that lets MongoDB purge expired sessions.
func (s *MongoSessionStorage) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Read returns the payload of an unexpired session. The TTL monitor runs about
// once a minute, so expiry is also checked here.
func (s *MongoSessionStorage) Read(ctx context.Context, key string) ([]byte, error) {
	var doc sessionDocument
	filter := bson.M{"_id": key, "expires_at": bson.M{"$gt": s.now().UTC()}}
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, wizard.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read session %s: %w", key, err)
	}
	return doc.Payload, nil
}

// Write replaces the session document, inserting it when missing.
func (s *MongoSessionStorage) Write(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now().UTC()
	doc := sessionDocument{Key: key, Payload: value, ExpiresAt: now.Add(ttl), UpdatedAt: now}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to write session %s: %w", key, err)
	}
	return nil
}

// Remove deletes the session document.
func (s *MongoSessionStorage) Remove(ctx context.Context, key string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("failed to remove session %s: %w", key, err)
	}
	return nil
}

// Ping checks the server connection.
func (s *MongoSessionStorage) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}
