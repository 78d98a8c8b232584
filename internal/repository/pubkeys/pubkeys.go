package pubkeys

import (
	"context"
	"errors"
	"fmt"
	"verimsg/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// Repo maps public keys to the identity resource that owns them. Keyed
	// by the hex pubkey, with a secondary index on permalink.
	Repo struct {
		collection *mongo.Collection
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("pubkeys"),
	}
}

func (r *Repo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "permalink", Value: 1}},
	})
	return err
}

func (r *Repo) Get(ctx context.Context, pub string) (*model.PubKeyMapping, error) {
	var mapping model.PubKeyMapping
	err := r.collection.FindOne(ctx, bson.M{"_id": pub}).Decode(&mapping)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("pubkey %s: %w", pub, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

func (r *Repo) Put(ctx context.Context, mapping *model.PubKeyMapping) error {
	_, err := r.collection.ReplaceOne(ctx,
		bson.M{"_id": mapping.Pub},
		mapping,
		options.Replace().SetUpsert(true))
	return err
}

func (r *Repo) FindByPermalink(ctx context.Context, permalink string) (*model.PubKeyMapping, error) {
	var mapping model.PubKeyMapping
	err := r.collection.FindOne(ctx, bson.M{"permalink": permalink}).Decode(&mapping)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("permalink %s: %w", permalink, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}
