package friends

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
	// Repo stores known counterparty endpoints, keyed by identity permalink.
	Repo struct {
		collection *mongo.Collection
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("friends"),
	}
}

func (r *Repo) ByPermalink(ctx context.Context, permalink string) (*model.Friend, error) {
	var friend model.Friend
	err := r.collection.FindOne(ctx, bson.M{"_id": permalink}).Decode(&friend)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("friend %s: %w", permalink, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &friend, nil
}

func (r *Repo) Put(ctx context.Context, friend *model.Friend) error {
	_, err := r.collection.ReplaceOne(ctx,
		bson.M{"_id": friend.Permalink},
		friend,
		options.Replace().SetUpsert(true))
	return err
}
