package seals

import (
	"context"
	"fmt"
	"time"
	"verimsg/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type (
	// Repo records watches on external seal references. A watch is created
	// once per seal link; re-registering is a duplicate.
	Repo struct {
		collection *mongo.Collection
	}

	record struct {
		Link       string `bson:"_id"`
		Blockchain string `bson:"blockchain"`
		Network    string `bson:"network"`
		BasePubKey string `bson:"basePubKey"`
		ObjectLink string `bson:"objectLink"`
		Created    int64  `bson:"created"`
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("seal_watches"),
	}
}

func (r *Repo) PutWatch(ctx context.Context, seal *model.SealRef, objectLink string) error {
	_, err := r.collection.InsertOne(ctx, record{
		Link:       seal.Link,
		Blockchain: seal.Blockchain,
		Network:    seal.Network,
		BasePubKey: seal.BasePubKey,
		ObjectLink: objectLink,
		Created:    time.Now().UnixMilli(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("seal watch %s: %w", seal.Link, model.ErrDuplicate)
	}
	return err
}

func (r *Repo) Watches(ctx context.Context, network string) ([]*model.SealRef, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"network": network})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*model.SealRef
	for cursor.Next(ctx) {
		var rec record
		if err := cursor.Decode(&rec); err != nil {
			return nil, err
		}
		out = append(out, &model.SealRef{
			Blockchain: rec.Blockchain,
			Network:    rec.Network,
			Link:       rec.Link,
			BasePubKey: rec.BasePubKey,
		})
	}
	return out, cursor.Err()
}
