package objects

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
	// Repo persists signed resources keyed by their content address, plus
	// the binary media extracted from them.
	Repo struct {
		objects *mongo.Collection
		blobs   *mongo.Collection
	}

	record struct {
		Link string `bson:"_id"`
		Body bson.M `bson:"body"`
	}

	blobRecord struct {
		Key  string `bson:"_id"`
		Mime string `bson:"mime"`
		Data []byte `bson:"data"`
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		objects: db.Collection("objects"),
		blobs:   db.Collection("blobs"),
	}
}

func (r *Repo) Get(ctx context.Context, link string) (model.SignedObject, error) {
	var rec record
	err := r.objects.FindOne(ctx, bson.M{"_id": link}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("object %s: %w", link, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return model.SignedObject(normalize(rec.Body).(map[string]any)), nil
}

// Put stores the resource under its link. Overwrites are idempotent: the
// link is a pure function of the content.
func (r *Repo) Put(ctx context.Context, link string, o model.SignedObject) error {
	_, err := r.objects.ReplaceOne(ctx,
		bson.M{"_id": link},
		record{Link: link, Body: bson.M(o)},
		options.Replace().SetUpsert(true))
	return err
}

func (r *Repo) Del(ctx context.Context, link string) error {
	_, err := r.objects.DeleteOne(ctx, bson.M{"_id": link})
	return err
}

func (r *Repo) PutBlob(ctx context.Context, key string, data []byte, mime string) error {
	_, err := r.blobs.ReplaceOne(ctx,
		bson.M{"_id": key},
		blobRecord{Key: key, Mime: mime, Data: data},
		options.Replace().SetUpsert(true))
	return err
}

func (r *Repo) GetBlob(ctx context.Context, key string) ([]byte, string, error) {
	var rec blobRecord
	err := r.blobs.FindOne(ctx, bson.M{"_id": key}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, "", fmt.Errorf("blob %s: %w", key, model.ErrNotFound)
	}
	if err != nil {
		return nil, "", err
	}
	return rec.Data, rec.Mime, nil
}

// normalize rewrites decoded BSON values into the plain JSON shapes the
// rest of the system works with.
func normalize(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case int32:
		return int64(t)
	default:
		return v
	}
}
