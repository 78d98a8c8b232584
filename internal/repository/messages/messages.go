package messages

import (
	"context"
	"fmt"
	"verimsg/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// Repo persists message envelopes in two per-direction indexes: an inbox
	// ordered by sender and an outbox ordered by recipient. Uniqueness is
	// enforced by the collection indexes, which gives the conditional writes
	// the sequencing and replay guarantees rely on.
	Repo struct {
		inbox  *mongo.Collection
		outbox *mongo.Collection
	}

	// Record is the stored form of an envelope: the recipient key flattened
	// to its wire form, the payload reduced to its virtual metadata, and the
	// derived fields the indexes are built on.
	Record struct {
		ID              primitive.ObjectID `bson:"_id,omitempty"`
		Link            string             `bson:"_link"`
		Sig             string             `bson:"_s"`
		Time            int64              `bson:"time"`
		Seq             int64              `bson:"_n"`
		PrevToRecipient string             `bson:"_q,omitempty"`
		RecipientPubKey string             `bson:"recipientPubKey"`
		Object          map[string]any     `bson:"object"`
		Seal            *model.SealRef     `bson:"seal,omitempty"`
		SigPubKey       string             `bson:"_sigPubKey,omitempty"`
		Author          string             `bson:"_author"`
		Recipient       string             `bson:"_recipient"`
		Inbound         bool               `bson:"_inbound"`
		PayloadLink     string             `bson:"_payloadLink"`
		PayloadType     string             `bson:"_payloadType"`
		PayloadAuthor   string             `bson:"_payloadAuthor,omitempty"`
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		inbox:  db.Collection("inbox"),
		outbox: db.Collection("outbox"),
	}
}

func (r *Repo) EnsureIndexes(ctx context.Context) error {
	_, err := r.inbox.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "_link", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "_author", Value: 1}, {Key: "time", Value: 1}}},
		{Keys: bson.D{{Key: "_payloadLink", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = r.outbox.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "_recipient", Value: 1}, {Key: "_n", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "_recipient", Value: 1}, {Key: "time", Value: 1}}},
	})
	return err
}

// PutInbound inserts the envelope, failing with ErrDuplicate when one with
// the same link was already accepted. This is the replay defense for
// inbound traffic.
func (r *Repo) PutInbound(ctx context.Context, m *model.Envelope) error {
	_, err := r.inbox.InsertOne(ctx, ToRecord(m))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("inbound message %s: %w", m.Link, model.ErrDuplicate)
	}
	return err
}

// PutOutbound inserts the envelope conditional on its (recipient, seq) slot
// being free. A duplicate-key failure means a concurrent sender won the
// race for this seq; callers re-read state and retry.
func (r *Repo) PutOutbound(ctx context.Context, m *model.Envelope) error {
	_, err := r.outbox.InsertOne(ctx, ToRecord(m))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("outbound message seq %d to %s: %w", m.Seq, m.Recipient, model.ErrDuplicate)
	}
	return err
}

// From returns inbound envelopes from author with time > gt, ascending.
func (r *Repo) From(ctx context.Context, author string, gt int64, limit int64) ([]*model.Envelope, error) {
	filter := bson.M{"_author": author, "time": bson.M{"$gt": gt}}
	opts := options.Find().SetSort(bson.D{{Key: "time", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	return r.find(ctx, r.inbox, filter, opts)
}

// To returns outbound envelopes for recipient, ascending. When after is set
// the query resumes strictly past that envelope's position instead of by
// timestamp alone, which keeps same-millisecond neighbors from being
// redelivered or skipped.
func (r *Repo) To(ctx context.Context, recipient string, gt int64, after *model.Cursor, limit int64) ([]*model.Envelope, error) {
	filter := bson.M{"_recipient": recipient}
	if after != nil {
		filter["$or"] = bson.A{
			bson.M{"time": bson.M{"$gt": after.Time}},
			bson.M{"time": after.Time, "_n": bson.M{"$gt": after.Seq}},
		}
	} else {
		filter["time"] = bson.M{"$gt": gt}
	}

	opts := options.Find().SetSort(bson.D{{Key: "time", Value: 1}, {Key: "_n", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	return r.find(ctx, r.outbox, filter, opts)
}

// LastFrom returns the most recent inbound envelope from author.
func (r *Repo) LastFrom(ctx context.Context, author string) (*model.Envelope, error) {
	return r.findOne(ctx, r.inbox,
		bson.M{"_author": author},
		options.FindOne().SetSort(bson.D{{Key: "time", Value: -1}, {Key: "_n", Value: -1}}))
}

// LastTo returns the most recent outbound envelope to recipient.
func (r *Repo) LastTo(ctx context.Context, recipient string) (*model.Envelope, error) {
	return r.findOne(ctx, r.outbox,
		bson.M{"_recipient": recipient},
		options.FindOne().SetSort(bson.D{{Key: "time", Value: -1}, {Key: "_n", Value: -1}}))
}

// InboundByLink looks an accepted inbound envelope up by its link.
func (r *Repo) InboundByLink(ctx context.Context, link string) (*model.Envelope, error) {
	return r.findOne(ctx, r.inbox, bson.M{"_link": link}, options.FindOne())
}

func (r *Repo) find(ctx context.Context, c *mongo.Collection, filter bson.M, opts *options.FindOptions) ([]*model.Envelope, error) {
	cursor, err := c.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*model.Envelope
	for cursor.Next(ctx) {
		var rec Record
		if err := cursor.Decode(&rec); err != nil {
			return nil, err
		}
		out = append(out, FromRecord(&rec))
	}
	return out, cursor.Err()
}

func (r *Repo) findOne(ctx context.Context, c *mongo.Collection, filter bson.M, opts *options.FindOneOptions) (*model.Envelope, error) {
	var rec Record
	err := c.FindOne(ctx, filter, opts).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("message: %w", model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return FromRecord(&rec), nil
}

// ToRecord flattens an envelope into its stored form. FromRecord inverts
// it; the two are symmetric and lossless.
func ToRecord(m *model.Envelope) *Record {
	rec := &Record{
		Link:            m.Link,
		Sig:             m.Sig,
		Time:            m.Time,
		Seq:             m.Seq,
		PrevToRecipient: m.PrevToRecipient,
		Seal:            m.Seal,
		SigPubKey:       m.SigPubKey,
		Author:          m.Author,
		Recipient:       m.Recipient,
		Inbound:         m.Inbound,
		PayloadLink:     m.PayloadLink,
		PayloadType:     m.PayloadType,
		PayloadAuthor:   m.PayloadAuthor,
	}
	if m.RecipientPubKey != nil {
		rec.RecipientPubKey = m.RecipientPubKey.String()
	}
	if m.Object != nil {
		rec.Object = m.Object.PickVirtual()
	}
	return rec
}

func FromRecord(rec *Record) *model.Envelope {
	m := &model.Envelope{
		Link:            rec.Link,
		Sig:             rec.Sig,
		Time:            rec.Time,
		Seq:             rec.Seq,
		PrevToRecipient: rec.PrevToRecipient,
		Seal:            rec.Seal,
		SigPubKey:       rec.SigPubKey,
		Author:          rec.Author,
		Recipient:       rec.Recipient,
		Inbound:         rec.Inbound,
		PayloadLink:     rec.PayloadLink,
		PayloadType:     rec.PayloadType,
		PayloadAuthor:   rec.PayloadAuthor,
	}
	if rec.RecipientPubKey != "" {
		if key, err := model.ParsePubKey(rec.RecipientPubKey); err == nil {
			m.RecipientPubKey = key
		}
	}
	if rec.Object != nil {
		obj := make(model.SignedObject, len(rec.Object))
		for k, v := range rec.Object {
			if i, ok := v.(int32); ok {
				obj[k] = int64(i)
				continue
			}
			obj[k] = v
		}
		m.Object = obj
	}
	return m
}
