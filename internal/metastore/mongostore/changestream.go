package mongostore

import (
	"context"
	"fmt"

	"github.com/tunnelmesh/countitems/internal/accounting"
	"github.com/tunnelmesh/countitems/internal/metastore"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// deletionPipeline matches updates flagging a record deleted.
func deletionPipeline() mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "update"},
			{Key: "updateDescription.updatedFields.value.deleted", Value: true},
		}}},
	}
}

type changeEvent struct {
	NS struct {
		Coll string `bson:"coll"`
	} `bson:"ns"`
	DocumentKey struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	UpdateDescription struct {
		UpdatedFields struct {
			Value *accounting.RawValue `bson:"value"`
		} `bson:"updatedFields"`
	} `bson:"updateDescription"`
	FullDocument *accounting.RawRecord `bson:"fullDocument"`
}

// deletionFromChange prefers the looked-up document, falling back to the updated
// fields when the record is already gone.
func deletionFromChange(ev changeEvent) (metastore.DeletionEvent, bool) {
	if ev.NS.Coll == "" || internalCollection(ev.NS.Coll) || ev.DocumentKey.ID == "" {
		return metastore.DeletionEvent{}, false
	}
	out := metastore.DeletionEvent{Bucket: ev.NS.Coll, Record: accounting.RawRecord{Key: ev.DocumentKey.ID}}
	switch {
	case ev.FullDocument != nil:
		out.Record.Value = ev.FullDocument.Value
	case ev.UpdateDescription.UpdatedFields.Value != nil:
		out.Record.Value = *ev.UpdateDescription.UpdatedFields.Value
	default:
		return metastore.DeletionEvent{}, false
	}
	return out, true
}

// Subscribe opens a database-wide change stream of deletion flags.
func (s *Store) Subscribe(ctx context.Context) (metastore.Subscription, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	cs, err := s.db.Watch(ctx, deletionPipeline(), opts)
	if err != nil {
		return nil, fmt.Errorf("%w: watch: %v", metastore.ErrChangeFeed, err)
	}
	return &subscription{cs: cs}, nil
}

type subscription struct {
	cs *mongo.ChangeStream
}

func (sub *subscription) Next(ctx context.Context) (metastore.DeletionEvent, error) {
	for sub.cs.Next(ctx) {
		var ev changeEvent
		if err := sub.cs.Decode(&ev); err != nil {
			return metastore.DeletionEvent{}, fmt.Errorf("%w: decode: %v", metastore.ErrChangeFeed, err)
		}
		if out, ok := deletionFromChange(ev); ok {
			return out, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return metastore.DeletionEvent{}, err
	}
	if err := sub.cs.Err(); err != nil {
		return metastore.DeletionEvent{}, fmt.Errorf("%w: %v", metastore.ErrChangeFeed, err)
	}
	return metastore.DeletionEvent{}, fmt.Errorf("%w: stream closed", metastore.ErrChangeFeed)
}

func (sub *subscription) Close() error {
	return sub.cs.Close(context.Background())
}
