// Package mongostore implements the metadata store on the MongoDB replica set that
// holds the object storage service's metadata.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/countitems/internal/accounting"
	"github.com/tunnelmesh/countitems/internal/metastore"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// isoLayout matches how the storage service writes last-modified dates, so range
// filters compare correctly as strings.
const isoLayout = "2006-01-02T15:04:05.000Z"

// Options configures the connection.
type Options struct {
	URI        string
	ReplicaSet string
	Database   string
	Username   string
	Password   string
}

// Store reads bucket metadata from secondaries and publishes results to the primary.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	admin  *mongo.Database
	logger zerolog.Logger
}

var (
	_ metastore.Store      = (*Store)(nil)
	_ metastore.ChangeFeed = (*Store)(nil)
)

// Connect creates the client. The driver connects lazily; call Ping to check
// reachability.
func Connect(ctx context.Context, opts Options, logger zerolog.Logger) (*Store, error) {
	if opts.URI == "" {
		return nil, errors.New("mongodb uri is required")
	}
	if opts.Database == "" {
		opts.Database = "metadata"
	}

	clientOpts := options.Client().
		ApplyURI(opts.URI).
		SetReadPreference(readpref.SecondaryPreferred()).
		SetWriteConcern(writeconcern.Majority())
	if opts.ReplicaSet != "" {
		clientOpts.SetReplicaSet(opts.ReplicaSet)
	}
	if opts.Username != "" {
		clientOpts.SetAuth(options.Credential{Username: opts.Username, Password: opts.Password})
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", metastore.ErrTransientStore, err)
	}

	return &Store{
		client: client,
		db:     client.Database(opts.Database),
		admin:  client.Database("admin"),
		logger: logger.With().Str("component", "mongostore").Str("database", opts.Database).Logger(),
	}, nil
}

// Ping checks that a readable member is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.SecondaryPreferred()); err != nil {
		return fmt.Errorf("%w: ping: %v", metastore.ErrTransientStore, err)
	}
	return nil
}

// bucketDoc is a document of the bucket listing collection.
type bucketDoc struct {
	ID    string `bson:"_id"`
	Value struct {
		Owner                   string `bson:"owner"`
		OwnerDisplayName        string `bson:"ownerDisplayName"`
		LocationConstraint      string `bson:"locationConstraint"`
		CreationDate            any    `bson:"creationDate"`
		IsTransient             bool   `bson:"isTransient"`
		VersioningConfiguration *struct {
			Status string `bson:"Status"`
		} `bson:"versioningConfiguration"`
		Checkpoint any                       `bson:"metrics_checkpoint"`
		Tally      *accounting.ResourceTally `bson:"metrics_tally"`
		FullRescan bool                      `bson:"metrics_full_rescan"`
	} `bson:"value"`
}

// internalCollection reports whether a name belongs to the store itself rather
// than to a user bucket.
func internalCollection(name string) bool {
	return strings.HasPrefix(name, "__")
}

func bucketFromDoc(doc bucketDoc) (metastore.BucketInfo, error) {
	info := metastore.BucketInfo{
		Name:               doc.ID,
		OwnerID:            doc.Value.Owner,
		OwnerDisplayName:   doc.Value.OwnerDisplayName,
		LocationConstraint: doc.Value.LocationConstraint,
		IsTransient:        doc.Value.IsTransient,
		Versioning:         accounting.VersioningDisabled,
	}
	if vc := doc.Value.VersioningConfiguration; vc != nil {
		switch accounting.VersioningState(vc.Status) {
		case accounting.VersioningEnabled, accounting.VersioningSuspended:
			info.Versioning = accounting.VersioningState(vc.Status)
		}
	}
	if doc.Value.CreationDate != nil {
		created, err := accounting.ParseTimestamp(doc.Value.CreationDate)
		if err != nil {
			return info, fmt.Errorf("bucket %q creationDate: %w", doc.ID, err)
		}
		info.CreationDate = created
	}
	if doc.Value.Checkpoint != nil {
		checkpoint, err := accounting.ParseTimestamp(doc.Value.Checkpoint)
		if err != nil {
			return info, fmt.Errorf("bucket %q %s: %w", doc.ID, metastore.CheckpointField, err)
		}
		info.State = &metastore.BucketState{
			Checkpoint:      checkpoint,
			Tally:           doc.Value.Tally,
			NeedsFullRescan: doc.Value.FullRescan,
		}
	}
	return info, nil
}

// ListBuckets reads the bucket listing collection.
func (s *Store) ListBuckets(ctx context.Context) ([]metastore.BucketInfo, error) {
	cur, err := s.db.Collection(metastore.MetastoreCollection).Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("%w: list buckets: %v", metastore.ErrTransientStore, err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var buckets []metastore.BucketInfo
	for cur.Next(ctx) {
		var doc bucketDoc
		if err := cur.Decode(&doc); err != nil {
			s.logger.Warn().Err(err).Msg("skipping undecodable bucket document")
			continue
		}
		if internalCollection(doc.ID) {
			continue
		}
		info, err := bucketFromDoc(doc)
		if err != nil {
			// an unreadable state only costs a full rescan
			s.logger.Warn().Err(err).Str("bucket", doc.ID).Msg("ignoring bucket scan state")
			info.State = nil
		}
		buckets = append(buckets, info)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("%w: list buckets: %v", metastore.ErrTransientStore, err)
	}
	return buckets, nil
}

func isoTime(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

// scanFilter selects live records by last-modified range.
func scanFilter(w metastore.Window) bson.D {
	rng := bson.D{}
	if w.Lower != nil {
		rng = append(rng, bson.E{Key: "$gte", Value: isoTime(*w.Lower)})
	}
	rng = append(rng, bson.E{Key: "$lt", Value: isoTime(w.Upper)})
	return bson.D{
		{Key: "value.last-modified", Value: rng},
		{Key: "value.deleted", Value: bson.D{{Key: "$ne", Value: true}}},
	}
}

var scanProjection = bson.D{
	{Key: "value.last-modified", Value: 1},
	{Key: "value.content-length", Value: 1},
	{Key: "value.dataStoreName", Value: 1},
	{Key: "value.owner-id", Value: 1},
	{Key: "value.versionId", Value: 1},
	{Key: "value.isNull", Value: 1},
	{Key: "value.isDeleteMarker", Value: 1},
	{Key: "value.isPHD", Value: 1},
	{Key: "value.deleted", Value: 1},
	{Key: "value.x-amz-storage-class", Value: 1},
	{Key: "value.replicationInfo.status", Value: 1},
	{Key: "value.replicationInfo.backends", Value: 1},
	{Key: "value.archive", Value: 1},
}

// ScanObjects streams the bucket collection within the window.
func (s *Store) ScanObjects(ctx context.Context, bucket string, w metastore.Window, fn func(accounting.RawRecord) error) error {
	opts := options.Find().SetProjection(scanProjection)
	cur, err := s.db.Collection(bucket).Find(ctx, scanFilter(w), opts)
	if err != nil {
		return fmt.Errorf("%w: scan %s: %v", metastore.ErrTransientStore, bucket, err)
	}
	defer func() { _ = cur.Close(ctx) }()

	for cur.Next(ctx) {
		var rec accounting.RawRecord
		if err := cur.Decode(&rec); err != nil {
			return fmt.Errorf("decode record in %s: %w", bucket, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("%w: scan %s: %v", metastore.ErrTransientStore, bucket, err)
	}
	return nil
}

type replSetStatusDoc struct {
	Members []struct {
		Name       string    `bson:"name"`
		Self       bool      `bson:"self"`
		StateStr   string    `bson:"stateStr"`
		OptimeDate time.Time `bson:"optimeDate"`
		Optime     struct {
			TS primitive.Timestamp `bson:"ts"`
		} `bson:"optime"`
	} `bson:"members"`
}

func (d replSetStatusDoc) status() metastore.ReplicaSetStatus {
	status := metastore.ReplicaSetStatus{}
	for _, m := range d.Members {
		optime := m.OptimeDate
		if optime.IsZero() && m.Optime.TS.T > 0 {
			optime = time.Unix(int64(m.Optime.TS.T), 0)
		}
		status.Members = append(status.Members, metastore.ReplicaMember{
			Name:       m.Name,
			Self:       m.Self,
			State:      m.StateStr,
			OptimeDate: optime.UTC(),
		})
	}
	return status
}

// replicaStatusOptions routes replSetGetStatus the way scans are routed, so the
// self member is the secondary being read.
func replicaStatusOptions() *options.RunCmdOptions {
	return options.RunCmd().SetReadPreference(readpref.SecondaryPreferred())
}

// ReplicaStatus runs replSetGetStatus.
func (s *Store) ReplicaStatus(ctx context.Context) (metastore.ReplicaSetStatus, error) {
	var doc replSetStatusDoc
	err := s.admin.RunCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}, replicaStatusOptions()).Decode(&doc)
	if err != nil {
		return metastore.ReplicaSetStatus{}, fmt.Errorf("%w: %v", metastore.ErrReplicaStatusUnavailable, err)
	}
	return doc.status(), nil
}

func stateModels(states map[string]metastore.BucketState) []mongo.WriteModel {
	models := make([]mongo.WriteModel, 0, len(states))
	for name, state := range states {
		set := bson.D{{Key: "value." + metastore.CheckpointField, Value: state.Checkpoint.UTC()}}
		if state.Tally != nil {
			set = append(set, bson.E{Key: "value." + metastore.TallyField, Value: state.Tally})
		}
		set = append(set, bson.E{Key: "value." + metastore.FullRescanField, Value: state.NeedsFullRescan})
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.D{{Key: "_id", Value: name}}).
			SetUpdate(bson.D{{Key: "$set", Value: set}}))
	}
	return models
}

// SaveBucketStates persists all states in one unordered bulk write.
func (s *Store) SaveBucketStates(ctx context.Context, states map[string]metastore.BucketState) error {
	if len(states) == 0 {
		return nil
	}
	res, err := s.db.Collection(metastore.MetastoreCollection).
		BulkWrite(ctx, stateModels(states), options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("%w: save checkpoints: %v", metastore.ErrTransientStore, err)
	}
	s.logger.Debug().Int64("matched", res.MatchedCount).Int64("modified", res.ModifiedCount).Msg("checkpoints saved")
	return nil
}

// DropStaging drops the staging collection. Dropping a missing collection succeeds.
func (s *Store) DropStaging(ctx context.Context) error {
	if err := s.db.Collection(metastore.InfostoreStaging).Drop(ctx); err != nil {
		return fmt.Errorf("%w: drop staging: %v", metastore.ErrTransientStore, err)
	}
	return nil
}

// WriteStaging inserts the documents into the staging collection.
func (s *Store) WriteStaging(ctx context.Context, docs []metastore.ResultDocument) error {
	if len(docs) == 0 {
		return nil
	}
	batch := make([]interface{}, len(docs))
	for i := range docs {
		batch[i] = docs[i]
	}
	_, err := s.db.Collection(metastore.InfostoreStaging).
		InsertMany(ctx, batch, options.InsertMany().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("%w: write staging: %v", metastore.ErrTransientStore, err)
	}
	return nil
}

func renameCommand(database string) bson.D {
	return bson.D{
		{Key: "renameCollection", Value: database + "." + metastore.InfostoreStaging},
		{Key: "to", Value: database + "." + metastore.InfostoreCollection},
		{Key: "dropTarget", Value: true},
	}
}

// SwapStaging renames the staging collection over the published one.
func (s *Store) SwapStaging(ctx context.Context) error {
	if err := s.admin.RunCommand(ctx, renameCommand(s.db.Name())).Err(); err != nil {
		return fmt.Errorf("rename %s: %w", metastore.InfostoreStaging, err)
	}
	return nil
}

// ReadResult reads a published document from the primary.
func (s *Store) ReadResult(ctx context.Context, id string) (metastore.ResultDocument, error) {
	var doc metastore.ResultDocument
	coll := s.db.Collection(metastore.InfostoreCollection,
		options.Collection().SetReadPreference(readpref.Primary()))
	err := coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return doc, fmt.Errorf("%s: %w", id, metastore.ErrNotFound)
	}
	if err != nil {
		return doc, fmt.Errorf("%w: read %s: %v", metastore.ErrTransientStore, id, err)
	}
	return doc, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
