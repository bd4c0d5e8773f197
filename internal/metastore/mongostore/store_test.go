package mongostore

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/countitems/internal/accounting"
	"github.com/tunnelmesh/countitems/internal/metastore"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

func TestScanFilter(t *testing.T) {
	lower := time.Date(2024, 1, 2, 3, 4, 5, 600_000_000, time.UTC)
	upper := lower.Add(time.Hour)

	t.Run("incremental", func(t *testing.T) {
		f := scanFilter(metastore.Window{Lower: &lower, Upper: upper})
		want := bson.D{
			{Key: "value.last-modified", Value: bson.D{
				{Key: "$gte", Value: "2024-01-02T03:04:05.600Z"},
				{Key: "$lt", Value: "2024-01-02T04:04:05.600Z"},
			}},
			{Key: "value.deleted", Value: bson.D{{Key: "$ne", Value: true}}},
		}
		assert.Equal(t, want, f)
	})

	t.Run("full", func(t *testing.T) {
		f := scanFilter(metastore.Window{Upper: upper})
		assert.Equal(t, bson.D{{Key: "$lt", Value: "2024-01-02T04:04:05.600Z"}}, f[0].Value)
	})
}

func TestIsoTime(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.FixedZone("x", 3600))
	assert.Equal(t, "2024-05-06T06:08:09.000Z", isoTime(ts))
}

func decodeBucket(t *testing.T, doc bson.M) bucketDoc {
	t.Helper()
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	var out bucketDoc
	require.NoError(t, bson.Unmarshal(raw, &out))
	return out
}

func TestBucketFromDoc(t *testing.T) {
	checkpoint := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	doc := decodeBucket(t, bson.M{
		"_id": "photos",
		"value": bson.M{
			"owner":                   "canonical-1",
			"ownerDisplayName":        "alice",
			"locationConstraint":      "us-east-1",
			"creationDate":            "2023-12-01T10:00:00.000Z",
			"versioningConfiguration": bson.M{"Status": "Enabled"},
			"metrics_checkpoint":      checkpoint,
		},
	})

	info, err := bucketFromDoc(doc)
	require.NoError(t, err)
	assert.Equal(t, "photos", info.Name)
	assert.Equal(t, "canonical-1", info.OwnerID)
	assert.Equal(t, "us-east-1", info.LocationConstraint)
	assert.Equal(t, accounting.VersioningEnabled, info.Versioning)
	assert.Equal(t, time.Date(2023, 12, 1, 10, 0, 0, 0, time.UTC), info.CreationDate)
	require.NotNil(t, info.State)
	assert.True(t, checkpoint.Equal(info.State.Checkpoint))
	assert.Nil(t, info.State.Tally)
}

func TestBucketFromDoc_Defaults(t *testing.T) {
	info, err := bucketFromDoc(decodeBucket(t, bson.M{
		"_id":   "plain",
		"value": bson.M{"owner": "o", "versioningConfiguration": bson.M{"Status": "bogus"}},
	}))
	require.NoError(t, err)
	assert.Equal(t, accounting.VersioningDisabled, info.Versioning)
	assert.Nil(t, info.State)

	_, err = bucketFromDoc(decodeBucket(t, bson.M{
		"_id":   "bad",
		"value": bson.M{"metrics_checkpoint": "yesterday"},
	}))
	assert.Error(t, err)
}

func TestBucketDoc_TallyRoundTrip(t *testing.T) {
	tally := accounting.NewResourceTally()
	tally.Accumulate(accounting.Classify(accounting.ObjectRecord{Key: "a", Size: 9, DataStoreName: "L1"},
		accounting.ClassifyOptions{}))

	doc := decodeBucket(t, bson.M{
		"_id":   "b",
		"value": bson.M{"metrics_checkpoint": time.Now().UTC(), "metrics_tally": tally},
	})
	info, err := bucketFromDoc(doc)
	require.NoError(t, err)
	require.NotNil(t, info.State.Tally)
	m := accounting.Finalize(info.State.Tally.Locations["L1"], accounting.VersioningDisabled)
	assert.Equal(t, int64(9), m.UsedCapacity.Current)
}

func TestInternalCollection(t *testing.T) {
	assert.True(t, internalCollection(metastore.MetastoreCollection))
	assert.True(t, internalCollection(metastore.UsersBucketCollection))
	assert.True(t, internalCollection(metastore.InfostoreStaging))
	assert.False(t, internalCollection("photos"))
}

func TestReplSetStatusDoc(t *testing.T) {
	optime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	doc := replSetStatusDoc{}
	raw, err := bson.Marshal(bson.M{"members": bson.A{
		bson.M{"name": "a:27017", "stateStr": "PRIMARY", "optimeDate": optime.Add(time.Second)},
		bson.M{"name": "b:27017", "stateStr": "SECONDARY", "self": true,
			"optime": bson.M{"ts": primitive.Timestamp{T: uint32(optime.Unix()), I: 1}}},
	}})
	require.NoError(t, err)
	require.NoError(t, bson.Unmarshal(raw, &doc))

	status := doc.status()
	require.Len(t, status.Members, 2)
	self, ok := status.Self()
	require.True(t, ok)
	assert.Equal(t, "b:27017", self.Name)
	assert.True(t, optime.Equal(self.OptimeDate))
	assert.True(t, optime.Add(time.Second).Equal(status.Members[0].OptimeDate))

	observed, ok := status.Observed()
	require.True(t, ok)
	assert.Equal(t, "b:27017", observed.Name)
}

func TestReplSetStatusDoc_PrimarySelf(t *testing.T) {
	optime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	doc := replSetStatusDoc{}
	raw, err := bson.Marshal(bson.M{"members": bson.A{
		bson.M{"name": "a:27017", "stateStr": "PRIMARY", "self": true, "optimeDate": optime.Add(time.Minute)},
		bson.M{"name": "b:27017", "stateStr": "SECONDARY", "optimeDate": optime},
	}})
	require.NoError(t, err)
	require.NoError(t, bson.Unmarshal(raw, &doc))

	observed, ok := doc.status().Observed()
	require.True(t, ok)
	assert.Equal(t, "b:27017", observed.Name)
	assert.True(t, optime.Equal(observed.OptimeDate))
}

func TestReplicaStatusOptions(t *testing.T) {
	opts := replicaStatusOptions()
	require.NotNil(t, opts.ReadPreference)
	assert.Equal(t, readpref.SecondaryPreferredMode, opts.ReadPreference.Mode())
}

func TestStateModels(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	models := stateModels(map[string]metastore.BucketState{
		"b1": {Checkpoint: at},
	})
	require.Len(t, models, 1)
	m, ok := models[0].(*mongo.UpdateOneModel)
	require.True(t, ok)
	assert.Equal(t, bson.D{{Key: "_id", Value: "b1"}}, m.Filter)
	assert.Equal(t, bson.D{{Key: "$set", Value: bson.D{
		{Key: "value.metrics_checkpoint", Value: at},
		{Key: "value.metrics_full_rescan", Value: false},
	}}}, m.Update)

	tally := accounting.NewResourceTally()
	models = stateModels(map[string]metastore.BucketState{
		"b1": {Checkpoint: at, Tally: tally, NeedsFullRescan: true},
	})
	m = models[0].(*mongo.UpdateOneModel)
	assert.Equal(t, bson.D{{Key: "$set", Value: bson.D{
		{Key: "value.metrics_checkpoint", Value: at},
		{Key: "value.metrics_tally", Value: tally},
		{Key: "value.metrics_full_rescan", Value: true},
	}}}, m.Update)
}

func TestRenameCommand(t *testing.T) {
	cmd := renameCommand("metadata")
	assert.Equal(t, "metadata.__infostore_tmp", cmd[0].Value)
	assert.Equal(t, "metadata.__infostore", cmd[1].Value)
	assert.Equal(t, true, cmd[2].Value)
}

func TestDeletionFromChange(t *testing.T) {
	var ev changeEvent
	ev.NS.Coll = "photos"
	ev.DocumentKey.ID = "cat.jpg"
	ev.UpdateDescription.UpdatedFields.Value = &accounting.RawValue{ContentLength: int64(5), Deleted: true}

	out, ok := deletionFromChange(ev)
	require.True(t, ok)
	assert.Equal(t, "photos", out.Bucket)
	assert.Equal(t, "cat.jpg", out.Record.Key)
	assert.Equal(t, int64(5), out.Record.Value.ContentLength)

	full := ev
	full.FullDocument = &accounting.RawRecord{Key: "cat.jpg", Value: accounting.RawValue{ContentLength: int64(7)}}
	out, ok = deletionFromChange(full)
	require.True(t, ok)
	assert.Equal(t, int64(7), out.Record.Value.ContentLength)

	internal := ev
	internal.NS.Coll = metastore.MetastoreCollection
	_, ok = deletionFromChange(internal)
	assert.False(t, ok)

	empty := ev
	empty.UpdateDescription.UpdatedFields.Value = nil
	_, ok = deletionFromChange(empty)
	assert.False(t, ok)
}

func TestDeletionPipeline(t *testing.T) {
	p := deletionPipeline()
	require.Len(t, p, 1)
	match, ok := p[0][0].Value.(bson.D)
	require.True(t, ok)
	assert.Equal(t, "update", match[0].Value)
	assert.Equal(t, "updateDescription.updatedFields.value.deleted", match[1].Key)
}

func TestConnect_RequiresURI(t *testing.T) {
	_, err := Connect(context.Background(), Options{}, zerolog.Nop())
	assert.Error(t, err)
}
