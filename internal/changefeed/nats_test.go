package changefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/countitems/internal/accounting"
	"github.com/tunnelmesh/countitems/internal/metastore"
	"github.com/tunnelmesh/countitems/internal/metrics"
)

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{"bucket":"b1","record":{"_id":"o1","value":{"content-length":5,"dataStoreName":"L1","last-modified":"2024-01-01T00:00:00.000Z","deleted":true}}}`))
	require.NoError(t, err)
	assert.Equal(t, "b1", ev.Bucket)
	assert.Equal(t, "o1", ev.Record.Key)
	assert.Equal(t, json.Number("5"), ev.Record.Value.ContentLength)

	rec, err := accounting.ParseRecord(ev.Record)
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.Size)
	assert.True(t, rec.Deleted)
}

func TestDecode_Invalid(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":   `{`,
		"no bucket":  `{"record":{"_id":"o1"}}`,
		"no key":     `{"bucket":"b1","record":{}}`,
		"wrong type": `{"bucket":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			assert.Error(t, err)
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	in := metastore.DeletionEvent{Bucket: "b1", Record: accounting.RawRecord{Key: "o1",
		Value: accounting.RawValue{ContentLength: int64(9), DataStoreName: "L1"}}}
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in.Bucket, out.Bucket)
	assert.Equal(t, "L1", out.Record.Value.DataStoreName)
}

func TestSubscription_Next(t *testing.T) {
	msgs := make(chan *nats.Msg, 4)
	closed := make(chan struct{})
	sub := &subscription{msgs: msgs, closed: closed, logger: zerolog.Nop()}

	msgs <- &nats.Msg{Data: []byte(`garbage`)}
	msgs <- &nats.Msg{Data: []byte(`{"bucket":"b1","record":{"_id":"o1"}}`)}

	ev, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "o1", ev.Record.Key)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(closed)
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, metastore.ErrChangeFeed)

	assert.NoError(t, sub.Close())
}

func TestFeed_AsyncError(t *testing.T) {
	var out bytes.Buffer
	m := metrics.InitMetrics("changefeed-test")
	f := &Feed{metrics: m, logger: zerolog.New(&out)}

	f.asyncError(nil, nats.ErrSlowConsumer)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedSlowConsumer))
	assert.Contains(t, out.String(), "deletion events dropped")

	out.Reset()
	f.asyncError(nil, errors.New("permissions violation"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedSlowConsumer))
	assert.Contains(t, out.String(), "NATS async error")

	// metrics are optional
	f = &Feed{logger: zerolog.Nop()}
	assert.NotPanics(t, func() { f.asyncError(nil, nats.ErrSlowConsumer) })
}
