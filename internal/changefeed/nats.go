// Package changefeed delivers deletion events published on a NATS subject, for
// metadata stores without a native change stream.
package changefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/countitems/internal/metastore"
	"github.com/tunnelmesh/countitems/internal/metrics"
)

// DefaultSubject is the subject deletion events are published on.
const DefaultSubject = "countitems.deletions"

const defaultBuffer = 1024

// Feed subscribes to deletion events on one subject.
type Feed struct {
	nc      *nats.Conn
	subject string
	closed  chan struct{}
	metrics *metrics.ScannerMetrics
	logger  zerolog.Logger
}

var _ metastore.ChangeFeed = (*Feed)(nil)

// Connect dials the NATS server. The connection reconnects on its own; a closed
// connection ends every open subscription. m may be nil.
func Connect(url, subject string, m *metrics.ScannerMetrics, logger zerolog.Logger, opts ...nats.Option) (*Feed, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	f := &Feed{
		subject: subject,
		closed:  make(chan struct{}),
		metrics: m,
		logger:  logger.With().Str("component", "changefeed").Str("subject", subject).Logger(),
	}

	opts = append([]nats.Option{
		nats.Name("countitems"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			f.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			f.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(f.closed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			f.asyncError(sub, err)
		}),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to NATS: %v", metastore.ErrChangeFeed, err)
	}
	f.nc = nc
	return f, nil
}

// asyncError handles errors NATS reports outside of any call. A slow consumer
// means the subscription buffer overflowed and deletion events were lost; the
// affected tallies are only repaired by the next full refresh.
func (f *Feed) asyncError(sub *nats.Subscription, err error) {
	if !errors.Is(err, nats.ErrSlowConsumer) {
		f.logger.Warn().Err(err).Msg("NATS async error")
		return
	}
	ev := f.logger.Error().Err(err)
	if sub != nil {
		if dropped, derr := sub.Dropped(); derr == nil {
			ev = ev.Int("dropped_total", dropped)
		}
	}
	ev.Msg("Change feed consumer too slow, deletion events dropped")
	f.metrics.FeedDropped()
}

// Close drains and closes the connection.
func (f *Feed) Close() {
	if f.nc != nil {
		f.nc.Close()
	}
}

// Subscribe starts a channel subscription on the feed subject.
func (f *Feed) Subscribe(ctx context.Context) (metastore.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan *nats.Msg, defaultBuffer)
	sub, err := f.nc.ChanSubscribe(f.subject, ch)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", metastore.ErrChangeFeed, f.subject, err)
	}
	return &subscription{sub: sub, msgs: ch, closed: f.closed, logger: f.logger}, nil
}

type subscription struct {
	sub    *nats.Subscription
	msgs   chan *nats.Msg
	closed <-chan struct{}
	logger zerolog.Logger
}

// Next returns the next well-formed event. Malformed payloads are logged and skipped.
func (s *subscription) Next(ctx context.Context) (metastore.DeletionEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return metastore.DeletionEvent{}, ctx.Err()
		case <-s.closed:
			return metastore.DeletionEvent{}, fmt.Errorf("%w: connection closed", metastore.ErrChangeFeed)
		case msg := <-s.msgs:
			ev, err := Decode(msg.Data)
			if err != nil {
				s.logger.Warn().Err(err).Int("bytes", len(msg.Data)).Msg("dropping malformed deletion event")
				continue
			}
			return ev, nil
		}
	}
}

func (s *subscription) Close() error {
	if s.sub == nil {
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}

// Decode parses a JSON deletion event. Numbers stay json.Number so record sizes
// are validated like stored ones.
func Decode(data []byte) (metastore.DeletionEvent, error) {
	var ev metastore.DeletionEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return ev, fmt.Errorf("decode deletion event: %w", err)
	}
	if ev.Bucket == "" {
		return ev, errors.New("deletion event without bucket")
	}
	if ev.Record.Key == "" {
		return ev, errors.New("deletion event without record key")
	}
	return ev, nil
}

// Encode serializes an event for publication.
func Encode(ev metastore.DeletionEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// Publish sends one deletion event on the feed subject and waits for the server
// to acknowledge the flush.
func (f *Feed) Publish(ev metastore.DeletionEvent) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := f.nc.Publish(f.subject, data); err != nil {
		return fmt.Errorf("%w: publish: %v", metastore.ErrChangeFeed, err)
	}
	return f.nc.Flush()
}
