package state

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go"
)

// ChangeHandler receives one KV change of a watched collection.
type ChangeHandler func(ctx context.Context, collection, key string, deleted bool) error

// ChangeConsumer consumes KV update and delete-marker events of collection buckets.
// Params: subscriptions bound to the store connection.
// Returns: consumer lifecycle handle.
type ChangeConsumer struct {
	subs []*nats.Subscription
}

// WatchCollections starts an ephemeral consumer per collection bucket delivering new changes only.
// Every instance gets every change; a handler error naks the message for redelivery.
// Params: collections to watch and callback.
// Returns: running consumer or setup error.
func (s *NATSStore) WatchCollections(collections []string, handler ChangeHandler) (*ChangeConsumer, error) {
	consumer := &ChangeConsumer{}
	for _, collection := range collections {
		if _, err := s.bucket(collection); err != nil {
			_ = consumer.Close()
			return nil, err
		}
		bucket := s.bucketName(collection)
		name := collection
		sub, err := s.js.Subscribe("$KV."+bucket+".>", func(message *nats.Msg) {
			key := extractKVKeyFromSubject(bucket, message.Subject)
			if key == "" || handler == nil {
				_ = message.Ack()
				return
			}
			operation := message.Header.Get("KV-Operation")
			deleted := operation == "DEL" || operation == "PURGE" || message.Header.Get("Nats-Marker-Reason") != ""
			if err := handler(context.Background(), name, key, deleted); err != nil {
				_ = message.Nak()
				return
			}
			_ = message.Ack()
		},
			nats.BindStream("KV_"+bucket),
			nats.ManualAck(),
			nats.DeliverNew(),
			nats.AckExplicit(),
		)
		if err != nil {
			_ = consumer.Close()
			return nil, err
		}
		consumer.subs = append(consumer.subs, sub)
	}
	return consumer, nil
}

// Close unsubscribes all collection consumers.
// Params: none.
// Returns: first unsubscribe error.
func (c *ChangeConsumer) Close() error {
	var firstErr error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.subs = nil
	return firstErr
}

// extractKVKeyFromSubject extracts key from $KV.<bucket>.<key> subject.
// Params: bucket name and full subject.
// Returns: decoded key or empty on mismatch.
func extractKVKeyFromSubject(bucket, subject string) string {
	prefix := "$KV." + bucket + "."
	if !strings.HasPrefix(subject, prefix) {
		return ""
	}
	return strings.TrimPrefix(subject, prefix)
}
