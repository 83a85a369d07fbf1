package accesslog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/awssnssqs" // awssns:// and awssqs:// topics
	_ "gocloud.dev/pubsub/mempubsub" // mem:// for tests and local runs

	"github.com/wudi/appgate/internal/model"
)

// TopicStore publishes each batch as one JSON array message.
type TopicStore struct {
	topic *pubsub.Topic
}

// OpenTopic opens the topic at url.
func OpenTopic(ctx context.Context, url string) (*TopicStore, error) {
	topic, err := pubsub.OpenTopic(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("accesslog: open topic %s: %w", url, err)
	}
	return &TopicStore{topic: topic}, nil
}

// WriteBatch implements Store.
func (s *TopicStore) WriteBatch(ctx context.Context, batch []*model.AccessLog) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("accesslog: encode batch: %w", err)
	}
	msg := &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			"content-type": "application/json",
			"count":        strconv.Itoa(len(batch)),
		},
	}
	if err := s.topic.Send(ctx, msg); err != nil {
		return fmt.Errorf("accesslog: publish %d entries: %w", len(batch), err)
	}
	return nil
}

// Close shuts the topic down.
func (s *TopicStore) Close() error {
	return s.topic.Shutdown(context.Background())
}
