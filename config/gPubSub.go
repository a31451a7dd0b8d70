package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

const DefaultRunTopic = "eboekhouden-run"

// RunMessage asks a worker to execute a queued migration run.
type RunMessage struct {
	RunId         uint   `json:"run_id"`
	BusinessId    string `json:"business_id"`
	CorrelationId string `json:"correlation_id,omitempty"`
}

// Validate rejects messages no worker could act on.
func (m RunMessage) Validate() error {
	if m.RunId == 0 || strings.TrimSpace(m.BusinessId) == "" {
		return errors.New("run_id and business_id are required")
	}
	return nil
}

// Attributes are copied onto the Pub/Sub message so subscriptions can filter by business.
func (m RunMessage) Attributes() map[string]string {
	attrs := map[string]string{
		"business_id": m.BusinessId,
		"run_id":      strconv.FormatUint(uint64(m.RunId), 10),
	}
	if m.CorrelationId != "" {
		attrs["correlation_id"] = m.CorrelationId
	}
	return attrs
}

var (
	pubsubMu     sync.Mutex
	pubsubClient *pubsub.Client
	runTopics    = map[string]*pubsub.Topic{}
)

// GetClient returns the shared Pub/Sub client. It uses Application Default Credentials
// unless PUBSUB_CREDENTIALS_JSON is provided, and keeps retrying until ctx is done.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := pubsubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}

	for attempt := 1; ; attempt++ {
		c, err := pubsub.NewClient(ctx, projectID, opts...)
		if err == nil {
			pubsubClient = c
			logg.WithFields(logrus.Fields{"project_id": projectID, "attempt": attempt}).Info("pubsub client ready")
			return c, nil
		}
		sleep := backoff(attempt)
		logg.WithFields(logrus.Fields{"project_id": projectID, "attempt": attempt, "retry_in": sleep.String()}).Warnf("pubsub client init failed: %v", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func pubsubProjectID() string {
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

// runTopic returns a cached topic handle with ordering on, so runs queued for one
// business are delivered in the order they were started.
func runTopic(client *pubsub.Client, name string) *pubsub.Topic {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	if t, ok := runTopics[name]; ok {
		return t
	}
	t := client.Topic(name)
	t.EnableMessageOrdering = true
	runTopics[name] = t
	return t
}

// ClosePubSub flushes pending publishes. Call on shutdown.
func ClosePubSub() {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	for name, t := range runTopics {
		t.Stop()
		delete(runTopics, name)
	}
	if pubsubClient != nil {
		_ = pubsubClient.Close()
		pubsubClient = nil
	}
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// CreatePushSubscriptionIfNotExists wires the run topic to the service's push endpoint.
// An existing subscription is left as it is.
func CreatePushSubscriptionIfNotExists(ctx context.Context, client *pubsub.Client, name string, topic *pubsub.Topic, endpoint string) (*pubsub.Subscription, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if name == "" || topic == nil {
		return nil, errors.New("subscription name and topic are required")
	}
	sub := client.Subscription(name)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription exists: %w", err)
	}
	if exists {
		return sub, nil
	}
	cfg := pubsub.SubscriptionConfig{
		Topic: topic,
		// The push handler returns only when the run ends.
		AckDeadline:           600 * time.Second,
		EnableMessageOrdering: true,
		RetryPolicy: &pubsub.RetryPolicy{
			MinimumBackoff: 30 * time.Second,
			MaximumBackoff: 600 * time.Second,
		},
	}
	if endpoint != "" {
		cfg.PushConfig = pubsub.PushConfig{Endpoint: endpoint}
	}
	sub, err = client.CreateSubscription(ctx, name, cfg)
	if err != nil {
		return nil, fmt.Errorf("create subscription %q: %w", name, err)
	}
	return sub, nil
}

// RunTopicName is EBOEKHOUDEN_RUN_TOPIC or the default topic.
func RunTopicName() string {
	if v := strings.TrimSpace(os.Getenv("EBOEKHOUDEN_RUN_TOPIC")); v != "" {
		return v
	}
	return DefaultRunTopic
}

// PublishRun publishes msg keyed by business and returns the server-assigned message ID.
func PublishRun(ctx context.Context, topicName string, msg RunMessage) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	client, err := GetClient(ctx)
	if err != nil {
		return "", err
	}
	if EnvBool("EBOEKHOUDEN_CREATE_TOPIC", false) {
		if _, err := CreateTopicIfNotExists(ctx, client, topicName); err != nil {
			return "", err
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	t := runTopic(client, topicName)
	id, err := t.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  msg.Attributes(),
		OrderingKey: msg.BusinessId,
	}).Get(ctx)
	if err != nil {
		// A failed publish pauses the ordering key until resumed.
		t.ResumePublish(msg.BusinessId)
		return "", err
	}
	return id, nil
}
