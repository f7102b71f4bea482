package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

// PubSubMessage is the envelope published by the outbox dispatcher.
type PubSubMessage struct {
	ID            int             `json:"id"`
	BusinessId    string          `json:"business_id"`
	ReferenceId   int             `json:"reference_id"`
	ReferenceType string          `json:"reference_type"`
	Action        string          `json:"action"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationId string          `json:"correlation_id"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

func init() {
	// Load env from .env
	godotenv.Load()
}

// GetPubSubClient returns a Pub/Sub client, initializing with retries if needed.
// It uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func GetPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON")

	var attempt int
	for {
		attempt++
		var client *pubsub.Client
		var err error
		if credJSON != "" {
			client, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
		} else {
			client, err = pubsub.NewClient(ctx, projectID)
		}
		if err == nil {
			pubsubClient = client
			return pubsubClient, nil
		}
		if attempt >= 3 {
			return nil, fmt.Errorf("pubsub client after %d attempts: %w", attempt, err)
		}
		log.Printf("failed to create pubsub client (attempt=%d): %v", attempt, err)
		time.Sleep(time.Second * time.Duration(attempt))
	}
}

func getPubSubProjectID() string {
	// Prefer explicit override.
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	// Cloud Run/Cloud Functions often set this.
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	if v := os.Getenv("GCP_PROJECT"); v != "" {
		return v
	}
	return ""
}

// PublishMessage publishes msg to the given topic and waits for the server ack.
func PublishMessage(ctx context.Context, topicID string, msg PubSubMessage) (string, error) {
	client, err := GetPubSubClient(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	topic := client.Topic(topicID)
	defer topic.Stop()
	result := topic.Publish(ctx, &pubsub.Message{Data: data})
	return result.Get(ctx)
}
