package countsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/stocktake_backend/models"
)

// Syncer is the transport the engine pushes through. The HTTP client below
// is the real one; tests substitute an in-memory fake.
type Syncer interface {
	Sync(ctx context.Context, participantId int, movements []*models.NewCountMovement) (*SyncResponse, error)
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = strings.TrimSpace(os.Getenv("STOCKTAKE_API_BASE_URL"))
	}
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Join(ctx context.Context, accessCode string, participantName string) (*JoinResponse, error) {
	var out JoinResponse
	err := c.postJSON(ctx, "/api/join", JoinRequest{
		AccessCode:      accessCode,
		ParticipantName: participantName,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Sync(ctx context.Context, participantId int, movements []*models.NewCountMovement) (*SyncResponse, error) {
	var out SyncResponse
	err := c.postJSON(ctx, "/api/sync", SyncRequest{
		ParticipantId: participantId,
		Movements:     movements,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in interface{}, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("stocktake api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
