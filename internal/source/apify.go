package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/linnemanlabs/whatspilot/internal/triage"
)

// maxDatasetBytes caps the size of a dataset response.
const maxDatasetBytes = 8 << 20

// Apify reads scraped messages from an Apify dataset items endpoint, e.g.
// https://api.apify.com/v2/datasets/<id>/items.
type Apify struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewApify creates a dataset client. token may be empty for public datasets.
func NewApify(endpoint, token string) *Apify {
	return &Apify{
		endpoint: endpoint,
		token:    token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type apifyItem struct {
	ID          string    `json:"id"`
	Sender      string    `json:"sender"`
	SenderPhone string    `json:"senderPhone"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Platform    string    `json:"platform"`
	IsGroup     bool      `json:"isGroup"`
	GroupName   string    `json:"groupName"`
}

// Fetch downloads the dataset items in dataset order.
func (a *Apify) Fetch(ctx context.Context) ([]triage.IncomingMessage, error) {
	u, err := url.Parse(a.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	q := u.Query()
	q.Set("format", "json")
	q.Set("clean", "true")
	if a.token != "" {
		q.Set("token", a.token)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apify fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDatasetBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("apify returned %d: %s", resp.StatusCode, string(body))
	}

	var items []apifyItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}

	out := make([]triage.IncomingMessage, 0, len(items))
	for _, it := range items {
		platform := it.Platform
		if platform == "" {
			platform = "whatsapp"
		}
		out = append(out, triage.IncomingMessage{
			ID:          it.ID,
			Sender:      it.Sender,
			SenderPhone: it.SenderPhone,
			Content:     it.Content,
			Timestamp:   it.Timestamp,
			Platform:    platform,
			IsGroup:     it.IsGroup,
			GroupName:   it.GroupName,
		})
	}
	return out, nil
}
