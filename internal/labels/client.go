package labels

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"
)

// Client queries an external label API for address reputation. The decision
// engine treats labels as advisory, so every failure path degrades to "no
// label" rather than an error.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type labelResponse struct {
	Events []struct {
		Label struct {
			Label string `json:"label"`
		} `json:"label"`
	} `json:"events"`
}

// Label returns the first label reported for the address, or "" when there is
// none or the lookup fails.
func (c *Client) Label(ctx context.Context, address string) string {
	if c.baseURL == "" {
		return ""
	}

	endpoint := fmt.Sprintf("%s/labels/state?entities=%s", c.baseURL, url.QueryEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		log.Printf("[Labels] build request for %s: %v", address, err)
		return ""
	}

	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("[Labels] lookup for %s: %v", address, err)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[Labels] lookup for %s: status %d", address, resp.StatusCode)
		return ""
	}

	var body labelResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Printf("[Labels] decode response for %s: %v", address, err)
		return ""
	}
	if len(body.Events) == 0 {
		return ""
	}
	return body.Events[0].Label.Label
}
