package emitter

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/rawblock/attack-detector/pkg/models"
)

// Finding Emitter
//
// Structured finding emission for downstream consumers. Findings are:
//   1. Broadcast via WebSocket to connected dashboards
//   2. Pushed to registered webhook endpoints (Slack, Discord, SIEM)
//   3. Stored in memory for recent finding history
//
// Webhook payloads follow a common JSON format compatible with
// Slack incoming webhooks, Discord webhooks, and PagerDuty Events API.

// WebhookEndpoint is a registered webhook receiver
type WebhookEndpoint struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Enabled     bool              `json:"enabled"`
	Headers     map[string]string `json:"headers,omitempty"`
	MinSeverity string            `json:"minSeverity"` // Only send findings >= this severity
}

// Emitter handles finding distribution and webhook delivery
type Emitter struct {
	mu             sync.RWMutex
	webhooks       []WebhookEndpoint
	recentFindings []models.Finding
	maxHistory     int
	httpClient     *http.Client
	broadcastFn    func(models.Finding) // WebSocket broadcast callback
	archiveFn      func(models.Finding) // durable archive callback
}

// New creates a finding emitter. Either callback may be nil.
func New(broadcastFn, archiveFn func(models.Finding)) *Emitter {
	return &Emitter{
		webhooks:       make([]WebhookEndpoint, 0),
		recentFindings: make([]models.Finding, 0),
		maxHistory:     1000,
		httpClient:     &http.Client{Timeout: 5 * time.Second},
		broadcastFn:    broadcastFn,
		archiveFn:      archiveFn,
	}
}

// RegisterWebhook adds a webhook endpoint
func (e *Emitter) RegisterWebhook(name, url, minSeverity string, headers map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.webhooks = append(e.webhooks, WebhookEndpoint{
		Name:        name,
		URL:         url,
		Enabled:     true,
		Headers:     headers,
		MinSeverity: minSeverity,
	})

	log.Printf("[Emitter] Registered webhook: %s → %s (min: %s)", name, url, minSeverity)
}

// RemoveWebhook removes a webhook by name
func (e *Emitter) RemoveWebhook(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, wh := range e.webhooks {
		if wh.Name == name {
			e.webhooks = append(e.webhooks[:i], e.webhooks[i+1:]...)
			return
		}
	}
}

// Webhooks returns the registered endpoints.
func (e *Emitter) Webhooks() []WebhookEndpoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]WebhookEndpoint, len(e.webhooks))
	copy(out, e.webhooks)
	return out
}

// Emit processes and distributes a finding
func (e *Emitter) Emit(f models.Finding) {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}

	// Store in history
	e.mu.Lock()
	e.recentFindings = append(e.recentFindings, f)
	if len(e.recentFindings) > e.maxHistory {
		e.recentFindings = e.recentFindings[len(e.recentFindings)-e.maxHistory:]
	}
	webhooks := make([]WebhookEndpoint, len(e.webhooks))
	copy(webhooks, e.webhooks)
	e.mu.Unlock()

	if e.broadcastFn != nil {
		e.broadcastFn(f)
	}
	if e.archiveFn != nil {
		e.archiveFn(f)
	}

	// Send to webhooks (async, non-blocking)
	for _, wh := range webhooks {
		if !wh.Enabled {
			continue
		}
		if !severityMeetsThreshold(f.Severity, wh.MinSeverity) {
			continue
		}
		go e.sendWebhook(wh, f)
	}

	log.Printf("[Emitter] [%s] %s: %s", f.Severity, f.AlertID, f.Description)
}

// RecentFindings returns the most recent findings, newest first
func (e *Emitter) RecentFindings(limit int) []models.Finding {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if limit <= 0 || limit > len(e.recentFindings) {
		limit = len(e.recentFindings)
	}

	start := len(e.recentFindings) - limit
	result := make([]models.Finding, limit)
	for i := 0; i < limit; i++ {
		result[i] = e.recentFindings[start+limit-1-i]
	}
	return result
}

// sendWebhook delivers a finding to a webhook endpoint
func (e *Emitter) sendWebhook(wh WebhookEndpoint, f models.Finding) {
	payload, err := json.Marshal(f)
	if err != nil {
		log.Printf("[Webhook] Failed to marshal finding: %v", err)
		return
	}

	req, err := http.NewRequest("POST", wh.URL, bytes.NewBuffer(payload))
	if err != nil {
		log.Printf("[Webhook] Failed to create request for %s: %v", wh.Name, err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	for key, val := range wh.Headers {
		req.Header.Set(key, val)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		log.Printf("[Webhook] Failed to send to %s: %v", wh.Name, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Printf("[Webhook] %s returned status %d", wh.Name, resp.StatusCode)
	}
}

// severityMeetsThreshold checks if a severity level meets the minimum
func severityMeetsThreshold(severity, minimum string) bool {
	return models.SeverityRank(severity) >= models.SeverityRank(minimum)
}
