package models

import (
	"strings"
	"time"
)

// Attack stages of the kill chain. Every base-bot alert maps to exactly one.
const (
	StageFunding         = "Funding"
	StageMoneyLaundering = "MoneyLaundering"
	StagePreparation     = "Preparation"
	StageExploitation    = "Exploitation"
)

// Label is a reputation tag attached to an entity by an upstream detector.
type Label struct {
	Label      string  `json:"label"`
	Entity     string  `json:"entity"`
	Confidence float64 `json:"confidence"`
}

// Bot identifies the upstream detector that produced an alert.
type Bot struct {
	ID string `json:"id"`
}

// Block is the chain location an alert was observed at.
type Block struct {
	ChainID int64  `json:"chainId"`
	Number  uint64 `json:"number"`
}

// Source ties an alert to its producing bot and on-chain origin.
type Source struct {
	Bot             Bot    `json:"bot"`
	Block           Block  `json:"block"`
	TransactionHash string `json:"transactionHash"`
}

// Alert is a single event delivered by the alert bus. CreatedAt arrives as an
// RFC-3339 timestamp with a sub-second fragment and is truncated to
// microsecond precision when parsed.
type Alert struct {
	Hash        string            `json:"hash"`
	AlertID     string            `json:"alertId"`
	CreatedAt   string            `json:"createdAt"`
	Description string            `json:"description"`
	Addresses   []string          `json:"addresses"`
	Metadata    map[string]string `json:"metadata"`
	Labels      []Label           `json:"labels"`
	Source      Source            `json:"source"`
}

// AlertEvent is the bus envelope around a single alert.
type AlertEvent struct {
	Alert Alert `json:"alert"`
}

// BotID returns the id of the bot that produced the alert.
func (e *AlertEvent) BotID() string {
	return e.Alert.Source.Bot.ID
}

// CreatedAt parses the alert timestamp, truncated to microseconds. A zero
// time is returned when the timestamp is missing or malformed.
func (e *AlertEvent) CreatedAt() time.Time {
	ts, err := time.Parse(time.RFC3339Nano, e.Alert.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC().Truncate(time.Microsecond)
}

// AlertRecord is one base-bot observation attributed to a cluster, held in
// the per-cluster window of the alert store.
type AlertRecord struct {
	Stage           string    `json:"stage"`
	CreatedAt       time.Time `json:"created_at"`
	AnomalyScore    float64   `json:"anomaly_score"`
	AlertHash       string    `json:"alert_hash"`
	BotID           string    `json:"bot_id"`
	AlertID         string    `json:"alert_id"`
	ChainID         int64     `json:"chain_id,omitempty"`
	Addresses       []string  `json:"addresses"`
	TransactionHash string    `json:"transaction_hash"`
}

// ContextEntry is victim or profit metadata observed on a transaction by a
// context bot. Keys are bot-specific and unstructured.
type ContextEntry struct {
	BotType  string            `json:"bot_type"` // victim or profit
	Metadata map[string]string `json:"metadata"`
}

// NormalizeAddress lowercases an address for use as a store key.
func NormalizeAddress(address string) string {
	return strings.ToLower(address)
}
