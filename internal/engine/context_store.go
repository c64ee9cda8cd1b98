package engine

import (
	"github.com/rawblock/attack-detector/pkg/models"
)

// Context Store
//
// Victim and profit metadata keyed by the transaction hash it was observed
// on. Bounded by FIFO eviction on transaction-hash keys: when capacity is
// exceeded the oldest transaction's entries are dropped wholesale.
type contextStore struct {
	entries map[string][]models.ContextEntry
	order   []string
	max     int
}

func newContextStore(max int) *contextStore {
	return &contextStore{
		entries: make(map[string][]models.ContextEntry),
		max:     max,
	}
}

// Append adds a context entry under the transaction hash.
func (cs *contextStore) Append(txHash string, entry models.ContextEntry) {
	if _, ok := cs.entries[txHash]; !ok {
		cs.order = append(cs.order, txHash)
	}
	cs.entries[txHash] = append(cs.entries[txHash], entry)

	for len(cs.entries) > cs.max {
		oldest := cs.order[0]
		cs.order = cs.order[1:]
		delete(cs.entries, oldest)
	}
}

func (cs *contextStore) Len() int {
	return len(cs.entries)
}

// LookupVictim scans the records' transaction hashes for the first victim
// entry and returns its address1/tag1 fields plus the raw metadata.
func (cs *contextStore) LookupVictim(records []models.AlertRecord) (address, name string, metadata map[string]string) {
	for _, rec := range records {
		for _, entry := range cs.entries[rec.TransactionHash] {
			if entry.BotType != "victim" {
				continue
			}
			return entry.Metadata["address1"], entry.Metadata["tag1"], entry.Metadata
		}
	}
	return "", "", nil
}

// LookupLoss scans Exploitation-stage records for a profit entry and derives
// a loss string from its first profit1 field.
func (cs *contextStore) LookupLoss(records []models.AlertRecord) string {
	for _, rec := range records {
		if rec.Stage != models.StageExploitation {
			continue
		}
		for _, entry := range cs.entries[rec.TransactionHash] {
			if entry.BotType != "profit" {
				continue
			}
			if profit, ok := entry.Metadata["profit1"]; ok {
				return "Loss of " + profit
			}
		}
	}
	return ""
}

type contextSnapshot struct {
	Entries map[string][]models.ContextEntry `json:"entries"`
	Order   []string                         `json:"order"`
}

func (cs *contextStore) snapshot() contextSnapshot {
	return contextSnapshot{Entries: cs.entries, Order: cs.order}
}

func (cs *contextStore) restore(snap contextSnapshot) {
	if snap.Entries == nil {
		snap.Entries = make(map[string][]models.ContextEntry)
	}
	cs.entries = snap.Entries
	cs.order = snap.Order
	if len(cs.order) < len(cs.entries) {
		seen := make(map[string]bool, len(cs.order))
		for _, h := range cs.order {
			seen[h] = true
		}
		for h := range cs.entries {
			if !seen[h] {
				cs.order = append(cs.order, h)
			}
		}
	}
}
