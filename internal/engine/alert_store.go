package engine

import (
	"time"

	"github.com/rawblock/attack-detector/pkg/models"
)

// Alert Store
//
// Per-cluster, time-windowed collection of base-bot alert records. Append is
// O(1); pruning discards records at or past the lookback horizon so no stale
// record ever feeds a decision. The decision engine reads a cluster's records
// as a set; ordering within the window is irrelevant.
type alertStore struct {
	records map[string][]models.AlertRecord
}

func newAlertStore() *alertStore {
	return &alertStore{records: make(map[string][]models.AlertRecord)}
}

// Append adds a record under the cluster key.
func (as *alertStore) Append(cluster string, rec models.AlertRecord) {
	as.records[cluster] = append(as.records[cluster], rec)
}

// Prune drops records with createdAt at or before windowStart. The cluster
// entry is removed entirely when nothing survives.
func (as *alertStore) Prune(cluster string, windowStart time.Time) {
	recs := as.records[cluster]
	kept := recs[:0]
	for _, rec := range recs {
		if rec.CreatedAt.After(windowStart) {
			kept = append(kept, rec)
		}
	}
	if len(kept) == 0 {
		delete(as.records, cluster)
		return
	}
	as.records[cluster] = kept
}

// Records returns the current window for a cluster.
func (as *alertStore) Records(cluster string) []models.AlertRecord {
	return as.records[cluster]
}

// Remove deletes and returns a cluster's records, for migration on
// cluster-membership events.
func (as *alertStore) Remove(cluster string) ([]models.AlertRecord, bool) {
	recs, ok := as.records[cluster]
	if ok {
		delete(as.records, cluster)
	}
	return recs, ok
}

// Merge concatenates records into the cluster's series, creating it if absent.
func (as *alertStore) Merge(cluster string, recs []models.AlertRecord) {
	as.records[cluster] = append(as.records[cluster], recs...)
}

func (as *alertStore) Len() int {
	return len(as.records)
}

// DistinctBots counts distinct bot ids currently in the cluster's window.
func (as *alertStore) DistinctBots(cluster string) int {
	bots := make(map[string]bool)
	for _, rec := range as.records[cluster] {
		bots[rec.BotID] = true
	}
	return len(bots)
}

// StageScores collapses the window to the minimum score per stage, taken over
// the set of distinct (stage, score) pairs. De-duplicating first makes the
// result invariant under repeated identical alerts; taking the minimum keeps
// stage-internal repetition from inflating the product while still letting a
// single very anomalous alert pull it down.
func (as *alertStore) StageScores(cluster string) map[string]float64 {
	type pair struct {
		stage string
		score float64
	}
	seen := make(map[pair]bool)
	mins := make(map[string]float64)
	for _, rec := range as.records[cluster] {
		p := pair{rec.Stage, rec.AnomalyScore}
		if seen[p] {
			continue
		}
		seen[p] = true
		if min, ok := mins[rec.Stage]; !ok || rec.AnomalyScore < min {
			mins[rec.Stage] = rec.AnomalyScore
		}
	}
	return mins
}

// AggregateScore is the product of per-stage minimum scores across the stages
// present in the window. Stages not represented contribute nothing.
func (as *alertStore) AggregateScore(cluster string) float64 {
	score := 1.0
	for _, s := range as.StageScores(cluster) {
		score *= s
	}
	return score
}

func (as *alertStore) snapshot() map[string][]models.AlertRecord {
	return as.records
}

func (as *alertStore) restore(records map[string][]models.AlertRecord) {
	if records == nil {
		records = make(map[string][]models.AlertRecord)
	}
	as.records = records
}
