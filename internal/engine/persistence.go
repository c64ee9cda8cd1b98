package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/rawblock/attack-detector/pkg/models"
)

// State keys. Values are chain-qualified so deployments for different chains
// can share one backing store.
const (
	keyAlerts             = "alerts"
	keyEntityClusters     = "entity_clusters"
	keyFPMitigation       = "fp_mitigation_clusters"
	keyEndUserAttack      = "end_user_attack_clusters"
	keyContext            = "context"
	keyAlertedStrict      = "alerted_clusters_strict"
	keyAlertedLoose       = "alerted_clusters_loose"
	keyAlertedFPMitigated = "alerted_clusters_fp_mitigated"
)

func (e *Engine) stateKey(key string) string {
	return fmt.Sprintf("%d-%s", e.chainID, key)
}

// Persist snapshots all engine state to the backing store. Individual save
// failures are logged and skipped; the next persist cycle retries.
func (e *Engine) Persist(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.persistLocked(ctx)
}

func (e *Engine) persistLocked(ctx context.Context) {
	e.saveJSON(ctx, keyAlerts, e.alerts.snapshot())
	e.saveJSON(ctx, keyEntityClusters, e.clusters.snapshot())
	e.saveJSON(ctx, keyContext, e.context.snapshot())
	e.saveJSON(ctx, keyFPMitigation, e.fpMitigation.Items())
	e.saveJSON(ctx, keyEndUserAttack, e.endUserAttack.Items())
	e.saveJSON(ctx, keyAlertedStrict, e.alertedStrict.Items())
	e.saveJSON(ctx, keyAlertedLoose, e.alertedLoose.Items())
	e.saveJSON(ctx, keyAlertedFPMitigated, e.alertedFPMitigated.Items())
}

func (e *Engine) saveJSON(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		log.Printf("[Persist] marshal %s: %v", key, err)
		return
	}
	if err := e.store.Save(ctx, e.stateKey(key), data); err != nil {
		log.Printf("[Persist] save %s: %v", key, err)
	}
}

// restore loads all engine state from the backing store. A missing or
// unreadable key leaves that store empty; a cold start is not an error.
func (e *Engine) restore(ctx context.Context) {
	var records map[string][]models.AlertRecord
	if e.loadJSON(ctx, keyAlerts, &records) {
		e.alerts.restore(records)
	}

	var clusters clusterIndexSnapshot
	if e.loadJSON(ctx, keyEntityClusters, &clusters) {
		e.clusters.restore(clusters)
	}

	var contexts contextSnapshot
	if e.loadJSON(ctx, keyContext, &contexts) {
		e.context.restore(contexts)
	}

	e.restoreSet(ctx, keyFPMitigation, e.fpMitigation)
	e.restoreSet(ctx, keyEndUserAttack, e.endUserAttack)
	e.restoreSet(ctx, keyAlertedStrict, e.alertedStrict)
	e.restoreSet(ctx, keyAlertedLoose, e.alertedLoose)
	e.restoreSet(ctx, keyAlertedFPMitigated, e.alertedFPMitigated)

	log.Printf("[Persist] restored state for chain %d: %d alert clusters, %d entity clusters, %d context transactions",
		e.chainID, e.alerts.Len(), e.clusters.Len(), e.context.Len())
}

func (e *Engine) restoreSet(ctx context.Context, key string, set *fifoSet) {
	var items []string
	if e.loadJSON(ctx, key, &items) {
		set.Restore(items)
	}
}

func (e *Engine) loadJSON(ctx context.Context, key string, target any) bool {
	data, err := e.store.Load(ctx, e.stateKey(key))
	if err != nil {
		log.Printf("[Persist] load %s: %v, starting empty", key, err)
		return false
	}
	if len(data) == 0 {
		return false
	}
	if err := json.Unmarshal(data, target); err != nil {
		log.Printf("[Persist] decode %s: %v, starting empty", key, err)
		return false
	}
	return true
}
