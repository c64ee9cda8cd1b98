package engine

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/attack-detector/internal/registry"
	"github.com/rawblock/attack-detector/pkg/models"
)

// Decision Engine
//
// Evaluates one cluster against the accumulated evidence window and decides
// whether a finding is emitted, at which tier, and with which enrichment.
// Tier order is fixed; the first matching tier wins and records the cluster
// in its already-alerted set so each tier fires at most once per cluster.

var attackLabelTerms = []string{"attack", "phish", "hack", "heist", "exploit", "scam", "fraud"}

// evaluateCluster runs the full decision pipeline for a cluster after a
// base-bot record has been appended to its window.
func (e *Engine) evaluateCluster(ctx context.Context, ev *models.AlertEvent, cluster string) *models.Finding {
	records := e.alerts.Records(cluster)

	preciseCount := e.highlyPreciseCount(records)

	// Gate: enough independent detectors, or one highly precise one.
	distinctBots := e.alerts.DistinctBots(cluster)
	if distinctBots < registry.MinAlertsCount && preciseCount == 0 {
		return nil
	}

	stageScores := e.alerts.StageScores(cluster)
	score := e.alerts.AggregateScore(cluster)
	nStages := len(stageScores)
	log.Printf("[Decision] alert %s - %s: %d bots, %d stages, aggregate score %g", ev.Alert.Hash, cluster, distinctBots, nStages, score)

	// Trigger predicate.
	if !(score < registry.LooseThreshold || nStages == 4 || (preciseCount > 0 && nStages > 1)) {
		return nil
	}

	// On an L2 deployment, purely L1 evidence never emits.
	if registry.IsL2(e.chainID) && !e.hasRecordOnChain(records, e.chainID) {
		log.Printf("[Decision] alert %s - no record on chain %d for %s, suppressing", ev.Alert.Hash, e.chainID, cluster)
		return nil
	}

	// A cluster made up entirely of contracts is not an attacker EOA.
	if e.chain.IsContract(ctx, cluster) {
		log.Printf("[Decision] alert %s - %s is a contract, suppressing", ev.Alert.Hash, cluster)
		return nil
	}

	fpMitigated := false

	label := strings.ToLower(e.labels.Label(ctx, cluster))
	if label != "" && !containsAny(label, attackLabelTerms) {
		log.Printf("[Decision] alert %s - non-attacker label %q for %s", ev.Alert.Hash, label, cluster)
		fpMitigated = true
	}

	if e.chainID == registry.PolygonChainID {
		if len(records) > registry.PolygonValidatorAlertCountThreshold ||
			e.chain.IsPolygonValidator(ctx, cluster, ev.Alert.Source.TransactionHash) {
			log.Printf("[Decision] alert %s - %s matches polygon validator heuristics", ev.Alert.Hash, cluster)
			fpMitigated = true
		}
	}

	if e.fpMitigation.Contains(cluster) {
		log.Printf("[Decision] alert %s - %s is FP mitigated", ev.Alert.Hash, cluster)
		fpMitigated = true
	}

	endUser := e.endUserAttack.Contains(cluster)
	if endUser {
		log.Printf("[Decision] alert %s - end user attack identified for %s, downgrading", ev.Alert.Hash, cluster)
	}

	victimAddress, victimName, victimMetadata := e.context.LookupVictim(records)
	lossInfo := e.context.LookupLoss(records)

	strictAlerted := e.alertedStrict.Contains(cluster)
	looseAlerted := e.alertedLoose.Contains(cluster)

	tier1 := nStages == 4 && !strictAlerted
	tier2 := ((preciseCount > 0 && nStages > 1) || preciseCount > 1) && !strictAlerted
	tier3 := distinctBots >= registry.MinAlertsCount && score < registry.StrictThreshold && !strictAlerted
	tier4 := distinctBots >= registry.MinAlertsCount && score < registry.LooseThreshold && !looseAlerted && !strictAlerted
	// The downgraded tiers re-check the un-downgraded conditions, minus the
	// precise>1 shortcut.
	downgraded := (nStages == 4 && !strictAlerted) ||
		(preciseCount > 0 && nStages > 1 && !strictAlerted) ||
		(distinctBots >= registry.MinAlertsCount && score < registry.StrictThreshold && !strictAlerted) ||
		(distinctBots >= registry.MinAlertsCount && score < registry.LooseThreshold && !looseAlerted && !strictAlerted)

	var (
		alertID  string
		severity string
	)
	switch {
	case !endUser && !fpMitigated && tier1:
		alertID, severity = "ATTACK-DETECTOR-1", models.SeverityCritical
		e.alertedStrict.Add(cluster)
	case !endUser && !fpMitigated && tier2:
		alertID, severity = "ATTACK-DETECTOR-2", models.SeverityCritical
		e.alertedStrict.Add(cluster)
	case !endUser && !fpMitigated && tier3:
		alertID, severity = "ATTACK-DETECTOR-3", models.SeverityCritical
		e.alertedStrict.Add(cluster)
	case !endUser && !fpMitigated && tier4:
		alertID, severity = "ATTACK-DETECTOR-4", models.SeverityLow
		e.alertedLoose.Add(cluster)
	case !endUser && fpMitigated && !e.alertedFPMitigated.Contains(cluster) && downgraded:
		alertID, severity = "ATTACK-DETECTOR-5", models.SeverityInfo
		e.alertedFPMitigated.Add(cluster)
	case endUser && !fpMitigated && !e.alertedFPMitigated.Contains(cluster) && downgraded:
		alertID, severity = "ATTACK-DETECTOR-6", models.SeverityInfo
		e.alertedFPMitigated.Add(cluster)
	default:
		log.Printf("[Decision] alert %s - not raising finding for %s, already alerted", ev.Alert.Hash, cluster)
		return nil
	}

	log.Printf("[Decision] alert %s - %s %s finding for %s, anomaly score %g", ev.Alert.Hash, alertID, severity, cluster, score)
	return e.buildFinding(ev, cluster, alertID, severity, score, stageScores, victimAddress, victimName, victimMetadata, lossInfo)
}

func (e *Engine) buildFinding(ev *models.AlertEvent, cluster, alertID, severity string, score float64, stageScores map[string]float64, victimAddress, victimName string, victimMetadata map[string]string, lossInfo string) *models.Finding {
	victimAddress = strings.ToLower(victimAddress)

	description := fmt.Sprintf("%s likely involved in an attack (%s). Anomaly score: %g", cluster, alertID, score)
	if victimAddress != "" {
		description += fmt.Sprintf(" Victim: %s (%s).", victimAddress, victimName)
	}
	if lossInfo != "" {
		description += " " + lossInfo + "."
	}

	metadata := map[string]string{
		"anomaly_score":       formatScore(score),
		"involved_alert_hash": ev.Alert.Hash,
	}
	for stage, s := range stageScores {
		metadata["anomaly_score_"+strings.ToLower(stage)] = formatScore(s)
	}
	for key, value := range victimMetadata {
		metadata["victim_"+key] = value
	}

	return &models.Finding{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		AlertID:       alertID,
		Severity:      severity,
		Name:          "Attack detector identified an EOA with past alert history",
		Description:   description,
		Cluster:       cluster,
		VictimAddress: victimAddress,
		VictimName:    victimName,
		LossInfo:      lossInfo,
		AnomalyScore:  score,
		ChainID:       e.chainID,
		AlertHash:     ev.Alert.Hash,
		Metadata:      metadata,
	}
}

// highlyPreciseCount counts distinct highly-precise (botId, alertId) pairs in
// the window.
func (e *Engine) highlyPreciseCount(records []models.AlertRecord) int {
	pairs := make(map[registry.BotAlert]bool)
	for _, rec := range records {
		pairs[registry.BotAlert{BotID: rec.BotID, AlertID: rec.AlertID}] = true
	}
	count := 0
	for pair := range pairs {
		if e.registry.IsHighlyPrecise(pair.BotID, pair.AlertID) {
			count++
		}
	}
	return count
}

func (e *Engine) hasRecordOnChain(records []models.AlertRecord, chainID int64) bool {
	for _, rec := range records {
		if rec.ChainID == chainID {
			return true
		}
	}
	return false
}

// anomalyScore extracts the alert's anomaly score. Missing or unparseable
// scores default to 1.0 (no anomaly signal); non-positive scores take the
// configured default and scores above 1 clamp to 1.
func anomalyScore(ev *models.AlertEvent) float64 {
	raw, ok := ev.Alert.Metadata["anomaly_score"]
	if !ok {
		raw, ok = ev.Alert.Metadata["anomalyScore"]
	}
	if !ok {
		log.Printf("[Decision] alert %s - no anomaly score in metadata, treating as 1.0", ev.Alert.Hash)
		return 1.0
	}

	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("[Decision] alert %s - unparseable anomaly score %q, treating as 1.0", ev.Alert.Hash, raw)
		return 1.0
	}
	if score <= 0 {
		log.Printf("[Decision] alert %s - non-positive anomaly score %g, treating as %g", ev.Alert.Hash, score, registry.DefaultAnomalyScore)
		return registry.DefaultAnomalyScore
	}
	if score > 1 {
		log.Printf("[Decision] alert %s - anomaly score %g above 1, clamping", ev.Alert.Hash, score)
		return 1.0
	}
	return score
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'g', -1, 64)
}

func containsAny(s string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}
