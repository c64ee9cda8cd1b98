package models

import "time"

// Finding severities, ordered. Tiers 1-3 emit critical, tier 4 low, 5-6 info.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Finding is a consolidated multi-stage attack verdict for one cluster.
// AlertID carries the tier (ATTACK-DETECTOR-1 .. ATTACK-DETECTOR-6).
type Finding struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	AlertID       string            `json:"alertId"`
	Severity      string            `json:"severity"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Cluster       string            `json:"cluster"`
	VictimAddress string            `json:"victimAddress,omitempty"`
	VictimName    string            `json:"victimName,omitempty"`
	LossInfo      string            `json:"lossInfo,omitempty"`
	AnomalyScore  float64           `json:"anomalyScore"`
	ChainID       int64             `json:"chainId"`
	AlertHash     string            `json:"alertHash"`
	Metadata      map[string]string `json:"metadata"`
}

// SeverityRank maps a severity to its ordinal for threshold comparisons.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}
