package engine

import (
	"regexp"
	"strings"

	"github.com/rawblock/attack-detector/internal/registry"
	"github.com/rawblock/attack-detector/pkg/models"
)

// Attacker Extractor
//
// Derives candidate attacker addresses from an alert. Labels win over
// metadata, metadata wins over the raw addresses field; contract filtering is
// the decision engine's job, not the extractor's.

var (
	attackerLabelTerms = []string{"attack", "exploit", "scam"}
	attackerKeyTerms   = []string{"attack", "exploit", "scam", "caller"}

	addressPattern = regexp.MustCompile(`0x[0-9a-fA-F]{40}`)
)

// PotentialAttackers returns candidate attacker addresses for a base-bot
// alert: entities of attack-flavored labels, values of attack-flavored
// metadata keys that look like addresses, and, when both yield nothing, the
// alert's addresses field verbatim.
func PotentialAttackers(ev *models.AlertEvent) []string {
	var candidates []string

	for _, label := range ev.Alert.Labels {
		lower := strings.ToLower(label.Label)
		for _, term := range attackerLabelTerms {
			if strings.Contains(lower, term) {
				candidates = append(candidates, label.Entity)
				break
			}
		}
	}

	for key, value := range ev.Alert.Metadata {
		lower := strings.ToLower(key)
		for _, term := range attackerKeyTerms {
			if strings.Contains(lower, term) {
				if isHexAddress(value) {
					candidates = append(candidates, strings.ToLower(value))
				}
				break
			}
		}
	}

	if len(candidates) == 0 {
		return ev.Alert.Addresses
	}
	return candidates
}

// EndUserAttackAddresses pulls the attacker address out of an end-user-attack
// alert. Each bot writes it under its own metadata field, some in both
// camelCase and snake_case.
func EndUserAttackAddresses(ev *models.AlertEvent) []string {
	keysByBot := map[string][]string{
		registry.BotHardRugPull: {"attacker_deployer_address", "attackerDeployerAddress"},
		registry.BotSoftRugPull: {"deployer"},
		registry.BotRakeToken:   {"attackerRakeTokenDeployer", "attacker_rake_token_deployer"},
	}

	keys, ok := keysByBot[ev.BotID()]
	if !ok {
		return nil
	}

	seen := make(map[string]bool)
	var addresses []string
	for _, key := range keys {
		if value, ok := ev.Alert.Metadata[key]; ok && value != "" {
			lower := strings.ToLower(value)
			if !seen[lower] {
				seen[lower] = true
				addresses = append(addresses, lower)
			}
		}
	}
	return addresses
}

// SubjectAddress extracts the subject of an FP-mitigation alert: the first
// address-shaped substring of the description, lowercased.
func SubjectAddress(description string) string {
	return strings.ToLower(addressPattern.FindString(description))
}

// IsPlausibleAddress rejects cluster strings containing filler addresses like
// 0x0000000000000... : any single hex character repeated nine times in a row
// disqualifies the whole cluster.
func IsPlausibleAddress(cluster string) bool {
	if cluster == "" {
		return true
	}
	lower := strings.ToLower(cluster)
	for _, address := range strings.Split(lower, ",") {
		for _, c := range "0123456789abcdef" {
			if strings.Contains(address, strings.Repeat(string(c), 9)) {
				return false
			}
		}
	}
	return true
}

// isHexAddress reports whether s is exactly 0x followed by 40 hex digits. A
// 42-char string containing a 42-char match can only be the match itself.
func isHexAddress(s string) bool {
	return len(s) == 42 && addressPattern.MatchString(s)
}
