package registry

import (
	"fmt"
	"time"

	"github.com/rawblock/attack-detector/pkg/models"
)

// Bot Registry
//
// Static configuration of the detector fleet feeding the correlation engine:
// which (botId, alertId) pairs accumulate evidence and at which kill-chain
// stage, which bots mitigate false positives, which annotate context, and
// which carry entity-cluster membership. Loaded once at startup; the engine
// treats it as immutable.

// BaseBot is a (botId, alertId) pair contributing evidence at a fixed stage.
type BaseBot struct {
	BotID   string
	AlertID string
	Stage   string
}

// BotAlert is a (botId, alertId) pair without a stage.
type BotAlert struct {
	BotID   string
	AlertID string
}

// Subscription is one entry of the alert-bus registration the engine
// requests at init. AlertID is empty for bots subscribed by id alone.
type Subscription struct {
	BotID   string `json:"botId"`
	AlertID string `json:"alertId,omitempty"`
	ChainID int64  `json:"chainId"`
}

// Kind classifies an inbound alert. An alert may match several kinds; Classify
// reports all of them.
type Kind int

const (
	KindBase Kind = 1 << iota
	KindHighlyPrecise
	KindFPMitigation
	KindEndUser
	KindContext
	KindCluster
)

// Detector fleet. Bot ids are the registry hashes of the upstream detectors.
var (
	BaseBots = []BaseBot{
		{"0xa91a31df513afff32b9d85a2c2b7e786fdd681b3cdd8d93d6074943ba31ae400", "FUNDING-TORNADO-CASH", models.StageFunding},
		{"0x0e82982faa7878af3fad8ddf5042762a3b78d8949da2e301f1adfedc973f25ea", "EXPLOITER-ADDR-TX", models.StageMoneyLaundering},
		{"0x457aa09ca38d60410c8ffa1761f535f23959195a56c9b82e0207801e86b34d99", "SUSPICIOUS-CONTRACT-CREATION", models.StagePreparation},
		{"0x9aaa5cd64000e8ba4fa2718a467b90055b70815d60351914cc1cbe89fe1c404c", "SUSPICIOUS-CONTRACT-CREATION", models.StagePreparation},
		{"0xe8527df509859e531e58ba4154e9157eb6d9b2da202516a66ab120deabd3f9f6", "AK-ATTACK-SIMULATION-0", models.StageExploitation},
		{"0xbc06a40c341aa1acc139c900fd1b7e3999d71b80c13a9dd50a369d8f923757f5", "FLASHBOTS-TRANSACTIONS", models.StageExploitation},
		{"0x7cfeb792e705a82e984194e1e8d0e9ac3aa48ad8f6530d3017b1e2114d3519ac", "LARGE-PROFIT", models.StageExploitation},
	}

	// A single alert from one of these is sufficient evidence in combination
	// with one other stage.
	HighlyPreciseBots = []BaseBot{
		{"0x9aaa5cd64000e8ba4fa2718a467b90055b70815d60351914cc1cbe89fe1c404c", "SUSPICIOUS-CONTRACT-CREATION", models.StagePreparation},
		{"0xe8527df509859e531e58ba4154e9157eb6d9b2da202516a66ab120deabd3f9f6", "AK-ATTACK-SIMULATION-0", models.StageExploitation},
	}

	FPMitigationBots = []BotAlert{
		{"0xd6e19ec6dc98b13ebb5ec24742510845779d9caf439cadec9a5533f8394d435f", "POSITIVE-REPUTATION-1"},
	}

	// Bots flagging end-user-targeted attacks (rug pulls, rake tokens). Their
	// clusters are downgraded, not suppressed.
	EndUserAttackBots = []string{
		BotHardRugPull,
		BotSoftRugPull,
		BotRakeToken,
	}

	ContextBots = []string{
		BotVictimIdentifier,
		"0x7cfeb792e705a82e984194e1e8d0e9ac3aa48ad8f6530d3017b1e2114d3519ac", // large profit
	}
)

const (
	BotHardRugPull      = "0xc608f1aff80657091ad14d974ea37607f6e7513fdb8afaa148b3bff5ba305c15"
	BotSoftRugPull      = "0xf234f56095ba6c4c4782045f6d8e95d22da360bdc41b75c0549e2713a93231a4"
	BotRakeToken        = "0x36be2983e82680996e6ccc2ab39a506444ab7074677e973136fa8d914fc5dd11"
	BotVictimIdentifier = "0x441d3228a68bbbcf04e6813f52306efcaf1e66f275d682e62499f44905215250"

	EntityClusterBot        = "0xd3061db4662d5b3406b52b20f34234e462d2c275b99414d76dc644e2486be3e9"
	EntityClusterBotAlertID = "ENTITY-CLUSTER"
)

// Thresholds and capacities.
const (
	LookbackWindow = 24 * time.Hour

	MinAlertsCount  = 3
	StrictThreshold = 1e-9
	LooseThreshold  = 1e-7

	// Applied when a base-bot alert omits its anomaly score or reports a
	// non-positive one. Scores above 1 clamp to 1.
	DefaultAnomalyScore = 1.0

	MaxEntityClusters       = 50000
	MaxFPMitigationClusters = 100000
	MaxContextEntries       = 10000
	MaxAlertedClusters      = 10000
	MaxEndUserClusters      = 10000

	PolygonChainID                      = 137
	PolygonValidatorAlertCountThreshold = 100
)

// L2ChainIDs are deployments that additionally accept chain-1 alerts; a
// finding there requires at least one record on the L2 itself.
var L2ChainIDs = map[int64]bool{10: true, 42161: true}

// IsL2 reports whether the configured chain is an L2 deployment.
func IsL2(chainID int64) bool {
	return L2ChainIDs[chainID]
}

// Registry resolves alert classification and stage mapping for a deployment.
type Registry struct {
	stageByBotAlert map[BotAlert]string
	baseSet         map[BotAlert]bool
	preciseSet      map[BotAlert]bool
	fpSet           map[BotAlert]bool
	endUserSet      map[string]bool
	contextSet      map[string]bool
}

// New builds the registry lookup tables. Duplicate (botId, alertId) base
// entries with conflicting stages are a configuration error.
func New() (*Registry, error) {
	r := &Registry{
		stageByBotAlert: make(map[BotAlert]string),
		baseSet:         make(map[BotAlert]bool),
		preciseSet:      make(map[BotAlert]bool),
		fpSet:           make(map[BotAlert]bool),
		endUserSet:      make(map[string]bool),
		contextSet:      make(map[string]bool),
	}

	for _, b := range BaseBots {
		key := BotAlert{b.BotID, b.AlertID}
		if stage, ok := r.stageByBotAlert[key]; ok && stage != b.Stage {
			return nil, fmt.Errorf("registry: conflicting stages for %s/%s: %s vs %s", b.BotID, b.AlertID, stage, b.Stage)
		}
		r.stageByBotAlert[key] = b.Stage
		r.baseSet[key] = true
	}
	for _, b := range HighlyPreciseBots {
		key := BotAlert{b.BotID, b.AlertID}
		if !r.baseSet[key] {
			return nil, fmt.Errorf("registry: highly precise bot %s/%s is not a base bot", b.BotID, b.AlertID)
		}
		r.preciseSet[key] = true
	}
	for _, b := range FPMitigationBots {
		r.fpSet[BotAlert{b.BotID, b.AlertID}] = true
	}
	for _, id := range EndUserAttackBots {
		r.endUserSet[id] = true
	}
	for _, id := range ContextBots {
		r.contextSet[id] = true
	}

	return r, nil
}

// Classify reports every category the alert belongs to.
func (r *Registry) Classify(ev *models.AlertEvent) Kind {
	var kind Kind
	key := BotAlert{ev.BotID(), ev.Alert.AlertID}

	if r.baseSet[key] {
		kind |= KindBase
	}
	if r.preciseSet[key] {
		kind |= KindHighlyPrecise
	}
	if r.fpSet[key] {
		kind |= KindFPMitigation
	}
	if r.endUserSet[ev.BotID()] {
		kind |= KindEndUser
	}
	if r.contextSet[ev.BotID()] {
		kind |= KindContext
	}
	if ev.BotID() == EntityClusterBot && ev.Alert.AlertID == EntityClusterBotAlertID {
		kind |= KindCluster
	}

	return kind
}

// Stage returns the kill-chain stage a base-bot alert contributes to.
func (r *Registry) Stage(botID, alertID string) (string, bool) {
	stage, ok := r.stageByBotAlert[BotAlert{botID, alertID}]
	return stage, ok
}

// IsHighlyPrecise reports whether the pair is in the highly-precise set.
func (r *Registry) IsHighlyPrecise(botID, alertID string) bool {
	return r.preciseSet[BotAlert{botID, alertID}]
}

// Subscriptions derives the alert-bus registration for the configured chain.
// L2 deployments additionally subscribe to the same bots on chain 1.
func (r *Registry) Subscriptions(chainID int64) []Subscription {
	chains := []int64{chainID}
	if IsL2(chainID) {
		chains = append(chains, 1)
	}

	var subs []Subscription
	for _, c := range chains {
		for _, b := range BaseBots {
			subs = append(subs, Subscription{BotID: b.BotID, AlertID: b.AlertID, ChainID: c})
		}
		for _, b := range FPMitigationBots {
			subs = append(subs, Subscription{BotID: b.BotID, AlertID: b.AlertID, ChainID: c})
		}
		for _, id := range EndUserAttackBots {
			subs = append(subs, Subscription{BotID: id, ChainID: c})
		}
		for _, id := range ContextBots {
			subs = append(subs, Subscription{BotID: id, ChainID: c})
		}
		subs = append(subs, Subscription{BotID: EntityClusterBot, AlertID: EntityClusterBotAlertID, ChainID: c})
	}
	return subs
}
