package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rawblock/attack-detector/internal/registry"
	"github.com/rawblock/attack-detector/internal/state"
	"github.com/rawblock/attack-detector/pkg/models"
)

const (
	attacker1 = "0x1c5dabfc1025bdb8bc5dd4e1be7622903e50c0ae"
	attacker2 = "0x2320a28f52334d62622cc2eafa15de55f9987ed9"
	victim1   = "0x8e67a0cffbbf6db8af6f3fff9fd9ab8c218f1027"

	fundingBot = "0xa91a31df513afff32b9d85a2c2b7e786fdd681b3cdd8d93d6074943ba31ae400"
	launderBot = "0x0e82982faa7878af3fad8ddf5042762a3b78d8949da2e301f1adfedc973f25ea"
	prepBot    = "0x457aa09ca38d60410c8ffa1761f535f23959195a56c9b82e0207801e86b34d99"
	preciseBot = "0x9aaa5cd64000e8ba4fa2718a467b90055b70815d60351914cc1cbe89fe1c404c"
	exploitBot = "0xbc06a40c341aa1acc139c900fd1b7e3999d71b80c13a9dd50a369d8f923757f5"
	profitBot  = "0x7cfeb792e705a82e984194e1e8d0e9ac3aa48ad8f6530d3017b1e2114d3519ac"
	fpBot      = "0xd6e19ec6dc98b13ebb5ec24742510845779d9caf439cadec9a5533f8394d435f"
)

type fakeChain struct {
	contracts  map[string]bool
	validators map[string]bool
}

func (f *fakeChain) IsContract(_ context.Context, cluster string) bool {
	return f.contracts[cluster]
}

func (f *fakeChain) IsPolygonValidator(_ context.Context, cluster, _ string) bool {
	return f.validators[cluster]
}

type fakeLabels struct {
	labels map[string]string
}

func (f *fakeLabels) Label(_ context.Context, address string) string {
	return f.labels[address]
}

func testEngine(t *testing.T, chainID int64, fc *fakeChain, fl *fakeLabels) *Engine {
	t.Helper()
	if fc == nil {
		fc = &fakeChain{}
	}
	if fl == nil {
		fl = &fakeLabels{}
	}
	e, err := New(Config{
		ChainID: chainID,
		Chain:   fc,
		Labels:  fl,
		Store:   state.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

var alertSeq int

func baseAlert(botID, alertID, attacker string, score float64, createdAt time.Time) models.AlertEvent {
	alertSeq++
	metadata := map[string]string{"attacker_address": attacker}
	if score > 0 {
		metadata["anomaly_score"] = strconv.FormatFloat(score, 'g', -1, 64)
	}
	return models.AlertEvent{Alert: models.Alert{
		Hash:        "0xhash" + strconv.Itoa(alertSeq),
		AlertID:     alertID,
		CreatedAt:   createdAt.Format(time.RFC3339Nano),
		Description: "suspicious activity",
		Metadata:    metadata,
		Source: models.Source{
			Bot:             models.Bot{ID: botID},
			Block:           models.Block{ChainID: 1},
			TransactionHash: "0xtx" + strconv.Itoa(alertSeq),
		},
	}}
}

func onChain(ev models.AlertEvent, chainID int64) models.AlertEvent {
	ev.Alert.Source.Block.ChainID = chainID
	return ev
}

func handle(t *testing.T, e *Engine, ev models.AlertEvent) []models.Finding {
	t.Helper()
	findings, err := e.HandleAlert(context.Background(), &ev)
	if err != nil {
		t.Fatalf("HandleAlert: %v", err)
	}
	return findings
}

func TestDetectionAcrossStages(t *testing.T) {
	e := testEngine(t, 1, nil, nil)
	now := time.Now().UTC()

	if f := handle(t, e, baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 1e-3, now)); len(f) != 0 {
		t.Fatalf("expected no finding after first alert, got %d", len(f))
	}
	if f := handle(t, e, baseAlert(launderBot, "EXPLOITER-ADDR-TX", attacker1, 1e-3, now)); len(f) != 0 {
		t.Fatalf("expected no finding after second alert, got %d", len(f))
	}

	findings := handle(t, e, baseAlert(prepBot, "SUSPICIOUS-CONTRACT-CREATION", attacker1, 1e-4, now))
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	f := findings[0]
	if f.AlertID != "ATTACK-DETECTOR-3" {
		t.Errorf("alert id = %s, want ATTACK-DETECTOR-3", f.AlertID)
	}
	if f.Severity != models.SeverityCritical {
		t.Errorf("severity = %s, want critical", f.Severity)
	}
	if f.Cluster != attacker1 {
		t.Errorf("cluster = %s, want %s", f.Cluster, attacker1)
	}
	if f.AnomalyScore != 1e-10 {
		t.Errorf("anomaly score = %g, want 1e-10", f.AnomalyScore)
	}
	if f.Metadata["anomaly_score_funding"] != "0.001" {
		t.Errorf("funding stage score = %q, want 0.001", f.Metadata["anomaly_score_funding"])
	}
}

func TestNoFindingBelowBotCount(t *testing.T) {
	e := testEngine(t, 1, nil, nil)
	now := time.Now().UTC()

	handle(t, e, baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 1e-5, now))
	findings := handle(t, e, baseAlert(launderBot, "EXPLOITER-ADDR-TX", attacker1, 1e-5, now))
	if len(findings) != 0 {
		t.Fatalf("expected no finding from 2 bots, got %d", len(findings))
	}
}

func TestRepeatedAlertsDoNotInflate(t *testing.T) {
	e := testEngine(t, 1, nil, nil)
	now := time.Now().UTC()

	// Same bot firing repeatedly contributes one distinct (stage, score) pair.
	ev := baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 1e-5, now)
	for i := 0; i < 5; i++ {
		handle(t, e, ev)
	}
	findings := handle(t, e, baseAlert(launderBot, "EXPLOITER-ADDR-TX", attacker1, 1e-5, now))
	if len(findings) != 0 {
		t.Fatalf("expected no finding, got %d", len(findings))
	}
}

func TestHighlyPreciseBotBypassesGate(t *testing.T) {
	e := testEngine(t, 1, nil, nil)
	now := time.Now().UTC()

	handle(t, e, baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 0.5, now))
	findings := handle(t, e, baseAlert(preciseBot, "SUSPICIOUS-CONTRACT-CREATION", attacker1, 0.5, now))
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	if findings[0].AlertID != "ATTACK-DETECTOR-2" {
		t.Errorf("alert id = %s, want ATTACK-DETECTOR-2", findings[0].AlertID)
	}
}

func TestFourStagesTriggerRegardlessOfScore(t *testing.T) {
	e := testEngine(t, 1, nil, nil)
	now := time.Now().UTC()

	handle(t, e, baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 0.1, now))
	handle(t, e, baseAlert(launderBot, "EXPLOITER-ADDR-TX", attacker1, 0.1, now))
	handle(t, e, baseAlert(prepBot, "SUSPICIOUS-CONTRACT-CREATION", attacker1, 0.1, now))
	findings := handle(t, e, baseAlert(exploitBot, "FLASHBOTS-TRANSACTIONS", attacker1, 0.1, now))
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	if findings[0].AlertID != "ATTACK-DETECTOR-1" {
		t.Errorf("alert id = %s, want ATTACK-DETECTOR-1", findings[0].AlertID)
	}
}

func TestLooseTierThenEscalation(t *testing.T) {
	e := testEngine(t, 1, nil, nil)
	now := time.Now().UTC()

	handle(t, e, baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 1e-3, now))
	handle(t, e, baseAlert(launderBot, "EXPLOITER-ADDR-TX", attacker1, 1e-3, now))
	findings := handle(t, e, baseAlert(prepBot, "SUSPICIOUS-CONTRACT-CREATION", attacker1, 1e-2, now))
	if len(findings) != 1 || findings[0].AlertID != "ATTACK-DETECTOR-4" {
		t.Fatalf("expected ATTACK-DETECTOR-4, got %+v", findings)
	}
	if findings[0].Severity != models.SeverityLow {
		t.Errorf("severity = %s, want low", findings[0].Severity)
	}

	// The loose tier fires once per cluster.
	findings = handle(t, e, baseAlert(prepBot, "SUSPICIOUS-CONTRACT-CREATION", attacker1, 1e-2, now))
	if len(findings) != 0 {
		t.Fatalf("expected no repeat loose finding, got %d", len(findings))
	}

	// Stronger evidence still escalates to the strict tier.
	findings = handle(t, e, baseAlert(exploitBot, "FLASHBOTS-TRANSACTIONS", attacker1, 1e-4, now))
	if len(findings) != 1 || findings[0].AlertID != "ATTACK-DETECTOR-1" {
		t.Fatalf("expected escalation to ATTACK-DETECTOR-1, got %+v", findings)
	}
}

func TestOldAlertsPrunedFromWindow(t *testing.T) {
	e := testEngine(t, 1, nil, nil)
	now := time.Now().UTC()

	handle(t, e, baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 1e-3, now.Add(-25*time.Hour)))
	handle(t, e, baseAlert(launderBot, "EXPLOITER-ADDR-TX", attacker1, 1e-3, now))
	findings := handle(t, e, baseAlert(prepBot, "SUSPICIOUS-CONTRACT-CREATION", attacker1, 1e-4, now))
	if len(findings) != 0 {
		t.Fatalf("expected stale funding alert to be pruned, got %d findings", len(findings))
	}
}

func TestFPMitigationDowngrades(t *testing.T) {
	e := testEngine(t, 1, nil, nil)
	now := time.Now().UTC()

	fp := models.AlertEvent{Alert: models.Alert{
		Hash:        "0xfp1",
		AlertID:     "POSITIVE-REPUTATION-1",
		CreatedAt:   now.Format(time.RFC3339Nano),
		Description: attacker1 + " has positive reputation",
		Source:      models.Source{Bot: models.Bot{ID: fpBot}, Block: models.Block{ChainID: 1}},
	}}
	handle(t, e, fp)

	handle(t, e, baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 1e-3, now))
	handle(t, e, baseAlert(launderBot, "EXPLOITER-ADDR-TX", attacker1, 1e-3, now))
	findings := handle(t, e, baseAlert(prepBot, "SUSPICIOUS-CONTRACT-CREATION", attacker1, 1e-4, now))
	if len(findings) != 1 || findings[0].AlertID != "ATTACK-DETECTOR-5" {
		t.Fatalf("expected ATTACK-DETECTOR-5, got %+v", findings)
	}
	if findings[0].Severity != models.SeverityInfo {
		t.Errorf("severity = %s, want info", findings[0].Severity)
	}
}

func TestEndUserAttackDowngrades(t *testing.T) {
	e := testEngine(t, 1, nil, nil)
	now := time.Now().UTC()

	// camelCase metadata variant of the hard-rug-pull bot.
	rug := models.AlertEvent{Alert: models.Alert{
		Hash:      "0xrug1",
		AlertID:   "HARD-RUG-PULL-1",
		CreatedAt: now.Format(time.RFC3339Nano),
		Metadata:  map[string]string{"attackerDeployerAddress": strings.ToUpper(attacker1[:2]) + attacker1[2:]},
		Source:    models.Source{Bot: models.Bot{ID: registry.BotHardRugPull}, Block: models.Block{ChainID: 1}},
	}}
	handle(t, e, rug)

	handle(t, e, baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 1e-3, now))
	handle(t, e, baseAlert(launderBot, "EXPLOITER-ADDR-TX", attacker1, 1e-3, now))
	findings := handle(t, e, baseAlert(prepBot, "SUSPICIOUS-CONTRACT-CREATION", attacker1, 1e-4, now))
	if len(findings) != 1 || findings[0].AlertID != "ATTACK-DETECTOR-6" {
		t.Fatalf("expected ATTACK-DETECTOR-6, got %+v", findings)
	}
}

func TestEntityClusterMigration(t *testing.T) {
	e := testEngine(t, 1, nil, nil)
	now := time.Now().UTC()
	cluster := attacker1 + "," + attacker2

	handle(t, e, baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 1e-3, now))
	handle(t, e, baseAlert(launderBot, "EXPLOITER-ADDR-TX", attacker1, 1e-3, now))

	clusterEv := models.AlertEvent{Alert: models.Alert{
		Hash:      "0xcluster1",
		AlertID:   registry.EntityClusterBotAlertID,
		CreatedAt: now.Format(time.RFC3339Nano),
		Metadata:  map[string]string{"entityAddresses": cluster},
		Source:    models.Source{Bot: models.Bot{ID: registry.EntityClusterBot}, Block: models.Block{ChainID: 1}},
	}}
	handle(t, e, clusterEv)

	// Evidence on the other member address now lands on the cluster key.
	findings := handle(t, e, baseAlert(prepBot, "SUSPICIOUS-CONTRACT-CREATION", attacker2, 1e-4, now))
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	if findings[0].Cluster != cluster {
		t.Errorf("cluster = %s, want %s", findings[0].Cluster, cluster)
	}
}

func TestContractClusterSuppressed(t *testing.T) {
	fc := &fakeChain{contracts: map[string]bool{attacker1: true}}
	e := testEngine(t, 1, fc, nil)
	now := time.Now().UTC()

	handle(t, e, baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 1e-3, now))
	handle(t, e, baseAlert(launderBot, "EXPLOITER-ADDR-TX", attacker1, 1e-3, now))
	findings := handle(t, e, baseAlert(prepBot, "SUSPICIOUS-CONTRACT-CREATION", attacker1, 1e-4, now))
	if len(findings) != 0 {
		t.Fatalf("expected contract cluster to be suppressed, got %d findings", len(findings))
	}
}

func TestBenignLabelDowngrades(t *testing.T) {
	fl := &fakeLabels{labels: map[string]string{attacker1: "Coinbase: hot wallet"}}
	e := testEngine(t, 1, nil, fl)
	now := time.Now().UTC()

	handle(t, e, baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 1e-3, now))
	handle(t, e, baseAlert(launderBot, "EXPLOITER-ADDR-TX", attacker1, 1e-3, now))
	findings := handle(t, e, baseAlert(prepBot, "SUSPICIOUS-CONTRACT-CREATION", attacker1, 1e-4, now))
	if len(findings) != 1 || findings[0].AlertID != "ATTACK-DETECTOR-5" {
		t.Fatalf("expected ATTACK-DETECTOR-5 for labeled cluster, got %+v", findings)
	}
}

func TestAttackerLabelDoesNotDowngrade(t *testing.T) {
	fl := &fakeLabels{labels: map[string]string{attacker1: "Exploiter (reported)"}}
	e := testEngine(t, 1, nil, fl)
	now := time.Now().UTC()

	handle(t, e, baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 1e-3, now))
	handle(t, e, baseAlert(launderBot, "EXPLOITER-ADDR-TX", attacker1, 1e-3, now))
	findings := handle(t, e, baseAlert(prepBot, "SUSPICIOUS-CONTRACT-CREATION", attacker1, 1e-4, now))
	if len(findings) != 1 || findings[0].AlertID != "ATTACK-DETECTOR-3" {
		t.Fatalf("expected ATTACK-DETECTOR-3, got %+v", findings)
	}
}

func TestVictimAndLossEnrichment(t *testing.T) {
	e := testEngine(t, 1, nil, nil)
	now := time.Now().UTC()

	ev1 := baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 1e-3, now)
	ev2 := baseAlert(launderBot, "EXPLOITER-ADDR-TX", attacker1, 1e-3, now)
	ev3 := baseAlert(profitBot, "LARGE-PROFIT", attacker1, 1e-4, now)

	// Victim context observed on the exploit transaction.
	victimEv := models.AlertEvent{Alert: models.Alert{
		Hash:      "0xvictim1",
		AlertID:   "VICTIM-IDENTIFIER-PREPARATION-STAGE",
		CreatedAt: now.Format(time.RFC3339Nano),
		Metadata:  map[string]string{"address1": victim1, "tag1": "Vault Protocol", "holders1": "55"},
		Source: models.Source{
			Bot:             models.Bot{ID: registry.BotVictimIdentifier},
			Block:           models.Block{ChainID: 1},
			TransactionHash: ev3.Alert.Source.TransactionHash,
		},
	}}
	handle(t, e, victimEv)

	// The large-profit bot is also a context bot: its own alert records the loss.
	ev3.Alert.Metadata["profit1"] = "$2000000"

	handle(t, e, ev1)
	handle(t, e, ev2)
	findings := handle(t, e, ev3)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	f := findings[0]
	if f.VictimAddress != victim1 {
		t.Errorf("victim address = %s, want %s", f.VictimAddress, victim1)
	}
	if f.VictimName != "Vault Protocol" {
		t.Errorf("victim name = %s, want Vault Protocol", f.VictimName)
	}
	if !strings.Contains(f.Description, "Victim: "+victim1) {
		t.Errorf("description missing victim: %s", f.Description)
	}
	if f.LossInfo != "Loss of $2000000" {
		t.Errorf("loss info = %q, want Loss of $2000000", f.LossInfo)
	}
	if f.Metadata["victim_holders1"] != "55" {
		t.Errorf("victim metadata not propagated: %v", f.Metadata)
	}
}

func TestWrongChainRejected(t *testing.T) {
	e := testEngine(t, 1, nil, nil)
	now := time.Now().UTC()

	ev := onChain(baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 1e-3, now), 137)
	_, err := e.HandleAlert(context.Background(), &ev)
	if !errors.Is(err, ErrWrongChain) {
		t.Fatalf("err = %v, want ErrWrongChain", err)
	}
}

func TestL2RequiresLocalEvidence(t *testing.T) {
	e := testEngine(t, 10, nil, nil)
	now := time.Now().UTC()

	// Evidence only from chain 1 is accepted but never emits on the L2.
	handle(t, e, onChain(baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 1e-3, now), 1))
	handle(t, e, onChain(baseAlert(launderBot, "EXPLOITER-ADDR-TX", attacker1, 1e-3, now), 1))
	findings := handle(t, e, onChain(baseAlert(prepBot, "SUSPICIOUS-CONTRACT-CREATION", attacker1, 1e-4, now), 1))
	if len(findings) != 0 {
		t.Fatalf("expected no finding without L2 evidence, got %d", len(findings))
	}

	// One record on the L2 itself unblocks the finding.
	findings = handle(t, e, onChain(baseAlert(exploitBot, "FLASHBOTS-TRANSACTIONS", attacker1, 1e-2, now), 10))
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding with L2 evidence, got %d", len(findings))
	}
}

func TestPolygonValidatorDowngrades(t *testing.T) {
	fc := &fakeChain{validators: map[string]bool{attacker1: true}}
	e := testEngine(t, 137, fc, nil)
	now := time.Now().UTC()

	handle(t, e, onChain(baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 1e-3, now), 137))
	handle(t, e, onChain(baseAlert(launderBot, "EXPLOITER-ADDR-TX", attacker1, 1e-3, now), 137))
	findings := handle(t, e, onChain(baseAlert(prepBot, "SUSPICIOUS-CONTRACT-CREATION", attacker1, 1e-4, now), 137))
	if len(findings) != 1 || findings[0].AlertID != "ATTACK-DETECTOR-5" {
		t.Fatalf("expected ATTACK-DETECTOR-5 for validator cluster, got %+v", findings)
	}
}

func TestImplausibleAddressSkipped(t *testing.T) {
	e := testEngine(t, 1, nil, nil)
	now := time.Now().UTC()
	filler := "0x0000000000000000000000000000000000000001"

	for i := 0; i < 4; i++ {
		bots := []struct{ id, alertID string }{
			{fundingBot, "FUNDING-TORNADO-CASH"},
			{launderBot, "EXPLOITER-ADDR-TX"},
			{prepBot, "SUSPICIOUS-CONTRACT-CREATION"},
			{exploitBot, "FLASHBOTS-TRANSACTIONS"},
		}
		findings := handle(t, e, baseAlert(bots[i].id, bots[i].alertID, filler, 1e-4, now))
		if len(findings) != 0 {
			t.Fatalf("expected filler address to never produce findings, got %d", len(findings))
		}
	}
	if e.alerts.Len() != 0 {
		t.Errorf("filler address should not be stored, store size %d", e.alerts.Len())
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	store := state.NewMemoryStore()
	fc := &fakeChain{}
	fl := &fakeLabels{}
	now := time.Now().UTC()

	e1, err := New(Config{ChainID: 1, Chain: fc, Labels: fl, Store: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	handle(t, e1, baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 1e-3, now))
	handle(t, e1, baseAlert(launderBot, "EXPLOITER-ADDR-TX", attacker1, 1e-3, now))
	e1.Persist(context.Background())

	// A fresh engine over the same store picks up the accumulated evidence.
	e2, err := New(Config{ChainID: 1, Chain: fc, Labels: fl, Store: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	findings := handle(t, e2, baseAlert(prepBot, "SUSPICIOUS-CONTRACT-CREATION", attacker1, 1e-4, now))
	if len(findings) != 1 || findings[0].AlertID != "ATTACK-DETECTOR-3" {
		t.Fatalf("expected restored state to complete the detection, got %+v", findings)
	}

	// State is chain-qualified: a chain-137 engine sees none of it.
	e3, err := New(Config{ChainID: 137, Chain: fc, Labels: fl, Store: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e3.alerts.Len() != 0 {
		t.Errorf("chain 137 engine restored %d clusters, want 0", e3.alerts.Len())
	}
}

func TestAnomalyScoreHandling(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name string
		raw  string
		omit bool
		want float64
	}{
		{"missing", "", true, 1.0},
		{"unparseable", "not-a-number", false, 1.0},
		{"negative", "-0.5", false, registry.DefaultAnomalyScore},
		{"zero", "0", false, registry.DefaultAnomalyScore},
		{"above one", "12.5", false, 1.0},
		{"valid", "0.025", false, 0.025},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := baseAlert(fundingBot, "FUNDING-TORNADO-CASH", attacker1, 0, now)
			if !tt.omit {
				ev.Alert.Metadata["anomaly_score"] = tt.raw
			}
			if got := anomalyScore(&ev); got != tt.want {
				t.Errorf("anomalyScore(%q) = %g, want %g", tt.raw, got, tt.want)
			}
		})
	}
}
