package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/rawblock/attack-detector/internal/registry"
	"github.com/rawblock/attack-detector/pkg/models"
)

// Correlation Engine
//
// Single-logical-consumer core of the attack detector. Alerts are handled one
// at a time under the engine mutex so a cluster re-key is always atomic with
// respect to the decision engine reading the alert window. The dispatcher
// order is fixed: cluster membership first, then context, FP mitigation,
// end-user tagging, and finally base-bot evaluation — an alert matching
// several categories takes every branch in that order.

// ErrWrongChain signals an alert delivered for a chain this deployment did
// not subscribe to; reception indicates a subscription bug upstream.
var ErrWrongChain = errors.New("alert received for wrong chain")

// ChainClient is the on-chain lookup surface the engine needs. Lookup
// failures are absence of evidence: implementations report false rather than
// propagate errors.
type ChainClient interface {
	IsContract(ctx context.Context, cluster string) bool
	IsPolygonValidator(ctx context.Context, cluster, txHash string) bool
}

// LabelClient resolves external reputation labels. An empty string means no
// label (including lookup failure).
type LabelClient interface {
	Label(ctx context.Context, address string) string
}

// StateStore is the keyed blob store backing engine persistence. Load returns
// nil data for a missing key.
type StateStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

// Config wires an Engine.
type Config struct {
	ChainID    int64
	Production bool

	Chain  ChainClient
	Labels LabelClient
	Store  StateStore

	// Emit receives every finding the engine produces from the Run loop.
	Emit func(models.Finding)

	QueueSize int
}

// Engine owns the five in-memory stores and drives the dispatch pipeline.
type Engine struct {
	mu sync.Mutex

	registry   *registry.Registry
	chain      ChainClient
	labels     LabelClient
	store      StateStore
	chainID    int64
	production bool
	emit       func(models.Finding)

	clusters           *clusterIndex
	alerts             *alertStore
	context            *contextStore
	fpMitigation       *fifoSet
	endUserAttack      *fifoSet
	alertedStrict      *fifoSet
	alertedLoose       *fifoSet
	alertedFPMitigated *fifoSet

	queue chan models.AlertEvent
}

// New constructs an engine, restoring persisted state for the configured
// chain. A missing chain id is a fatal configuration error.
func New(cfg Config) (*Engine, error) {
	if cfg.ChainID == 0 {
		return nil, errors.New("engine: chain id is required")
	}
	if cfg.Chain == nil || cfg.Labels == nil || cfg.Store == nil {
		return nil, errors.New("engine: chain, label, and state clients are required")
	}

	reg, err := registry.New()
	if err != nil {
		return nil, err
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}

	e := &Engine{
		registry:           reg,
		chain:              cfg.Chain,
		labels:             cfg.Labels,
		store:              cfg.Store,
		chainID:            cfg.ChainID,
		production:         cfg.Production,
		emit:               cfg.Emit,
		clusters:           newClusterIndex(registry.MaxEntityClusters),
		alerts:             newAlertStore(),
		context:            newContextStore(registry.MaxContextEntries),
		fpMitigation:       newFIFOSet(registry.MaxFPMitigationClusters),
		endUserAttack:      newFIFOSet(registry.MaxEndUserClusters),
		alertedStrict:      newFIFOSet(registry.MaxAlertedClusters),
		alertedLoose:       newFIFOSet(registry.MaxAlertedClusters),
		alertedFPMitigated: newFIFOSet(registry.MaxAlertedClusters),
		queue:              make(chan models.AlertEvent, queueSize),
	}

	e.restore(context.Background())

	log.Printf("[Engine] initialized for chain %d (production=%v), %d subscriptions", e.chainID, e.production, len(e.Subscriptions()))
	return e, nil
}

// Subscriptions returns the alert-bus registration derived from the bot
// registry and the configured chain.
func (e *Engine) Subscriptions() []registry.Subscription {
	return e.registry.Subscriptions(e.chainID)
}

// ChainID returns the configured chain.
func (e *Engine) ChainID() int64 {
	return e.chainID
}

// Production reports whether the engine runs with production error policy.
func (e *Engine) Production() bool {
	return e.production
}

// Enqueue hands an alert to the single-consumer loop.
func (e *Engine) Enqueue(ev models.AlertEvent) {
	e.queue <- ev
}

// Run drains the alert queue until the context is cancelled, emitting
// findings and snapshotting state on an hourly cadence. One final persist
// runs on shutdown.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Engine] shutting down, persisting state")
			e.Persist(context.Background())
			return
		case <-ticker.C:
			e.Persist(ctx)
		case ev := <-e.queue:
			findings, err := e.HandleAlert(ctx, &ev)
			if err != nil {
				log.Printf("[Engine] alert %s - %v", ev.Alert.Hash, err)
				continue
			}
			for _, f := range findings {
				if e.emit != nil {
					e.emit(f)
				}
			}
		}
	}
}

// HandleAlert dispatches one alert through the pipeline and returns any
// findings. The whole call is one transaction boundary: state mutations and
// already-alerted bookkeeping happen together under the lock.
func (e *Engine) HandleAlert(ctx context.Context, ev *models.AlertEvent) ([]models.Finding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	alertChain := ev.Alert.Source.Block.ChainID
	if alertChain == 0 {
		alertChain = e.chainID
	}
	if alertChain != e.chainID && !(registry.IsL2(e.chainID) && alertChain == 1) {
		return nil, fmt.Errorf("%w: alert %s is for chain %d, deployment is chain %d", ErrWrongChain, ev.Alert.Hash, alertChain, e.chainID)
	}

	kind := e.registry.Classify(ev)

	if kind&registry.KindCluster != 0 {
		e.handleClusterAlert(ev)
	}
	if kind&registry.KindContext != 0 {
		e.handleContextAlert(ev)
	}
	if kind&registry.KindFPMitigation != 0 {
		e.handleFPMitigationAlert(ev)
	}
	if kind&registry.KindEndUser != 0 {
		e.handleEndUserAlert(ev)
	}

	var findings []models.Finding
	if kind&registry.KindBase != 0 {
		findings = e.handleBaseAlert(ctx, ev, alertChain)
	}

	// Outside production, durability is per-alert; in production the hourly
	// snapshot covers it.
	if !e.production {
		e.persistLocked(ctx)
	}

	return findings, nil
}

// handleClusterAlert applies a cluster-membership event: index every member
// address, migrate any per-address alert history to the cluster key, and
// re-tag suppression-set membership so it survives the re-key.
func (e *Engine) handleClusterAlert(ev *models.AlertEvent) {
	cluster := NormalizeCluster(ev.Alert.Metadata["entityAddresses"])
	if cluster == "" {
		log.Printf("[Engine] alert %s - cluster alert without entityAddresses", ev.Alert.Hash)
		return
	}
	log.Printf("[Engine] alert %s - entity cluster %s", ev.Alert.Hash, cluster)

	for _, address := range strings.Split(cluster, ",") {
		e.clusters.Set(address, cluster)

		if recs, ok := e.alerts.Remove(address); ok {
			e.alerts.Merge(cluster, recs)
			log.Printf("[Engine] alert %s - migrated %d records from %s to %s", ev.Alert.Hash, len(recs), address, cluster)
		}

		if e.fpMitigation.Contains(address) {
			e.fpMitigation.Add(cluster)
		}
		if e.endUserAttack.Contains(address) {
			e.endUserAttack.Add(cluster)
		}
	}
}

// handleContextAlert records victim/profit metadata under the source
// transaction hash.
func (e *Engine) handleContextAlert(ev *models.AlertEvent) {
	botType := "profit"
	if ev.BotID() == registry.BotVictimIdentifier {
		botType = "victim"
	}
	e.context.Append(ev.Alert.Source.TransactionHash, models.ContextEntry{
		BotType:  botType,
		Metadata: ev.Alert.Metadata,
	})
	log.Printf("[Engine] alert %s - %s context recorded, context size %d", ev.Alert.Hash, botType, e.context.Len())
}

// handleFPMitigationAlert marks the alert's subject cluster as FP mitigated.
func (e *Engine) handleFPMitigationAlert(ev *models.AlertEvent) {
	address := SubjectAddress(ev.Alert.Description)
	if address == "" {
		log.Printf("[Engine] alert %s - FP mitigation alert without subject address", ev.Alert.Hash)
		return
	}
	cluster := e.clusters.Membership(address)
	e.fpMitigation.Add(cluster)
	log.Printf("[Engine] alert %s - FP mitigation cluster %s, set size %d", ev.Alert.Hash, cluster, e.fpMitigation.Len())
}

// handleEndUserAlert tags clusters behind end-user-targeted attacks for
// downgrade.
func (e *Engine) handleEndUserAlert(ev *models.AlertEvent) {
	for _, address := range EndUserAttackAddresses(ev) {
		cluster := e.clusters.Membership(address)
		e.endUserAttack.Add(cluster)
		log.Printf("[Engine] alert %s - end user attack cluster %s, set size %d", ev.Alert.Hash, cluster, e.endUserAttack.Len())
	}
}

// handleBaseAlert accumulates the alert under every candidate attacker's
// cluster and runs the decision engine for each.
func (e *Engine) handleBaseAlert(ctx context.Context, ev *models.AlertEvent, alertChain int64) []models.Finding {
	stage, ok := e.registry.Stage(ev.BotID(), ev.Alert.AlertID)
	if !ok {
		return nil
	}

	createdAt := ev.CreatedAt()
	if createdAt.IsZero() {
		log.Printf("[Engine] alert %s - missing or malformed createdAt %q, using current time", ev.Alert.Hash, ev.Alert.CreatedAt)
		createdAt = time.Now().UTC()
	}
	windowStart := createdAt.Add(-registry.LookbackWindow)

	score := anomalyScore(ev)

	var findings []models.Finding
	for _, address := range PotentialAttackers(ev) {
		cluster := e.clusters.Membership(models.NormalizeAddress(address))
		if !IsPlausibleAddress(cluster) {
			log.Printf("[Engine] alert %s - %s is not a plausible address, skipping", ev.Alert.Hash, cluster)
			continue
		}

		rec := models.AlertRecord{
			Stage:           stage,
			CreatedAt:       createdAt,
			AnomalyScore:    score,
			AlertHash:       ev.Alert.Hash,
			BotID:           ev.BotID(),
			AlertID:         ev.Alert.AlertID,
			Addresses:       ev.Alert.Addresses,
			TransactionHash: ev.Alert.Source.TransactionHash,
		}
		if registry.IsL2(e.chainID) {
			rec.ChainID = alertChain
		}
		e.alerts.Append(cluster, rec)
		e.alerts.Prune(cluster, windowStart)

		if f := e.evaluateCluster(ctx, ev, cluster); f != nil {
			findings = append(findings, *f)
		}
	}
	return findings
}

// Stats reports store sizes for the health endpoint.
func (e *Engine) Stats() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]int{
		"alert_clusters":       e.alerts.Len(),
		"entity_clusters":      e.clusters.Len(),
		"context_transactions": e.context.Len(),
		"fp_mitigation":        e.fpMitigation.Len(),
		"end_user_attack":      e.endUserAttack.Len(),
		"alerted_strict":       e.alertedStrict.Len(),
		"alerted_loose":        e.alertedLoose.Len(),
		"alerted_fp_mitigated": e.alertedFPMitigated.Len(),
	}
}
