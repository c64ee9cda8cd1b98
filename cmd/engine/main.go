package main

import (
	"context"
	"log"
	"os"
	"strconv"

	"github.com/rawblock/attack-detector/internal/api"
	"github.com/rawblock/attack-detector/internal/chain"
	"github.com/rawblock/attack-detector/internal/db"
	"github.com/rawblock/attack-detector/internal/emitter"
	"github.com/rawblock/attack-detector/internal/engine"
	"github.com/rawblock/attack-detector/internal/labels"
	"github.com/rawblock/attack-detector/internal/state"
	"github.com/rawblock/attack-detector/pkg/models"
)

func main() {
	log.Println("Starting RawBlock Attack Detector (Microservice: attack-detector)...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	chainID, err := strconv.ParseInt(requireEnv("CHAIN_ID"), 10, 64)
	if err != nil {
		log.Fatalf("FATAL: CHAIN_ID must be an integer: %v", err)
	}
	production := getEnvOrDefault("NODE_ENV", "") == "production"

	dbURL := requireEnv("DATABASE_URL")
	dbConn, err := db.Connect(dbURL)
	if err != nil {
		log.Printf("Warning: Failed to connect to PostgreSQL, continuing without archiving findings. Error: %v", err)
		dbConn = nil
	} else {
		defer dbConn.Close()
		if err := dbConn.InitSchema(); err != nil {
			log.Printf("Warning: DB schema init failed: %v", err)
		}
	}

	var stateStore engine.StateStore
	redisStore, err := state.NewRedisStore(requireEnv("REDIS_URL"))
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis, state will not survive restarts. Error: %v", err)
		stateStore = state.NewMemoryStore()
	} else {
		defer redisStore.Close()
		stateStore = redisStore
	}

	var chainClient engine.ChainClient
	ethClient, err := chain.NewClient(requireEnv("ETH_RPC_URL"))
	if err != nil {
		log.Printf("Warning: Failed to connect to EVM RPC, contract and validator checks disabled. Error: %v", err)
		chainClient = noopChain{}
	} else {
		defer ethClient.Close()
		if id, err := ethClient.ChainID(context.Background()); err == nil && id != chainID {
			log.Printf("Warning: RPC chain id %d does not match CHAIN_ID %d", id, chainID)
		}
		chainClient = ethClient
	}

	labelClient := labels.NewClient(getEnvOrDefault("LABEL_API_URL", ""))

	// Setup WebSocket Hub
	wsHub := api.NewHub()
	go wsHub.Run()

	// Findings fan out to the websocket stream, the archive, and any webhooks.
	var archiveFn func(models.Finding)
	if dbConn != nil {
		archiveFn = func(f models.Finding) {
			if err := dbConn.SaveFinding(context.Background(), f); err != nil {
				log.Printf("Failed to archive finding %s: %v", f.ID, err)
			}
		}
	}
	em := emitter.New(api.BroadcastFinding(wsHub), archiveFn)

	eng, err := engine.New(engine.Config{
		ChainID:    chainID,
		Production: production,
		Chain:      chainClient,
		Labels:     labelClient,
		Store:      stateStore,
		Emit:       em.Emit,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	// Setup the Gin Router
	r := api.SetupRouter(eng, em, dbConn, wsHub)

	port := getEnvOrDefault("PORT", "5340")

	// Start the server
	log.Printf("Engine running on :%s (API Node: attack-detector)\n", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// noopChain stands in when no EVM RPC is reachable. Without code lookups no
// cluster is ever treated as a contract or validator.
type noopChain struct{}

func (noopChain) IsContract(context.Context, string) bool { return false }

func (noopChain) IsPolygonValidator(context.Context, string, string) bool { return false }

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
