package db

import (
	"context"
	_ "embed"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rawblock/attack-detector/pkg/models"
)

// schemaSQL is compiled into the binary at build time.
// This ensures schema init works inside the Docker runtime image which
// does not copy internal/db/schema.sql into the final stage.
//
//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for findings archive")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Findings archive schema initialized")
	return nil
}

// SaveFinding upserts a finding row. Re-delivery of the same finding id is a
// no-op update.
func (s *PostgresStore) SaveFinding(ctx context.Context, f models.Finding) error {
	sql := `
		INSERT INTO findings
			(id, created_at, alert_id, severity, name, description, cluster,
			 victim_address, victim_name, loss_info, anomaly_score, chain_id,
			 alert_hash, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			severity = EXCLUDED.severity,
			description = EXCLUDED.description,
			metadata = EXCLUDED.metadata;
	`
	_, err := s.pool.Exec(ctx, sql,
		f.ID, f.Timestamp, f.AlertID, f.Severity, f.Name, f.Description,
		f.Cluster, f.VictimAddress, f.VictimName, f.LossInfo, f.AnomalyScore,
		f.ChainID, f.AlertHash, f.Metadata,
	)
	return err
}

// RecentFindings returns the newest findings for the chain, newest first.
func (s *PostgresStore) RecentFindings(ctx context.Context, chainID int64, limit int) ([]models.Finding, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	sql := `
		SELECT id, created_at, alert_id, severity, name, description, cluster,
		       COALESCE(victim_address, ''), COALESCE(victim_name, ''),
		       COALESCE(loss_info, ''), anomaly_score, chain_id,
		       COALESCE(alert_hash, ''), metadata
		FROM findings
		WHERE chain_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, sql, chainID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	findings := make([]models.Finding, 0)
	for rows.Next() {
		var f models.Finding
		if err := rows.Scan(&f.ID, &f.Timestamp, &f.AlertID, &f.Severity, &f.Name,
			&f.Description, &f.Cluster, &f.VictimAddress, &f.VictimName,
			&f.LossInfo, &f.AnomalyScore, &f.ChainID, &f.AlertHash, &f.Metadata); err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return findings, nil
}

// ClusterFindings returns the findings raised for one cluster, newest first.
func (s *PostgresStore) ClusterFindings(ctx context.Context, cluster string, limit int) ([]models.Finding, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	sql := `
		SELECT id, created_at, alert_id, severity, name, description, cluster,
		       COALESCE(victim_address, ''), COALESCE(victim_name, ''),
		       COALESCE(loss_info, ''), anomaly_score, chain_id,
		       COALESCE(alert_hash, ''), metadata
		FROM findings
		WHERE cluster = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, sql, cluster, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	findings := make([]models.Finding, 0)
	for rows.Next() {
		var f models.Finding
		if err := rows.Scan(&f.ID, &f.Timestamp, &f.AlertID, &f.Severity, &f.Name,
			&f.Description, &f.Cluster, &f.VictimAddress, &f.VictimName,
			&f.LossInfo, &f.AnomalyScore, &f.ChainID, &f.AlertHash, &f.Metadata); err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return findings, nil
}
