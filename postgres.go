package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"clusterd/cluster"
	"clusterd/election"
	"clusterd/master"
)

func connectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	// N.B. exec mode because the default uses statement caching, which
	// doesn't work with pgbouncer.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

type PostgresBackend struct {
	pool        *pgxpool.Pool
	clusterName string
	nodeID      string
	logger      *zap.Logger
}

func NewPostgresBackend(pool *pgxpool.Pool, clusterName, nodeID string, logger *zap.Logger) *PostgresBackend {
	return &PostgresBackend{
		pool:        pool,
		clusterName: clusterName,
		nodeID:      nodeID,
		logger:      logger,
	}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS clusterd_kv (
	cluster_name text NOT NULL,
	key          text NOT NULL,
	value        text NOT NULL DEFAULT '',
	version      bigint NOT NULL DEFAULT 0,
	holder       text,
	rvn          text,
	PRIMARY KEY (cluster_name, key)
)`

func (p *PostgresBackend) InitSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create clusterd_kv table: %w", err)
	}
	p.logger.Debug("postgres schema ready", zap.String("table", "clusterd_kv"))
	return nil
}

type kvRow struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

func (p *PostgresBackend) CompareAndSwapLease(ctx context.Context, prevRVN *uuid.UUID, next election.Lease) (bool, error) {
	leaseBytes, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("failed to marshal lease: %w", err)
	}

	var sql string
	args := []any{p.clusterName, leaseRangeKey, string(leaseBytes), next.Holder, next.RevisionVersionNumber.String()}
	if prevRVN == nil {
		sql = `INSERT INTO clusterd_kv (cluster_name, key, value, holder, rvn)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (cluster_name, key) DO NOTHING`
	} else {
		sql = `UPDATE clusterd_kv SET value = $3, holder = $4, rvn = $5
			WHERE cluster_name = $1 AND key = $2 AND rvn = $6`
		args = append(args, prevRVN.String())
	}

	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("failed to write lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresBackend) FetchLease(ctx context.Context) (*election.Lease, error) {
	value, err := p.fetchValue(ctx, leaseRangeKey)
	if err != nil || value == "" {
		return nil, err
	}

	var lease election.Lease
	if err := json.Unmarshal([]byte(value), &lease); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lease: %w", err)
	}
	return &lease, nil
}

// Publish locks the lease row, checks the local node holds it, and swaps
// the state row only if its version is still prev's.
func (p *PostgresBackend) Publish(ctx context.Context, prev, next *cluster.State) error {
	stateBytes, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal cluster state: %w", err)
	}

	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var holder string
		err := tx.QueryRow(ctx,
			`SELECT coalesce(holder, '') FROM clusterd_kv WHERE cluster_name = $1 AND key = $2 FOR SHARE`,
			p.clusterName, leaseRangeKey,
		).Scan(&holder)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: no lease", master.ErrNotMaster)
		}
		if err != nil {
			return fmt.Errorf("failed to read lease: %w", err)
		}
		if holder != p.nodeID {
			return fmt.Errorf("%w: lease held by [%s]", master.ErrNotMaster, holder)
		}

		var sql string
		args := []any{p.clusterName, stateRangeKey, string(stateBytes), next.Version()}
		if prev.Version() == 0 {
			sql = `INSERT INTO clusterd_kv (cluster_name, key, value, version)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (cluster_name, key) DO NOTHING`
		} else {
			sql = `UPDATE clusterd_kv SET value = $3, version = $4
				WHERE cluster_name = $1 AND key = $2 AND version = $5`
			args = append(args, prev.Version())
		}

		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("failed to write cluster state: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("%w: published version is no longer [%d]", master.ErrNotMaster, prev.Version())
		}
		return nil
	})
}

func (p *PostgresBackend) FetchPublishedState(ctx context.Context) (*cluster.State, error) {
	return p.fetchState(ctx, stateRangeKey)
}

func (p *PostgresBackend) ResetPublishedState(ctx context.Context, state *cluster.State) error {
	return p.upsertJSON(ctx, stateRangeKey, state.Version(), state)
}

func (p *PostgresBackend) WriteMetadata(ctx context.Context, state *cluster.State) error {
	return p.upsertJSON(ctx, metadataRangeKey, state.Version(), state)
}

func (p *PostgresBackend) Recover(ctx context.Context) (*cluster.State, error) {
	return p.fetchState(ctx, metadataRangeKey)
}

func (p *PostgresBackend) WriteNodeHeartbeat(ctx context.Context, heartbeat NodeHeartbeat) error {
	return p.upsertJSON(ctx, nodeHeartbeatRangeKey(heartbeat.Node.ID), 0, heartbeat)
}

func (p *PostgresBackend) RemoveNodeHeartbeat(ctx context.Context, nodeID string) error {
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM clusterd_kv WHERE cluster_name = $1 AND key = $2`,
		p.clusterName, nodeHeartbeatRangeKey(nodeID),
	); err != nil {
		return fmt.Errorf("failed to delete node heartbeat: %w", err)
	}
	return nil
}

func (p *PostgresBackend) FetchNodeHeartbeats(ctx context.Context) ([]NodeHeartbeat, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key, value FROM clusterd_kv WHERE cluster_name = $1 AND key LIKE $2`,
		p.clusterName, nodeHeartbeatsRangeKey+"/%",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query node heartbeats: %w", err)
	}
	kvs, err := pgx.CollectRows(rows, pgx.RowToStructByName[kvRow])
	if err != nil {
		return nil, fmt.Errorf("failed to read node heartbeats: %w", err)
	}

	heartbeats := make([]NodeHeartbeat, 0, len(kvs))
	for _, kv := range kvs {
		nodeID := strings.TrimPrefix(kv.Key, nodeHeartbeatsRangeKey+"/")
		var heartbeat NodeHeartbeat
		if err := json.Unmarshal([]byte(kv.Value), &heartbeat); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node heartbeat for %s: %w", nodeID, err)
		}
		if nodeID != heartbeat.Node.ID {
			return nil, fmt.Errorf("node heartbeat id mismatch: expected %s, got %s", nodeID, heartbeat.Node.ID)
		}
		heartbeats = append(heartbeats, heartbeat)
	}
	return heartbeats, nil
}

func (p *PostgresBackend) upsertJSON(ctx context.Context, key string, version int64, v any) error {
	valueBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	if _, err := p.pool.Exec(ctx,
		`INSERT INTO clusterd_kv (cluster_name, key, value, version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cluster_name, key) DO UPDATE SET value = EXCLUDED.value, version = EXCLUDED.version`,
		p.clusterName, key, string(valueBytes), version,
	); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// fetchValue returns "" when the key does not exist.
func (p *PostgresBackend) fetchValue(ctx context.Context, key string) (string, error) {
	var value string
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM clusterd_kv WHERE cluster_name = $1 AND key = $2`,
		p.clusterName, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

func (p *PostgresBackend) fetchState(ctx context.Context, key string) (*cluster.State, error) {
	value, err := p.fetchValue(ctx, key)
	if err != nil || value == "" {
		return nil, err
	}

	var state cluster.State
	if err := json.Unmarshal([]byte(value), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return &state, nil
}
