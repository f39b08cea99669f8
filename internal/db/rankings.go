package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ranking is one row of a selection run. Within a run, ranks are a
// permutation of 1..N and cluster_number is in [0, K) once clustering ran.
type Ranking struct {
	RunID         uuid.UUID `db:"run_id"`
	SymbolID      uuid.UUID `db:"symbol_id"`
	Rank          int       `db:"rank"`
	Score         float64   `db:"score"`
	ClusterNumber *int      `db:"cluster_number"`
	CreatedAt     time.Time `db:"created_at"`
}

// InsertRankings persists a full selection run atomically
func (db *DB) InsertRankings(ctx context.Context, rankings []*Ranking) error {
	if len(rankings) == 0 {
		return nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin rankings transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO rankings (run_id, symbol_id, rank, score, cluster_number)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, r := range rankings {
		if _, err := tx.Exec(ctx, query, r.RunID, r.SymbolID, r.Rank, r.Score, r.ClusterNumber); err != nil {
			return fmt.Errorf("failed to insert ranking for %s: %w", r.SymbolID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit rankings: %w", err)
	}
	return nil
}

// GetLatestRankings returns the most recent run, best rank first
func (db *DB) GetLatestRankings(ctx context.Context) ([]*Ranking, error) {
	query := `
		SELECT run_id, symbol_id, rank, score, cluster_number, created_at
		FROM rankings
		WHERE run_id = (SELECT run_id FROM rankings ORDER BY created_at DESC LIMIT 1)
		ORDER BY rank ASC
	`
	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rankings: %w", err)
	}
	defer rows.Close()

	var rankings []*Ranking
	for rows.Next() {
		var r Ranking
		if err := rows.Scan(&r.RunID, &r.SymbolID, &r.Rank, &r.Score, &r.ClusterNumber, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ranking: %w", err)
		}
		rankings = append(rankings, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rankings: %w", err)
	}
	return rankings, nil
}
