package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BreakerLevel identifies which protection layer a breaker row belongs to
type BreakerLevel string

const (
	BreakerLevelAsset     BreakerLevel = "asset"
	BreakerLevelCluster   BreakerLevel = "cluster"
	BreakerLevelGlobal    BreakerLevel = "global"
	BreakerLevelStaleness BreakerLevel = "staleness"
)

// BreakerEventType categorizes breaker audit events
type BreakerEventType string

const (
	BreakerEventTriggered BreakerEventType = "triggered"
	BreakerEventReset     BreakerEventType = "reset"
	BreakerEventAutoReset BreakerEventType = "auto_reset"
)

// BreakerRow is the persisted state of one circuit breaker scope
type BreakerRow struct {
	ID                uuid.UUID       `db:"id"`
	PortfolioID       uuid.UUID       `db:"portfolio_id"`
	Level             BreakerLevel    `db:"level"`
	ScopeKey          string          `db:"scope_key"`
	IsTriggered       bool            `db:"is_triggered"`
	TriggerReason     *string         `db:"trigger_reason"`
	ConsecutiveLosses int             `db:"consecutive_losses"`
	CumulativeLoss    decimal.Decimal `db:"cumulative_loss"`
	TriggeredAt       *time.Time      `db:"triggered_at"`
	AutoResetAt       *time.Time      `db:"auto_reset_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

const breakerColumns = `id, portfolio_id, level, scope_key, is_triggered, trigger_reason,
	consecutive_losses, cumulative_loss::text, triggered_at, auto_reset_at, updated_at`

// UpsertBreakerState writes loss counters for a scope, creating the row on
// first touch. Counters accumulate until the breaker trips or auto-resets.
func (db *DB) UpsertBreakerState(ctx context.Context, b *BreakerRow) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}

	query := `
		INSERT INTO breakers (id, portfolio_id, level, scope_key, is_triggered, trigger_reason,
			consecutive_losses, cumulative_loss, triggered_at, auto_reset_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10)
		ON CONFLICT (portfolio_id, level, scope_key) DO UPDATE SET
			is_triggered = EXCLUDED.is_triggered,
			trigger_reason = EXCLUDED.trigger_reason,
			consecutive_losses = EXCLUDED.consecutive_losses,
			cumulative_loss = EXCLUDED.cumulative_loss,
			triggered_at = EXCLUDED.triggered_at,
			auto_reset_at = EXCLUDED.auto_reset_at,
			updated_at = NOW()
	`
	_, err := db.pool.Exec(ctx, query,
		b.ID, b.PortfolioID, b.Level, b.ScopeKey, b.IsTriggered, b.TriggerReason,
		b.ConsecutiveLosses, b.CumulativeLoss.String(), b.TriggeredAt, b.AutoResetAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert breaker state: %w", err)
	}
	return nil
}

// GetBreaker returns the breaker row for (portfolio, level, scope), or nil
func (db *DB) GetBreaker(ctx context.Context, portfolioID uuid.UUID, level BreakerLevel, scopeKey string) (*BreakerRow, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM breakers
		WHERE portfolio_id = $1 AND level = $2 AND scope_key = $3
	`, breakerColumns)

	var b BreakerRow
	var cumLoss string
	err := db.pool.QueryRow(ctx, query, portfolioID, level, scopeKey).Scan(
		&b.ID, &b.PortfolioID, &b.Level, &b.ScopeKey, &b.IsTriggered, &b.TriggerReason,
		&b.ConsecutiveLosses, &cumLoss, &b.TriggeredAt, &b.AutoResetAt, &b.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get breaker: %w", err)
	}
	if b.CumulativeLoss, err = decimal.NewFromString(cumLoss); err != nil {
		return nil, fmt.Errorf("invalid cumulative_loss %q: %w", cumLoss, err)
	}
	return &b, nil
}

// GetTriggeredBreakers returns all currently triggered breakers for a portfolio
func (db *DB) GetTriggeredBreakers(ctx context.Context, portfolioID uuid.UUID) ([]*BreakerRow, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM breakers
		WHERE portfolio_id = $1 AND is_triggered = TRUE
		ORDER BY level, scope_key
	`, breakerColumns)

	rows, err := db.pool.Query(ctx, query, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggered breakers: %w", err)
	}
	defer rows.Close()

	var breakers []*BreakerRow
	for rows.Next() {
		var b BreakerRow
		var cumLoss string
		if err := rows.Scan(&b.ID, &b.PortfolioID, &b.Level, &b.ScopeKey, &b.IsTriggered,
			&b.TriggerReason, &b.ConsecutiveLosses, &cumLoss, &b.TriggeredAt, &b.AutoResetAt,
			&b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan breaker: %w", err)
		}
		if b.CumulativeLoss, err = decimal.NewFromString(cumLoss); err != nil {
			return nil, fmt.Errorf("invalid cumulative_loss %q: %w", cumLoss, err)
		}
		breakers = append(breakers, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating breakers: %w", err)
	}
	return breakers, nil
}

// GetDueAutoResets returns triggered breakers whose auto_reset_at has passed
func (db *DB) GetDueAutoResets(ctx context.Context, now time.Time) ([]*BreakerRow, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM breakers
		WHERE is_triggered = TRUE AND auto_reset_at IS NOT NULL AND auto_reset_at <= $1
		ORDER BY auto_reset_at ASC
	`, breakerColumns)

	rows, err := db.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due auto-resets: %w", err)
	}
	defer rows.Close()

	var breakers []*BreakerRow
	for rows.Next() {
		var b BreakerRow
		var cumLoss string
		if err := rows.Scan(&b.ID, &b.PortfolioID, &b.Level, &b.ScopeKey, &b.IsTriggered,
			&b.TriggerReason, &b.ConsecutiveLosses, &cumLoss, &b.TriggeredAt, &b.AutoResetAt,
			&b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan breaker: %w", err)
		}
		if b.CumulativeLoss, err = decimal.NewFromString(cumLoss); err != nil {
			return nil, fmt.Errorf("invalid cumulative_loss %q: %w", cumLoss, err)
		}
		breakers = append(breakers, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating breakers: %w", err)
	}
	return breakers, nil
}

// ResetBreaker clears the triggered flag and zeroes loss counters
func (db *DB) ResetBreaker(ctx context.Context, id uuid.UUID) error {
	result, err := db.pool.Exec(ctx, `
		UPDATE breakers
		SET is_triggered = FALSE, trigger_reason = NULL, consecutive_losses = 0,
			cumulative_loss = 0, triggered_at = NULL, auto_reset_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to reset breaker: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("breaker not found: %s", id)
	}
	return nil
}

// BreakerEvent is an audit record of a breaker state change
type BreakerEvent struct {
	ID          uuid.UUID        `db:"id"`
	PortfolioID uuid.UUID        `db:"portfolio_id"`
	Level       BreakerLevel     `db:"level"`
	BreakerID   uuid.UUID        `db:"breaker_id"`
	EventType   BreakerEventType `db:"event_type"`
	Reason      string           `db:"reason"`
	Metadata    []byte           `db:"metadata"` // JSON, may be nil
	CreatedAt   time.Time        `db:"created_at"`
}

// InsertBreakerEvent records a breaker state change for the audit trail
func (db *DB) InsertBreakerEvent(ctx context.Context, e *BreakerEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx, `
		INSERT INTO breaker_events (id, portfolio_id, level, breaker_id, event_type, reason, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.PortfolioID, e.Level, e.BreakerID, e.EventType, e.Reason, e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to insert breaker event: %w", err)
	}
	return nil
}

// GetBreakerEvents returns recent events for a portfolio, newest first
func (db *DB) GetBreakerEvents(ctx context.Context, portfolioID uuid.UUID, limit int) ([]*BreakerEvent, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, portfolio_id, level, breaker_id, event_type, reason, metadata, created_at
		FROM breaker_events
		WHERE portfolio_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, portfolioID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query breaker events: %w", err)
	}
	defer rows.Close()

	var events []*BreakerEvent
	for rows.Next() {
		var e BreakerEvent
		if err := rows.Scan(&e.ID, &e.PortfolioID, &e.Level, &e.BreakerID, &e.EventType,
			&e.Reason, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan breaker event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating breaker events: %w", err)
	}
	return events, nil
}
