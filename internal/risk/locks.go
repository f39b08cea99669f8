package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
)

const (
	mirrorTTL      = 10 * time.Minute
	symbolLockTTL  = 30 * time.Second
	mirrorTimeout  = 500 * time.Millisecond
)

// StateMirror publishes a hot-store view of the triggered breaker levels so
// out-of-process readers see the current posture without touching Postgres.
// It also hands out short per-symbol locks that serialize position opens.
type StateMirror struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewStateMirror builds a mirror over the hot store
func NewStateMirror(client *redis.Client) *StateMirror {
	return &StateMirror{client: client, logger: config.NewLogger("risk")}
}

func breakerMirrorKey(portfolioID uuid.UUID) string {
	return fmt.Sprintf("risk:breaker:%s", portfolioID)
}

func symbolLockKey(symbol string) string {
	return fmt.Sprintf("risk:lock:%s", symbol)
}

type mirrorPayload struct {
	TriggeredLevels []string  `json:"triggered_levels"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Publish writes the triggered levels for a portfolio. Failures are logged
// and swallowed; the durable store stays authoritative.
func (m *StateMirror) Publish(ctx context.Context, portfolioID uuid.UUID, levels []string) {
	payload, err := json.Marshal(mirrorPayload{
		TriggeredLevels: levels,
		UpdatedAt:       time.Now().UTC(),
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	if err := m.client.Set(ctx, breakerMirrorKey(portfolioID), payload, mirrorTTL).Err(); err != nil {
		m.logger.Debug().Err(err).Msg("breaker mirror write failed")
	}
}

// AcquireSymbolLock takes the per-symbol trade lock. Returns false when
// another holder has it.
func (m *StateMirror) AcquireSymbolLock(ctx context.Context, symbol string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	ok, err := m.client.SetNX(ctx, symbolLockKey(symbol), "1", symbolLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock for %s: %w", symbol, err)
	}
	return ok, nil
}

// ReleaseSymbolLock releases the per-symbol trade lock
func (m *StateMirror) ReleaseSymbolLock(ctx context.Context, symbol string) error {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	return m.client.Del(ctx, symbolLockKey(symbol)).Err()
}
