package staleness

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/metrics"
)

// State is the freshness state of one symbol
type State string

const (
	StateFresh       State = "fresh"
	StateWarn        State = "warn"
	StateHard        State = "hard"
	StateKill        State = "kill_switch"
	StateQuarantined State = "quarantined"
)

// FreshnessSource reports the newest data timestamp for a symbol
type FreshnessSource interface {
	FreshestTimestamp(ctx context.Context, exchange, symbol string) (time.Time, error)
}

// Refresher dispatches a targeted one-shot data refresh
type Refresher interface {
	Refresh(ctx context.Context, symbol string)
}

// BreakerSink receives the staleness branch of the circuit breaker. Trigger
// is called with the worst active state on degradation; Reset when every
// symbol is clean again.
type BreakerSink interface {
	TriggerStaleness(state State, symbols []string)
	ResetStaleness()
}

type symbolState struct {
	state       State
	since       time.Time // when the current state was entered
	firstSeen   time.Time
	unsupported bool
}

// Guard is the per-symbol freshness state machine. It sweeps every couple
// of seconds, degrades symbols by data age, requests refreshes on the first
// sign of trouble and flips the global kill switch when any active symbol
// goes fully dark.
type Guard struct {
	source    FreshnessSource
	refresher Refresher
	breaker   BreakerSink
	exchange  string
	logger    zerolog.Logger

	warnAfter       time.Duration
	hardAfter       time.Duration
	killAfter       time.Duration
	quarantineAfter time.Duration
	sweepInterval   time.Duration
	chunkSize       int

	mu         sync.Mutex
	states     map[string]*symbolState
	killActive bool
	degraded   bool
	now        func() time.Time
}

// NewGuard builds a guard for the given symbols
func NewGuard(cfg config.StalenessConfig, source FreshnessSource, refresher Refresher, breaker BreakerSink, exchange string, symbols []string) *Guard {
	g := &Guard{
		source:          source,
		refresher:       refresher,
		breaker:         breaker,
		exchange:        exchange,
		logger:          config.NewLogger("staleness"),
		warnAfter:       config.Duration(cfg.WarnAfter, 4*time.Second),
		hardAfter:       config.Duration(cfg.HardAfter, 12*time.Second),
		killAfter:       config.Duration(cfg.KillAfter, 60*time.Second),
		quarantineAfter: config.Duration(cfg.QuarantineAfter, 5*time.Minute),
		sweepInterval:   config.Duration(cfg.SweepInterval, 2*time.Second),
		chunkSize:       cfg.SweepChunkSize,
		states:          make(map[string]*symbolState),
		now:             func() time.Time { return time.Now().UTC() },
	}
	if g.chunkSize <= 0 {
		g.chunkSize = 20
	}

	start := g.now()
	for _, s := range symbols {
		g.states[s] = &symbolState{state: StateFresh, since: start, firstSeen: start}
	}
	return g
}

// Run sweeps until ctx is cancelled
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Sweep checks every symbol in parallel chunks and updates the global view
func (g *Guard) Sweep(ctx context.Context) {
	symbols := g.symbolList()

	for i := 0; i < len(symbols); i += g.chunkSize {
		end := i + g.chunkSize
		if end > len(symbols) {
			end = len(symbols)
		}

		eg, egCtx := errgroup.WithContext(ctx)
		for _, sym := range symbols[i:end] {
			sym := sym
			eg.Go(func() error {
				// One symbol's failure never stops the sweep.
				g.checkSymbol(egCtx, sym)
				return nil
			})
		}
		_ = eg.Wait()
	}

	g.updateGlobal()
}

func (g *Guard) symbolList() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.states))
	for s := range g.states {
		out = append(out, s)
	}
	return out
}

func (g *Guard) checkSymbol(ctx context.Context, symbol string) {
	freshest, err := g.source.FreshestTimestamp(ctx, g.exchange, symbol)
	if err != nil {
		g.logger.Debug().Err(err).Str("symbol", symbol).Msg("freshness read failed")
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.states[symbol]
	if !ok || st.unsupported {
		return
	}

	now := g.now()
	ref := freshest
	if ref.IsZero() {
		// Never seen data; age counts from when the guard first saw the symbol.
		ref = st.firstSeen
	}
	age := now.Sub(ref)

	next := g.classify(age, st.state)
	if next == st.state {
		return
	}

	prev := st.state
	st.state = next
	st.since = now

	g.logger.Info().
		Str("symbol", symbol).
		Str("from", string(prev)).
		Str("to", string(next)).
		Dur("age", age).
		Msg("staleness transition")

	if next == StateWarn && g.refresher != nil {
		// One-shot targeted refresh; dedup and the 10s budget live in the
		// refresher, so it must outlive this sweep's context.
		go g.refresher.Refresh(context.Background(), symbol)
	}
}

// classify maps data age to a state. Quarantine is sticky until the symbol
// returns all the way to fresh.
func (g *Guard) classify(age time.Duration, current State) State {
	if age >= g.quarantineAfter {
		return StateQuarantined
	}
	if current == StateQuarantined && age >= g.warnAfter {
		// Still degraded; a quarantined symbol recovers only via fresh.
		return StateQuarantined
	}
	switch {
	case age < g.warnAfter:
		return StateFresh
	case age < g.hardAfter:
		return StateWarn
	case age < g.killAfter:
		return StateHard
	default:
		return StateKill
	}
}

// updateGlobal recomputes the kill switch and the breaker branch from the
// current symbol states
func (g *Guard) updateGlobal() {
	g.mu.Lock()

	var killSymbols, degradedSymbols []string
	worst := StateFresh
	for sym, st := range g.states {
		if st.unsupported || st.state == StateQuarantined {
			continue
		}
		switch st.state {
		case StateKill:
			killSymbols = append(killSymbols, sym)
			degradedSymbols = append(degradedSymbols, sym)
			worst = StateKill
		case StateHard:
			degradedSymbols = append(degradedSymbols, sym)
			if worst != StateKill {
				worst = StateHard
			}
		case StateWarn:
			degradedSymbols = append(degradedSymbols, sym)
			if worst == StateFresh {
				worst = StateWarn
			}
		}
	}

	killNow := len(killSymbols) > 0
	killChanged := killNow != g.killActive
	g.killActive = killNow

	degradedNow := len(degradedSymbols) > 0
	degradedChanged := degradedNow != g.degraded
	g.degraded = degradedNow
	g.mu.Unlock()

	metrics.SetStalenessLevel(stalenessLevel(worst))

	if killChanged {
		if killNow {
			g.logger.Error().Strs("symbols", killSymbols).Msg("kill switch activated")
		} else {
			g.logger.Info().Msg("kill switch deactivated")
		}
	}

	if g.breaker == nil {
		return
	}
	if degradedNow {
		g.breaker.TriggerStaleness(worst, degradedSymbols)
	} else if degradedChanged {
		g.breaker.ResetStaleness()
	}
}

func stalenessLevel(s State) int {
	switch s {
	case StateWarn:
		return 1
	case StateHard:
		return 2
	case StateKill:
		return 3
	default:
		return 0
	}
}

// SymbolState returns the current state of a symbol
func (g *Guard) SymbolState(symbol string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[symbol]
	if !ok {
		return StateQuarantined
	}
	if st.unsupported {
		return StateQuarantined
	}
	return st.state
}

// KillActive reports whether the global trading pause is on
func (g *Guard) KillActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.killActive
}

// AllowNewPositions reports whether new positions may be opened on a symbol
func (g *Guard) AllowNewPositions(symbol string) bool {
	if g.KillActive() {
		return false
	}
	return g.SymbolState(symbol) == StateFresh
}

// SignalsAllowed reports whether the signal engine may evaluate a symbol at
// all. Warn still evaluates (positions are just not opened); hard and worse
// produce zero signals.
func (g *Guard) SignalsAllowed(symbol string) bool {
	if g.KillActive() {
		return false
	}
	switch g.SymbolState(symbol) {
	case StateFresh, StateWarn:
		return true
	default:
		return false
	}
}

// MarkUnsupported permanently excludes a symbol, wired to the ingestor's
// unsupported-pair callback
func (g *Guard) MarkUnsupported(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.states[symbol]; ok {
		st.unsupported = true
	} else {
		g.states[symbol] = &symbolState{
			state: StateQuarantined, since: g.now(), firstSeen: g.now(), unsupported: true,
		}
	}
}

// QuarantinedSymbols returns the symbols currently excluded from trading
// and from the kill-switch calculation
func (g *Guard) QuarantinedSymbols() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for sym, st := range g.states {
		if st.state == StateQuarantined || st.unsupported {
			out = append(out, sym)
		}
	}
	return out
}
