package capture

import (
	"fmt"
	"time"
)

// LimitKind names the ceiling a session ran into.
type LimitKind string

const (
	// LimitDuration means the session ran longer than the duration ceiling.
	LimitDuration LimitKind = "duration_limit_reached"

	// LimitChunks means the session sent as many chunks as allowed.
	LimitChunks LimitKind = "chunk_limit_reached"
)

// LimitNotice is emitted once per session when a ceiling is reached. After
// it, the pipeline accepts no more audio until the next session starts.
type LimitNotice struct {
	Kind LimitKind

	// Elapsed is the session age at the moment the limit was detected.
	Elapsed time.Duration

	// ChunksSent is the number of chunks emitted before the limit.
	ChunksSent int

	// Max is the ceiling that was hit: a duration for [LimitDuration], a
	// chunk count for [LimitChunks].
	Max string
}

// Message renders the notice for display.
func (n LimitNotice) Message() string {
	switch n.Kind {
	case LimitDuration:
		return fmt.Sprintf("Recording limit of %s reached after %d chunks", n.Max, n.ChunksSent)
	case LimitChunks:
		return fmt.Sprintf("Chunk limit of %s reached after %s", n.Max, n.Elapsed.Round(time.Millisecond))
	default:
		return string(n.Kind)
	}
}

// DurationGuard tracks a session's age and sent chunk count against fixed
// ceilings. Once a ceiling is reached the guard stays tripped until
// [DurationGuard.Start] is called again.
//
// DurationGuard is not safe for concurrent use.
type DurationGuard struct {
	maxDuration time.Duration
	maxChunks   int

	started time.Time
	sent    int
	tripped *LimitNotice
}

// NewDurationGuard returns a guard with the given ceilings. A zero ceiling
// disables that check.
func NewDurationGuard(maxDuration time.Duration, maxChunks int) *DurationGuard {
	return &DurationGuard{maxDuration: maxDuration, maxChunks: maxChunks}
}

// Start begins a new session at now, clearing counters and the tripped state.
func (g *DurationGuard) Start(now time.Time) {
	g.started = now
	g.sent = 0
	g.tripped = nil
}

// Started reports when the current session began.
func (g *DurationGuard) Started() time.Time { return g.started }

// Elapsed returns the session age at now.
func (g *DurationGuard) Elapsed(now time.Time) time.Duration {
	if g.started.IsZero() {
		return 0
	}
	return now.Sub(g.started)
}

// Sent returns the number of chunks recorded since Start.
func (g *DurationGuard) Sent() int { return g.sent }

// Tripped reports whether a ceiling has been reached.
func (g *DurationGuard) Tripped() bool { return g.tripped != nil }

// Admit reports whether one more chunk may be emitted at now. When a ceiling
// is first reached it returns the notice with first set; later calls return
// the same notice with first unset.
func (g *DurationGuard) Admit(now time.Time) (ok bool, notice LimitNotice, first bool) {
	if g.tripped != nil {
		return false, *g.tripped, false
	}
	elapsed := g.Elapsed(now)
	switch {
	case g.maxDuration > 0 && elapsed > g.maxDuration:
		g.tripped = &LimitNotice{
			Kind:       LimitDuration,
			Elapsed:    elapsed,
			ChunksSent: g.sent,
			Max:        g.maxDuration.String(),
		}
	case g.maxChunks > 0 && g.sent >= g.maxChunks:
		g.tripped = &LimitNotice{
			Kind:       LimitChunks,
			Elapsed:    elapsed,
			ChunksSent: g.sent,
			Max:        fmt.Sprint(g.maxChunks),
		}
	default:
		return true, LimitNotice{}, false
	}
	return false, *g.tripped, true
}

// Record counts one emitted chunk and returns its 1-based sequence number.
func (g *DurationGuard) Record() int {
	g.sent++
	return g.sent
}
