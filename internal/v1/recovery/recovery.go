// Package recovery implements error classification and the containment
// strategies a room applies when something goes wrong: rollback to a
// known-good snapshot, retry with escalation, pause, DM resolution, or
// force-complete. One failure never takes down neighboring rooms; the blast
// radius is the room that hit it.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/game"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/logging"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/metrics"
	"github.com/torchvale/Tabletop-Live/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

const (
	// SnapshotRingSize bounds the per-room history of known-good states.
	SnapshotRingSize = 10
	// DefaultMaxRetryAttempts is how many times a retryable operation is
	// re-attempted before escalating to pause.
	DefaultMaxRetryAttempts = 3
)

// FailureClass names the category an error falls into.
type FailureClass string

const (
	FailureStateCorruption    FailureClass = "STATE_CORRUPTION"
	FailureConcurrentConflict FailureClass = "CONCURRENT_ACTION_CONFLICT"
	FailureInvalidGameState   FailureClass = "INVALID_GAME_STATE"
	FailurePersistence        FailureClass = "PERSISTENCE_FAILURE"
	FailureNetwork            FailureClass = "NETWORK_ERROR"
	FailureValidation         FailureClass = "VALIDATION_ERROR"
	FailureTimeout            FailureClass = "TIMEOUT_ERROR"
)

// Strategy names what the room should do about a classified failure.
type Strategy string

const (
	// StrategyRollbackToSnapshot pauses, restores the newest valid snapshot,
	// and resumes.
	StrategyRollbackToSnapshot Strategy = "ROLLBACK_TO_SNAPSHOT"
	// StrategyFirstActionWins accepts the first conflicting action and
	// rejects the rest back to their originators.
	StrategyFirstActionWins Strategy = "FIRST_ACTION_WINS"
	// StrategyRetryOperation re-attempts the operation with backoff.
	StrategyRetryOperation Strategy = "RETRY_OPERATION"
	// StrategyPauseAndNotify pauses and surfaces a human-readable error.
	StrategyPauseAndNotify Strategy = "PAUSE_AND_NOTIFY"
	// StrategyDMResolution pauses and waits for a DM resume or backtrack.
	StrategyDMResolution Strategy = "DM_RESOLUTION"
	// StrategyForceComplete ends the interaction and persists what we have.
	StrategyForceComplete Strategy = "FORCE_COMPLETE"
)

// Classify maps an error to its failure class. Unknown errors are treated
// as an invalid game state rather than guessed at.
func Classify(err error) FailureClass {
	switch types.KindOf(err) {
	case types.KindConflict:
		return FailureConcurrentConflict
	case types.KindUnavailable:
		return FailurePersistence
	case types.KindDeadlineExceeded:
		return FailureTimeout
	case types.KindInvalidArgument, types.KindFailedPrecondition,
		types.KindForbidden, types.KindUnauthenticated,
		types.KindResourceExhausted, types.KindNotFound:
		return FailureValidation
	default:
		return FailureInvalidGameState
	}
}

// StrategyFor returns the default strategy for a failure class.
func StrategyFor(class FailureClass) Strategy {
	switch class {
	case FailureStateCorruption, FailureInvalidGameState:
		return StrategyRollbackToSnapshot
	case FailureConcurrentConflict:
		return StrategyFirstActionWins
	case FailurePersistence, FailureNetwork:
		return StrategyRetryOperation
	case FailureTimeout:
		return StrategyDMResolution
	default:
		return StrategyPauseAndNotify
	}
}

// SnapshotRing holds the last SnapshotRingSize validated states for one
// room. Mutations come from the owning room's writer; the mutex guards the
// read-side accessors used by recovery and stats.
type SnapshotRing struct {
	mu        sync.RWMutex
	snapshots []types.Snapshot
	capacity  int
}

// NewSnapshotRing creates a ring with the default capacity.
func NewSnapshotRing() *SnapshotRing {
	return &SnapshotRing{capacity: SnapshotRingSize}
}

// Capture stores a deep copy of state if it passes invariant checks. States
// that fail validation are not admitted; the ring only ever holds states a
// rollback could safely land on.
func (r *SnapshotRing) Capture(state *types.GameState) bool {
	if violations := game.CheckInvariants(state); len(violations) > 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.snapshots = append(r.snapshots, types.Snapshot{
		State:      state.Clone(),
		CapturedAt: time.Now().UnixMilli(),
	})
	if len(r.snapshots) > r.capacity {
		r.snapshots = r.snapshots[len(r.snapshots)-r.capacity:]
	}
	return true
}

// Latest returns a clone of the most recent snapshot, or false when the
// ring is empty.
func (r *SnapshotRing) Latest() (*types.GameState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.snapshots) == 0 {
		return nil, false
	}
	return r.snapshots[len(r.snapshots)-1].State.Clone(), true
}

// LatestBefore returns a clone of the newest snapshot captured strictly
// before the given wall-clock millisecond, for rolling back past a known
// corruption point.
func (r *SnapshotRing) LatestBefore(unixMilli int64) (*types.GameState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.snapshots) - 1; i >= 0; i-- {
		if r.snapshots[i].CapturedAt < unixMilli {
			return r.snapshots[i].State.Clone(), true
		}
	}
	return nil, false
}

// Len reports how many snapshots are held.
func (r *SnapshotRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.snapshots)
}

// Outcome describes what a recovery decision produced. The room owner
// carries out pause, resume, and force-complete itself since those touch
// connection and persistence state this package has no business holding.
type Outcome struct {
	Class    FailureClass
	Strategy Strategy
	// Restored is non-nil when a rollback landed on a snapshot.
	Restored *types.GameState
	Reason   string
}

// Manager tracks per-room retry budgets and owns the snapshot ring.
type Manager struct {
	ring *SnapshotRing

	mu         sync.Mutex
	retries    map[string]int
	maxRetries int
}

// NewManager creates a recovery manager. maxRetries ≤ 0 selects the default.
func NewManager(maxRetries int) *Manager {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetryAttempts
	}
	return &Manager{
		ring:       NewSnapshotRing(),
		retries:    make(map[string]int),
		maxRetries: maxRetries,
	}
}

// Ring exposes the snapshot ring for the room writer to capture into.
func (m *Manager) Ring() *SnapshotRing { return m.ring }

// Decide classifies err and resolves the strategy, applying escalation:
// a retryable operation that has exhausted its budget downgrades to
// PAUSE_AND_NOTIFY, and a rollback with nothing to land on downgrades to
// FORCE_COMPLETE.
func (m *Manager) Decide(ctx context.Context, opKey string, err error) Outcome {
	return m.decide(ctx, opKey, Classify(err), err.Error())
}

func (m *Manager) decide(ctx context.Context, opKey string, class FailureClass, reason string) Outcome {
	strategy := StrategyFor(class)

	if strategy == StrategyRetryOperation {
		m.mu.Lock()
		m.retries[opKey]++
		attempts := m.retries[opKey]
		m.mu.Unlock()
		if attempts >= m.maxRetries {
			strategy = StrategyPauseAndNotify
		}
	}

	out := Outcome{Class: class, Strategy: strategy, Reason: reason}

	if strategy == StrategyRollbackToSnapshot {
		restored, ok := m.ring.Latest()
		if !ok {
			// NoSnapshotAvailable: nothing safe to land on.
			out.Strategy = StrategyForceComplete
			out.Reason = "state corruption with no valid snapshot"
		} else {
			out.Restored = restored
		}
	}

	logging.Warn(ctx, "Recovery decision",
		zap.String("class", string(class)),
		zap.String("strategy", string(out.Strategy)),
		zap.String("reason", reason))
	metrics.RecoveryActions.WithLabelValues(string(out.Strategy), "decided").Inc()

	return out
}

// ResetRetries clears the retry budget after an operation succeeds.
func (m *Manager) ResetRetries(opKey string) {
	m.mu.Lock()
	delete(m.retries, opKey)
	m.mu.Unlock()
}

// ValidateState checks state against the core invariants and, when they do
// not hold, produces a rollback outcome. Used after every applied action.
func (m *Manager) ValidateState(ctx context.Context, state *types.GameState) (Outcome, bool) {
	violations := game.CheckInvariants(state)
	if len(violations) == 0 {
		return Outcome{}, true
	}

	logging.Error(ctx, "Game state failed invariant check",
		zap.String("interactionId", string(state.InteractionID)),
		zap.Strings("violations", violations))

	opKey := "invariants:" + string(state.InteractionID)
	return m.decide(ctx, opKey, FailureStateCorruption, "game state corrupted: "+violations[0]), false
}
