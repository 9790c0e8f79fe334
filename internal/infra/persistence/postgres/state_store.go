package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oddsmill/sequencer/internal/domain"
)

// StateStore persists per-market sequencer state, the priority counter, and
// the processing lease. One row per market carries all three so the
// single-writer claim and the counter share the market's primary key.
type StateStore struct {
	db querier
}

// NewStateStore constructs a StateStore backed by the provided pool.
func NewStateStore(pool *pgxpool.Pool) *StateStore {
	return &StateStore{db: pool}
}

const (
	stateSelectSQL = `
SELECT bid_levels, ask_levels, last_sequence, updated_at
FROM sequencer_state
WHERE market_id = @market_id;
`

	stateSaveSQL = `
INSERT INTO sequencer_state (market_id, bid_levels, ask_levels, last_sequence, updated_at)
VALUES (@market_id, @bid_levels::jsonb, @ask_levels::jsonb, @last_sequence, NOW())
ON CONFLICT (market_id) DO UPDATE SET
    bid_levels = EXCLUDED.bid_levels,
    ask_levels = EXCLUDED.ask_levels,
    last_sequence = EXCLUDED.last_sequence,
    updated_at = NOW();
`

	stateNextPrioritySQL = `
INSERT INTO sequencer_state (market_id, next_priority, updated_at)
VALUES (@market_id, 1, NOW())
ON CONFLICT (market_id) DO UPDATE SET
    next_priority = sequencer_state.next_priority + 1
RETURNING next_priority;
`

	stateAcquireLeaseSQL = `
INSERT INTO sequencer_state (market_id, lease_holder, lease_expires_at, updated_at)
VALUES (@market_id, @holder, NOW() + make_interval(secs => @ttl_seconds), NOW())
ON CONFLICT (market_id) DO UPDATE SET
    lease_holder = @holder,
    lease_expires_at = NOW() + make_interval(secs => @ttl_seconds)
WHERE sequencer_state.lease_holder IS NULL
   OR sequencer_state.lease_holder = @holder
   OR sequencer_state.lease_expires_at < NOW();
`

	stateReleaseLeaseSQL = `
UPDATE sequencer_state
SET lease_holder = NULL, lease_expires_at = NULL
WHERE market_id = @market_id AND lease_holder = @holder;
`
)

// Load returns the market's state, or an empty state when none exists.
func (s *StateStore) Load(ctx context.Context, marketID string) (*domain.SequencerState, error) {
	var (
		bidRaw    []byte
		askRaw    []byte
		sequence  int64
		updatedAt time.Time
	)
	err := s.db.QueryRow(ctx, stateSelectSQL, pgx.NamedArgs{"market_id": marketID}).
		Scan(&bidRaw, &askRaw, &sequence, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.SequencerState{MarketID: marketID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state store: load state: %w", err)
	}

	state := &domain.SequencerState{
		MarketID:     marketID,
		LastSequence: sequence,
		UpdatedAt:    updatedAt,
	}
	if err := decodeLevels(bidRaw, &state.Bids); err != nil {
		return nil, fmt.Errorf("state store: decode bid levels: %w", err)
	}
	if err := decodeLevels(askRaw, &state.Asks); err != nil {
		return nil, fmt.Errorf("state store: decode ask levels: %w", err)
	}
	return state, nil
}

// Save writes the book detail and sequence, stamping updated_at itself. The
// lease and priority columns are deliberately untouched so a save cannot
// break an active claim.
func (s *StateStore) Save(ctx context.Context, state *domain.SequencerState) error {
	bidRaw, err := encodeLevels(state.Bids)
	if err != nil {
		return fmt.Errorf("state store: encode bid levels: %w", err)
	}
	askRaw, err := encodeLevels(state.Asks)
	if err != nil {
		return fmt.Errorf("state store: encode ask levels: %w", err)
	}
	args := pgx.NamedArgs{
		"market_id":     state.MarketID,
		"bid_levels":    bidRaw,
		"ask_levels":    askRaw,
		"last_sequence": state.LastSequence,
	}
	if _, err := s.db.Exec(ctx, stateSaveSQL, args); err != nil {
		return fmt.Errorf("state store: save state: %w", err)
	}
	return nil
}

// NextPriority atomically increments and returns the market's counter.
func (s *StateStore) NextPriority(ctx context.Context, marketID string) (int64, error) {
	var priority int64
	err := s.db.QueryRow(ctx, stateNextPrioritySQL, pgx.NamedArgs{"market_id": marketID}).
		Scan(&priority)
	if err != nil {
		return 0, fmt.Errorf("state store: next priority: %w", err)
	}
	return priority, nil
}

// AcquireLease compare-and-sets the market's processing claim. A false
// return means another holder owns an unexpired lease.
func (s *StateStore) AcquireLease(ctx context.Context, marketID, holder string, ttl time.Duration) (bool, error) {
	args := pgx.NamedArgs{
		"market_id":   marketID,
		"holder":      holder,
		"ttl_seconds": ttl.Seconds(),
	}
	tag, err := s.db.Exec(ctx, stateAcquireLeaseSQL, args)
	if err != nil {
		return false, fmt.Errorf("state store: acquire lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLease clears the claim when held by the given holder.
func (s *StateStore) ReleaseLease(ctx context.Context, marketID, holder string) error {
	args := pgx.NamedArgs{"market_id": marketID, "holder": holder}
	if _, err := s.db.Exec(ctx, stateReleaseLeaseSQL, args); err != nil {
		return fmt.Errorf("state store: release lease: %w", err)
	}
	return nil
}

func encodeLevels(levels []domain.LevelDetail) ([]byte, error) {
	if len(levels) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(levels)
}

func decodeLevels(raw []byte, out *[]domain.LevelDetail) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
