package query

import (
	"PerpVault/internal/core"
	"PerpVault/internal/projection"
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// LiveReader serves reads from in-memory core state.
type LiveReader interface {
	Trader(ctx context.Context, trader uuid.UUID) (*core.TraderView, error)
	Pool(ctx context.Context) (*core.PoolView, error)
}

// QueryService answers reads. Trader and pool state come live from the
// core, which prices them; history comes from Postgres projections and
// the journal. db may be nil, in which case history reads fail.
type QueryService struct {
	db   *sql.DB
	live LiveReader
}

var errNoDatabase = fmt.Errorf("history unavailable: %w", core.ErrStoreUnavailable)

func NewQueryService(db *sql.DB, live LiveReader) *QueryService {
	return &QueryService{db: db, live: live}
}

// GetTrader returns a trader's live account, unrealized PnL and leverage.
// Unknown traders read as empty accounts.
func (qs *QueryService) GetTrader(ctx context.Context, trader uuid.UUID) (*TraderResponse, error) {
	v, err := qs.live.Trader(ctx, trader)
	if err != nil {
		return nil, err
	}
	return traderResponse(v), nil
}

// GetPool returns pool aggregates and vault NAV.
func (qs *QueryService) GetPool(ctx context.Context) (*PoolResponse, error) {
	v, err := qs.live.Pool(ctx)
	if err != nil {
		return nil, err
	}
	return poolResponse(v), nil
}

// GetLiquidations returns a trader's liquidation history, newest first.
func (qs *QueryService) GetLiquidations(ctx context.Context, trader uuid.UUID, limit int) ([]LiquidationResponse, error) {
	if qs.db == nil {
		return nil, errNoDatabase
	}
	entries, err := projection.LiquidationHistory(ctx, qs.db, trader, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	out := make([]LiquidationResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, liquidationResponse(e))
	}
	return out, nil
}

// GetJournalHistory returns journal entries touching any of a trader's
// accounts, newest first. beforeSequence pages backwards.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	trader uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, errNoDatabase
	}
	accountPrefix := fmt.Sprintf("user:%s:%%", trader)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity walks the stored hash chain and checks the sequence is
// gapless and rooted at the genesis hash.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if qs.db == nil {
		return nil, errNoDatabase
	}
	report := &IntegrityReport{}

	breaks, err := qs.int64s(ctx, `
		SELECT sequence FROM (
			SELECT sequence, prev_hash,
			       LAG(state_hash) OVER (ORDER BY sequence) AS expected,
			       LAG(sequence) OVER (ORDER BY sequence) AS prev_seq
			FROM event_log.events
		) chain
		WHERE prev_seq IS NOT NULL AND prev_hash != expected
		ORDER BY sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}
	report.HashChainBreaks = breaks

	gaps, err := qs.int64s(ctx, `
		SELECT sequence FROM (
			SELECT sequence, LAG(sequence) OVER (ORDER BY sequence) AS prev_seq
			FROM event_log.events
		) seqs
		WHERE prev_seq IS NOT NULL AND sequence != prev_seq + 1
		ORDER BY sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("sequence gaps: %w", err)
	}
	report.SequenceGaps = gaps

	genesis := core.GenesisHash()
	var first []byte
	err = qs.db.QueryRowContext(ctx, `
		SELECT prev_hash FROM event_log.events WHERE sequence = 0
	`).Scan(&first)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("genesis: %w", err)
	default:
		report.BadGenesis = string(first) != string(genesis[:])
	}

	var latest sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&latest); err != nil {
		return nil, err
	}
	report.LatestSequence = -1
	if latest.Valid {
		report.LatestSequence = latest.Int64
	}
	mark, err := projection.Watermark(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	report.ProjectionLag = report.LatestSequence - mark

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0 && !report.BadGenesis
	return report, nil
}

// --- helpers ---

func (qs *QueryService) int64s(ctx context.Context, query string, args ...interface{}) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	}
	return limit
}
