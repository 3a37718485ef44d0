package projection

import (
	"PerpVault/internal/core"
	"PerpVault/internal/observability"
	"PerpVault/internal/state"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// watermarkName identifies this worker's row in projections.watermark.
const watermarkName = "ledger"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ProjectionWorker maintains the read model from core outputs. Its channel
// drops when full, so the model may lag; Rebuild resynchronizes it from a
// core snapshot and the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
		lastSeq:   -1,
	}
}

// Run applies outputs until ctx is cancelled or the channel closes.
// Failures are logged and skipped.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := output.Envelope.Sequence
			if err := pw.processOutput(ctx, output); err != nil {
				pw.logger.Warn().Err(err).Int64("seq", seq).Msg("projection update failed")
				if pw.metrics != nil {
					pw.metrics.ProjectionErrors.WithLabelValues(watermarkName).Inc()
				}
				continue
			}
			pw.lastSeq = seq
		}
	}
}

// LastSequence is the last sequence this worker applied, -1 before any.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	start := time.Now()
	env := output.Envelope

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, acct := range output.Accounts {
		if err := upsertAccount(ctx, tx, acct, env.Sequence, env.Timestamp); err != nil {
			return fmt.Errorf("trader account %s: %w", acct.TraderID, err)
		}
	}
	for _, liq := range LiquidationsFrom(env) {
		if err := insertLiquidation(ctx, tx, liq); err != nil {
			return fmt.Errorf("liquidation %s: %w", liq.TraderID, err)
		}
	}
	if err := setWatermark(ctx, tx, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(watermarkName).Observe(time.Since(start).Seconds())
	}
	return nil
}

// upsertAccount writes one account unless a later sequence is already
// projected for it.
func upsertAccount(ctx context.Context, ex execer, acct state.TraderAccount, seq int64, at time.Time) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.trader_accounts
			(trader_id, collateral,
			 long_open_interest, long_tokens, long_principal,
			 short_open_interest, short_tokens, short_principal,
			 last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (trader_id) DO UPDATE SET
			collateral = EXCLUDED.collateral,
			long_open_interest = EXCLUDED.long_open_interest,
			long_tokens = EXCLUDED.long_tokens,
			long_principal = EXCLUDED.long_principal,
			short_open_interest = EXCLUDED.short_open_interest,
			short_tokens = EXCLUDED.short_tokens,
			short_principal = EXCLUDED.short_principal,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = EXCLUDED.updated_at
		WHERE projections.trader_accounts.last_sequence <= EXCLUDED.last_sequence
	`,
		acct.TraderID, acct.Collateral.Dec(),
		acct.Long.OpenInterest.Dec(), acct.Long.OpenInterestInTokens.Dec(), acct.Long.Principal.Dec(),
		acct.Short.OpenInterest.Dec(), acct.Short.OpenInterestInTokens.Dec(), acct.Short.Principal.Dec(),
		seq, at,
	)
	return err
}

func setWatermark(ctx context.Context, ex execer, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection) DO UPDATE SET last_sequence = $2, updated_at = NOW()
		WHERE projections.watermark.last_sequence < $2
	`, watermarkName, seq)
	return err
}

// Watermark returns the last projected sequence, -1 when nothing is.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection = $1
	`, watermarkName).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}

// Rebuild replaces the account model with the snapshot's accounts and
// refills liquidation history from the event log up to the snapshot.
func Rebuild(ctx context.Context, db *sql.DB, snap *core.SnapshotState) error {
	if snap.Sequence < 0 {
		return nil
	}
	last := snap.Sequence

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM projections.trader_accounts WHERE last_sequence <= $1`, last); err != nil {
		return fmt.Errorf("clear trader accounts: %w", err)
	}
	at := snap.Clock
	for _, acct := range snap.Ledger.Accounts {
		if err := upsertAccount(ctx, tx, acct, last, at); err != nil {
			return fmt.Errorf("trader account %s: %w", acct.TraderID, err)
		}
	}
	if err := rebuildLiquidations(ctx, tx, last); err != nil {
		return err
	}
	if err := setWatermark(ctx, tx, last); err != nil {
		return err
	}
	return tx.Commit()
}
