package projection

import (
	"PerpVault/internal/event"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// LiquidationEntry is one row of a trader's liquidation history.
type LiquidationEntry struct {
	Sequence     int64
	TraderID     uuid.UUID
	LiquidatorID uuid.UUID
	Fee          *uint256.Int
	Returned     *uint256.Int
	SizeInTokens *uint256.Int
	LiquidatedAt time.Time
}

// LiquidationsFrom extracts the liquidations committed by an envelope.
func LiquidationsFrom(env *event.EventEnvelope) []LiquidationEntry {
	var out []LiquidationEntry
	for _, n := range env.Notifications {
		liq, ok := n.(*event.Liquidated)
		if !ok {
			continue
		}
		out = append(out, LiquidationEntry{
			Sequence:     env.Sequence,
			TraderID:     liq.TraderID,
			LiquidatorID: liq.LiquidatorID,
			Fee:          liq.Fee,
			Returned:     liq.Returned,
			SizeInTokens: liq.SizeInTokens,
			LiquidatedAt: env.Timestamp,
		})
	}
	return out
}

func insertLiquidation(ctx context.Context, ex execer, e LiquidationEntry) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.liquidations
			(sequence, trader_id, liquidator_id, fee, returned, size_in_tokens, liquidated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sequence, trader_id) DO NOTHING
	`, e.Sequence, e.TraderID, e.LiquidatorID, e.Fee.Dec(), e.Returned.Dec(), e.SizeInTokens.Dec(), e.LiquidatedAt)
	return err
}

// rebuildLiquidations refills history from the notifications stored in
// the event log up to and including sequence upTo.
func rebuildLiquidations(ctx context.Context, ex execer, upTo int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.liquidations
			(sequence, trader_id, liquidator_id, fee, returned, size_in_tokens, liquidated_at)
		SELECT e.sequence,
		       (n->'data'->>'trader_id')::UUID,
		       (n->'data'->>'liquidator_id')::UUID,
		       (n->'data'->>'fee')::NUMERIC,
		       (n->'data'->>'returned')::NUMERIC,
		       (n->'data'->>'size_in_tokens')::NUMERIC,
		       e.timestamp
		FROM event_log.events e, jsonb_array_elements(e.notifications) n
		WHERE n->>'type' = $1 AND e.sequence <= $2
		ON CONFLICT (sequence, trader_id) DO NOTHING
	`, event.NotificationLiquidated.String(), upTo)
	if err != nil {
		return fmt.Errorf("rebuild liquidations: %w", err)
	}
	return nil
}

// LiquidationHistory returns a trader's liquidations, newest first.
func LiquidationHistory(ctx context.Context, db *sql.DB, trader uuid.UUID, limit int) ([]LiquidationEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, trader_id, liquidator_id, fee::TEXT, returned::TEXT, size_in_tokens::TEXT, liquidated_at
		FROM projections.liquidations
		WHERE trader_id = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, trader, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LiquidationEntry
	for rows.Next() {
		var (
			e                     LiquidationEntry
			fee, returned, tokens string
		)
		if err := rows.Scan(&e.Sequence, &e.TraderID, &e.LiquidatorID, &fee, &returned, &tokens, &e.LiquidatedAt); err != nil {
			return nil, err
		}
		if e.Fee, err = uint256.FromDecimal(fee); err != nil {
			return nil, err
		}
		if e.Returned, err = uint256.FromDecimal(returned); err != nil {
			return nil, err
		}
		if e.SizeInTokens, err = uint256.FromDecimal(tokens); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
