package query

import (
	"time"

	"github.com/google/uuid"
)

// Amounts are decimal strings in the smallest unit (18 decimals) so they
// survive JSON clients that parse numbers as float64.

// SideResponse is one side of a trader or of the pool.
type SideResponse struct {
	OpenInterest         string `json:"open_interest"`
	OpenInterestInTokens string `json:"open_interest_in_tokens"`
	Principal            string `json:"principal"`
}

// TraderResponse is a live read of a trader, priced at the current oracle
// ratio.
type TraderResponse struct {
	TraderID      uuid.UUID    `json:"trader_id"`
	Wallet        string       `json:"wallet"`
	Collateral    string       `json:"collateral"`
	Shares        string       `json:"shares"`
	Long          SideResponse `json:"long"`
	Short         SideResponse `json:"short"`
	UnrealizedPnL string       `json:"unrealized_pnl"` // signed
	BorrowingFee  string       `json:"borrowing_fee"`
	Leverage      string       `json:"leverage"` // scaled by 1e18
	LeverageValid bool         `json:"leverage_valid"`
	AsOfSequence  int64        `json:"as_of_sequence"`
}

// PoolResponse is a live read of the pool and its aggregates.
type PoolResponse struct {
	DepositedLiquidity    string       `json:"deposited_liquidity"`
	Long                  SideResponse `json:"long"`
	Short                 SideResponse `json:"short"`
	BorrowingIndex        string       `json:"borrowing_index"` // scaled by 1e10
	PriceRatio            string       `json:"price_ratio"`     // scaled by 1e18
	AggregatePnL          string       `json:"aggregate_pnl"`   // signed
	AggregateBorrowingFee string       `json:"aggregate_borrowing_fee"`
	TotalManagedAssets    string       `json:"total_managed_assets"`
	TotalShares           string       `json:"total_shares"`
	UtilizationValid      bool         `json:"utilization_valid"`
	GenesisTime           time.Time    `json:"genesis_time"`
	AsOfSequence          int64        `json:"as_of_sequence"`
}

// LiquidationResponse is one past liquidation of a trader.
type LiquidationResponse struct {
	Sequence     int64     `json:"sequence"`
	TraderID     uuid.UUID `json:"trader_id"`
	LiquidatorID uuid.UUID `json:"liquidator_id"`
	Fee          string    `json:"fee"`
	Returned     string    `json:"returned"`
	SizeInTokens string    `json:"size_in_tokens"`
	LiquidatedAt time.Time `json:"liquidated_at"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	LatestSequence  int64   `json:"latest_sequence"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
	BadGenesis      bool    `json:"bad_genesis,omitempty"`
	ProjectionLag   int64   `json:"projection_lag"`
}
