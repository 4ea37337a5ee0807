// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the indexer: chain entities
// (blocks, conditions, position tokens), trading facts (trades, balances),
// derived state (positions, stats, metrics), and the decoded-event envelope
// the chain reader hands to the event applier. It has no dependencies on
// internal packages, so it can be imported by any layer.
//
// All monetary and share amounts are decimal.Decimal; prices are decimals
// in [0,1] for binary markets. Binary floating point is never used for
// cost basis or realized PnL.
package types

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Sub-indexer names. Each has its own checkpoint row in indexer_state.
const (
	IndexerConditionalTokens = "conditional_tokens"
	IndexerCTFExchange       = "ctf_exchange"
)

// IndexerStatus is the lifecycle state of one sub-indexer.
type IndexerStatus string

const (
	StatusRunning IndexerStatus = "RUNNING"
	StatusError   IndexerStatus = "ERROR"
	StatusIdle    IndexerStatus = "IDLE"
)

// Event names recognized by the applier.
const (
	EventConditionPreparation = "ConditionPreparation"
	EventConditionResolution  = "ConditionResolution"
	EventTransferSingle       = "TransferSingle"
	EventOrderFilled          = "OrderFilled"
)

// ZeroAddress marks mints (from) and burns (to) in TransferSingle events.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// CollateralUSDC is USDC.e on Polygon, the collateral token of every CTF
// Exchange fill. The OrderFilled event does not carry it.
const CollateralUSDC = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

// Block is one observed chain block. Keyed by Number; immutable once stored.
type Block struct {
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  time.Time
	GasUsed    uint64
	GasLimit   uint64
}

// Condition is a prediction market defined by an oracle and a question.
// Created on the first ConditionPreparation for its id; metadata fields
// are filled later by the enricher and never overwritten with null.
type Condition struct {
	ConditionID      string
	Oracle           string
	QuestionID       string
	OutcomeSlotCount int
	CreatedAtBlock   uint64
	CreatedAtTx      string
	CreatedAt        time.Time

	Resolved         bool
	ResolvedAtBlock  *uint64
	ResolvedAtTx     *string
	ResolvedAt       *time.Time
	PayoutNumerators []string

	// Off-chain metadata, optional until enriched.
	Question         *string
	Description      *string
	EndDate          *time.Time
	Category         *string
	ImageURL         *string
	ResolutionSource *string
}

// PositionToken is the fungible claim on one outcome slot of a condition.
// For a condition with outcome_slot_count = k, exactly k rows exist with
// indices 0..k-1. Never deleted.
type PositionToken struct {
	PositionID   string // "<condition_id>_<outcome_index>"
	ConditionID  string
	CollectionID string
	OutcomeIndex int
}

// PositionID derives the internal position id for a condition outcome.
func PositionID(conditionID string, outcomeIndex int) string {
	return conditionID + "_" + strconv.Itoa(outcomeIndex)
}

// Trade is one OrderFilled fill, keyed by (TxHash, LogIndex). Idempotent:
// re-inserting the same key is a no-op.
type Trade struct {
	TxHash           string
	LogIndex         uint
	BlockNumber      uint64
	BlockTimestamp   time.Time
	ExchangeAddress  string
	Trader           string
	TokenID          string
	CollateralToken  string
	TokenAmount      decimal.Decimal
	CollateralAmount decimal.Decimal
	Price            decimal.Decimal
	IsBuy            bool
	OrderID          *string
}

// BalanceDelta is one additive balance update derived from a TransferSingle.
type BalanceDelta struct {
	User        string
	TokenID     string
	Delta       decimal.Decimal
	BlockNumber uint64
	TxHash      string
	Timestamp   time.Time
}

// Balance is the current position-token holding of one user.
type Balance struct {
	User             string
	TokenID          string
	Balance          decimal.Decimal
	LastUpdatedBlock uint64
	LastUpdatedTx    string
	LastUpdatedAt    time.Time
}

// UserMarketPosition tracks one user's accumulated position in one outcome
// of one market. Invariants:
//
//	CurrentShares   = TotalSharesBought - TotalSharesSold
//	AverageBuyPrice = TotalCostBasis / TotalSharesBought  (when bought > 0)
//
// AverageBuyPrice does not change on sells; realized PnL is locked in as
// proceeds minus average cost of the shares sold.
type UserMarketPosition struct {
	User              string
	ConditionID       string
	OutcomeIndex      int
	TotalSharesBought decimal.Decimal
	TotalSharesSold   decimal.Decimal
	CurrentShares     decimal.Decimal
	TotalCostBasis    decimal.Decimal
	TotalProceeds     decimal.Decimal
	AverageBuyPrice   decimal.Decimal
	RealizedPnL       decimal.Decimal
	FirstTradeAt      time.Time
	LastTradeAt       time.Time
}

// UserStats is per-user aggregate trading activity.
type UserStats struct {
	User         string
	TotalVolume  decimal.Decimal
	TotalTrades  int64
	FirstTradeAt time.Time
	LastTradeAt  time.Time
}

// PriceTick is one append-only price-history entry. One tick is written per
// trade with open=high=low=close; bar aggregation is a query concern.
type PriceTick struct {
	ConditionID  string
	OutcomeIndex int
	BlockNumber  uint64
	Timestamp    time.Time
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Close        decimal.Decimal
	Volume       decimal.Decimal
	TradeCount   int
}

// MarketMetrics is the per-market snapshot rewritten on each recompute.
// ComputedAt communicates staleness to downstream consumers.
type MarketMetrics struct {
	ConditionID        string
	Volume1h           decimal.Decimal
	Volume4h           decimal.Decimal
	Volume12h          decimal.Decimal
	Volume24h          decimal.Decimal
	YesPrice           decimal.Decimal
	NoPrice            decimal.Decimal
	YesPrice12hAgo     decimal.Decimal
	YesPrice24hAgo     decimal.Decimal
	Price12hChangePct  decimal.Decimal
	Price24hChangePct  decimal.Decimal
	TotalLiquidity     decimal.Decimal
	OpenInterest       decimal.Decimal
	TradeCount24h      int64
	UniqueTraders24h   int64
	PriceMomentum      decimal.Decimal
	VolumeMomentum     decimal.Decimal
	TurnoverRatio      decimal.Decimal
	AdjustedVolatility decimal.Decimal
	ComputedAt         time.Time
}

// IndexerState is the checkpoint row for one named sub-indexer.
type IndexerState struct {
	Name                 string
	LastProcessedBlock   uint64
	Status               IndexerStatus
	ErrorMessage         *string
	TotalEventsProcessed int64
	UpdatedAt            time.Time
}

// EventLog is the raw archived copy of a handled event, kept for replay and
// debugging. Keyed by (TxHash, LogIndex).
type EventLog struct {
	BlockNumber     uint64
	TxHash          string
	LogIndex        uint
	ContractAddress string
	EventName       string
	EventArgs       map[string]any
	Processed       bool
}

// DecodedEvent is the typed envelope the chain reader produces for each log.
// Args holds exactly one of the per-event argument bags below, selected by
// Name.
type DecodedEvent struct {
	BlockNumber     uint64
	BlockTimestamp  time.Time
	TxHash          string
	LogIndex        uint
	ContractAddress string
	Name            string
	Args            any
}

// ConditionPreparationArgs is the argument bag for ConditionPreparation.
type ConditionPreparationArgs struct {
	ConditionID      string
	Oracle           string
	QuestionID       string
	OutcomeSlotCount int
}

// ConditionResolutionArgs is the argument bag for ConditionResolution.
type ConditionResolutionArgs struct {
	ConditionID      string
	Oracle           string
	QuestionID       string
	PayoutNumerators []string
}

// TransferSingleArgs is the argument bag for an ERC-1155 TransferSingle.
// ID is the decimal string of the on-chain uint256 token id.
type TransferSingleArgs struct {
	Operator string
	From     string
	To       string
	ID       string
	Value    decimal.Decimal
}

// OrderFilledArgs is the argument bag for a CTF Exchange OrderFilled.
// Side 0 is a buy, side 1 is a sell, from the taker's perspective.
type OrderFilledArgs struct {
	Maker       string
	Taker       string
	TokenID     string
	MakerAmount decimal.Decimal
	TakerAmount decimal.Decimal
	Side        uint8
}

// CatalogMarket is the JSON shape of one market descriptor returned by the
// Gamma-style catalog API, consumed by the enricher.
type CatalogMarket struct {
	ConditionID      string `json:"conditionId"`
	Question         string `json:"question"`
	Description      string `json:"description"`
	Category         string `json:"category"`
	EndDateISO       string `json:"endDateIso"`
	Image            string `json:"image"`
	Liquidity        string `json:"liquidity"`
	Volume           string `json:"volume"`
	ResolutionSource string `json:"resolutionSource"`
	Active           bool   `json:"active"`
	Closed           bool   `json:"closed"`
}
