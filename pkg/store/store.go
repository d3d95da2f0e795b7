// Package store is the Order Store (C2): the authoritative, shared
// persistence layer for orders, quotes, presignatures, invalidations,
// auctions, competitions, and settlements.
package store

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cowdex/autopilot/pkg/domain"
)

// ErrDuplicate is returned by InsertOrder when the uid already exists.
var ErrDuplicate = errors.New("order: duplicate uid")

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// DriverSettlementStats summarizes a driver's recent settlement history
// for the solver participation guard (§4.4).
type DriverSettlementStats struct {
	Driver                string
	WindowSize            int
	FailedInWindow        int
	ConsecutiveFailures   int
	Allowlisted           bool
}

func (s DriverSettlementStats) FailureRate() float64 {
	if s.WindowSize == 0 {
		return 0
	}
	return float64(s.FailedInWindow) / float64(s.WindowSize)
}

// Store is the full public contract of the Order Store (C2), §4.2.
// Every method is safe for concurrent use; the relational implementation
// serializes writes at row granularity via the database, and an
// in-memory implementation (memstore) serializes via a mutex for tests.
type Store interface {
	// Orders.
	InsertOrder(ctx context.Context, o domain.Order) (domain.OrderUid, error)
	LiveOrders(ctx context.Context, now time.Time) ([]domain.Order, error)
	GetOrder(ctx context.Context, uid domain.OrderUid) (domain.Order, error)
	Cancel(ctx context.Context, uid domain.OrderUid, ts time.Time) error
	RecordExecution(ctx context.Context, uid domain.OrderUid, sell, buy *big.Int) error
	AppendOrderEvent(ctx context.Context, uid domain.OrderUid, kind domain.OrderEventKind, ts time.Time) error
	LastOrderEvent(ctx context.Context, uid domain.OrderUid) (domain.OrderEvent, error)

	// Quotes.
	InsertQuote(ctx context.Context, q domain.Quote) (int64, error)
	FindQuoteExact(ctx context.Context, fp domain.Fingerprint, minExpiry time.Time) (domain.Quote, error)
	FindQuoteCovering(ctx context.Context, fp domain.Fingerprint, minExpiry time.Time) (domain.Quote, error)
	RemoveExpiredQuotes(ctx context.Context, before time.Time) (int64, error)

	// Presignatures.
	AppendPresignature(ctx context.Context, p domain.Presignature) error
	CurrentPresignature(ctx context.Context, uid domain.OrderUid) (domain.Presignature, error)

	// Transfer-driven cancellation (C1 step 3), run as one transaction.
	CancelByTransfers(ctx context.Context, block uint64, transfers []TransferEdge, now time.Time) ([]domain.OrderUid, error)

	// Chain indexer bookkeeping and reorg handling.
	LastIndexedBlock(ctx context.Context, category string) (uint64, common.Hash, bool, error)
	SetIndexedBlock(ctx context.Context, category string, number uint64, hash common.Hash) error
	DeleteEventsAfter(ctx context.Context, category string, block uint64) error

	// Auctions (C3 exclusive writer).
	NextAuctionId(ctx context.Context) (int64, error)
	InsertAuction(ctx context.Context, a domain.Auction) error
	Auction(ctx context.Context, id int64) (domain.Auction, error)
	AuctionPrices(ctx context.Context, id int64) (map[common.Address]domain.NativePrice, error)
	ReduceAuctionPrices(ctx context.Context, id int64, keep []common.Address) error

	// Competitions (C4 exclusive writer).
	InsertCompetition(ctx context.Context, c domain.Competition) error
	LinkAuctionTransaction(ctx context.Context, key domain.AuctionTransactionKey, auctionID int64) error
	AuctionIDForTransaction(ctx context.Context, key domain.AuctionTransactionKey) (int64, error)
	DriverStats(ctx context.Context, driver string, window int) (DriverSettlementStats, error)

	// Settlements (C1 + C5 exclusive writers).
	InsertSettlementEvent(ctx context.Context, e domain.SettlementEvent) error
	NextUnresolvedSettlementEvent(ctx context.Context, reorgSafeBlock uint64) (domain.SettlementEvent, bool, error)
	ResolveSettlementTx(ctx context.Context, key domain.BlockLogKey, from common.Address, nonce uint64) error
	MarkDecodeFailed(ctx context.Context, key domain.BlockLogKey) error
	InsertSettlementObservation(ctx context.Context, o domain.SettlementObservation) error

	Close() error
}

// TransferEdge is one extracted ERC20 Transfer(from, to, token) tuple,
// already filtered against the ignored set by the caller.
type TransferEdge struct {
	From  common.Address
	To    common.Address
	Token common.Address
}
