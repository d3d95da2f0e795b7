// Package memstore is an in-memory implementation of store.Store, used
// by component tests the way the teacher's util.Clock fakes stand in
// for wall-clock time: no network, no database, deterministic.
package memstore

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/store"
)

type indexedCategory struct {
	number uint64
	hash   common.Hash
}

// Store is a mutex-guarded, map-backed stand-in for store.Store.
type Store struct {
	mu sync.Mutex

	orders       map[domain.OrderUid]domain.Order
	orderEvents  map[domain.OrderUid][]domain.OrderEvent
	quotes       []domain.Quote
	nextQuoteID  int64
	presigs      map[domain.OrderUid][]domain.Presignature

	progress map[string]indexedCategory

	nextAuctionID int64
	auctions      map[int64]domain.Auction

	competitions      map[int64]domain.Competition
	auctionTxLink     map[domain.AuctionTransactionKey]int64
	competitionWins   map[string][]int64 // driver -> auction ids won, most recent last

	settlementEvents  map[domain.BlockLogKey]domain.SettlementEvent
	settlementOrder   []domain.BlockLogKey
	observations      map[domain.BlockLogKey]domain.SettlementObservation
	settledAuctions   map[int64]bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		orders:          make(map[domain.OrderUid]domain.Order),
		orderEvents:     make(map[domain.OrderUid][]domain.OrderEvent),
		presigs:         make(map[domain.OrderUid][]domain.Presignature),
		progress:        make(map[string]indexedCategory),
		nextAuctionID:   1,
		auctions:        make(map[int64]domain.Auction),
		competitions:    make(map[int64]domain.Competition),
		auctionTxLink:   make(map[domain.AuctionTransactionKey]int64),
		competitionWins: make(map[string][]int64),
		settlementEvents: make(map[domain.BlockLogKey]domain.SettlementEvent),
		observations:     make(map[domain.BlockLogKey]domain.SettlementObservation),
		settledAuctions:  make(map[int64]bool),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Close() error { return nil }

// --- orders ---

func (s *Store) InsertOrder(ctx context.Context, o domain.Order) (domain.OrderUid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.Uid]; ok {
		return domain.OrderUid{}, store.ErrDuplicate
	}
	s.orders[o.Uid] = o
	return o.Uid, nil
}

func (s *Store) LiveOrders(ctx context.Context, now time.Time) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.Live(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Uid.String() < out[j].Uid.String() })
	return out, nil
}

func (s *Store) GetOrder(ctx context.Context, uid domain.OrderUid) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[uid]
	if !ok {
		return domain.Order{}, store.ErrNotFound
	}
	return o, nil
}

func (s *Store) Cancel(ctx context.Context, uid domain.OrderUid, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[uid]
	if !ok {
		return nil
	}
	if o.CancellationTimestamp != nil {
		return nil
	}
	t := ts
	o.CancellationTimestamp = &t
	s.orders[uid] = o
	s.appendEventLocked(uid, domain.EventCancelled, ts)
	return nil
}

func (s *Store) RecordExecution(ctx context.Context, uid domain.OrderUid, sell, buy *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[uid]
	if !ok {
		return store.ErrNotFound
	}
	o.ExecutedSellAmount = sell
	o.ExecutedBuyAmount = buy
	s.orders[uid] = o
	return nil
}

func (s *Store) AppendOrderEvent(ctx context.Context, uid domain.OrderUid, kind domain.OrderEventKind, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEventLocked(uid, kind, ts)
	return nil
}

func (s *Store) appendEventLocked(uid domain.OrderUid, kind domain.OrderEventKind, ts time.Time) {
	events := s.orderEvents[uid]
	if n := len(events); n > 0 && events[n-1].Kind == kind {
		return
	}
	s.orderEvents[uid] = append(events, domain.OrderEvent{OrderUid: uid, Kind: kind, Timestamp: ts})
}

func (s *Store) LastOrderEvent(ctx context.Context, uid domain.OrderUid) (domain.OrderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.orderEvents[uid]
	if len(events) == 0 {
		return domain.OrderEvent{}, store.ErrNotFound
	}
	return events[len(events)-1], nil
}

// --- quotes ---

func (s *Store) InsertQuote(ctx context.Context, q domain.Quote) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextQuoteID++
	q.ID = s.nextQuoteID
	s.quotes = append(s.quotes, q)
	return q.ID, nil
}

func (s *Store) FindQuoteExact(ctx context.Context, fp domain.Fingerprint, minExpiry time.Time) (domain.Quote, error) {
	return s.findQuote(fp, minExpiry, false)
}

func (s *Store) FindQuoteCovering(ctx context.Context, fp domain.Fingerprint, minExpiry time.Time) (domain.Quote, error) {
	return s.findQuote(fp, minExpiry, true)
}

func (s *Store) findQuote(fp domain.Fingerprint, minExpiry time.Time, covering bool) (domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.Quote
	for i := range s.quotes {
		q := s.quotes[i]
		if q.SellToken != fp.SellToken || q.BuyToken != fp.BuyToken || q.Side != fp.Side {
			continue
		}
		if q.ExpirationAt.Before(minExpiry) {
			continue
		}
		if covering {
			if q.SellAmount == nil || fp.Amount == nil || q.SellAmount.Cmp(fp.Amount) < 0 {
				continue
			}
		} else {
			if q.Amount == nil || fp.Amount == nil || q.Amount.Cmp(fp.Amount) != 0 {
				continue
			}
		}
		if best == nil || q.EffectiveCost() < best.EffectiveCost() {
			qc := q
			best = &qc
		}
	}
	if best == nil {
		return domain.Quote{}, store.ErrNotFound
	}
	return *best, nil
}

func (s *Store) RemoveExpiredQuotes(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []domain.Quote
	var removed int64
	for _, q := range s.quotes {
		if q.ExpirationAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, q)
	}
	s.quotes = kept
	return removed, nil
}

// --- presignatures ---

func (s *Store) AppendPresignature(ctx context.Context, p domain.Presignature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presigs[p.Uid] = append(s.presigs[p.Uid], p)
	return nil
}

func (s *Store) CurrentPresignature(ctx context.Context, uid domain.OrderUid) (domain.Presignature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.presigs[uid]
	if len(list) == 0 {
		return domain.Presignature{}, store.ErrNotFound
	}
	latest := list[0]
	for _, p := range list[1:] {
		if p.BlockLogKey.Less(latest.BlockLogKey) {
			continue
		}
		latest = p
	}
	return latest, nil
}

// --- transfer-driven cancellation ---

func (s *Store) CancelByTransfers(ctx context.Context, block uint64, transfers []store.TransferEdge, now time.Time) ([]domain.OrderUid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cancelled []domain.OrderUid
	for _, t := range transfers {
		for uid, o := range s.orders {
			if o.Owner != t.From || o.SellToken != t.Token {
				continue
			}
			if o.CancellationTimestamp != nil || o.Invalidated {
				continue
			}
			tc := now
			o.CancellationTimestamp = &tc
			s.orders[uid] = o
			s.appendEventLocked(uid, domain.EventCancelled, now)
			cancelled = append(cancelled, uid)
		}
	}
	return cancelled, nil
}

// --- indexer bookkeeping ---

func (s *Store) LastIndexedBlock(ctx context.Context, category string) (uint64, common.Hash, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.progress[category]
	if !ok {
		return 0, common.Hash{}, false, nil
	}
	return c.number, c.hash, true, nil
}

func (s *Store) SetIndexedBlock(ctx context.Context, category string, number uint64, hash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[category] = indexedCategory{number: number, hash: hash}
	return nil
}

func (s *Store) DeleteEventsAfter(ctx context.Context, category string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keptKeys []domain.BlockLogKey
	for _, k := range s.settlementOrder {
		if k.BlockNumber > block {
			delete(s.settlementEvents, k)
			delete(s.observations, k)
			continue
		}
		keptKeys = append(keptKeys, k)
	}
	s.settlementOrder = keptKeys
	return nil
}

// --- auctions ---

func (s *Store) NextAuctionId(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextAuctionID, nil
}

func (s *Store) InsertAuction(ctx context.Context, a domain.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auctions[a.Id] = a
	if a.Id >= s.nextAuctionID {
		s.nextAuctionID = a.Id + 1
	}
	return nil
}

func (s *Store) Auction(ctx context.Context, id int64) (domain.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return domain.Auction{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) AuctionPrices(ctx context.Context, id int64) (map[common.Address]domain.NativePrice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make(map[common.Address]domain.NativePrice, len(a.Prices))
	for k, v := range a.Prices {
		out[k] = v
	}
	return out, nil
}

func (s *Store) ReduceAuctionPrices(ctx context.Context, id int64, keep []common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return store.ErrNotFound
	}
	keepSet := make(map[common.Address]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}
	for token := range a.Prices {
		if !keepSet[token] {
			delete(a.Prices, token)
		}
	}
	s.auctions[id] = a
	return nil
}

// --- competitions ---

func (s *Store) InsertCompetition(ctx context.Context, c domain.Competition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.competitions[c.AuctionId] = c
	if c.Winner != nil {
		s.competitionWins[c.Winner.Driver] = append(s.competitionWins[c.Winner.Driver], c.AuctionId)
	}
	return nil
}

func (s *Store) LinkAuctionTransaction(ctx context.Context, key domain.AuctionTransactionKey, auctionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctionTxLink[key]; ok {
		return nil
	}
	s.auctionTxLink[key] = auctionID
	return nil
}

func (s *Store) AuctionIDForTransaction(ctx context.Context, key domain.AuctionTransactionKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.auctionTxLink[key]
	if !ok {
		return 0, store.ErrNotFound
	}
	return id, nil
}

func (s *Store) DriverStats(ctx context.Context, driver string, window int) (store.DriverSettlementStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wins := s.competitionWins[driver]
	start := 0
	if len(wins) > window {
		start = len(wins) - window
	}
	recent := wins[start:]
	stats := store.DriverSettlementStats{Driver: driver, WindowSize: len(recent), Allowlisted: true}
	consecutive := 0
	stillConsecutive := true
	for i := len(recent) - 1; i >= 0; i-- {
		if !s.settledAuctions[recent[i]] {
			stats.FailedInWindow++
			if stillConsecutive {
				consecutive++
			}
		} else {
			stillConsecutive = false
		}
	}
	stats.ConsecutiveFailures = consecutive
	return stats, nil
}

// --- settlements ---

func (s *Store) InsertSettlementEvent(ctx context.Context, e domain.SettlementEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settlementEvents[e.BlockLogKey]; ok {
		return nil
	}
	s.settlementEvents[e.BlockLogKey] = e
	s.settlementOrder = append(s.settlementOrder, e.BlockLogKey)
	sort.Slice(s.settlementOrder, func(i, j int) bool { return s.settlementOrder[i].Less(s.settlementOrder[j]) })
	return nil
}

func (s *Store) NextUnresolvedSettlementEvent(ctx context.Context, reorgSafeBlock uint64) (domain.SettlementEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.settlementOrder {
		if k.BlockNumber > reorgSafeBlock {
			break
		}
		e := s.settlementEvents[k]
		if !e.Resolved && !e.DecodeFailed {
			return e, true, nil
		}
	}
	return domain.SettlementEvent{}, false, nil
}

func (s *Store) ResolveSettlementTx(ctx context.Context, key domain.BlockLogKey, from common.Address, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.settlementEvents[key]
	if !ok {
		return store.ErrNotFound
	}
	e.TxFrom = &from
	e.TxNonce = &nonce
	e.Resolved = true
	s.settlementEvents[key] = e
	return nil
}

func (s *Store) MarkDecodeFailed(ctx context.Context, key domain.BlockLogKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.settlementEvents[key]
	if !ok {
		return store.ErrNotFound
	}
	e.DecodeFailed = true
	s.settlementEvents[key] = e
	return nil
}

func (s *Store) InsertSettlementObservation(ctx context.Context, o domain.SettlementObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observations[o.BlockLogKey] = o
	s.settledAuctions[o.AuctionId] = true
	return nil
}
