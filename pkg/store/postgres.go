package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/errkind"
)

// Postgres is the relational implementation of Store, backed by
// jackc/pgx through database/sql and scanned with jmoiron/sqlx — the
// stack used throughout the example pack's service manifests.
type Postgres struct {
	db *sqlx.DB
}

// Open connects to Postgres and applies schema.sql idempotently.
func Open(ctx context.Context, dsn string, maxOpen, maxIdle int) (*Postgres, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errkind.NewFatal("open postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, errkind.NewTransient("ping postgres: %w", err)
	}
	db := sqlx.NewDb(sqlDB, "pgx")
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return nil, errkind.NewFatal("apply schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// --- orders ---

type orderRow struct {
	Uid                   []byte          `db:"uid"`
	Owner                 []byte          `db:"owner"`
	SellToken             []byte          `db:"sell_token"`
	BuyToken              []byte          `db:"buy_token"`
	SellAmount            string          `db:"sell_amount"`
	BuyAmount             string          `db:"buy_amount"`
	Side                  int16           `db:"side"`
	Kind                  int16           `db:"kind"`
	PartiallyFillable     bool            `db:"partially_fillable"`
	ValidFrom             time.Time       `db:"valid_from"`
	ValidTo               time.Time       `db:"valid_to"`
	EthflowValidTo        sql.NullTime    `db:"ethflow_valid_to"`
	AppDataHash           []byte          `db:"app_data_hash"`
	FeePolicies           json.RawMessage `db:"fee_policies"`
	BalanceSource         int16           `db:"balance_source"`
	Destination           int16           `db:"destination"`
	SignatureScheme       int16           `db:"signature_scheme"`
	SignatureData         []byte          `db:"signature_data"`
	PreInteractions       json.RawMessage `db:"pre_interactions"`
	PostInteractions      json.RawMessage `db:"post_interactions"`
	ExecutedSellAmount    string          `db:"executed_sell_amount"`
	ExecutedBuyAmount     string          `db:"executed_buy_amount"`
	CancellationTimestamp sql.NullTime    `db:"cancellation_timestamp"`
	Invalidated           bool            `db:"invalidated"`
	CreatedAt             time.Time       `db:"created_at"`
}

func (p *Postgres) InsertOrder(ctx context.Context, o domain.Order) (domain.OrderUid, error) {
	row, err := toOrderRow(o)
	if err != nil {
		return domain.OrderUid{}, err
	}
	_, err = p.db.NamedExecContext(ctx, `
		INSERT INTO orders (uid, owner, sell_token, buy_token, sell_amount, buy_amount, side, kind,
			partially_fillable, valid_from, valid_to, ethflow_valid_to, app_data_hash, fee_policies,
			balance_source, destination, signature_scheme, signature_data, pre_interactions,
			post_interactions, executed_sell_amount, executed_buy_amount, cancellation_timestamp,
			invalidated, created_at)
		VALUES (:uid, :owner, :sell_token, :buy_token, :sell_amount, :buy_amount, :side, :kind,
			:partially_fillable, :valid_from, :valid_to, :ethflow_valid_to, :app_data_hash, :fee_policies,
			:balance_source, :destination, :signature_scheme, :signature_data, :pre_interactions,
			:post_interactions, :executed_sell_amount, :executed_buy_amount, :cancellation_timestamp,
			:invalidated, :created_at)`, row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.OrderUid{}, ErrDuplicate
		}
		return domain.OrderUid{}, errkind.NewTransient("insert order: %w", err)
	}
	return o.Uid, nil
}

func (p *Postgres) LiveOrders(ctx context.Context, now time.Time) ([]domain.Order, error) {
	var rows []orderRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM orders
		WHERE cancellation_timestamp IS NULL
		  AND invalidated = FALSE
		  AND valid_from <= $1 AND valid_to >= $1
		  AND (ethflow_valid_to IS NULL OR ethflow_valid_to >= $1)`, now)
	if err != nil {
		return nil, errkind.NewTransient("live orders: %w", err)
	}
	out := make([]domain.Order, 0, len(rows))
	for _, r := range rows {
		o, err := fromOrderRow(r)
		if err != nil {
			return nil, err
		}
		if o.Live(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (p *Postgres) GetOrder(ctx context.Context, uid domain.OrderUid) (domain.Order, error) {
	var r orderRow
	if err := p.db.GetContext(ctx, &r, `SELECT * FROM orders WHERE uid = $1`, uid[:]); err != nil {
		if err == sql.ErrNoRows {
			return domain.Order{}, ErrNotFound
		}
		return domain.Order{}, errkind.NewTransient("get order: %w", err)
	}
	return fromOrderRow(r)
}

func (p *Postgres) Cancel(ctx context.Context, uid domain.OrderUid, ts time.Time) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return errkind.NewTransient("begin cancel tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET cancellation_timestamp = $2
		WHERE uid = $1 AND cancellation_timestamp IS NULL`, uid[:], ts)
	if err != nil {
		return errkind.NewTransient("cancel order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Idempotent: already cancelled, or unknown uid. Either way no
		// new event is appended, matching §4.2's idempotency rule.
		return tx.Commit()
	}

	if err := appendEventIfNotTerminal(ctx, tx, uid, domain.EventCancelled, ts); err != nil {
		return err
	}
	return tx.Commit()
}

func appendEventIfNotTerminal(ctx context.Context, tx *sqlx.Tx, uid domain.OrderUid, kind domain.OrderEventKind, ts time.Time) error {
	var last sql.NullString
	_ = tx.GetContext(ctx, &last, `
		SELECT kind FROM order_events WHERE order_uid = $1 ORDER BY timestamp DESC LIMIT 1`, uid[:])
	if last.Valid && domain.OrderEventKind(last.String) == kind {
		return nil
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO order_events (order_uid, kind, timestamp) VALUES ($1, $2, $3)`,
		uid[:], string(kind), ts)
	if err != nil {
		return errkind.NewTransient("append order event: %w", err)
	}
	return nil
}

func (p *Postgres) RecordExecution(ctx context.Context, uid domain.OrderUid, sell, buy *big.Int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE orders SET executed_sell_amount = $2, executed_buy_amount = $3 WHERE uid = $1`,
		uid[:], sell.String(), buy.String())
	if err != nil {
		return errkind.NewTransient("record execution: %w", err)
	}
	return nil
}

func (p *Postgres) AppendOrderEvent(ctx context.Context, uid domain.OrderUid, kind domain.OrderEventKind, ts time.Time) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return errkind.NewTransient("begin append event: %w", err)
	}
	defer tx.Rollback()
	if err := appendEventIfNotTerminal(ctx, tx, uid, kind, ts); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) LastOrderEvent(ctx context.Context, uid domain.OrderUid) (domain.OrderEvent, error) {
	var row struct {
		Kind      string    `db:"kind"`
		Timestamp time.Time `db:"timestamp"`
	}
	err := p.db.GetContext(ctx, &row, `
		SELECT kind, timestamp FROM order_events WHERE order_uid = $1 ORDER BY timestamp DESC LIMIT 1`, uid[:])
	if err == sql.ErrNoRows {
		return domain.OrderEvent{}, ErrNotFound
	}
	if err != nil {
		return domain.OrderEvent{}, errkind.NewTransient("last order event: %w", err)
	}
	return domain.OrderEvent{OrderUid: uid, Kind: domain.OrderEventKind(row.Kind), Timestamp: row.Timestamp}, nil
}

// --- quotes ---

func (p *Postgres) InsertQuote(ctx context.Context, q domain.Quote) (int64, error) {
	var id int64
	err := p.db.GetContext(ctx, &id, `
		INSERT INTO quotes (owner, sell_token, buy_token, amount, side, gas_amount, gas_price,
			sell_token_price, fee_amount, sell_amount, buy_amount, solver_address, expiration_timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		q.Owner[:], q.SellToken[:], q.BuyToken[:], bigString(q.Amount), int16(q.Side),
		bigString(q.GasAmount), bigString(q.GasPrice), q.SellTokenPrice, bigString(q.FeeAmount),
		bigString(q.SellAmount), bigString(q.BuyAmount), q.SolverAddress[:], q.ExpirationAt)
	if err != nil {
		return 0, errkind.NewTransient("insert quote: %w", err)
	}
	return id, nil
}

func (p *Postgres) FindQuoteExact(ctx context.Context, fp domain.Fingerprint, minExpiry time.Time) (domain.Quote, error) {
	return p.findQuote(ctx, fp, minExpiry, false)
}

func (p *Postgres) FindQuoteCovering(ctx context.Context, fp domain.Fingerprint, minExpiry time.Time) (domain.Quote, error) {
	return p.findQuote(ctx, fp, minExpiry, true)
}

func (p *Postgres) findQuote(ctx context.Context, fp domain.Fingerprint, minExpiry time.Time, covering bool) (domain.Quote, error) {
	amountClause := "amount = $4"
	if covering {
		amountClause = "sell_amount >= $4"
	}
	query := fmt.Sprintf(`
		SELECT id, owner, sell_token, buy_token, amount, side, gas_amount, gas_price, sell_token_price,
			fee_amount, sell_amount, buy_amount, solver_address, expiration_timestamp, created_at
		FROM quotes
		WHERE sell_token = $1 AND buy_token = $2 AND side = $3 AND %s AND expiration_timestamp >= $5
		ORDER BY (gas_amount * gas_price)::numeric * sell_token_price ASC
		LIMIT 1`, amountClause)

	var row struct {
		ID               int64     `db:"id"`
		Owner            []byte    `db:"owner"`
		SellToken        []byte    `db:"sell_token"`
		BuyToken         []byte    `db:"buy_token"`
		Amount           string    `db:"amount"`
		Side             int16     `db:"side"`
		GasAmount        string    `db:"gas_amount"`
		GasPrice         string    `db:"gas_price"`
		SellTokenPrice   float64   `db:"sell_token_price"`
		FeeAmount        string    `db:"fee_amount"`
		SellAmount       string    `db:"sell_amount"`
		BuyAmount        string    `db:"buy_amount"`
		SolverAddress    []byte    `db:"solver_address"`
		ExpirationTs     time.Time `db:"expiration_timestamp"`
		CreatedAt        time.Time `db:"created_at"`
	}
	err := p.db.GetContext(ctx, &row, query, fp.SellToken[:], fp.BuyToken[:], int16(fp.Side), bigString(fp.Amount), minExpiry)
	if err == sql.ErrNoRows {
		return domain.Quote{}, ErrNotFound
	}
	if err != nil {
		return domain.Quote{}, errkind.NewTransient("find quote: %w", err)
	}
	return domain.Quote{
		ID: row.ID,
		Fingerprint: domain.Fingerprint{
			SellToken: common.BytesToAddress(row.SellToken),
			BuyToken:  common.BytesToAddress(row.BuyToken),
			Amount:    parseBig(row.Amount),
			Side:      domain.Side(row.Side),
		},
		GasAmount:      parseBig(row.GasAmount),
		GasPrice:       parseBig(row.GasPrice),
		SellTokenPrice: row.SellTokenPrice,
		FeeAmount:      parseBig(row.FeeAmount),
		SellAmount:     parseBig(row.SellAmount),
		BuyAmount:      parseBig(row.BuyAmount),
		SolverAddress:  common.BytesToAddress(row.SolverAddress),
		ExpirationAt:   row.ExpirationTs,
		CreatedAt:      row.CreatedAt,
	}, nil
}

func (p *Postgres) RemoveExpiredQuotes(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM quotes WHERE expiration_timestamp < $1`, before)
	if err != nil {
		return 0, errkind.NewTransient("remove expired quotes: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- presignatures ---

func (p *Postgres) AppendPresignature(ctx context.Context, pre domain.Presignature) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO presignatures (owner, order_uid, signed, block_number, log_index)
		VALUES ($1,$2,$3,$4,$5) ON CONFLICT (block_number, log_index) DO NOTHING`,
		pre.Owner[:], pre.Uid[:], pre.Signed, pre.BlockNumber, pre.LogIndex)
	if err != nil {
		return errkind.NewTransient("append presignature: %w", err)
	}
	return nil
}

func (p *Postgres) CurrentPresignature(ctx context.Context, uid domain.OrderUid) (domain.Presignature, error) {
	var row struct {
		Owner       []byte `db:"owner"`
		Signed      bool   `db:"signed"`
		BlockNumber uint64 `db:"block_number"`
		LogIndex    uint   `db:"log_index"`
	}
	err := p.db.GetContext(ctx, &row, `
		SELECT owner, signed, block_number, log_index FROM presignatures
		WHERE order_uid = $1 ORDER BY block_number DESC, log_index DESC LIMIT 1`, uid[:])
	if err == sql.ErrNoRows {
		return domain.Presignature{}, ErrNotFound
	}
	if err != nil {
		return domain.Presignature{}, errkind.NewTransient("current presignature: %w", err)
	}
	var owner [20]byte
	copy(owner[:], row.Owner)
	return domain.Presignature{
		BlockLogKey: domain.BlockLogKey{BlockNumber: row.BlockNumber, LogIndex: row.LogIndex},
		Owner:       owner,
		Uid:         uid,
		Signed:      row.Signed,
	}, nil
}

// --- transfer cancellation (C1 step 3) ---

func (p *Postgres) CancelByTransfers(ctx context.Context, block uint64, transfers []TransferEdge, now time.Time) ([]domain.OrderUid, error) {
	if len(transfers) == 0 {
		return nil, nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errkind.NewTransient("begin cancel-by-transfer tx: %w", err)
	}
	defer tx.Rollback()

	var cancelled []domain.OrderUid
	for _, t := range transfers {
		var uids [][]byte
		err := tx.SelectContext(ctx, &uids, `
			SELECT uid FROM orders
			WHERE owner = $1 AND sell_token = $2
			  AND cancellation_timestamp IS NULL AND invalidated = FALSE
			  AND (ethflow_valid_to IS NULL OR ethflow_valid_to >= $3)`,
			t.From[:], t.Token[:], now)
		if err != nil {
			return nil, errkind.NewTransient("select cancel candidates: %w", err)
		}
		for _, ub := range uids {
			var uid domain.OrderUid
			copy(uid[:], ub)

			if _, err := tx.ExecContext(ctx, `
				UPDATE orders SET cancellation_timestamp = $2 WHERE uid = $1`, uid[:], now); err != nil {
				return nil, errkind.NewTransient("cancel by transfer: %w", err)
			}
			if err := appendEventIfNotTerminal(ctx, tx, uid, domain.EventCancelled, now); err != nil {
				return nil, err
			}
			cancelled = append(cancelled, uid)
		}
	}
	return cancelled, tx.Commit()
}

// --- indexer bookkeeping ---

func (p *Postgres) LastIndexedBlock(ctx context.Context, category string) (uint64, common.Hash, bool, error) {
	var row struct {
		BlockNumber uint64 `db:"block_number"`
		BlockHash   []byte `db:"block_hash"`
	}
	err := p.db.GetContext(ctx, &row, `SELECT block_number, block_hash FROM indexer_progress WHERE category = $1`, category)
	if err == sql.ErrNoRows {
		return 0, common.Hash{}, false, nil
	}
	if err != nil {
		return 0, common.Hash{}, false, errkind.NewTransient("last indexed block: %w", err)
	}
	return row.BlockNumber, common.BytesToHash(row.BlockHash), true, nil
}

func (p *Postgres) SetIndexedBlock(ctx context.Context, category string, number uint64, hash common.Hash) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO indexer_progress (category, block_number, block_hash) VALUES ($1,$2,$3)
		ON CONFLICT (category) DO UPDATE SET block_number = $2, block_hash = $3`,
		category, number, hash[:])
	if err != nil {
		return errkind.NewTransient("set indexed block: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteEventsAfter(ctx context.Context, category string, block uint64) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return errkind.NewTransient("begin reorg delete: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"invalidations", "onchain_order_invalidations", "onchain_placed_orders", "presignatures", "settlements", "settlement_observations"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE block_number > $1`, table), block); err != nil {
			return errkind.NewTransient("reorg delete %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// --- auctions ---

func (p *Postgres) NextAuctionId(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := p.db.GetContext(ctx, &id, `SELECT max(id) FROM auctions`); err != nil {
		return 0, errkind.NewTransient("next auction id: %w", err)
	}
	if !id.Valid {
		return 1, nil
	}
	return id.Int64 + 1, nil
}

func (p *Postgres) InsertAuction(ctx context.Context, a domain.Auction) error {
	ordersJSON, err := json.Marshal(a.Orders)
	if err != nil {
		return errkind.NewFatal("marshal auction orders: %w", err)
	}
	ownersJSON, err := json.Marshal(a.SurplusCapturingJitOrderOwners)
	if err != nil {
		return errkind.NewFatal("marshal jit owners: %w", err)
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return errkind.NewTransient("begin insert auction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO auctions (id, deadline, orders, jit_owners) VALUES ($1,$2,$3,$4)`,
		a.Id, a.Deadline, ordersJSON, ownersJSON); err != nil {
		return errkind.NewTransient("insert auction: %w", err)
	}
	for token, price := range a.Prices {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO auction_prices (auction_id, token, price) VALUES ($1,$2,$3)`,
			a.Id, token[:], bigString(price.Value)); err != nil {
			return errkind.NewTransient("insert auction price: %w", err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) Auction(ctx context.Context, id int64) (domain.Auction, error) {
	var row struct {
		ID        int64           `db:"id"`
		Deadline  time.Time       `db:"deadline"`
		CreatedAt time.Time       `db:"created_at"`
		Orders    json.RawMessage `db:"orders"`
		JitOwners json.RawMessage `db:"jit_owners"`
	}
	if err := p.db.GetContext(ctx, &row, `SELECT id, deadline, created_at, orders, jit_owners FROM auctions WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return domain.Auction{}, ErrNotFound
		}
		return domain.Auction{}, errkind.NewTransient("get auction: %w", err)
	}
	var orders []domain.Order
	if err := json.Unmarshal(row.Orders, &orders); err != nil {
		return domain.Auction{}, errkind.NewFatal("unmarshal auction orders: %w", err)
	}
	var owners []common.Address
	_ = json.Unmarshal(row.JitOwners, &owners)

	prices, err := p.AuctionPrices(ctx, id)
	if err != nil {
		return domain.Auction{}, err
	}
	return domain.Auction{
		Id:                             row.ID,
		Orders:                         orders,
		Prices:                         prices,
		SurplusCapturingJitOrderOwners: owners,
		Deadline:                       row.Deadline,
		CreatedAt:                      row.CreatedAt,
	}, nil
}

func (p *Postgres) AuctionPrices(ctx context.Context, id int64) (map[common.Address]domain.NativePrice, error) {
	var rows []struct {
		Token []byte `db:"token"`
		Price string `db:"price"`
	}
	if err := p.db.SelectContext(ctx, &rows, `SELECT token, price FROM auction_prices WHERE auction_id = $1`, id); err != nil {
		return nil, errkind.NewTransient("auction prices: %w", err)
	}
	out := make(map[common.Address]domain.NativePrice, len(rows))
	for _, r := range rows {
		out[common.BytesToAddress(r.Token)] = domain.NativePrice{Value: parseBig(r.Price)}
	}
	return out, nil
}

func (p *Postgres) ReduceAuctionPrices(ctx context.Context, id int64, keep []common.Address) error {
	keepSet := make(map[common.Address]bool, len(keep))
	for _, a := range keep {
		keepSet[a] = true
	}
	all, err := p.AuctionPrices(ctx, id)
	if err != nil {
		return err
	}
	for token := range all {
		if keepSet[token] {
			continue
		}
		if _, err := p.db.ExecContext(ctx, `DELETE FROM auction_prices WHERE auction_id = $1 AND token = $2`, id, token[:]); err != nil {
			return errkind.NewTransient("reduce auction prices: %w", err)
		}
	}
	return nil
}

// --- competitions ---

func (p *Postgres) InsertCompetition(ctx context.Context, c domain.Competition) error {
	solutionsJSON, err := json.Marshal(c.Solutions)
	if err != nil {
		return errkind.NewFatal("marshal solutions: %w", err)
	}
	var winnerDriver sql.NullString
	var winnerSolID sql.NullInt64
	if c.Winner != nil {
		winnerDriver = sql.NullString{String: c.Winner.Driver, Valid: true}
		winnerSolID = sql.NullInt64{Int64: int64(c.Winner.SolutionId), Valid: true}
	}
	var txHash []byte
	if c.TransactionHash != nil {
		txHash = c.TransactionHash[:]
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO solver_competitions (auction_id, solutions, winner_driver, winner_solution_id, transaction_hash)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (auction_id) DO UPDATE SET solutions = $2, winner_driver = $3, winner_solution_id = $4, transaction_hash = $5`,
		c.AuctionId, solutionsJSON, winnerDriver, winnerSolID, txHash)
	if err != nil {
		return errkind.NewTransient("insert competition: %w", err)
	}
	return nil
}

func (p *Postgres) LinkAuctionTransaction(ctx context.Context, key domain.AuctionTransactionKey, auctionID int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO auction_transaction (solver_address, nonce, auction_id) VALUES ($1,$2,$3)
		ON CONFLICT (solver_address, nonce) DO NOTHING`, key.SolverAddress[:], key.Nonce, auctionID)
	if err != nil {
		return errkind.NewTransient("link auction transaction: %w", err)
	}
	return nil
}

func (p *Postgres) AuctionIDForTransaction(ctx context.Context, key domain.AuctionTransactionKey) (int64, error) {
	var id int64
	err := p.db.GetContext(ctx, &id, `
		SELECT auction_id FROM auction_transaction WHERE solver_address = $1 AND nonce = $2`,
		key.SolverAddress[:], key.Nonce)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, errkind.NewTransient("auction id for tx: %w", err)
	}
	return id, nil
}

func (p *Postgres) DriverStats(ctx context.Context, driver string, window int) (DriverSettlementStats, error) {
	// "Failure" here means the driver won a competition whose auction_id
	// never got a resolved settlement row linked to it — i.e. it did not
	// settle on-chain. Guards read this lazily, updating only after the
	// next solution is stored, per §4.4's documented behavior.
	var auctionIDs []int64
	err := p.db.SelectContext(ctx, &auctionIDs, `
		SELECT auction_id FROM solver_competitions
		WHERE winner_driver = $1
		ORDER BY auction_id DESC LIMIT $2`, driver, window)
	if err != nil {
		return DriverSettlementStats{}, errkind.NewTransient("driver stats: %w", err)
	}
	stats := DriverSettlementStats{Driver: driver, WindowSize: len(auctionIDs), Allowlisted: true}
	consecutive := 0
	stillConsecutive := true
	for _, id := range auctionIDs {
		var settled bool
		_ = p.db.GetContext(ctx, &settled, `
			SELECT EXISTS(SELECT 1 FROM settlements WHERE auction_id = $1 AND resolved = TRUE)`, id)
		if !settled {
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

func (p *Postgres) InsertSettlementEvent(ctx context.Context, e domain.SettlementEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlements (block_number, log_index, solver_address, tx_hash)
		VALUES ($1,$2,$3,$4) ON CONFLICT (block_number, log_index) DO NOTHING`,
		e.BlockNumber, e.LogIndex, e.SolverAddress[:], e.TxHash[:])
	if err != nil {
		return errkind.NewTransient("insert settlement event: %w", err)
	}
	return nil
}

func (p *Postgres) NextUnresolvedSettlementEvent(ctx context.Context, reorgSafeBlock uint64) (domain.SettlementEvent, bool, error) {
	var row struct {
		BlockNumber   uint64 `db:"block_number"`
		LogIndex      uint   `db:"log_index"`
		SolverAddress []byte `db:"solver_address"`
		TxHash        []byte `db:"tx_hash"`
	}
	err := p.db.GetContext(ctx, &row, `
		SELECT block_number, log_index, solver_address, tx_hash FROM settlements
		WHERE resolved = FALSE AND decode_failed = FALSE AND block_number <= $1
		ORDER BY block_number ASC, log_index ASC LIMIT 1`, reorgSafeBlock)
	if err == sql.ErrNoRows {
		return domain.SettlementEvent{}, false, nil
	}
	if err != nil {
		return domain.SettlementEvent{}, false, errkind.NewTransient("next unresolved settlement: %w", err)
	}
	return domain.SettlementEvent{
		BlockLogKey:   domain.BlockLogKey{BlockNumber: row.BlockNumber, LogIndex: row.LogIndex},
		SolverAddress: common.BytesToAddress(row.SolverAddress),
		TxHash:        common.BytesToHash(row.TxHash),
	}, true, nil
}

func (p *Postgres) ResolveSettlementTx(ctx context.Context, key domain.BlockLogKey, from common.Address, nonce uint64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE settlements SET tx_from = $3, tx_nonce = $4, resolved = TRUE
		WHERE block_number = $1 AND log_index = $2`, key.BlockNumber, key.LogIndex, from[:], nonce)
	if err != nil {
		return errkind.NewTransient("resolve settlement tx: %w", err)
	}
	return nil
}

func (p *Postgres) MarkDecodeFailed(ctx context.Context, key domain.BlockLogKey) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE settlements SET decode_failed = TRUE WHERE block_number = $1 AND log_index = $2`,
		key.BlockNumber, key.LogIndex)
	if err != nil {
		return errkind.NewTransient("mark decode failed: %w", err)
	}
	return nil
}

func (p *Postgres) InsertSettlementObservation(ctx context.Context, o domain.SettlementObservation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlement_observations (block_number, log_index, auction_id, gas_used, effective_gas_price, surplus, fee)
		VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (block_number, log_index) DO NOTHING`,
		o.BlockNumber, o.LogIndex, o.AuctionId, bigString(o.GasUsed), bigString(o.EffectiveGasPrice),
		bigString(o.Surplus), bigString(o.Fee))
	if err != nil {
		return errkind.NewTransient("insert settlement observation: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		UPDATE settlements SET auction_id = $3 WHERE block_number = $1 AND log_index = $2`,
		o.BlockNumber, o.LogIndex, o.AuctionId)
	if err != nil {
		return errkind.NewTransient("link settlement auction: %w", err)
	}
	return nil
}

// --- marshaling helpers ---

func toOrderRow(o domain.Order) (orderRow, error) {
	feePolicies, err := domain.MarshalFeePolicies(o.FeePolicies)
	if err != nil {
		return orderRow{}, err
	}
	pre, err := json.Marshal(o.PreInteractions)
	if err != nil {
		return orderRow{}, errkind.NewFatal("marshal pre-interactions: %w", err)
	}
	post, err := json.Marshal(o.PostInteractions)
	if err != nil {
		return orderRow{}, errkind.NewFatal("marshal post-interactions: %w", err)
	}
	row := orderRow{
		Uid:                o.Uid[:],
		Owner:              o.Owner[:],
		SellToken:          o.SellToken[:],
		BuyToken:           o.BuyToken[:],
		SellAmount:         bigString(o.SellAmount),
		BuyAmount:          bigString(o.BuyAmount),
		Side:               int16(o.Side),
		Kind:               int16(o.Kind),
		PartiallyFillable:  o.PartiallyFillable,
		ValidFrom:          o.ValidFrom,
		ValidTo:            o.ValidTo,
		AppDataHash:        o.AppDataHash[:],
		FeePolicies:        feePolicies,
		BalanceSource:      int16(o.BalanceSource),
		Destination:        int16(o.Destination),
		SignatureScheme:    int16(o.Signature.Scheme),
		SignatureData:      o.Signature.Data,
		PreInteractions:    pre,
		PostInteractions:   post,
		ExecutedSellAmount: bigString(o.ExecutedSellAmount),
		ExecutedBuyAmount:  bigString(o.ExecutedBuyAmount),
		Invalidated:        o.Invalidated,
		CreatedAt:          o.CreatedAt,
	}
	if o.EthflowValidTo != nil {
		row.EthflowValidTo = sql.NullTime{Time: *o.EthflowValidTo, Valid: true}
	}
	if o.CancellationTimestamp != nil {
		row.CancellationTimestamp = sql.NullTime{Time: *o.CancellationTimestamp, Valid: true}
	}
	return row, nil
}

func fromOrderRow(r orderRow) (domain.Order, error) {
	var uid domain.OrderUid
	copy(uid[:], r.Uid)
	var appData [32]byte
	copy(appData[:], r.AppDataHash)

	o := domain.Order{
		Uid:               uid,
		Owner:             common.BytesToAddress(r.Owner),
		SellToken:         common.BytesToAddress(r.SellToken),
		BuyToken:          common.BytesToAddress(r.BuyToken),
		SellAmount:        parseBig(r.SellAmount),
		BuyAmount:         parseBig(r.BuyAmount),
		Side:              domain.Side(r.Side),
		Kind:              domain.OrderKind(r.Kind),
		PartiallyFillable: r.PartiallyFillable,
		ValidFrom:         r.ValidFrom,
		ValidTo:           r.ValidTo,
		AppDataHash:       appData,
		BalanceSource:     domain.BalanceSource(r.BalanceSource),
		Destination:       domain.BalanceDestination(r.Destination),
		Signature: domain.Signature{
			Scheme: domain.SignatureScheme(r.SignatureScheme),
			Data:   r.SignatureData,
		},
		ExecutedSellAmount: parseBig(r.ExecutedSellAmount),
		ExecutedBuyAmount:  parseBig(r.ExecutedBuyAmount),
		Invalidated:        r.Invalidated,
		CreatedAt:          r.CreatedAt,
	}
	if r.EthflowValidTo.Valid {
		t := r.EthflowValidTo.Time
		o.EthflowValidTo = &t
	}
	if r.CancellationTimestamp.Valid {
		t := r.CancellationTimestamp.Time
		o.CancellationTimestamp = &t
	}
	policies, err := domain.UnmarshalFeePolicies(r.FeePolicies)
	if err != nil {
		return domain.Order{}, err
	}
	o.FeePolicies = policies
	_ = json.Unmarshal(r.PreInteractions, &o.PreInteractions)
	_ = json.Unmarshal(r.PostInteractions, &o.PostInteractions)
	return o, nil
}

func bigString(b *big.Int) string {
	if b == nil {
		return "0"
	}
	return b.String()
}

func parseBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

func isUniqueViolation(err error) bool {
	return err != nil && containsAny(err.Error(), "duplicate key value", "unique constraint")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
