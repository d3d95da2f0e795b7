// Package api exposes the pipeline's observable state — orders,
// auctions, competitions, driver health, and chain indexing progress —
// as a read-only REST + WebSocket surface. It never accepts order
// submissions; that remains the Order Store's own ingestion path.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/store"
)

// Server serves the status API and fans out live updates over
// WebSocket as the pipeline's components produce them.
type Server struct {
	store  store.Store
	router *mux.Router
	hub    *Hub
	log    *zap.Logger
}

func NewServer(st store.Store, log *zap.Logger) *Server {
	s := &Server{
		store:  st,
		router: mux.NewRouter(),
		hub:    NewHub(),
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/orders/{uid}", s.handleGetOrder).Methods("GET")
	v1.HandleFunc("/auctions/{id}", s.handleGetAuction).Methods("GET")
	v1.HandleFunc("/drivers/{name}/stats", s.handleGetDriverStats).Methods("GET")
	v1.HandleFunc("/chain/status/{category}", s.handleGetChainStatus).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the HTTP server and the WebSocket hub until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	srv := &http.Server{Addr: addr, Handler: c.Handler(s.router)}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ==============================
// REST handlers
// ==============================

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	var uid domain.OrderUid
	if err := uid.UnmarshalText([]byte(mux.Vars(r)["uid"])); err != nil {
		respondError(w, http.StatusBadRequest, "invalid order uid", err.Error())
		return
	}

	o, err := s.store.GetOrder(r.Context(), uid)
	if err != nil {
		respondError(w, http.StatusNotFound, "order not found", err.Error())
		return
	}

	respondJSON(w, toOrderInfo(o))
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid auction id", err.Error())
		return
	}

	a, err := s.store.Auction(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "auction not found", err.Error())
		return
	}

	respondJSON(w, toAuctionInfo(a))
}

func (s *Server) handleGetDriverStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	stats, err := s.store.DriverStats(r.Context(), name, 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "driver stats unavailable", err.Error())
		return
	}

	respondJSON(w, DriverStatsInfo{
		Driver:              stats.Driver,
		WindowSize:          stats.WindowSize,
		FailedInWindow:      stats.FailedInWindow,
		FailureRate:         stats.FailureRate(),
		ConsecutiveFailures: stats.ConsecutiveFailures,
		Allowlisted:         stats.Allowlisted,
	})
}

func (s *Server) handleGetChainStatus(w http.ResponseWriter, r *http.Request) {
	category := mux.Vars(r)["category"]
	number, hash, ok, err := s.store.LastIndexedBlock(r.Context(), category)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "chain status unavailable", err.Error())
		return
	}

	respondJSON(w, ChainStatus{Category: category, BlockNumber: number, BlockHash: hash.Hex(), Indexed: ok})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast methods, called by the pipeline as it produces results.
// ==============================

func (s *Server) BroadcastAuction(a domain.Auction) {
	s.hub.BroadcastToChannel("auctions", AuctionUpdate{Type: "auction", Auction: toAuctionInfo(a)})
}

func (s *Server) BroadcastCompetition(c domain.Competition) {
	s.hub.BroadcastToChannel("competitions", CompetitionUpdate{Type: "competition", Competition: toCompetitionInfo(c)})
}

// ==============================
// Conversions
// ==============================

func toOrderInfo(o domain.Order) OrderInfo {
	return OrderInfo{
		Uid:          o.Uid.String(),
		Owner:        o.Owner.Hex(),
		SellToken:    o.SellToken.Hex(),
		BuyToken:     o.BuyToken.Hex(),
		SellAmount:   bigString(o.SellAmount),
		BuyAmount:    bigString(o.BuyAmount),
		Side:         o.Side.String(),
		Kind:         orderKindString(o.Kind),
		Live:         o.Live(time.Now()),
		ExecutedSell: bigString(o.ExecutedSellAmount),
		ExecutedBuy:  bigString(o.ExecutedBuyAmount),
		Invalidated:  o.Invalidated,
		CreatedAt:    o.CreatedAt.UnixMilli(),
	}
}

func orderKindString(k domain.OrderKind) string {
	switch k {
	case domain.KindMarket:
		return "market"
	case domain.KindLimit:
		return "limit"
	case domain.KindLiquidity:
		return "liquidity"
	default:
		return "unknown"
	}
}

func toAuctionInfo(a domain.Auction) AuctionInfo {
	tokens := make([]string, 0, len(a.Tokens))
	for addr := range a.Tokens {
		tokens = append(tokens, addr.Hex())
	}
	return AuctionInfo{
		Id:         a.Id,
		OrderCount: len(a.Orders),
		Tokens:     tokens,
		Deadline:   a.Deadline.UnixMilli(),
		CreatedAt:  a.CreatedAt.UnixMilli(),
	}
}

func toCompetitionInfo(c domain.Competition) CompetitionInfo {
	info := CompetitionInfo{AuctionId: c.AuctionId, CreatedAt: c.CreatedAt.UnixMilli()}
	info.Solutions = make([]RankedSolutionInfo, 0, len(c.Solutions))
	for _, rs := range c.Solutions {
		info.Solutions = append(info.Solutions, RankedSolutionInfo{
			Driver:     rs.Driver,
			SolutionId: rs.Solution.SolutionId,
			Rank:       rs.Rank,
			Rejected:   rs.Rejected,
			Reason:     string(rs.Reason),
			Score:      bigString(rs.Solution.Score),
		})
	}
	if c.Winner != nil {
		info.WinnerDriver = c.Winner.Driver
		info.WinnerSolution = c.Winner.SolutionId
	}
	if c.TransactionHash != nil {
		info.TransactionHash = common.Hash(*c.TransactionHash).Hex()
	}
	return info
}

// ==============================
// Helpers
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	encodeJSON(w, data)
}

func respondError(w http.ResponseWriter, status int, errMsg string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encodeJSON(w, ErrorResponse{Error: errMsg, Message: message})
}
