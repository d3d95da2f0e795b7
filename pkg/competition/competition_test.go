package competition

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/cowdex/autopilot/pkg/domain"
	"github.com/cowdex/autopilot/pkg/store/memstore"
)

func TestBrotliRoundTrip(t *testing.T) {
	raw := []byte(`{"hello":"world","n":12345}`)

	var buf bytes.Buffer
	w := brotli.NewWriterOptions(&buf, brotli.WriterOptions{Quality: 1, LGWin: 22})
	if _, err := w.Write(raw); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := decompressAll(buf.Bytes())
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("round trip mismatch: got %q, want %q", got, raw)
	}
}

func decompressAll(compressed []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(compressed))
	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		out.Write(buf[:n])
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}
	return out.Bytes(), nil
}

func TestPriceDeviatesVacuousOnSingleToken(t *testing.T) {
	token := common.HexToAddress("0x1")
	clearing := map[common.Address]*big.Int{token: big.NewInt(100)}
	ext := noRefPrices{}
	if priceDeviates(clearing, ext, 100) {
		t.Errorf("a single unreferenced token should never trigger a price violation")
	}
}

type noRefPrices struct{}

func (noRefPrices) Price(common.Address) (*big.Int, bool) { return nil, false }

func TestRankSurvivorsAssignsRankOneToHighestScore(t *testing.T) {
	low := candidate{driver: "low", solution: domain.Solution{Score: big.NewInt(10)}}
	high := candidate{driver: "high", solution: domain.Solution{Score: big.NewInt(99)}}
	mid := candidate{driver: "mid", solution: domain.Solution{Score: big.NewInt(50)}}

	rs := rankSurvivors([]candidate{low, high, mid}, rand.New(rand.NewSource(1)))
	w, ok := winnerOf(rs)
	if !ok || w.driver != "high" {
		t.Fatalf("winner = %+v, want driver \"high\" at rank 1", w)
	}
}

func TestDropUnaffordableTailTruncatesAtFirstShortfall(t *testing.T) {
	owner := common.HexToAddress("0xaa")
	token := common.HexToAddress("0xbb")
	orders := []domain.Order{
		{Owner: owner, SellToken: token, SellAmount: big.NewInt(40)},
		{Owner: owner, SellToken: token, SellAmount: big.NewInt(40)},
		{Owner: owner, SellToken: token, SellAmount: big.NewInt(40)},
	}
	kept, err := dropUnaffordableTail(context.Background(), orders, constBalance(big.NewInt(70)))
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if len(kept) != 1 {
		t.Fatalf("kept = %d orders, want 1 (40 fits in 70, 80 does not)", len(kept))
	}
}

type constBalance big.Int

func (c constBalance) Balance(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	v := big.Int(c)
	return &v, nil
}

func TestRunCompetitionYieldsNoSolutionWhenDriverReturnsNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(solveResponse{})
	}))
	defer srv.Close()

	st := memstore.New()
	drivers := []Driver{{Name: "d1", BaseURL: srv.URL, SubmissionAddr: "0x01"}}
	runner := New(st, NewDriverClient(srv.Client()), drivers, nil, nil, nil, nil, Config{
		GuardHistoryWindow: 10, GuardMaxFailureRate: 1, GuardConsecutiveFailures: 100,
		SafetyBuffer: time.Millisecond, MaxPriceDeviationBps: 100,
	}, zap.NewNop(), 1)

	a := domain.Auction{Id: 1, Deadline: time.Now().Add(time.Second)}
	_, err := runner.RunCompetition(context.Background(), a)
	if _, ok := err.(domain.ErrNoSolution); !ok {
		t.Fatalf("err = %v (%T), want ErrNoSolution", err, err)
	}
}

func TestRunCompetitionSettlesHappyPath(t *testing.T) {
	owner := common.HexToAddress("0x01")
	sell := common.HexToAddress("0xaa")
	buy := common.HexToAddress("0xbb")
	var uid domain.OrderUid
	uid[0] = 7

	mux := http.NewServeMux()
	mux.HandleFunc("/solve", func(w http.ResponseWriter, r *http.Request) {
		resp := solveResponse{Solutions: []solutionWire{{
			SolutionId:        1,
			SubmissionAddress: owner,
			Orders: map[string]tradedOrderWire{
				uid.String(): {
					Side: "sell", SellToken: sell, BuyToken: buy,
					LimitSell:    bigWire(10),
					LimitBuy:     bigWire(5000),
					ExecutedSell: bigWire(10),
					ExecutedBuy:  bigWire(6000),
				},
			},
			ClearingPrices: map[string]*bigIntWire{},
			Score:          bigWire(100),
		}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/reveal", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(RevealResult{Calldata: []byte{0x01}})
	})
	nonce := uint64(5)
	mux.HandleFunc("/settle", func(w http.ResponseWriter, r *http.Request) {
		hash := [32]byte{0xAB}
		_ = json.NewEncoder(w).Encode(settleOutcome{TxHash: &hash, TxFrom: &owner, TxNonce: &nonce})
	})
	mux.HandleFunc("/notify", func(w http.ResponseWriter, r *http.Request) {})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := memstore.New()
	drivers := []Driver{{Name: "d1", BaseURL: srv.URL, SubmissionAddr: owner.Hex()}}
	runner := New(st, NewDriverClient(srv.Client()), drivers, nil, nil, nil, nil, Config{
		GuardHistoryWindow: 10, GuardMaxFailureRate: 1, GuardConsecutiveFailures: 100,
		SafetyBuffer: time.Millisecond, MaxPriceDeviationBps: 100,
	}, zap.NewNop(), 1)

	a := domain.Auction{
		Id:       2,
		Deadline: time.Now().Add(time.Second),
		Orders:   []domain.Order{{Uid: uid, Owner: owner, SellToken: sell, BuyToken: buy, Kind: domain.KindLimit}},
	}
	winner, err := runner.RunCompetition(context.Background(), a)
	if err != nil {
		t.Fatalf("run competition: %v", err)
	}
	if winner.Driver != "d1" || winner.SolutionId != 1 {
		t.Fatalf("winner = %+v, want d1/solution 1", winner)
	}

	id, err := st.AuctionIDForTransaction(context.Background(), domain.AuctionTransactionKey{SolverAddress: owner, Nonce: nonce})
	if err != nil || id != a.Id {
		t.Fatalf("auction transaction link = (%d, %v), want (%d, nil)", id, err, a.Id)
	}
}

func bigWire(v int64) *bigIntWire {
	b := bigIntWire(*big.NewInt(v))
	return &b
}
