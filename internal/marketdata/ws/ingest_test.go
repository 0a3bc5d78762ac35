package ws

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ultrashort/internal/model"
	"ultrashort/pkg/smartapi"
)

func TestFeedToTick(t *testing.T) {
	now := time.UnixMilli(1_704_426_400_000)

	tick, err := FeedToTick(smartapi.Feed{
		Mode: smartapi.ModeLTP, ExchangeType: smartapi.NSECM, Token: "3045",
		ExchangeTimestamp: 1_704_426_300_000, LastTradedPrice: 61_255,
	}, now)
	if err != nil {
		t.Fatal(err)
	}
	want := model.Tick{InstrumentID: "3045", Exchange: "NSE", Price: 612.55, Volume: 1, TimestampMs: 1_704_426_300_000}
	if tick != want {
		t.Errorf("ltp: got %+v, want %+v", tick, want)
	}

	tick, _ = FeedToTick(smartapi.Feed{
		Mode: smartapi.ModeQuote, ExchangeType: smartapi.BSECM, Token: "500325",
		LastTradedPrice: 250_000, LastTradedQty: 40,
	}, now)
	if tick.Volume != 40 || tick.Exchange != "BSE" || tick.TimestampMs != now.UnixMilli() || tick.Price != 2500 {
		t.Errorf("quote: %+v", tick)
	}

	if _, err := FeedToTick(smartapi.Feed{}, now); err != ErrNoToken {
		t.Errorf("expected ErrNoToken, got %v", err)
	}
}

func frame(token string, ltp int64) []byte {
	b := make([]byte, 51)
	b[0] = byte(smartapi.ModeLTP)
	b[1] = byte(smartapi.NSECM)
	copy(b[2:27], token)
	binary.LittleEndian.PutUint64(b[35:43], uint64(1_704_426_300_000))
	binary.LittleEndian.PutUint64(b[43:51], uint64(ltp))
	return b
}

func TestIngest_Start(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req map[string]any
		conn.ReadJSON(&req)
		conn.WriteMessage(websocket.BinaryMessage, frame("", 100))
		conn.WriteMessage(websocket.BinaryMessage, frame("3045", 10_050))
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	ing, err := New(IngestConfig{
		Stream: smartapi.StreamConfig{
			URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
			AuthToken: "jwt", APIKey: "k", ClientCode: "C1", FeedToken: "f",
		},
		SubscribeMode: smartapi.ModeLTP,
		TokenList:     []smartapi.TokenList{{ExchangeType: smartapi.NSECM, Tokens: []string{"3045"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	parseErrs := make(chan error, 4)
	ing.OnParseError = func(err error) { parseErrs <- err }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tickCh := make(chan model.Tick, 4)
	go ing.Start(ctx, tickCh)

	select {
	case tick := <-tickCh:
		if tick.InstrumentID != "3045" || tick.Price != 100.5 || tick.Volume != 1 {
			t.Errorf("unexpected tick %+v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick received")
	}
	select {
	case err := <-parseErrs:
		if err != ErrNoToken {
			t.Errorf("expected ErrNoToken, got %v", err)
		}
	case <-time.After(time.Second):
		t.Error("empty-token frame not reported")
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New(IngestConfig{}); err == nil {
		t.Fatal("expected error without credentials")
	}
}
