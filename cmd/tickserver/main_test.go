package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ultrashort/internal/marketdata/wssim"
)

func TestParseInstruments(t *testing.T) {
	got, err := parseInstruments("3045:nse:612.5, 2885:NSE")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Exchange != "NSE" || got[0].Price != 612.5 || got[1].Price != defaultPrice {
		t.Errorf("unexpected %+v", got)
	}
	for _, bad := range []string{"", "3045", "3045:NSE:-1", ":NSE"} {
		if _, err := parseInstruments(bad); err == nil {
			t.Errorf("%q should be rejected", bad)
		}
	}
}

func TestWalker_StaysPositiveAndBounded(t *testing.T) {
	w := newWalker([]instrument{{ID: "A", Exchange: "NSE", Price: 100}}, 1)
	now := time.UnixMilli(1000)
	prev := 100.0
	for i := 0; i < 1000; i++ {
		tick := w.next(now)[0]
		if tick.Price <= 0 || tick.Volume < 1 || tick.Volume > 100 {
			t.Fatalf("bad tick %+v", tick)
		}
		if diff := tick.Price - prev; diff > prev*0.0011+0.01 || -diff > prev*0.0011+0.01 {
			t.Fatalf("step too large: %v -> %v", prev, tick.Price)
		}
		prev = tick.Price
	}
}

func TestHub_BroadcastsTicksReadableByStagingIngest(t *testing.T) {
	h := newHub()
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.clientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	w := newWalker([]instrument{{ID: "3045", Exchange: "NSE", Price: 600}}, 7)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go generate(ctx, h, w, 10*time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	tick, err := wssim.ParseTick(raw, time.Now())
	if err != nil {
		t.Fatalf("ingest cannot parse %s: %v", raw, err)
	}
	if tick.InstrumentID != "3045" || tick.Exchange != "NSE" || tick.Price <= 0 {
		t.Errorf("unexpected tick %+v", tick)
	}
}
