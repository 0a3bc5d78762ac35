package main

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ultrashort/internal/enrich"
	"ultrashort/internal/model"
)

// hub broadcasts encoded ticks to every connected client. A slow client
// misses ticks rather than holding up the others.
type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("upgrade failed", "error", err)
		return
	}
	slog.Info("client connected", "remote", r.RemoteAddr)

	ch := h.register(conn)
	defer func() {
		h.unregister(conn)
		conn.Close()
		slog.Info("client disconnected", "remote", r.RemoteAddr)
	}()

	// detect client close; the write loop below ends when unregister closes ch
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister(conn)
				return
			}
		}
	}()

	for msg := range ch {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// instrument is the simulated state of one symbol.
type instrument struct {
	ID       string
	Exchange string
	Price    float64
}

// walker moves each instrument's price by a small random step per tick.
type walker struct {
	rng         *rand.Rand
	instruments []instrument
	maxStepPct  float64
}

func newWalker(instruments []instrument, seed int64) *walker {
	return &walker{rng: rand.New(rand.NewSource(seed)), instruments: instruments, maxStepPct: 0.1}
}

// next advances every instrument and returns one tick each.
func (w *walker) next(now time.Time) []model.Tick {
	out := make([]model.Tick, len(w.instruments))
	for i := range w.instruments {
		in := &w.instruments[i]
		step := (w.rng.Float64()*2 - 1) * w.maxStepPct / 100
		in.Price = max(enrich.Round2(in.Price*(1+step)), 0.05)
		out[i] = model.Tick{
			InstrumentID: in.ID,
			Exchange:     in.Exchange,
			Price:        in.Price,
			Volume:       float64(w.rng.Intn(100) + 1),
			TimestampMs:  now.UnixMilli(),
		}
	}
	return out
}

func encodeTicks(ticks []model.Tick) [][]byte {
	out := make([][]byte, 0, len(ticks))
	for _, t := range ticks {
		b, err := json.Marshal(t)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}
