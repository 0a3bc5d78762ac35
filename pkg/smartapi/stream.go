package smartapi

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	StreamURL         = "wss://smartapisocket.angelone.in/smart-stream"
	HeartbeatMessage  = "ping"
	HeartbeatInterval = 10 * time.Second
)

// Subscription modes.
const (
	ModeLTP       = 1
	ModeQuote     = 2
	ModeSnapQuote = 3
)

// Exchange types.
const (
	NSECM = 1
	NSEFO = 2
	BSECM = 3
	BSEFO = 4
	MCXFO = 5
	NCXFO = 7
	CDEFO = 13
)

const (
	actionUnsubscribe = 0
	actionSubscribe   = 1
)

var exchangeNames = map[int]string{
	NSECM: "NSE",
	NSEFO: "NFO",
	BSECM: "BSE",
	BSEFO: "BFO",
	MCXFO: "MCX",
	NCXFO: "NCX",
	CDEFO: "CDE",
}

// ExchangeName maps an exchange type to its short name, e.g. 1 -> "NSE".
func ExchangeName(exchangeType int) string {
	if n, ok := exchangeNames[exchangeType]; ok {
		return n
	}
	return fmt.Sprintf("EX_%d", exchangeType)
}

// TokenList is one exchange type and its instrument tokens.
type TokenList struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

type subscribeRequest struct {
	CorrelationID string          `json:"correlationID,omitempty"`
	Action        int             `json:"action"`
	Params        subscribeParams `json:"params"`
}

type subscribeParams struct {
	Mode      int         `json:"mode"`
	TokenList []TokenList `json:"tokenList"`
}

// Feed is one decoded market data frame. Prices are paise.
type Feed struct {
	Mode              int
	ExchangeType      int
	Token             string
	Sequence          int64
	ExchangeTimestamp int64 // epoch ms
	LastTradedPrice   int64
	// Quote and snap-quote only.
	LastTradedQty  int64
	AvgTradedPrice int64
	VolumeForDay   int64
	TotalBuyQty    float64
	TotalSellQty   float64
	OpenOfDay      int64
	HighOfDay      int64
	LowOfDay       int64
	ClosePrice     int64
}

// HasQuote reports whether the frame carried quote fields.
func (f Feed) HasQuote() bool {
	return f.Mode == ModeQuote || f.Mode == ModeSnapQuote
}

const (
	ltpPacketLen   = 51
	quotePacketLen = 123
)

var ErrShortPacket = errors.New("smartapi: binary packet too short")

// ParseFeed decodes a little-endian SmartStream binary frame.
func ParseFeed(b []byte) (Feed, error) {
	if len(b) < ltpPacketLen {
		return Feed{}, ErrShortPacket
	}
	f := Feed{
		Mode:              int(b[0]),
		ExchangeType:      int(b[1]),
		Token:             cString(b[2:27]),
		Sequence:          int64(binary.LittleEndian.Uint64(b[27:35])),
		ExchangeTimestamp: int64(binary.LittleEndian.Uint64(b[35:43])),
		LastTradedPrice:   int64(binary.LittleEndian.Uint64(b[43:51])),
	}
	if f.HasQuote() && len(b) >= quotePacketLen {
		f.LastTradedQty = int64(binary.LittleEndian.Uint64(b[51:59]))
		f.AvgTradedPrice = int64(binary.LittleEndian.Uint64(b[59:67]))
		f.VolumeForDay = int64(binary.LittleEndian.Uint64(b[67:75]))
		f.TotalBuyQty = math.Float64frombits(binary.LittleEndian.Uint64(b[75:83]))
		f.TotalSellQty = math.Float64frombits(binary.LittleEndian.Uint64(b[83:91]))
		f.OpenOfDay = int64(binary.LittleEndian.Uint64(b[91:99]))
		f.HighOfDay = int64(binary.LittleEndian.Uint64(b[99:107]))
		f.LowOfDay = int64(binary.LittleEndian.Uint64(b[107:115]))
		f.ClosePrice = int64(binary.LittleEndian.Uint64(b[115:123]))
	}
	return f, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// StreamConfig configures a Streamer.
type StreamConfig struct {
	URL        string // default StreamURL
	AuthToken  string // jwt
	APIKey     string
	ClientCode string
	FeedToken  string

	Heartbeat         time.Duration // default HeartbeatInterval
	ReconnectDelay    time.Duration // default 2s
	MaxReconnectDelay time.Duration // default 30s
	Dialer            *websocket.Dialer
}

// Streamer keeps a SmartStream connection open, re-subscribing after every
// reconnect, and delivers decoded frames to a callback.
type Streamer struct {
	cfg StreamConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[int]map[int][]string // mode -> exchange type -> tokens
	seqNum int

	// Optional hooks.
	OnConnect    func()
	OnDisconnect func(err error)
	OnParseError func(err error)
}

// NewStreamer validates credentials and creates a Streamer.
func NewStreamer(cfg StreamConfig) (*Streamer, error) {
	if cfg.AuthToken == "" || cfg.APIKey == "" || cfg.ClientCode == "" || cfg.FeedToken == "" {
		return nil, errors.New("smartapi: stream needs auth token, api key, client code and feed token")
	}
	if cfg.URL == "" {
		cfg.URL = StreamURL
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = HeartbeatInterval
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnectDelay == 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Streamer{cfg: cfg, subs: make(map[int]map[int][]string)}, nil
}

// Subscribe records tokens for mode and sends the request if connected.
// Recorded subscriptions are replayed on every reconnect.
func (s *Streamer) Subscribe(mode int, lists ...TokenList) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs[mode] == nil {
		s.subs[mode] = make(map[int][]string)
	}
	for _, tl := range lists {
		s.subs[mode][tl.ExchangeType] = mergeTokens(s.subs[mode][tl.ExchangeType], tl.Tokens)
	}
	if s.conn == nil {
		return nil
	}
	return s.writeRequestLocked(actionSubscribe, mode, lists)
}

func mergeTokens(have, add []string) []string {
	seen := make(map[string]struct{}, len(have))
	for _, t := range have {
		seen[t] = struct{}{}
	}
	for _, t := range add {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			have = append(have, t)
		}
	}
	return have
}

func (s *Streamer) writeRequestLocked(action, mode int, lists []TokenList) error {
	s.seqNum++
	req := subscribeRequest{
		CorrelationID: fmt.Sprintf("us%08d", s.seqNum),
		Action:        action,
		Params:        subscribeParams{Mode: mode, TokenList: lists},
	}
	return s.conn.WriteJSON(req)
}

func (s *Streamer) resubscribeLocked() error {
	for mode, byEx := range s.subs {
		lists := make([]TokenList, 0, len(byEx))
		for ex, toks := range byEx {
			lists = append(lists, TokenList{ExchangeType: ex, Tokens: toks})
		}
		if err := s.writeRequestLocked(actionSubscribe, mode, lists); err != nil {
			return err
		}
	}
	return nil
}

// Run connects and streams frames to onFeed until ctx is cancelled,
// reconnecting with exponential backoff on failure.
func (s *Streamer) Run(ctx context.Context, onFeed func(Feed)) error {
	delay := s.cfg.ReconnectDelay
	for {
		err := s.runOnce(ctx, onFeed)
		if ctx.Err() != nil {
			return nil
		}
		if s.OnDisconnect != nil {
			s.OnDisconnect(err)
		}
		slog.Warn("smartstream disconnected", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}
}

func (s *Streamer) runOnce(ctx context.Context, onFeed func(Feed)) error {
	header := http.Header{}
	header.Add("Authorization", s.cfg.AuthToken)
	header.Add("x-api-key", s.cfg.APIKey)
	header.Add("x-client-code", s.cfg.ClientCode)
	header.Add("x-feed-token", s.cfg.FeedToken)

	conn, resp, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	err = s.resubscribeLocked()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if s.OnConnect != nil {
		s.OnConnect()
	}

	done := make(chan struct{})
	defer close(done)
	go s.heartbeat(conn, done)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			s.mu.Unlock()
			conn.Close()
		case <-done:
		}
	}()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.BinaryMessage {
			// "pong" heartbeats and JSON control frames.
			continue
		}
		f, err := ParseFeed(msg)
		if err != nil {
			if s.OnParseError != nil {
				s.OnParseError(err)
			}
			continue
		}
		onFeed(f)
	}
}

func (s *Streamer) heartbeat(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(s.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			s.mu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte(HeartbeatMessage))
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
