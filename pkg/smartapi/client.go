// Package smartapi is a small typed client for the Angel One SmartAPI: session
// login, historical candles and the SmartStream binary market feed.
package smartapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	DefaultRootURL = "https://apiconnect.angelone.in"

	routeLogin      = "/rest/auth/angelbroking/user/v1/loginByPassword"
	routeLogout     = "/rest/secure/angelbroking/user/v1/logout"
	routeCandleData = "/rest/secure/angelbroking/historical/v1/getCandleData"
)

// Candle intervals accepted by getCandleData.
const (
	IntervalOneMinute     = "ONE_MINUTE"
	IntervalThreeMinute   = "THREE_MINUTE"
	IntervalFiveMinute    = "FIVE_MINUTE"
	IntervalFifteenMinute = "FIFTEEN_MINUTE"
)

// dateLayout is the "fromdate"/"todate" format, interpreted in IST.
const dateLayout = "2006-01-02 15:04"

var ist = time.FixedZone("IST", 5*3600+30*60)

var (
	ErrLoginFailed = errors.New("smartapi: login failed")
	ErrNoSession   = errors.New("smartapi: no session")
)

// APIError is a status=false or error_type response from the API.
type APIError struct {
	Status    int
	ErrorCode string
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("smartapi: http %d %s: %s", e.Status, e.ErrorCode, e.Message)
}

// Config configures a Client. Zero values get defaults.
type Config struct {
	APIKey         string
	RootURL        string
	Timeout        time.Duration // default 7s
	ClientLocalIP  string
	ClientPublicIP string
	ClientMAC      string
	HTTPClient     *http.Client
}

// Session holds the tokens returned by a successful login.
type Session struct {
	ClientCode   string
	JWTToken     string
	RefreshToken string
	FeedToken    string
}

// Client talks to the SmartAPI REST endpoints. Safe for concurrent use.
type Client struct {
	apiKey  string
	rootURL string
	http    *http.Client

	localIP  string
	publicIP string
	mac      string

	mu      sync.RWMutex
	session Session
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.RootURL == "" {
		cfg.RootURL = DefaultRootURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		apiKey:   cfg.APIKey,
		rootURL:  strings.TrimRight(cfg.RootURL, "/"),
		http:     hc,
		localIP:  firstNonEmpty(cfg.ClientLocalIP, localIP(), "127.0.0.1"),
		publicIP: firstNonEmpty(cfg.ClientPublicIP, "106.193.147.98"),
		mac:      firstNonEmpty(cfg.ClientMAC, macAddress(), "00:11:22:33:44:55"),
	}
}

// Session returns the current session tokens.
func (c *Client) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// SetSession installs tokens obtained elsewhere.
func (c *Client) SetSession(s Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// APIKey returns the configured private key.
func (c *Client) APIKey() string { return c.apiKey }

type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

// GenerateSession logs in with client code, password and a current TOTP code,
// and stores the returned tokens on the client.
func (c *Client) GenerateSession(ctx context.Context, clientCode, password, totp string) (Session, error) {
	body := map[string]string{"clientcode": clientCode, "password": password, "totp": totp}

	var data struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	if err := c.post(ctx, routeLogin, body, &data); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if data.JWTToken == "" || data.FeedToken == "" {
		return Session{}, fmt.Errorf("%w: missing tokens in response", ErrLoginFailed)
	}

	s := Session{
		ClientCode:   clientCode,
		JWTToken:     data.JWTToken,
		RefreshToken: data.RefreshToken,
		FeedToken:    data.FeedToken,
	}
	c.SetSession(s)
	return s, nil
}

// Logout terminates the current session.
func (c *Client) Logout(ctx context.Context) error {
	s := c.Session()
	if s.JWTToken == "" {
		return ErrNoSession
	}
	if err := c.post(ctx, routeLogout, map[string]string{"clientcode": s.ClientCode}, nil); err != nil {
		return err
	}
	c.SetSession(Session{})
	return nil
}

// CandleParams selects a historical candle range.
type CandleParams struct {
	Exchange    string
	SymbolToken string
	Interval    string
	From        time.Time
	To          time.Time
}

// HistoricalCandle is one OHLCV row from getCandleData.
type HistoricalCandle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// CandleData fetches historical candles. Rows are returned in API order
// (oldest first).
func (c *Client) CandleData(ctx context.Context, p CandleParams) ([]HistoricalCandle, error) {
	if c.Session().JWTToken == "" {
		return nil, ErrNoSession
	}
	if p.Interval == "" {
		p.Interval = IntervalOneMinute
	}
	body := map[string]string{
		"exchange":    p.Exchange,
		"symboltoken": p.SymbolToken,
		"interval":    p.Interval,
		"fromdate":    p.From.In(ist).Format(dateLayout),
		"todate":      p.To.In(ist).Format(dateLayout),
	}

	var rows [][]json.RawMessage
	if err := c.post(ctx, routeCandleData, body, &rows); err != nil {
		return nil, fmt.Errorf("smartapi: candle data %s:%s: %w", p.Exchange, p.SymbolToken, err)
	}

	out := make([]HistoricalCandle, 0, len(rows))
	for i, row := range rows {
		hc, err := parseCandleRow(row)
		if err != nil {
			return nil, fmt.Errorf("smartapi: candle row %d: %w", i, err)
		}
		out = append(out, hc)
	}
	return out, nil
}

// parseCandleRow decodes ["2024-01-05T09:15:00+05:30", o, h, l, c, v].
func parseCandleRow(row []json.RawMessage) (HistoricalCandle, error) {
	if len(row) < 6 {
		return HistoricalCandle{}, fmt.Errorf("expected 6 fields, got %d", len(row))
	}
	var ts string
	if err := json.Unmarshal(row[0], &ts); err != nil {
		return HistoricalCandle{}, fmt.Errorf("timestamp: %w", err)
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return HistoricalCandle{}, fmt.Errorf("timestamp: %w", err)
	}
	var v [5]float64
	for i := range v {
		if err := json.Unmarshal(row[i+1], &v[i]); err != nil {
			return HistoricalCandle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
	}
	return HistoricalCandle{Time: t, Open: v[0], High: v[1], Low: v[2], Close: v[3], Volume: v[4]}, nil
}

func (c *Client) headers(h http.Header) {
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-UserType", "USER")
	h.Set("X-SourceID", "WEB")
	h.Set("X-ClientLocalIP", c.localIP)
	h.Set("X-ClientPublicIP", c.publicIP)
	h.Set("X-MACAddress", c.mac)
	h.Set("X-PrivateKey", c.apiKey)
	if jwt := c.Session().JWTToken; jwt != "" {
		h.Set("Authorization", "Bearer "+jwt)
	}
}

// post sends body as JSON and decodes the envelope's data into out (if non-nil).
func (c *Client) post(ctx context.Context, route string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rootURL+route, bytes.NewReader(b))
	if err != nil {
		return err
	}
	c.headers(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response (http %d): %w", resp.StatusCode, err)
	}
	if env.ErrorType != "" {
		return &APIError{Status: resp.StatusCode, ErrorCode: env.ErrorType, Message: env.Message}
	}
	if !env.Status || resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, ErrorCode: env.ErrorCode, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
			return ipn.IP.String()
		}
	}
	return ""
}

func macAddress() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return ""
}
