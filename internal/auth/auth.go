// Package auth produces broker sessions: it generates the current TOTP code
// from the account secret and exchanges it, with the client code and
// password, for JWT and feed tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pquerna/otp/totp"

	"ultrashort/pkg/smartapi"
)

// DefaultRetryDelay is the wait between failed login attempts.
const DefaultRetryDelay = 30 * time.Second

// ErrEmptySession is returned when login succeeds but a token is missing.
var ErrEmptySession = errors.New("auth: session has empty jwt or feed token")

// Credentials identify the trading account.
type Credentials struct {
	ClientCode string
	Password   string
	TOTPSecret string
}

// SessionClient is the part of the broker client used to log in.
type SessionClient interface {
	GenerateSession(ctx context.Context, clientCode, password, totp string) (smartapi.Session, error)
}

// Login generates a TOTP code for now and opens a session.
func Login(ctx context.Context, c SessionClient, creds Credentials, now time.Time) (smartapi.Session, error) {
	code, err := totp.GenerateCode(creds.TOTPSecret, now)
	if err != nil {
		return smartapi.Session{}, fmt.Errorf("auth: totp: %w", err)
	}
	s, err := c.GenerateSession(ctx, creds.ClientCode, creds.Password, code)
	if err != nil {
		return smartapi.Session{}, fmt.Errorf("auth: login %s: %w", creds.ClientCode, err)
	}
	if s.JWTToken == "" || s.FeedToken == "" {
		return smartapi.Session{}, ErrEmptySession
	}
	return s, nil
}

// LoginUntil retries Login every retryDelay until it succeeds or ctx is done.
func LoginUntil(ctx context.Context, c SessionClient, creds Credentials, retryDelay time.Duration) (smartapi.Session, error) {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	for {
		s, err := Login(ctx, c, creds, time.Now())
		if err == nil {
			slog.Info("session ready", "client", creds.ClientCode, "feed_token", redact(s.FeedToken))
			return s, nil
		}
		slog.Warn("login failed, retrying", "error", err, "retry_in", retryDelay)

		select {
		case <-ctx.Done():
			return smartapi.Session{}, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

func redact(tok string) string {
	if len(tok) <= 6 {
		return "***"
	}
	return tok[:6] + "..."
}
