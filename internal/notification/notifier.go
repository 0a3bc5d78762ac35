// Package notification delivers alerts to external channels (log, Telegram,
// webhooks). Every delivery is best effort: failures are returned to the
// caller for logging and never retried.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"ultrashort/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent. Signal is set for signal
// alerts so structured backends can forward the full record.
type Alert struct {
	Level   AlertLevel    `json:"level"`
	Title   string        `json:"title"`
	Message string        `json:"message"`
	Signal  *model.Signal `json:"signal,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// ErrThrottled is returned when the rate limiter refused an alert.
var ErrThrottled = errors.New("notification: rate limited")

// IST is the exchange time zone used in alert text.
var IST = time.FixedZone("IST", 5*3600+1800)

// SignalAlert formats a signal as an INFO alert: instrument, pattern,
// action with option type, price, stop-loss, target and time.
func SignalAlert(sig model.Signal) Alert {
	s := sig
	return Alert{
		Level: AlertInfo,
		Title: fmt.Sprintf("%s %s", sig.Pattern, sig.InstrumentID),
		Message: fmt.Sprintf(
			"Stock: %s\nPattern: %s\nAction: %s %s\nPrice: %.2f\nStop Loss: %.2f\nTarget: %.2f\nTime: %s",
			sig.InstrumentID, sig.Pattern, sig.Action, sig.OptionType,
			sig.EntryPrice, sig.StopLoss, sig.Target,
			sig.Time().In(IST).Format("2006-01-02 15:04:05"),
		),
		Signal: &s,
	}
}

// LogNotifier logs alerts (useful for development and as the default sink).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	slog.Info("notify", "level", string(alert.Level), "title", alert.Title, "message", alert.Message)
	return nil
}

// Multi sends each alert to every backend and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Limited drops alerts beyond a token-bucket rate instead of queueing them.
type Limited struct {
	next    Notifier
	limiter *rate.Limiter

	OnThrottled func()
}

// NewLimited allows perSecond alerts on average with the given burst.
// A non-positive perSecond disables limiting.
func NewLimited(next Notifier, perSecond float64, burst int) *Limited {
	lim := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &Limited{next: next, limiter: lim}
}

func (l *Limited) Send(ctx context.Context, alert Alert) error {
	if !l.limiter.Allow() {
		if l.OnThrottled != nil {
			l.OnThrottled()
		}
		return ErrThrottled
	}
	return l.next.Send(ctx, alert)
}

// SignalWriter turns a Notifier into a signal sink.
type SignalWriter struct {
	Notifier Notifier
}

func (w SignalWriter) WriteSignal(ctx context.Context, sig model.Signal) error {
	return w.Notifier.Send(ctx, SignalAlert(sig))
}
