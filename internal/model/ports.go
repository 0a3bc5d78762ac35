package model

import "context"

// SignalWriter persists or forwards a single signal. SQLite, Redis, Kafka
// and the notifiers all implement it.
type SignalWriter interface {
	WriteSignal(ctx context.Context, s Signal) error
}
