package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"ultrashort/internal/model"
)

// Reader follows the live signal channel.
type Reader struct {
	client *goredis.Client
}

// NewReader creates a Reader on an existing client.
func NewReader(client *goredis.Client) *Reader {
	return &Reader{client: client}
}

// Subscribe calls fn for every signal published on SignalChannel until ctx
// is cancelled.
func (r *Reader) Subscribe(ctx context.Context, fn func(model.Signal)) error {
	sub := r.client.Subscribe(ctx, SignalChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", SignalChannel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if sig, ok := decodeSignal(msg.Payload); ok {
				fn(sig)
			}
		}
	}
}

// decodeSignal reports false for payloads that are not a signal.
func decodeSignal(payload string) (model.Signal, bool) {
	var sig model.Signal
	if err := json.Unmarshal([]byte(payload), &sig); err != nil || sig.ID == "" {
		return model.Signal{}, false
	}
	return sig, true
}
