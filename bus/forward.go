package bus

import (
	"context"
	"time"
)

// DefaultForwardTimeout bounds each publication made by Forward.
const DefaultForwardTimeout = 10 * time.Second

// Forward relays every message matching pattern from sub to pub until ctx
// is done. It returns once the subscription is live, errors from
// Subscribe included. Failed publications are logged and skipped.
// The returned channel is closed when forwarding stops.
func Forward(ctx context.Context, sub Subscriber, pattern string, pub Publisher, logger Logger) (<-chan struct{}, error) {
	if logger == nil {
		logger = NopLogger()
	}

	subscription, err := sub.Subscribe(ctx, pattern)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer subscription.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-subscription.Messages():
				if !ok {
					return
				}
				pubCtx, cancel := context.WithTimeout(ctx, DefaultForwardTimeout)
				if err := pub.Publish(pubCtx, msg); err != nil {
					logger.Warn("forward failed", "key", msg.Key, "error", err)
				}
				cancel()
			}
		}
	}()

	return done, nil
}
