package protocol

import (
	"context"
	"log"
	"time"
)

// ConnectFunc performs one connection attempt, blocking until the
// connection ends (cleanly or with an error).
type ConnectFunc func(ctx context.Context) error

// RunConnectionLoop retries connect with a fixed backoff until ctx is
// cancelled, mirroring the teacher's exchanges.RunConnectionLoop: spec.md
// §9 notes the connect path is itself a retryable operation, and the
// client side of a connection needs exactly this reconnect idiom against
// the handshake transport.
func RunConnectionLoop(ctx context.Context, name string, backoff time.Duration, connect ConnectFunc) error {
	for {
		if err := connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("protocol: %s disconnected (%v), reconnecting in %s...", name, err, backoff)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
