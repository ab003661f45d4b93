package operator

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WatchSignals turns the first SIGINT or SIGTERM into a cooperative stop on
// b and a second one into cancellation of the returned context.
func WatchSignals(ctx context.Context, b *Broker) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		first := true
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if first {
					first = false
					b.RequestStop("signal: " + sig.String())
					continue
				}
				cancel()
				return
			}
		}
	}()
	return ctx, cancel
}
