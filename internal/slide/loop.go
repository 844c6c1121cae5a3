package slide

import (
	"context"
	"time"
)

// loop runs a periodic background task until its tick returns false or
// stop is called.
type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func every(interval time.Duration, tick func(ctx context.Context) bool) *loop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if !tick(ctx) {
					return
				}
			}
		}
	}()
	return l
}

// stop cancels the loop and waits for a running tick to return. It must not
// be called from the loop's own tick.
func (l *loop) stop() {
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}
