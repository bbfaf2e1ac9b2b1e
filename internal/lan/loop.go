package lan

import (
	"context"
	"sync"
	"time"
)

// Loop runs a function immediately and then on a fixed interval until
// stopped. Start on a running loop and Stop on a stopped loop are no-ops.
type Loop struct {
	interval time.Duration
	fn       func(context.Context)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewLoop creates a stopped loop.
func NewLoop(interval time.Duration, fn func(context.Context)) *Loop {
	return &Loop{interval: interval, fn: fn}
}

// Start launches the loop. It stops when Stop is called or ctx is done.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		done := l.done
		l.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	l.running = false
	l.cancel()
	done := l.done
	l.mu.Unlock()
	<-done
}

// Running reports whether the loop has been started and has not ended.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer func() {
		// A cancelled parent context ends the loop without Stop.
		l.mu.Lock()
		if l.done == done {
			l.running = false
		}
		l.mu.Unlock()
		close(done)
	}()
	l.fn(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}
