package mainloop

import (
	"context"
	"io"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Loop is the single authoritative goroutine of a world. Every world mutation
// that is not async-safe, and all chunk keep-alive bookkeeping, runs inside a
// task posted here. Tasks run one at a time in the order they were posted.
type Loop struct {
	log *log.Logger

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool

	executed atomic.Uint64
}

func New(logger *log.Logger) *Loop {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Loop{
		log:  logger,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// Post queues fn for execution on the loop goroutine. It never blocks, so it
// is safe to call from inside a task. Returns false once the loop stopped.
func (l *Loop) Post(fn func()) bool {
	if fn == nil || l.stopped.Load() {
		return false
	}
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// After posts fn once d has elapsed.
func (l *Loop) After(d time.Duration, fn func()) {
	time.AfterFunc(d, func() { l.Post(fn) })
}

// Every posts fn each period until the returned cancel func is called or the
// loop stops.
func (l *Loop) Every(period time.Duration, fn func()) (cancel func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-l.stop:
				return
			case <-t.C:
				l.Post(fn)
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// Done is closed once the loop stops.
func (l *Loop) Done() <-chan struct{} { return l.stop }

// Executed is the number of tasks run so far.
func (l *Loop) Executed() uint64 { return l.executed.Load() }

func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.stop:
			return nil
		case <-l.wake:
			l.drain()
		}
	}
}

func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.stopped.Store(true)
		close(l.stop)
	})
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Printf("warn: loop task panicked: %v\n%s", r, debug.Stack())
		}
		l.executed.Add(1)
	}()
	fn()
}
