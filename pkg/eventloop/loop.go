package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrClosed is returned when a task is submitted to a closed loop
	ErrClosed = errors.New("event loop closed")

	ErrTaskPanicked = errors.New("event loop task panicked")
)

// Task is a unit of work executed on the loop goroutine
type Task func()

// Loop runs submitted tasks one at a time, in submission order, on a single
// goroutine. Posting never blocks; the queue is unbounded.
type Loop struct {
	mu       sync.Mutex
	pending  []Task
	closed   bool
	wakeChan chan struct{}
	doneChan chan struct{}
	logger   *zap.SugaredLogger
}

// New creates a loop and starts its goroutine
func New(logger *zap.SugaredLogger) *Loop {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	l := &Loop{
		pending:  make([]Task, 0, 16),
		wakeChan: make(chan struct{}, 1),
		doneChan: make(chan struct{}),
		logger:   logger,
	}

	go l.run()

	return l
}

// Post enqueues a task. It reports false if the loop is already closed.
func (l *Loop) Post(task Task) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, task)
	l.mu.Unlock()

	select {
	case l.wakeChan <- struct{}{}:
	default:
	}
	return true
}

// Call states
const (
	callQueued int32 = iota
	callRunning
	callAbandoned
)

// Call runs fn on the loop and waits for its result. When ctx ends before fn
// has started, fn is skipped and ctx.Err() is returned; once fn has started
// Call waits for it, so an error from Call always means fn had no effect.
// It must not be invoked from a task already running on the loop.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	var state atomic.Int32
	result := make(chan error, 1)
	task := func() {
		if !state.CompareAndSwap(callQueued, callRunning) {
			return
		}
		err := ErrTaskPanicked
		defer func() { result <- err }()
		err = fn()
	}
	if !l.Post(task) {
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		if state.CompareAndSwap(callQueued, callAbandoned) {
			return ctx.Err()
		}
		return <-result
	case <-l.doneChan:
		// queued tasks run before the loop exits
		if state.CompareAndSwap(callQueued, callAbandoned) {
			return ErrClosed
		}
		return <-result
	}
}

// Close stops accepting tasks, runs what is already queued and waits for the
// loop goroutine to exit. Safe to call more than once.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		select {
		case l.wakeChan <- struct{}{}:
		default:
		}
	}
	l.mu.Unlock()

	<-l.doneChan
}

// Done is closed once the loop goroutine has exited
func (l *Loop) Done() <-chan struct{} {
	return l.doneChan
}

func (l *Loop) run() {
	defer close(l.doneChan)

	for {
		l.mu.Lock()
		tasks := l.pending
		l.pending = make([]Task, 0, 16)
		closed := l.closed
		l.mu.Unlock()

		for _, task := range tasks {
			l.execute(task)
		}

		if len(tasks) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wakeChan
	}
}

func (l *Loop) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorw("Event loop task panicked", "panic", fmt.Sprint(r))
		}
	}()
	task()
}
