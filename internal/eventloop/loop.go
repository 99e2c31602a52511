// Package eventloop provides a single-goroutine task+timer dispatcher.
// Each subsystem (TC, CUPS, RAL-master) owns one Loop; everything that
// touches that subsystem's state runs as a func submitted through Go or
// AfterFunc, so the subsystem itself never needs its own locking.
package eventloop

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type timerItem struct {
	deadline time.Time
	fn       func()
	index    int
	canceled bool
}

type timerHeap []*timerItem

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { item := x.(*timerItem); item.index = len(*h); *h = append(*h, item) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Timer is a handle to a pending AfterFunc callback.
type Timer struct {
	item *timerItem
	loop *Loop
}

// Stop cancels the timer. Safe to call after it has already fired.
func (t *Timer) Stop() {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	t.item.canceled = true
}

// Loop is a single-goroutine dispatcher with a timer min-heap.
type Loop struct {
	name  string
	tasks chan func()
	wake  chan struct{}

	mu     sync.Mutex
	timers timerHeap
}

// New creates a Loop. name is used only for diagnostics.
func New(name string) *Loop {
	return &Loop{
		name:  name,
		tasks: make(chan func(), 256),
		wake:  make(chan struct{}, 1),
	}
}

// Go queues fn to run on the loop goroutine. Safe from any goroutine.
func (l *Loop) Go(fn func()) {
	l.tasks <- fn
}

// AfterFunc schedules fn to run on the loop goroutine after d elapses.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	item := &timerItem{deadline: time.Now().Add(d), fn: fn}
	l.mu.Lock()
	heap.Push(&l.timers, item)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return &Timer{item: item, loop: l}
}

// Run drives the loop until ctx is cancelled. It returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	for {
		var timerC <-chan time.Time
		var pending *time.Timer

		l.mu.Lock()
		if len(l.timers) > 0 {
			d := time.Until(l.timers[0].deadline)
			if d < 0 {
				d = 0
			}
			pending = time.NewTimer(d)
			timerC = pending.C
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			stop(pending)
			return ctx.Err()
		case fn := <-l.tasks:
			stop(pending)
			fn()
		case <-l.wake:
			stop(pending)
		case <-timerC:
			l.fireDue()
		}
	}
}

func stop(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (l *Loop) fireDue() {
	now := time.Now()
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].deadline.After(now) {
			l.mu.Unlock()
			return
		}
		item := heap.Pop(&l.timers).(*timerItem)
		l.mu.Unlock()
		if !item.canceled {
			item.fn()
		}
	}
}
