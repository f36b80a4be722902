package dispatch

import (
	"log/slog"
	"sync"
)

// Lanes runs submitted jobs one at a time per user, in submission order.
// Different users run concurrently. A lane's goroutine exits once its queue
// drains.
type Lanes struct {
	mu     sync.Mutex
	lanes  map[int64]*lane
	wg     sync.WaitGroup
	closed bool
}

type lane struct {
	queue []func()
}

func NewLanes() *Lanes {
	return &Lanes{lanes: make(map[int64]*lane)}
}

// Submit queues fn on userID's lane. It reports false after Close.
func (l *Lanes) Submit(userID int64, fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}

	if ln, ok := l.lanes[userID]; ok {
		ln.queue = append(ln.queue, fn)
		return true
	}
	ln := &lane{queue: []func(){fn}}
	l.lanes[userID] = ln
	l.wg.Add(1)
	go l.run(userID, ln)
	return true
}

func (l *Lanes) run(userID int64, ln *lane) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		if len(ln.queue) == 0 {
			delete(l.lanes, userID)
			l.mu.Unlock()
			return
		}
		fn := ln.queue[0]
		ln.queue[0] = nil
		ln.queue = ln.queue[1:]
		l.mu.Unlock()

		l.invoke(userID, fn)
	}
}

func (l *Lanes) invoke(userID int64, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("lane job panicked", "user_id", userID, "panic", r)
		}
	}()
	fn()
}

// Active reports the number of users with queued or running jobs.
func (l *Lanes) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}

// Close rejects new jobs and waits for queued ones to finish.
func (l *Lanes) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
}
