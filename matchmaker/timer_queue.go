// SPDX-FileCopyrightText: © 2026 Cloakmatch Authors
// SPDX-License-Identifier: AGPL-3.0-only

package matchmaker

import (
	"sync"
	"time"

	"github.com/cloakmatch/cloakmatch/core/queue"
	"github.com/cloakmatch/cloakmatch/core/worker"
)

// TimerQueue fires an action callback for each queued value once its
// deadline passes.  Priorities are absolute wall clock deadlines in
// nanoseconds.
type TimerQueue struct {
	worker.Worker

	cond  *sync.Cond
	mutex sync.RWMutex
	queue *queue.PriorityQueue

	action func(interface{})

	wakech chan struct{}
}

// NewTimerQueue constructs a TimerQueue with the given action callback.
func NewTimerQueue(action func(interface{})) *TimerQueue {
	return &TimerQueue{
		queue:  queue.New(),
		action: action,
		cond:   sync.NewCond(new(sync.Mutex)),
	}
}

// Start starts the TimerQueue's worker.
func (t *TimerQueue) Start() {
	t.Go(t.worker)
}

// Push queues the value to fire at the given deadline.
func (t *TimerQueue) Push(deadline time.Time, value interface{}) {
	t.mutex.Lock()
	t.queue.Enqueue(uint64(deadline.UnixNano()), value)
	t.mutex.Unlock()
	t.cond.Signal()
}

// Len returns the number of queued values.
func (t *TimerQueue) Len() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.queue.Len()
}

// wakeupCh returns the channel that fires upon Signal of the TimerQueue's
// sync.Cond.
func (t *TimerQueue) wakeupCh() chan struct{} {
	if t.wakech != nil {
		return t.wakech
	}
	c := make(chan struct{})
	go func() {
		defer close(c)
		var v struct{}
		for {
			t.cond.L.Lock()
			t.cond.Wait()
			t.cond.L.Unlock()
			select {
			case <-t.HaltCh():
				return
			case c <- v:
			}
		}
	}()
	t.wakech = c
	return c
}

func (t *TimerQueue) forward() {
	t.mutex.Lock()
	m := t.queue.Dequeue()
	t.mutex.Unlock()
	if m == nil {
		return
	}
	t.action(m.Value)
}

func (t *TimerQueue) worker() {
	for {
		var c <-chan time.Time
		t.mutex.Lock()
		if m := t.queue.Peek(); m != nil {
			timeLeft := int64(m.Priority) - time.Now().UnixNano()
			if timeLeft < 0 {
				t.mutex.Unlock()
				t.forward()
				continue
			}
			c = time.After(time.Duration(timeLeft))
		}
		t.mutex.Unlock()
		select {
		case <-t.HaltCh():
			t.cond.Signal()
			return
		case <-c:
			t.forward()
		case <-t.wakeupCh():
		}
	}
}
