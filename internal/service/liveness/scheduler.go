package liveness

import (
	"container/heap"
	"sync"
	"time"
)

type (
	// Scheduler runs delayed and recurring callbacks on one shared goroutine.
	// Callbacks must not block; hand long work to another goroutine.
	Scheduler struct {
		mu      sync.Mutex
		queue   taskHeap
		wake    chan struct{}
		stop    chan struct{}
		stopped bool
		done    chan struct{}
		now     func() time.Time
	}

	// Task is a handle to a scheduled callback.
	Task struct {
		s        *Scheduler
		fn       func()
		at       time.Time
		every    time.Duration
		index    int
		canceled bool
	}

	taskHeap []*Task
)

func NewScheduler() *Scheduler {
	s := &Scheduler{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
		now:  time.Now,
	}
	go s.run()
	return s
}

// After runs fn once, d from now.
func (s *Scheduler) After(d time.Duration, fn func()) *Task {
	return s.schedule(d, 0, fn)
}

// Every runs fn each d, first at now+d, until the task is cancelled.
func (s *Scheduler) Every(d time.Duration, fn func()) *Task {
	if d <= 0 {
		d = time.Millisecond
	}
	return s.schedule(d, d, fn)
}

func (s *Scheduler) schedule(d, every time.Duration, fn func()) *Task {
	t := &Task{s: s, fn: fn, every: every, index: -1}

	s.mu.Lock()
	if s.stopped {
		t.canceled = true
		s.mu.Unlock()
		return t
	}
	t.at = s.now().Add(d)
	heap.Push(&s.queue, t)
	s.mu.Unlock()

	s.poke()
	return t
}

// Cancel stops future runs. Safe to call from inside the callback and more
// than once.
func (t *Task) Cancel() {
	if t == nil || t.s == nil {
		return
	}
	s := t.s
	s.mu.Lock()
	t.canceled = true
	if t.index >= 0 {
		heap.Remove(&s.queue, t.index)
	}
	s.mu.Unlock()
}

// Stop cancels everything and waits for the scheduler goroutine to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	for _, t := range s.queue {
		t.canceled = true
		t.index = -1
	}
	s.queue = nil
	s.mu.Unlock()

	close(s.stop)
	<-s.done
}

// Pending reports how many tasks are waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		for _, t := range s.due() {
			t.fn()
		}

		s.mu.Lock()
		wait := time.Hour
		if len(s.queue) > 0 {
			wait = s.queue[0].at.Sub(s.now())
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// due pops every task whose deadline has passed and re-queues recurring ones.
func (s *Scheduler) due() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*Task
	for len(s.queue) > 0 && !s.queue[0].at.After(now) {
		t := heap.Pop(&s.queue).(*Task)
		if t.canceled {
			continue
		}
		out = append(out, t)
		if t.every > 0 {
			t.at = now.Add(t.every)
			heap.Push(&s.queue, t)
		}
	}
	return out
}

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
