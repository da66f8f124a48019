package liveness

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAfter_RunsOnce(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var n atomic.Int32
	s.After(10*time.Millisecond, func() { n.Add(1) })

	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.EqualValues(t, 1, n.Load())
	require.Zero(t, s.Pending())
}

func TestAfter_OrderedByDeadline(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	got := make(chan int, 3)
	s.After(30*time.Millisecond, func() { got <- 3 })
	s.After(10*time.Millisecond, func() { got <- 1 })
	s.After(20*time.Millisecond, func() { got <- 2 })

	for want := 1; want <= 3; want++ {
		select {
		case v := <-got:
			require.Equal(t, want, v)
		case <-time.After(time.Second):
			t.Fatal("task did not fire")
		}
	}
}

func TestEvery_RepeatsUntilCancelled(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var n atomic.Int32
	task := s.Every(5*time.Millisecond, func() { n.Add(1) })

	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
	task.Cancel()
	task.Cancel()

	after := n.Load()
	time.Sleep(30 * time.Millisecond)
	require.LessOrEqual(t, n.Load(), after+1)
	require.Zero(t, s.Pending())
}

func TestCancel_FromInsideCallback(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var n atomic.Int32
	var task *Task
	ready := make(chan struct{})
	task = s.Every(5*time.Millisecond, func() {
		<-ready
		n.Add(1)
		task.Cancel()
	})
	close(ready)

	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.EqualValues(t, 1, n.Load())
}

func TestCancel_BeforeFire(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var n atomic.Int32
	task := s.After(20*time.Millisecond, func() { n.Add(1) })
	task.Cancel()

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, n.Load())
}

func TestStop_DropsPendingAndRejectsNew(t *testing.T) {
	s := NewScheduler()

	var n atomic.Int32
	s.After(20*time.Millisecond, func() { n.Add(1) })
	s.Stop()
	s.Stop()

	task := s.After(time.Millisecond, func() { n.Add(1) })
	task.Cancel()

	time.Sleep(40 * time.Millisecond)
	require.Zero(t, n.Load())
	require.Zero(t, s.Pending())
}
