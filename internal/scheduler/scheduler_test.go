package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal(msg)
	}
}

func TestScheduleFiresOnce(t *testing.T) {
	s := New()
	defer s.Close()

	var calls atomic.Int32
	done := make(chan struct{})

	s.Schedule(5*time.Millisecond, func() {
		calls.Add(1)
		close(done)
	})

	waitFor(t, done, "callable never fired")

	// Give a stray duplicate invocation time to show up.
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if got := s.Pending(); got != 0 {
		t.Errorf("Pending() = %d after fire, want 0", got)
	}
}

func TestCancelPreventsInvocation(t *testing.T) {
	s := New()
	defer s.Close()

	var calls atomic.Int32
	h := s.Schedule(50*time.Millisecond, func() {
		calls.Add(1)
	})

	if !h.Cancel() {
		t.Fatal("Cancel() = false for pending callable, want true")
	}

	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Errorf("calls = %d after cancel, want 0", got)
	}
}

func TestCancelAfterFire(t *testing.T) {
	s := New()
	defer s.Close()

	done := make(chan struct{})
	h := s.Schedule(1*time.Millisecond, func() {
		close(done)
	})

	waitFor(t, done, "callable never fired")

	if h.Cancel() {
		t.Error("Cancel() = true after fire, want false")
	}
	if h.Cancel() {
		t.Error("second Cancel() = true, want false")
	}
}

func TestCancelInertHandle(t *testing.T) {
	var h Handle
	if h.Cancel() {
		t.Error("Cancel() on zero handle = true, want false")
	}
}

func TestPendingCount(t *testing.T) {
	s := New()
	defer s.Close()

	h1 := s.Schedule(time.Hour, func() {})
	s.Schedule(time.Hour, func() {})

	if got := s.Pending(); got != 2 {
		t.Fatalf("Pending() = %d, want 2", got)
	}

	h1.Cancel()
	if got := s.Pending(); got != 1 {
		t.Errorf("Pending() = %d after cancel, want 1", got)
	}
}

func TestCloseCancelsAndRejects(t *testing.T) {
	s := New()

	var calls atomic.Int32
	s.Schedule(20*time.Millisecond, func() { calls.Add(1) })
	s.Schedule(30*time.Millisecond, func() { calls.Add(1) })

	s.Close()

	if got := s.Pending(); got != 0 {
		t.Errorf("Pending() = %d after Close, want 0", got)
	}

	// Scheduling after Close is inert.
	h := s.Schedule(1*time.Millisecond, func() { calls.Add(1) })
	if h.Cancel() {
		t.Error("Cancel() on post-Close handle = true, want false")
	}

	time.Sleep(60 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Errorf("calls = %d after Close, want 0", got)
	}
}

func TestConcurrentScheduleCancel(t *testing.T) {
	s := New()
	defer s.Close()

	const n = 50
	handles := make([]*Handle, n)
	for i := range handles {
		handles[i] = s.Schedule(10*time.Millisecond, func() {})
	}

	done := make(chan struct{})
	go func() {
		for _, h := range handles {
			h.Cancel()
		}
		close(done)
	}()

	waitFor(t, done, "concurrent cancel deadlocked")
	time.Sleep(30 * time.Millisecond)
	if got := s.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
}
