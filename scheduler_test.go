package capture

import (
	"errors"
	"io"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestTaskScheduler_DefaultLimit(t *testing.T) {
	s := NewTaskScheduler(0, quietLogger())
	if got := s.Limit(); got != runtime.GOMAXPROCS(0) {
		t.Errorf("Limit() = %d, want %d", got, runtime.GOMAXPROCS(0))
	}
	s = NewTaskScheduler(-3, quietLogger())
	if s.Limit() < 1 {
		t.Errorf("Limit() = %d for negative input", s.Limit())
	}
}

func TestTaskScheduler_BoundedConcurrency(t *testing.T) {
	for _, k := range []int{1, 2, 4} {
		s := NewTaskScheduler(k, quietLogger())
		var running, maxSeen atomic.Int64

		for i := 0; i < 40; i++ {
			s.Submit(func() error {
				n := running.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
				return nil
			})
		}
		s.Wait()

		if got := maxSeen.Load(); got > int64(k) {
			t.Errorf("k=%d: observed %d concurrent tasks", k, got)
		}
		if got := s.Stats().PeakInFlight; got > int64(k) {
			t.Errorf("k=%d: PeakInFlight = %d", k, got)
		}
		if got := s.Stats().Completed; got != 40 {
			t.Errorf("k=%d: Completed = %d, want 40", k, got)
		}
	}
}

func TestTaskScheduler_SubmitBlocksAtLimit(t *testing.T) {
	s := NewTaskScheduler(1, quietLogger())
	gate := make(chan struct{})
	s.Submit(func() error { <-gate; return nil })

	submitted := make(chan struct{})
	go func() {
		s.Submit(func() error { return nil })
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("Submit returned while the only slot was busy")
	case <-time.After(20 * time.Millisecond):
	}

	if s.TrySubmit(func() error { return nil }) {
		t.Error("TrySubmit succeeded at the limit")
	}

	close(gate)
	<-submitted
	s.Wait()
}

func TestTaskScheduler_FailuresDoNotAbortSiblings(t *testing.T) {
	s := NewTaskScheduler(4, quietLogger())
	var ran atomic.Int32

	for i := 0; i < 20; i++ {
		i := i
		s.Submit(func() error {
			ran.Add(1)
			switch i % 5 {
			case 0:
				return errors.New("boom")
			case 1:
				panic("kaboom")
			}
			return nil
		})
	}
	s.Wait()

	if got := ran.Load(); got != 20 {
		t.Errorf("ran = %d, want 20", got)
	}
	stats := s.Stats()
	if stats.Failed != 8 {
		t.Errorf("Failed = %d, want 8", stats.Failed)
	}
	if stats.InFlight != 0 {
		t.Errorf("InFlight = %d after Wait", stats.InFlight)
	}
}

func TestTaskScheduler_WaitIsReusable(t *testing.T) {
	s := NewTaskScheduler(2, quietLogger())
	var n atomic.Int32
	for round := 0; round < 3; round++ {
		for i := 0; i < 5; i++ {
			s.Submit(func() error { n.Add(1); return nil })
		}
		s.Wait()
		if got := n.Load(); got != int32((round+1)*5) {
			t.Fatalf("round %d: n = %d", round, got)
		}
	}
}

func TestSequencer_RestoresOrder(t *testing.T) {
	seq := newSequencer(quietLogger())
	s := NewTaskScheduler(4, quietLogger())

	var mu sync.Mutex
	var order []int
	const n = 50
	for i := 0; i < n; i++ {
		i := i
		id := seq.reserve()
		delay := time.Duration(rand.Intn(3)) * time.Millisecond
		s.Submit(func() error {
			time.Sleep(delay)
			seq.complete(id, func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			})
			return nil
		})
	}
	s.Wait()

	if len(order) != n {
		t.Fatalf("committed %d, want %d", len(order), n)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d", i, v)
		}
	}
}

func TestSequencer_SkipUnblocksLaterCommits(t *testing.T) {
	seq := newSequencer(quietLogger())
	a, b, c := seq.reserve(), seq.reserve(), seq.reserve()

	var got []uint64
	done := make(chan struct{})
	go func() {
		seq.complete(c, func() { got = append(got, c) })
		close(done)
	}()
	seq.complete(a, func() { got = append(got, a) })
	for seq.waiting() != 1 {
		time.Sleep(time.Millisecond)
	}

	select {
	case <-done:
		t.Fatal("complete returned before its commit ran")
	case <-time.After(10 * time.Millisecond):
	}
	if len(got) != 1 {
		t.Fatalf("got %v before skip", got)
	}

	seq.skip(b)
	<-done
	if len(got) != 2 || got[1] != c {
		t.Errorf("got %v, want [%d %d]", got, a, c)
	}
	if seq.waiting() != 0 {
		t.Errorf("waiting = %d", seq.waiting())
	}
}

func TestSequencer_PanickingCommitDoesNotWedge(t *testing.T) {
	seq := newSequencer(quietLogger())
	a, b := seq.reserve(), seq.reserve()
	seq.complete(a, func() { panic("bad commit") })

	ran := false
	seq.complete(b, func() { ran = true })
	if !ran {
		t.Error("commit after a panic did not run")
	}
}

func TestTaskScheduler_DispatchHoldsSlotDuringPrepare(t *testing.T) {
	s := NewTaskScheduler(2, quietLogger())
	pool := NewBufferPool[byte](0)
	gate := make(chan struct{})

	for i := 0; i < 6; i++ {
		err := s.Dispatch(func() (func() error, error) {
			buf := pool.Acquire()
			return func() error {
				defer buf.Release()
				<-gate
				return nil
			}, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if i == 1 {
			close(gate)
		}
	}
	s.Wait()

	if got := pool.Stats().PeakOutstanding; got > 2 {
		t.Errorf("PeakOutstanding = %d, want <= 2", got)
	}
	if got := pool.Outstanding(); got != 0 {
		t.Errorf("Outstanding = %d after Wait", got)
	}
}

func TestTaskScheduler_DispatchPrepareError(t *testing.T) {
	s := NewTaskScheduler(1, quietLogger())
	want := errors.New("no buffer")
	if err := s.Dispatch(func() (func() error, error) { return nil, want }); !errors.Is(err, want) {
		t.Fatalf("Dispatch() = %v, want %v", err, want)
	}
	if !s.TrySubmit(func() error { return nil }) {
		t.Error("slot was not returned after prepare failed")
	}
	s.Wait()
	if got := s.Stats().Submitted; got != 1 {
		t.Errorf("Submitted = %d, want 1", got)
	}
}
