package capture

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SchedulerStats is a snapshot of scheduler counters.
type SchedulerStats struct {
	Submitted    uint64
	Completed    uint64
	Failed       uint64
	InFlight     int64
	PeakInFlight int64
}

// TaskScheduler runs tasks on at most Limit goroutines. Submit blocks the
// caller while the limit is reached, which throttles a producer that outruns
// its encoders. A failing task is logged and counted; it never cancels the
// tasks running next to it.
type TaskScheduler struct {
	group errgroup.Group
	slots chan struct{}
	limit int
	log   logrus.FieldLogger

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	inFlight  atomic.Int64
	peak      atomic.Int64
}

// NewTaskScheduler creates a scheduler. maxTasks <= 0 uses GOMAXPROCS.
func NewTaskScheduler(maxTasks int, log logrus.FieldLogger) *TaskScheduler {
	if maxTasks <= 0 {
		maxTasks = runtime.GOMAXPROCS(0)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TaskScheduler{
		slots: make(chan struct{}, maxTasks),
		limit: maxTasks,
		log:   log,
	}
}

// Limit returns the concurrency cap.
func (s *TaskScheduler) Limit() int { return s.limit }

// InFlight returns the number of admitted tasks that have not completed. It
// never exceeds Limit.
func (s *TaskScheduler) InFlight() int { return int(s.inFlight.Load()) }

// Submit dispatches task, blocking while Limit tasks are running.
func (s *TaskScheduler) Submit(task func() error) {
	_ = s.Dispatch(func() (func() error, error) { return task, nil })
}

// TrySubmit dispatches task only if a slot is free.
func (s *TaskScheduler) TrySubmit(task func() error) bool {
	select {
	case s.slots <- struct{}{}:
	default:
		return false
	}
	s.start(task)
	return true
}

// Dispatch blocks until a slot is free, then runs prepare on the calling
// goroutine while holding it. The task prepare returns runs in that slot. If
// prepare fails the slot is given back and its error returned, and nothing is
// scheduled.
//
// Work that must happen on the producer after admission, such as taking a
// pooled buffer and copying the caller's pixels into it, belongs in prepare.
func (s *TaskScheduler) Dispatch(prepare func() (func() error, error)) error {
	s.slots <- struct{}{}
	task, err := prepare()
	if err != nil {
		<-s.slots
		return err
	}
	s.start(task)
	return nil
}

func (s *TaskScheduler) start(task func() error) {
	s.submitted.Add(1)
	n := s.inFlight.Add(1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	s.group.Go(s.wrap(task))
}

func (s *TaskScheduler) wrap(task func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panic: %v", r)
			}
			if err != nil {
				s.failed.Add(1)
				s.log.WithError(err).Warn("task failed, dropping its work")
			}
			s.inFlight.Add(-1)
			s.completed.Add(1)
			<-s.slots
			err = nil
		}()
		return task()
	}
}

// Wait blocks until every submitted task has completed.
func (s *TaskScheduler) Wait() {
	_ = s.group.Wait()
}

// Stats returns a snapshot of the scheduler counters.
func (s *TaskScheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Submitted:    s.submitted.Load(),
		Completed:    s.completed.Load(),
		Failed:       s.failed.Load(),
		InFlight:     s.inFlight.Load(),
		PeakInFlight: s.peak.Load(),
	}
}
