package capture

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// sequencer restores submission order for work that finishes out of order.
// The producer reserves a number per task; workers hand back a commit
// function for that number and commits run strictly in reservation order,
// one at a time. A task that failed completes with a nil function so later
// numbers are not held back.
//
// complete returns only once the commit for its number has run, so a task
// keeps its scheduler slot, and the buffers it owns, until its output is
// written. Reservations must be taken in the order tasks are admitted or the
// head could wait on a task that never gets a slot.
type sequencer struct {
	mu      sync.Mutex
	done    *sync.Cond
	next    uint64
	head    uint64
	pending map[uint64]func()
	log     logrus.FieldLogger
}

func newSequencer(log logrus.FieldLogger) *sequencer {
	s := &sequencer{pending: make(map[uint64]func()), log: log}
	s.done = sync.NewCond(&s.mu)
	return s
}

// reserve returns the next sequence number.
func (s *sequencer) reserve() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.next
	s.next++
	return seq
}

// complete registers the commit for seq, runs every commit that is now
// contiguous with the head, and waits until seq itself has been committed.
func (s *sequencer) complete(seq uint64, commit func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[seq] = commit
	advanced := false
	for {
		fn, ok := s.pending[s.head]
		if !ok {
			break
		}
		delete(s.pending, s.head)
		s.head++
		advanced = true
		if fn != nil {
			s.run(fn)
		}
	}
	if advanced {
		s.done.Broadcast()
	}
	for s.head <= seq {
		s.done.Wait()
	}
}

// skip completes seq without a commit.
func (s *sequencer) skip(seq uint64) { s.complete(seq, nil) }

func (s *sequencer) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("commit panicked")
		}
	}()
	fn()
}

// waiting returns how many completed commits are parked behind a gap.
func (s *sequencer) waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
