package engine

import (
	"sync"

	"github.com/google/uuid"
)

// scheduler is the admission controller: it decides whether a download
// runs immediately or waits in the FIFO queue, and promotes queue heads
// whenever a slot frees. Strict FIFO, no priority reordering.
type scheduler struct {
	mu sync.Mutex

	limit int

	// running maps a started id to whether it occupies a slot; bypassed
	// admissions run alongside the limit without consuming one.
	running map[uuid.UUID]bool
	queue   []uuid.UUID

	startFn func(uuid.UUID)
}

func newScheduler(limit int, startFn func(uuid.UUID)) *scheduler {
	return &scheduler{
		limit:   limit,
		running: make(map[uuid.UUID]bool),
		startFn: startFn,
	}
}

// admit starts id immediately when a slot is free (or the admission
// bypasses the limit); otherwise it appends id to the queue and reports
// runNow=false.
func (s *scheduler) admit(id uuid.UUID, bypass bool) (runNow bool) {
	s.mu.Lock()

	if _, ok := s.running[id]; ok {
		s.mu.Unlock()
		return false
	}

	if bypass || s.slotsUsed() < s.limit {
		s.running[id] = !bypass
		s.mu.Unlock()
		s.startFn(id)

		return true
	}

	for _, queued := range s.queue {
		if queued == id {
			s.mu.Unlock()
			return false
		}
	}
	s.queue = append(s.queue, id)
	s.mu.Unlock()

	return false
}

// release frees id's slot and starts queued downloads while slots are
// free. Called on every terminal transition and on pause.
func (s *scheduler) release(id uuid.UUID) {
	s.mu.Lock()

	delete(s.running, id)

	var promoted []uuid.UUID
	for s.slotsUsed() < s.limit && len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.running[next] = true
		promoted = append(promoted, next)
	}

	s.mu.Unlock()

	for _, next := range promoted {
		s.startFn(next)
	}
}

// drop removes a queued id that never ran. It was never counted as
// active, so no slot accounting correction is needed.
func (s *scheduler) drop(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, queued := range s.queue {
		if queued == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}

	return false
}

func (s *scheduler) isQueued(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, queued := range s.queue {
		if queued == id {
			return true
		}
	}

	return false
}

func (s *scheduler) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue)
}

// slotsUsed counts slot-consuming running downloads. Callers hold s.mu.
func (s *scheduler) slotsUsed() int {
	used := 0
	for _, counts := range s.running {
		if counts {
			used++
		}
	}

	return used
}
