package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/crystal-mush/cmdhost/pkg/gamedb"
)

// WaitEntry is a line scheduled to run later as an actor.
type WaitEntry struct {
	Actor     gamedb.DBRef
	Line      string
	WaitUntil time.Time
	Created   time.Time
}

// Scheduler holds delayed lines sorted by due time. Due entries are fed
// back into the actor's mailbox, so handlers never sleep.
type Scheduler struct {
	mu       sync.Mutex
	waits    []*WaitEntry
	perActor int // 0 = unbounded
	fire     func(e *WaitEntry)
}

// NewScheduler creates a scheduler that calls fire for each due entry.
func NewScheduler(perActor int, fire func(e *WaitEntry)) *Scheduler {
	return &Scheduler{perActor: perActor, fire: fire}
}

// Add schedules line for actor after delay.
func (s *Scheduler) Add(actor gamedb.DBRef, line string, delay time.Duration) (*WaitEntry, error) {
	now := time.Now()
	entry := &WaitEntry{Actor: actor, Line: line, WaitUntil: now.Add(delay), Created: now}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perActor > 0 {
		count := 0
		for _, e := range s.waits {
			if e.Actor == actor {
				count++
			}
		}
		if count >= s.perActor {
			return nil, fmt.Errorf("too many pending waits (%d)", s.perActor)
		}
	}
	// Insert sorted by WaitUntil, after equal times
	i := len(s.waits)
	for j, e := range s.waits {
		if entry.WaitUntil.Before(e.WaitUntil) {
			i = j
			break
		}
	}
	s.waits = append(s.waits, nil)
	copy(s.waits[i+1:], s.waits[i:])
	s.waits[i] = entry
	return entry, nil
}

// PromoteReady removes entries whose time has come and hands them to fire.
// Returns the number of entries promoted.
func (s *Scheduler) PromoteReady(now time.Time) int {
	s.mu.Lock()
	cutoff := 0
	for i, e := range s.waits {
		if e.WaitUntil.After(now) {
			break
		}
		cutoff = i + 1
	}
	ready := append([]*WaitEntry(nil), s.waits[:cutoff]...)
	s.waits = s.waits[cutoff:]
	s.mu.Unlock()

	for _, e := range ready {
		if s.fire != nil {
			s.fire(e)
		}
	}
	return cutoff
}

// HaltActor removes all pending entries for actor.
func (s *Scheduler) HaltActor(actor gamedb.DBRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	var kept []*WaitEntry
	for _, e := range s.waits {
		if e.Actor == actor {
			removed++
		} else {
			kept = append(kept, e)
		}
	}
	s.waits = kept
	return removed
}

// Pending returns copies of actor's pending entries, soonest first. Nothing
// lists every actor's.
func (s *Scheduler) Pending(actor gamedb.DBRef) []WaitEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WaitEntry
	for _, e := range s.waits {
		if actor == gamedb.Nothing || e.Actor == actor {
			out = append(out, *e)
		}
	}
	return out
}

// Stats returns the number of pending entries.
func (s *Scheduler) Stats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waits)
}

// Run promotes due entries until ctx is done. The tick is fast while work
// keeps arriving and slow when idle.
func (s *Scheduler) Run(ctx context.Context) {
	const fastTick = 10 * time.Millisecond
	const idleTick = 100 * time.Millisecond
	ticker := time.NewTicker(idleTick)
	defer ticker.Stop()
	heartbeat := time.NewTicker(60 * time.Second)
	defer heartbeat.Stop()
	idle := true
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("PANIC in scheduler: %v", r)
					}
				}()
				hadWork := s.PromoteReady(now) > 0
				if hadWork && idle {
					idle = false
					ticker.Reset(fastTick)
				} else if !hadWork && !idle {
					idle = true
					ticker.Reset(idleTick)
				}
			}()
		case <-heartbeat.C:
			if n := s.Stats(); n > 0 {
				log.Printf("Scheduler heartbeat: %d waiting", n)
			}
		}
	}
}
