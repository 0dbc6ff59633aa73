package server

import (
	"log"
	"runtime/debug"
	"sort"
	"sync"
)

// Job is one unit of serialized work, usually a single input line.
type Job func()

type mailbox struct {
	jobs    []Job
	running bool
}

// ActorQueues runs jobs one at a time per key, in arrival order. Different
// keys run concurrently. A key's goroutine exists only while it has work.
type ActorQueues struct {
	mu     sync.Mutex
	boxes  map[string]*mailbox
	limit  int // max pending jobs per key, 0 = unbounded
	wg     sync.WaitGroup
	closed bool
	// OnDrop is called when a job is refused because its key is full.
	OnDrop func(key string)
}

// NewActorQueues creates the mailbox set. limit bounds pending jobs per key.
func NewActorQueues(limit int) *ActorQueues {
	return &ActorQueues{boxes: make(map[string]*mailbox), limit: limit}
}

// Submit enqueues job under key. It returns false if the job was dropped
// because the key's mailbox is full or the queues are closed.
func (q *ActorQueues) Submit(key string, job Job) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	box, ok := q.boxes[key]
	if !ok {
		box = &mailbox{}
		q.boxes[key] = box
	}
	if q.limit > 0 && len(box.jobs) >= q.limit {
		fn := q.OnDrop
		q.mu.Unlock()
		log.Printf("QUEUE: dropping line for %s: limit (%d) reached", key, q.limit)
		if fn != nil {
			fn(key)
		}
		return false
	}
	box.jobs = append(box.jobs, job)
	start := !box.running
	box.running = true
	if start {
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if start {
		go q.drain(key, box)
	}
	return true
}

func (q *ActorQueues) drain(key string, box *mailbox) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(box.jobs) == 0 {
			box.running = false
			delete(q.boxes, key)
			q.mu.Unlock()
			return
		}
		job := box.jobs[0]
		box.jobs[0] = nil
		box.jobs = box.jobs[1:]
		q.mu.Unlock()

		runJob(key, job)
	}
}

func runJob(key string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("PANIC in actor queue %s: %v\n%s", key, r, debug.Stack())
		}
	}()
	job()
}

// Depth returns the number of pending (not yet started) jobs for key.
func (q *ActorQueues) Depth(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if box, ok := q.boxes[key]; ok {
		return len(box.jobs)
	}
	return 0
}

// Pending returns the total number of pending jobs across all keys.
func (q *ActorQueues) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, box := range q.boxes {
		n += len(box.jobs)
	}
	return n
}

// Active lists keys that currently have a running mailbox.
func (q *ActorQueues) Active() []string {
	q.mu.Lock()
	keys := make([]string, 0, len(q.boxes))
	for k := range q.boxes {
		keys = append(keys, k)
	}
	q.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Discard drops every pending job for key. The job already running, if
// any, still completes.
func (q *ActorQueues) Discard(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	box, ok := q.boxes[key]
	if !ok {
		return 0
	}
	n := len(box.jobs)
	box.jobs = nil
	return n
}

// Close refuses new jobs and waits for queued ones to finish.
func (q *ActorQueues) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}

// Wait blocks until every mailbox is empty. Tests use it to settle.
func (q *ActorQueues) Wait() {
	q.wg.Wait()
}
