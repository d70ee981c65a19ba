package jobqueue

import (
	"sort"
	"sync"
)

// Pool bounds how many jobs a worker runs at once. A slot is reserved
// before a queue message is read and bound to a job once the job is
// claimed, so the worker never holds a message it has no room for.
type Pool struct {
	mu             sync.Mutex
	capacity       int
	reserved       int // slots held without a job yet
	running        map[string]struct{}
	onSlotsChanged func(available int)
}

// NewPool creates a pool with the given capacity, at least one slot
func NewPool(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		capacity: capacity,
		running:  make(map[string]struct{}, capacity),
	}
}

// SetOnSlotsChanged sets a callback invoked whenever slot availability changes
func (p *Pool) SetOnSlotsChanged(callback func(available int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSlotsChanged = callback
}

// Reserve holds a free slot. It returns false when the pool is full.
func (p *Pool) Reserve() bool {
	p.mu.Lock()
	if p.availableLocked() <= 0 {
		p.mu.Unlock()
		return false
	}
	p.reserved++
	p.notifyUnlock()
	return true
}

// Assign binds a reserved slot to a job. It returns false when no slot is
// reserved or the job already runs in this pool.
func (p *Pool) Assign(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reserved == 0 {
		return false
	}
	if _, ok := p.running[jobID]; ok {
		return false
	}
	p.reserved--
	p.running[jobID] = struct{}{}
	return true
}

// Cancel gives back a reservation that never got a job
func (p *Pool) Cancel() {
	p.mu.Lock()
	if p.reserved > 0 {
		p.reserved--
	}
	p.notifyUnlock()
}

// Release frees the slot of a finished job. Unknown ids are ignored.
func (p *Pool) Release(jobID string) {
	p.mu.Lock()
	if _, ok := p.running[jobID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.running, jobID)
	p.notifyUnlock()
}

// Running returns the ids of the jobs holding a slot, sorted
func (p *Pool) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Available returns the number of free slots
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked()
}

// Capacity returns the number of slots
func (p *Pool) Capacity() int {
	return p.capacity
}

func (p *Pool) availableLocked() int {
	return p.capacity - p.reserved - len(p.running)
}

// notifyUnlock releases the lock, then reports the new availability
func (p *Pool) notifyUnlock() {
	callback := p.onSlotsChanged
	available := p.availableLocked()
	p.mu.Unlock()

	if callback != nil {
		callback(available)
	}
}
