package transport

import "sync"

/**
 * turnstile forces endpoint writes to hit the wire in the order their
 * data was carved from the buffer, the way a host controller completes
 * queued transfers in submission order. Tickets are issued under the
 * pipe lock at slice time; a task blocks until every earlier ticket
 * has passed through.
 *
 * Holders must always advance, even on a failed or cancelled write,
 * or every later ticket hangs.
 */
type turnstile struct {
	lock sync.Mutex
	cond *sync.Cond
	next uint64
	turn uint64
}

func newTurnstile() *turnstile {
	t := &turnstile{}
	t.cond = sync.NewCond(&t.lock)
	return t
}

func (t *turnstile) ticket() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	n := t.next
	t.next++
	return n
}

func (t *turnstile) wait(ticket uint64) {
	t.lock.Lock()
	for t.turn != ticket {
		t.cond.Wait()
	}
	t.lock.Unlock()
}

func (t *turnstile) advance() {
	t.lock.Lock()
	t.turn++
	t.cond.Broadcast()
	t.lock.Unlock()
}
