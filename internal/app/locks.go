package app

import (
	"sync"

	"coedit/api/internal/gateway"
)

// keyedMutex serializes work per conversation while letting distinct
// conversations proceed in parallel. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &keyLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		k.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// eventQueue runs handle for pushed events, one worker per key at a time, in
// push order. A key's worker exits once its backlog is drained.
type eventQueue struct {
	handle  func(gateway.Event)
	mu      sync.Mutex
	pending map[string][]gateway.Event
	wg      sync.WaitGroup
}

func newEventQueue(handle func(gateway.Event)) *eventQueue {
	return &eventQueue{handle: handle, pending: make(map[string][]gateway.Event)}
}

func (q *eventQueue) push(key string, event gateway.Event) {
	q.mu.Lock()
	backlog, running := q.pending[key]
	q.pending[key] = append(backlog, event)
	q.mu.Unlock()
	if running {
		return
	}
	q.wg.Add(1)
	go q.drain(key)
}

func (q *eventQueue) drain(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		backlog := q.pending[key]
		if len(backlog) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		next := backlog[0]
		q.pending[key] = backlog[1:]
		q.mu.Unlock()
		q.handle(next)
	}
}

// wait blocks until every pushed event has been handled.
func (q *eventQueue) wait() {
	q.wg.Wait()
}

func (q *eventQueue) keys() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
