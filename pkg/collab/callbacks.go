package collab

import (
	"sync"

	"golang.org/x/exp/slices"
)

type callback[T any] struct {
	id uint64
	fn func(T)
}

// callbackList keeps callbacks in registration order. The slice is copied
// on every change, so callers can iterate a snapshot without the lock.
type callbackList[T any] struct {
	mutex     sync.Mutex
	callbacks []callback[T]
	nextID    uint64
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{}
}

func (l *callbackList[T]) add(fn func(T)) func() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	id := l.nextID
	l.nextID++
	next := slices.Clone(l.callbacks)
	next = append(next, callback[T]{id: id, fn: fn})
	l.callbacks = next

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *callbackList[T]) remove(id uint64) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	i := slices.IndexFunc(l.callbacks, func(c callback[T]) bool { return c.id == id })
	if i < 0 {
		return
	}
	next := slices.Clone(l.callbacks)
	next = slices.Delete(next, i, i+1)
	l.callbacks = next
}

func (l *callbackList[T]) get() []func(T) {
	l.mutex.Lock()
	callbacks := l.callbacks
	l.mutex.Unlock()

	fns := make([]func(T), len(callbacks))
	for i, c := range callbacks {
		fns[i] = c.fn
	}
	return fns
}

func (l *callbackList[T]) len() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.callbacks)
}
