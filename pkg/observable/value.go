// Package observable holds a value and notifies observers when it changes.
// New observers are called with the current value right away.
package observable

import (
	"sync"

	"golang.org/x/exp/slices"
)

type observer[T any] struct {
	id uint64
	fn func(T)
}

// Value delivers every change to its observers in the order the changes
// were made, and calls observers in the order they subscribed. Observers
// may call Get but must not call Set or Update.
type Value[T any] struct {
	// notifyMu is held across a change and its notifications.
	notifyMu sync.Mutex

	mu        sync.Mutex
	current   T
	observers []observer[T]
	nextID    uint64
}

func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{current: initial}
}

func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Set stores next and calls every observer with it on the caller's
// goroutine.
func (v *Value[T]) Set(next T) {
	v.Update(func(T) T { return next })
}

// Update replaces the value with fn(current) atomically and notifies.
func (v *Value[T]) Update(fn func(T) T) T {
	v.notifyMu.Lock()
	defer v.notifyMu.Unlock()

	v.mu.Lock()
	next := fn(v.current)
	v.current = next
	observers := v.observers
	v.mu.Unlock()

	for _, obs := range observers {
		obs.fn(next)
	}
	return next
}

// Subscribe registers fn and returns a function that removes it.
func (v *Value[T]) Subscribe(fn func(T)) func() {
	v.notifyMu.Lock()
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	next := slices.Clone(v.observers)
	v.observers = append(next, observer[T]{id: id, fn: fn})
	current := v.current
	v.mu.Unlock()

	fn(current)
	v.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			i := slices.IndexFunc(v.observers, func(o observer[T]) bool { return o.id == id })
			if i < 0 {
				return
			}
			next := slices.Clone(v.observers)
			v.observers = slices.Delete(next, i, i+1)
		})
	}
}
