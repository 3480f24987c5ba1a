package observable

import (
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestValueReplaysCurrentAndNotifies(t *testing.T) {
	v := NewValue("connecting")
	var seen []string
	unsubscribe := v.Subscribe(func(s string) { seen = append(seen, s) })

	v.Set("connected")
	unsubscribe()
	v.Set("disconnected")
	unsubscribe()

	assert.Equal(t, seen, []string{"connecting", "connected"})
	assert.Equal(t, v.Get(), "disconnected")
}

func TestValueUpdate(t *testing.T) {
	v := NewValue(1)
	var last int
	v.Subscribe(func(n int) { last = n })

	got := v.Update(func(n int) int { return n + 41 })
	assert.Equal(t, got, 42)
	assert.Equal(t, last, 42)
}

func TestValueObserversRunInSubscribeOrder(t *testing.T) {
	v := NewValue(0)
	var order []string
	v.Subscribe(func(int) { order = append(order, "first") })
	v.Subscribe(func(int) { order = append(order, "second") })
	v.Subscribe(func(int) { order = append(order, "third") })

	order = nil
	v.Set(1)
	assert.Equal(t, order, []string{"first", "second", "third"})
}

func TestValueConcurrentSetsNotifyInOrder(t *testing.T) {
	v := NewValue(0)
	var mu sync.Mutex
	var seen []int
	v.Subscribe(func(n int) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, n)
	})

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			v.Set(n)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, len(seen), 51)
	// the last notification is always the value that stuck
	assert.Equal(t, seen[len(seen)-1], v.Get())
}
