package sub402

import (
	"sync"
	"testing"
)

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	km := NewKeyedMutex()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("payer-a")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := NewKeyedMutex()

	unlockA := km.Lock("payer-a")
	// A different key must not block.
	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("payer-b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}

func TestKeyedMutex_EntriesReleased(t *testing.T) {
	km := NewKeyedMutex()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock := km.Lock(string(rune('a' + i)))
			unlock()
		}(i)
	}
	wg.Wait()

	km.mu.Lock()
	defer km.mu.Unlock()
	if len(km.locks) != 0 {
		t.Errorf("locks map holds %d entries after release, want 0", len(km.locks))
	}
}
