package generation

import (
	"sync"
	"testing"
)

func TestCounterZeroValue(t *testing.T) {
	t.Parallel()

	var c Counter
	if got := c.Current(); got != 0 {
		t.Fatalf("Current()=%d want=0", got)
	}
	if !c.IsCurrent(0) {
		t.Fatalf("IsCurrent(0)=false want=true")
	}
}

func TestCounterNextAdvances(t *testing.T) {
	t.Parallel()

	var c Counter
	for want := uint64(1); want <= 5; want++ {
		if got := c.Next(); got != want {
			t.Fatalf("Next()=%d want=%d", got, want)
		}
		if got := c.Current(); got != want {
			t.Fatalf("Current()=%d want=%d", got, want)
		}
	}
}

func TestCounterSupersession(t *testing.T) {
	t.Parallel()

	var c Counter
	gen := c.Next()
	if !c.IsCurrent(gen) {
		t.Fatalf("IsCurrent(%d)=false want=true", gen)
	}

	c.Next()
	if c.IsCurrent(gen) {
		t.Fatalf("IsCurrent(%d)=true after bump, want=false", gen)
	}
}

func TestCounterConcurrentNext(t *testing.T) {
	t.Parallel()

	var c Counter
	const goroutines = 16
	const perGoroutine = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				c.Next()
			}
		}()
	}
	wg.Wait()

	if got := c.Current(); got != goroutines*perGoroutine {
		t.Fatalf("Current()=%d want=%d", got, goroutines*perGoroutine)
	}
}
