package keylock

import (
	"sync"
	"testing"
)

func TestWithSerializesSameKey(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	active := 0
	maxActive := 0
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.With(1, func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("maxActive = %d, want 1 (exclusive access per key)", maxActive)
	}
}

func TestWithPropagatesError(t *testing.T) {
	r := NewRegistry()
	wantErr := "boom"
	err := r.With(1, func() error { return &testErr{wantErr} })
	if err == nil || err.Error() != wantErr {
		t.Fatalf("With returned %v, want %q", err, wantErr)
	}
}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

func TestWithDistinctKeysDoNotBlockEachOther(t *testing.T) {
	r := NewRegistry()
	start := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = r.With(1, func() error {
			close(start)
			<-release
			return nil
		})
		close(done)
	}()

	<-start
	if err := r.With(2, func() error { return nil }); err != nil {
		t.Fatalf("With on a different key should not block: %v", err)
	}
	close(release)
	<-done
}
