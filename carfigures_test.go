package carfigures

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyLockSerializesSameKey(t *testing.T) {
	l := NewKeyLock[string]()
	inside := int32(0)
	maxInside := int32(0)
	wg := &sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.WithLock("a", func() {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
			})
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("got %d concurrent holders, want 1", maxInside)
	}
}

func TestKeyLockDifferentKeys(t *testing.T) {
	l := NewKeyLock[string]()
	l.Lock("a")
	done := make(chan struct{})
	go func() {
		l.WithLock("b", func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("b blocked behind a")
	}
	l.Unlock("a")
}

func TestNextUniqueID(t *testing.T) {
	ids := []string{}
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NextUniqueID()
		if seen[id] {
			t.Fatalf("duplicate %q", id)
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if !sort.StringsAreSorted(ids) {
		t.Errorf("ids are not sortable by creation")
	}
}

func TestStackTrace(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := WithStack(sentinel)
	if !errors.Is(err, sentinel) {
		t.Errorf("WithStack lost the cause")
	}
	if WithStack(err) != err {
		t.Errorf("WithStack wrapped twice")
	}
	if WithStack(nil) != nil {
		t.Errorf("WithStack(nil) isn't nil")
	}
	if trace := StackTrace(err); !strings.Contains(trace, "TestStackTrace") {
		t.Errorf("trace lacks the caller:\n%s", trace)
	}
}

func TestMainContext(t *testing.T) {
	ctx := context.Background()
	if IsMainContext(ctx) {
		t.Errorf("background is main")
	}
	if !IsMainContext(MakeMainContext(ctx)) {
		t.Errorf("main context isn't main")
	}
}
