package logw

import (
	"errors"
	"sync"
	"testing"

	"github.com/p4dti/p4dti/internal/catalog"
)

type failingSink struct {
	mu    sync.Mutex
	count int
}

func (f *failingSink) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return 0, errors.New("disk full")
}

func (f *failingSink) Close() error { return nil }

func TestFallbackFiresOnce(t *testing.T) {
	calls := 0
	l := New(Options{
		Min:      catalog.Debug,
		Fallback: func(err error) { calls++ },
	})
	l.file = &failingSink{}

	for i := 0; i < 5; i++ {
		l.Log(catalog.Msg(866))
	}
	if calls != 1 {
		t.Errorf("fallback called %d times, want 1", calls)
	}
}

func TestSeverityFilter(t *testing.T) {
	sink := &failingSink{}
	l := New(Options{Min: catalog.Err})
	l.file = sink

	l.Log(catalog.Msg(866)) // info, below the floor
	if sink.count != 0 {
		t.Errorf("info message reached the sink with Min=Err")
	}
}
