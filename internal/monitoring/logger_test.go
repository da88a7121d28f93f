package monitoring

import (
	"fmt"
	"sync"
	"testing"
)

func TestSetLogger(t *testing.T) {
	var got []string
	prev := SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	defer SetLogger(prev)

	Logf("frame %d", 7)
	if len(got) != 1 || got[0] != "frame 7" {
		t.Fatalf("captured %q", got)
	}

	// nil installs a no-op and returns the capturing logger.
	capturing := SetLogger(nil)
	Logf("dropped")
	if len(got) != 1 {
		t.Errorf("no-op logger forwarded a message: %q", got)
	}
	if capturing == nil {
		t.Fatal("SetLogger returned nil previous logger")
	}
}

func TestComponent(t *testing.T) {
	var got string
	prev := SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	defer SetLogger(prev)

	logf := Component("Session")
	logf("accepted %d points", 42)
	if got != "[Session] accepted 42 points" {
		t.Errorf("got %q", got)
	}
}

func TestLogf_ConcurrentSwap(t *testing.T) {
	prev := SetLogger(nil)
	defer SetLogger(prev)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				Logf("message %d", j)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				SetLogger(func(string, ...interface{}) {})
			}
		}()
	}
	wg.Wait()
}
