package socketlib

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *AsyncLogger {
	return NewAsyncLogger(zerolog.ConsoleWriter{Out: ioDiscard{}})
}

type ioDiscard struct{}

func (ioDiscard) Write(p []byte) (int, error) { return len(p), nil }

// TestAsyncLoggerDropsDebugWhenDisabled is testable property P6: Debug
// records are dropped iff DebugEnabled == false.
func TestAsyncLoggerDropsDebugWhenDisabled(t *testing.T) {
	l := newTestLogger()
	defer l.Close()

	var mu sync.Mutex
	var seen []LogRecord
	l.LoggerCallback().Add(func(level Level, rec LogRecord) {
		mu.Lock()
		seen = append(seen, rec)
		mu.Unlock()
	})

	l.SetDebugEnabled(false)
	l.Debugf("t", "should be dropped")
	l.Infof("t", "should survive")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	require.Equal(t, "should survive", seen[0].Text)
	mu.Unlock()
}

func TestAsyncLoggerKeepsDebugWhenEnabled(t *testing.T) {
	l := newTestLogger()
	defer l.Close()

	var mu sync.Mutex
	var seen []LogRecord
	l.LoggerCallback().Add(func(level Level, rec LogRecord) {
		mu.Lock()
		seen = append(seen, rec)
		mu.Unlock()
	})

	l.SetDebugEnabled(true)
	l.Debugf("t", "kept")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, time.Millisecond)
}

// TestAsyncLoggerNeverDropsNonDebugUnderLoad is the load-bearing half of
// P6: non-Debug records are never silently dropped; the enqueue loop
// retries instead.
func TestAsyncLoggerNeverDropsNonDebugUnderLoad(t *testing.T) {
	l := newTestLogger()
	defer l.Close()

	var mu sync.Mutex
	count := 0
	l.LoggerCallback().Add(func(level Level, rec LogRecord) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	const n = 500
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Infof("load", "message %d", i)
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == n
	}, 5*time.Second, time.Millisecond)
}

func TestAsyncLoggerThrowErrorfReturnsError(t *testing.T) {
	l := newTestLogger()
	defer l.Close()

	err := l.ThrowErrorf("tag", "boom %d", 42)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom 42")
}
