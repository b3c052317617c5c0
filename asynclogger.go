package socketlib

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/rs/zerolog"
)

// Level is a log severity, per spec.md §4.3.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.NoLevel
	}
}

// LogRecord is one entry in the log queue (level, tag, message; spec.md
// §4.3).
type LogRecord struct {
	Level Level
	Tag   string
	Text  string
	At    time.Time
}

const (
	logQueueCapacity  = 4096
	logDrainBatchSize = 20
	logDrainTimeout   = 100 * time.Millisecond
	logEnqueueRetry   = 10 * time.Millisecond
)

// AsyncLogger is the non-blocking, multi-producer single-consumer log
// pipeline (spec.md C3). The underlying queue is the same
// code.hybscloud.com/lfq MPSC black box spec.md §6 documents as an
// external collaborator; records additionally fan out through zerolog for
// structured output and through loggerCallback for host subscribers.
type AsyncLogger struct {
	queue        lfq.Queue[LogRecord]
	debugEnabled atomic.Bool
	zl           zerolog.Logger

	// loggerCallback mirrors spec.md §6's `Logger::loggerCallback += fn(level,
	// tag, log)`; packed as (Level, LogRecord) to fit EventCallback's
	// fixed two-argument tuple (see eventcallback.go).
	loggerCallback *EventCallback[Level, LogRecord]

	cancel context.CancelFunc
	done   chan struct{}
}

// ProducerToken is the handle a call site keeps for repeated logging,
// mirroring spec.md §3/§4.5's "stored producer token for the log queue"
// (the moodycamel producer-token idiom of the original source). It holds
// only the logger: its Log forwards to AsyncLogger.Log and keeps no
// per-producer queue state.
type ProducerToken struct {
	logger *AsyncLogger
}

// NewAsyncLogger starts the drain worker and returns a ready logger.
// writer's output defaults to os.Stderr in console-friendly form when
// writer.Out is nil.
func NewAsyncLogger(writer zerolog.ConsoleWriter) *AsyncLogger {
	if writer.Out == nil {
		writer.Out = os.Stderr
	}
	l := &AsyncLogger{
		queue:          lfq.NewMPSC[LogRecord](logQueueCapacity),
		zl:             zerolog.New(writer).With().Timestamp().Logger(),
		loggerCallback: NewUnorderedEventCallback[Level, LogRecord](),
		done:           make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.drainLoop(ctx)
	return l
}

// NewDefaultAsyncLogger returns an AsyncLogger writing console-formatted
// output to stderr, the common case for a host embedding this library.
func NewDefaultAsyncLogger() *AsyncLogger {
	return NewAsyncLogger(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// SetDebugEnabled toggles the global Debug gate (spec.md §4.3: "Debug
// records are discarded at the producer side when the global DebugEnabled
// flag is false").
func (l *AsyncLogger) SetDebugEnabled(enabled bool) { l.debugEnabled.Store(enabled) }

// DebugEnabled reports the current Debug gate.
func (l *AsyncLogger) DebugEnabled() bool { return l.debugEnabled.Load() }

// Token reserves a producer token for repeated logging from one call
// site (e.g. a Channel caching a token across its lifetime).
func (l *AsyncLogger) Token() ProducerToken { return ProducerToken{logger: l} }

// Log enqueues a record; never blocks beyond a single enqueue-retry loop
// with a bounded sleep between retries (spec.md §4.3), and drops Debug
// records at the producer side when DebugEnabled is false.
func (l *AsyncLogger) Log(level Level, tag, text string) {
	if level == LevelDebug && !l.DebugEnabled() {
		return
	}
	rec := LogRecord{Level: level, Tag: tag, Text: text, At: time.Now()}
	for {
		if err := l.queue.Enqueue(&rec); err == nil || !lfq.IsWouldBlock(err) {
			return
		}
		time.Sleep(logEnqueueRetry)
	}
}

// Log is AsyncLogger.Log called through a previously reserved
// ProducerToken.
func (tok ProducerToken) Log(level Level, tag, text string) {
	tok.logger.Log(level, tag, text)
}

// Debugf, Infof, Warnf, Errorf are formatting convenience wrappers.
func (l *AsyncLogger) Debugf(tag, format string, args ...any) {
	l.Log(LevelDebug, tag, fmt.Sprintf(format, args...))
}
func (l *AsyncLogger) Infof(tag, format string, args ...any) {
	l.Log(LevelInfo, tag, fmt.Sprintf(format, args...))
}
func (l *AsyncLogger) Warnf(tag, format string, args ...any) {
	l.Log(LevelWarn, tag, fmt.Sprintf(format, args...))
}
func (l *AsyncLogger) Errorf(tag, format string, args ...any) {
	l.Log(LevelError, tag, fmt.Sprintf(format, args...))
}

// ThrowErrorf logs the formatted message at Error and returns an error
// with the same text — the Go analogue of the source's
// fmtThrowError(level=Error, ...), which logs then raises a fault.
func (l *AsyncLogger) ThrowErrorf(tag, format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	l.Log(LevelError, tag, text)
	return fmt.Errorf("%s", text)
}

// LoggerCallback exposes the subscriber event for host code, matching
// spec.md §6's `Logger::loggerCallback += fn(level, tag, log)`.
func (l *AsyncLogger) LoggerCallback() *EventCallback[Level, LogRecord] {
	return l.loggerCallback
}

// drainLoop is the single consumer: bulk-dequeue up to 20 records with a
// 100ms timeout, then fan each out to zerolog and to loggerCallback
// subscribers. Subscriber exceptions (panics) never propagate; they are
// caught and dropped (spec.md §4.3).
func (l *AsyncLogger) drainLoop(ctx context.Context) {
	defer close(l.done)
	backoff := iox.Backoff{}
	for {
		select {
		case <-ctx.Done():
			l.drainRemaining()
			return
		default:
		}

		batch := l.collectBatch()
		if len(batch) == 0 {
			backoff.Wait()
			continue
		}
		backoff.Reset()
		for _, rec := range batch {
			l.emit(rec)
		}
	}
}

func (l *AsyncLogger) collectBatch() []LogRecord {
	batch := make([]LogRecord, 0, logDrainBatchSize)
	deadline := time.Now().Add(logDrainTimeout)
	backoff := iox.Backoff{}
	for len(batch) < logDrainBatchSize && time.Now().Before(deadline) {
		rec, err := l.queue.Dequeue()
		if err != nil {
			if len(batch) > 0 {
				break
			}
			backoff.Wait()
			continue
		}
		backoff.Reset()
		batch = append(batch, rec)
	}
	return batch
}

// drainRemaining flushes whatever is left in the queue once on shutdown,
// without blocking on the 100ms window.
func (l *AsyncLogger) drainRemaining() {
	for {
		rec, err := l.queue.Dequeue()
		if err != nil {
			return
		}
		l.emit(rec)
	}
}

func (l *AsyncLogger) emit(rec LogRecord) {
	l.zl.WithLevel(rec.Level.zerolog()).Str("tag", rec.Tag).Time("at", rec.At).Msg(rec.Text)
	l.loggerCallback.InvokeWithErrorHandler(rec.Level, rec, func(recovered any) {
		l.zl.Error().Str("tag", rec.Tag).Interface("panic", recovered).Msg("logger subscriber panicked")
	})
}

// Close stops the drain worker, flushing any remaining records first.
func (l *AsyncLogger) Close() {
	l.cancel()
	<-l.done
}
