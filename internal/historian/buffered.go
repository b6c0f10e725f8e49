package historian

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/plantflow/flowengine/pkg/logger"
	"github.com/plantflow/flowengine/pkg/metrics"
	"github.com/plantflow/flowengine/pkg/resilience"
)

var ErrWriterClosed = errors.New("historian writer is closed")

// BufferedWriter queues samples and writes them from a background goroutine
// through a circuit breaker. Write never blocks: when the queue is full the
// sample is dropped and counted.
type BufferedWriter struct {
	inner   Writer
	breaker *resilience.CircuitBreaker
	logger  logger.Logger
	queue   chan Sample

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewBufferedWriter(inner Writer, size int, breaker *resilience.CircuitBreaker, log logger.Logger) *BufferedWriter {
	if size <= 0 {
		size = 1024
	}
	w := &BufferedWriter{
		inner:   inner,
		breaker: breaker,
		logger:  log.With("component", "historian-writer"),
		queue:   make(chan Sample, size),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *BufferedWriter) Write(ctx context.Context, sample Sample) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.queue <- sample:
		return nil
	default:
		metrics.RecordHistorianWrite("dropped")
		w.logger.Warn("historian queue full, dropping sample", "name", sample.Name)
		return nil
	}
}

func (w *BufferedWriter) loop() {
	defer close(w.done)
	for sample := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := w.breaker.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, w.inner.Write(ctx, sample)
		})
		cancel()
		if err != nil {
			metrics.RecordHistorianWrite("failed")
			w.logger.Warn("failed to write sample", "name", sample.Name, "error", err)
			continue
		}
		metrics.RecordHistorianWrite("ok")
	}
}

// Close stops accepting samples and waits for the queue to drain.
func (w *BufferedWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
