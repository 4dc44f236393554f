package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stream-proxy-go/internal/metrics"
)

// writeTimeout bounds a single store write so a stalled store cannot wedge
// the worker indefinitely.
const writeTimeout = 5 * time.Second

// Recorder accepts attribution records and writes them to a Store from a
// background worker. Record never blocks: when the buffer is full the record
// is dropped and counted.
type Recorder struct {
	store   Store
	ch      chan *Record
	done    chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRecorder creates a Recorder with the given buffer capacity and starts
// its worker. The metrics parameter is optional.
func NewRecorder(store Store, bufferSize int, logger *slog.Logger, m *metrics.Metrics) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	r := &Recorder{
		store:   store,
		ch:      make(chan *Record, bufferSize),
		done:    make(chan struct{}),
		logger:  logger.With("component", "analytics_recorder"),
		metrics: m,
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Record enqueues rec for writing and returns immediately. A full buffer or
// a closed recorder drops the record silently.
func (r *Recorder) Record(rec *Record) {
	select {
	case <-r.done:
		r.drop(rec, "recorder closed")
		return
	default:
	}

	select {
	case r.ch <- rec:
	default:
		r.drop(rec, "buffer full")
	}
}

// Close stops the worker after draining already-enqueued records.
func (r *Recorder) Close() error {
	close(r.done)
	r.wg.Wait()
	return nil
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	for {
		select {
		case rec := <-r.ch:
			r.write(rec)
		case <-r.done:
			// Drain what is already buffered, then stop.
			for {
				select {
				case rec := <-r.ch:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.store.Write(ctx, rec); err != nil {
		r.drop(rec, err.Error())
		return
	}

	if r.metrics != nil {
		r.metrics.RecordsWritten.Inc()
	}
	r.logger.Debug("attribution record written",
		"record_id", rec.ID,
		"app", rec.App,
		"target_host", rec.TargetHost,
		"outcome", rec.Outcome,
	)
}

func (r *Recorder) drop(rec *Record, reason string) {
	if r.metrics != nil {
		r.metrics.RecordsDropped.Inc()
	}
	r.logger.Warn("attribution record dropped",
		"record_id", rec.ID,
		"reason", reason,
	)
}
