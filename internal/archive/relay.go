package archive

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// errRelayClosed is returned for writes after Close.
var errRelayClosed = errors.New("relay is closed")

// relay pipes archive bytes into the destination writer while bounding the
// amount of data buffered in memory. When the consumer is slower than the
// producer, Write stalls in waitStep increments until the buffer drains
// below the threshold, so buffered bytes never exceed the threshold by more
// than one chunk.
//
// The relay has a single producer (the zip writer) and a single consumer
// goroutine; Write and Close must not be called concurrently.
type relay struct {
	dst       io.Writer
	threshold int64
	waitStep  time.Duration

	ch       chan []byte
	done     chan struct{}
	buffered atomic.Int64
	closed   atomic.Bool

	mu  sync.Mutex
	err error
}

func newRelay(dst io.Writer, threshold int64, waitStep time.Duration) *relay {
	r := &relay{
		dst:       dst,
		threshold: threshold,
		waitStep:  waitStep,
		ch:        make(chan []byte, 64),
		done:      make(chan struct{}),
	}
	go r.drain()
	return r
}

// drain is the consumer goroutine moving chunks to the destination. After
// a destination error it keeps discarding chunks so the producer is never
// blocked on a dead sink.
func (r *relay) drain() {
	defer close(r.done)

	type flusher interface{ Flush() }
	f, canFlush := r.dst.(flusher)

	for chunk := range r.ch {
		if r.getErr() == nil {
			if _, err := r.dst.Write(chunk); err != nil {
				r.setErr(err)
			} else if canFlush {
				f.Flush()
			}
		}
		r.buffered.Add(int64(-len(chunk)))
	}
}

// Write enqueues a copy of p, applying backpressure first: while buffered
// bytes exceed the threshold it sleeps in waitStep increments.
func (r *relay) Write(p []byte) (int, error) {
	for r.buffered.Load() > r.threshold {
		if err := r.getErr(); err != nil {
			return 0, err
		}
		time.Sleep(r.waitStep)
	}
	if err := r.getErr(); err != nil {
		return 0, err
	}
	if r.closed.Load() {
		return 0, errRelayClosed
	}

	// The zip writer reuses its buffers, so the chunk must be copied.
	chunk := make([]byte, len(p))
	copy(chunk, p)
	r.buffered.Add(int64(len(chunk)))
	r.ch <- chunk

	return len(p), nil
}

// Buffered reports the bytes currently queued but not yet written out.
func (r *relay) Buffered() int64 {
	return r.buffered.Load()
}

// Close stops accepting writes, waits for the queue to drain and returns
// the first destination error, if any.
func (r *relay) Close() error {
	if r.closed.CompareAndSwap(false, true) {
		close(r.ch)
	}
	<-r.done
	return r.getErr()
}

// abort poisons the relay so pending and future writes fail with err.
func (r *relay) abort(err error) {
	r.setErr(err)
}

func (r *relay) setErr(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

func (r *relay) getErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
