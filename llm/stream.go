package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultStreamGrace bounds how long a cancelled producer may take to stop.
const DefaultStreamGrace = 2 * time.Second

var errStreamClosed = errors.New("stream closed")

// Emitter hands one chunk to the consumer. It blocks until the consumer
// receives it and returns an error once the stream is cancelled or closed.
type Emitter func(StreamChunk) error

// Producer generates the chunks of one stream. It must stop when ctx is
// done. The returned finish reason and error end up in the terminal chunk.
type Producer func(ctx context.Context, emit Emitter) (finishReason string, err *BackendError)

type stream struct {
	parent  context.Context
	cancel  context.CancelFunc
	grace   time.Duration
	backend string

	ch      chan StreamChunk
	done    chan struct{}
	stopped chan struct{}

	stopOnce sync.Once
	finished bool
}

// NewStream runs producer in its own goroutine and exposes its output as a
// Stream. Chunks are delivered in emission order and a terminal event chunk
// is always observed, even when producer fails, panics or ignores
// cancellation for longer than grace.
func NewStream(ctx context.Context, backend string, grace time.Duration, producer Producer) Stream {
	if grace <= 0 {
		grace = DefaultStreamGrace
	}
	pctx, cancel := context.WithCancel(ctx)
	s := &stream{
		parent:  ctx,
		cancel:  cancel,
		grace:   grace,
		backend: backend,
		ch:      make(chan StreamChunk),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	emit := func(c StreamChunk) error {
		if c.IsTerminal() {
			return fmt.Errorf("producer must not emit the end event itself")
		}
		select {
		case s.ch <- c:
			return nil
		case <-pctx.Done():
			return pctx.Err()
		case <-s.stopped:
			return errStreamClosed
		}
	}

	go func() {
		defer close(s.done)
		finish, berr := runProducer(pctx, backend, producer, emit)
		if berr == nil && pctx.Err() != nil {
			berr = NewBackendError(backend, pctx.Err())
		}
		end := EndChunk(finish, berr)
		select {
		case s.ch <- end:
		case <-s.stopped:
		}
	}()
	return s
}

func runProducer(ctx context.Context, backend string, producer Producer, emit Emitter) (finish string, berr *BackendError) {
	defer func() {
		if r := recover(); r != nil {
			finish = FinishError
			berr = &BackendError{Code: BackendUpstream, Message: fmt.Sprintf("stream producer panicked: %v", r), Backend: backend}
		}
	}()
	return producer(ctx, emit)
}

// EndChunk builds the terminal event chunk.
func EndChunk(finish string, berr *BackendError) StreamChunk {
	meta := map[string]any{MetaEvent: EventEnd}
	if berr != nil {
		if finish == "" || finish == FinishStop {
			finish = FinishError
		}
		if berr.Code == BackendCancelled {
			finish = FinishCancelled
		}
		meta[MetaError] = berr
	}
	if finish == "" {
		finish = FinishStop
	}
	meta[MetaFinishReason] = finish
	return StreamChunk{Kind: ChunkEvent, Metadata: meta}
}

// Recv returns the next chunk, or io.EOF after the terminal chunk.
func (s *stream) Recv() (StreamChunk, error) {
	if s.finished {
		return StreamChunk{}, io.EOF
	}
	select {
	case c := <-s.ch:
		if c.IsTerminal() {
			s.finished = true
		}
		return c, nil
	case <-s.parent.Done():
		return s.drainAfterCancel()
	}
}

// drainAfterCancel stops the producer and waits up to grace for its terminal
// chunk. Tokens emitted after cancellation are dropped.
func (s *stream) drainAfterCancel() (StreamChunk, error) {
	s.cancel()
	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	for {
		select {
		case c := <-s.ch:
			if !c.IsTerminal() {
				continue
			}
			s.finished = true
			return c, nil
		case <-timer.C:
			s.finished = true
			s.stop()
			return EndChunk(FinishCancelled, &BackendError{
				Code:    BackendCancelled,
				Message: fmt.Sprintf("cancelled; producer did not stop within %s", s.grace),
				Backend: s.backend,
			}), nil
		}
	}
}

func (s *stream) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		close(s.stopped)
	})
}

// Close cancels the producer and waits at most grace for it to exit.
func (s *stream) Close() error {
	s.stop()
	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
	}
	s.finished = true
	return nil
}
