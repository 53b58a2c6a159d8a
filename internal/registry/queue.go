// Package registry provides the per-connection outbound queue and the
// forwarding loop that drains it onto the transport.
package registry

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueClosed is returned by Send and SendClose once the queue no
// longer has a running consumer. Callers treat it as a local, expected
// condition: by the time a send is attempted the connection may already
// be mid-teardown.
var ErrQueueClosed = errors.New("registry: outbound queue closed")

// pingInterval is how long the forwarder waits on an idle queue before
// emitting a keepalive ping.
const pingInterval = 54 * time.Second

type frameKind int

const (
	frameData frameKind = iota
	frameClose
)

type frame struct {
	kind    frameKind
	payload []byte
	code    int
	reason  string
}

// FrameWriter is the transport half the forwarder writes onto. The
// websocket-backed implementation lives in the server package; tests
// substitute in-memory writers.
type FrameWriter interface {
	WriteData(payload []byte) error
	WriteClose(code int, reason string) error
	WritePing() error
}

// Queue is an unbounded, ordered, single-consumer queue of outbound
// frames for one connection. Producers never block: Send appends and
// returns immediately, failing only after the forwarder has terminated.
type Queue struct {
	mu     sync.Mutex
	frames []frame
	closed bool // producer side dropped; forwarder drains and exits
	dead   bool // forwarder terminated; sends fail from here on
	wake   chan struct{}

	logger *zap.Logger
}

// NewQueue creates an empty outbound queue. The queue does nothing until
// Forward is started on it.
func NewQueue(logger *zap.Logger) *Queue {
	return &Queue{
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Send enqueues a data payload. It never blocks and fails only with
// ErrQueueClosed once the forwarder is gone.
func (q *Queue) Send(payload []byte) error {
	return q.push(frame{kind: frameData, payload: payload})
}

// SendClose enqueues a close directive with the given application code
// and reason. Delivery is best-effort, like Send.
func (q *Queue) SendClose(code int, reason string) error {
	return q.push(frame{kind: frameClose, code: code, reason: reason})
}

func (q *Queue) push(f frame) error {
	q.mu.Lock()
	if q.dead || q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.frames = append(q.frames, f)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close drops the producer side of the queue. The forwarder drains any
// remaining frames and then terminates. Closing an already-closed queue
// is a no-op.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop removes the oldest frame. The second result reports whether a
// frame was returned; the third reports that the queue is drained and
// closed, meaning the forwarder should exit.
func (q *Queue) pop() (frame, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return frame{}, false, q.closed
	}
	f := q.frames[0]
	q.frames[0] = frame{}
	q.frames = q.frames[1:]
	return f, true, false
}

func (q *Queue) markDead() {
	q.mu.Lock()
	q.dead = true
	q.frames = nil
	q.mu.Unlock()
}

// Forward drains the queue onto w strictly in insertion order. It
// returns when the producer side is closed and the queue is drained, or
// when a transport write fails. Either way the queue is marked dead so
// later sends fail instead of accumulating. Forward is meant to run on
// its own goroutine, one per connection.
func (q *Queue) Forward(w FrameWriter) {
	defer q.markDead()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		f, ok, done := q.pop()
		if done {
			// Producer dropped the queue: tell the peer we are going away.
			// The write can race the peer's own close, so the error is
			// not interesting.
			_ = w.WriteClose(closeCodeNormal, "")
			return
		}
		if !ok {
			select {
			case <-q.wake:
			case <-ticker.C:
				if err := w.WritePing(); err != nil {
					q.logger.Debug("outbound ping failed", zap.Error(err))
					return
				}
			}
			continue
		}

		var err error
		switch f.kind {
		case frameData:
			err = w.WriteData(f.payload)
		case frameClose:
			err = w.WriteClose(f.code, f.reason)
		}
		if err != nil {
			q.logger.Debug("outbound write failed", zap.Error(err))
			return
		}
	}
}

// closeCodeNormal mirrors websocket.CloseNormalClosure without pulling
// the transport dependency into this file.
const closeCodeNormal = 1000
