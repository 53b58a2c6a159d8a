package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type closeRecord struct {
	code   int
	reason string
}

// recordWriter is an in-memory FrameWriter for queue tests. It can be
// told to fail after a number of writes.
type recordWriter struct {
	mu     sync.Mutex
	data   [][]byte
	closes []closeRecord
	pings  int

	failAfter int // fail writes once this many succeeded; -1 disables
}

func newRecordWriter() *recordWriter {
	return &recordWriter{failAfter: -1}
}

func (w *recordWriter) WriteData(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failAfter >= 0 && len(w.data) >= w.failAfter {
		return errors.New("transport gone")
	}
	w.data = append(w.data, append([]byte(nil), payload...))
	return nil
}

func (w *recordWriter) WriteClose(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closes = append(w.closes, closeRecord{code: code, reason: reason})
	return nil
}

func (w *recordWriter) WritePing() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pings++
	return nil
}

func (w *recordWriter) snapshot() ([][]byte, []closeRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]byte(nil), w.data...), append([]closeRecord(nil), w.closes...)
}

func (q *Queue) isDead() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dead
}

// pendingFrames returns the frames currently queued, for tests that do
// not run a forwarder.
func (q *Queue) pendingFrames() []frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]frame(nil), q.frames...)
}

// TestQueueDeliversInOrder verifies strict FIFO delivery onto the
// transport, ending with a normal close once the producer drops the
// queue.
func TestQueueDeliversInOrder(t *testing.T) {
	q := NewQueue(zap.NewNop())
	w := newRecordWriter()
	go q.Forward(w)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, q.Send([]byte(fmt.Sprintf("frame-%03d", i))))
	}
	q.Close()

	require.Eventually(t, q.isDead, time.Second, time.Millisecond)

	data, closes := w.snapshot()
	require.Len(t, data, n)
	for i, payload := range data {
		assert.Equal(t, fmt.Sprintf("frame-%03d", i), string(payload))
	}
	require.Len(t, closes, 1)
	assert.Equal(t, closeCodeNormal, closes[0].code)
}

// TestQueueSendNeverBlocks verifies that a producer can enqueue any
// number of frames without a consumer.
func TestQueueSendNeverBlocks(t *testing.T) {
	q := NewQueue(zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			_ = q.Send([]byte("payload"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked without a consumer")
	}
	assert.Len(t, q.pendingFrames(), 10000)
}

// TestQueueSendAfterClose verifies the local failure indicator on a
// dropped queue.
func TestQueueSendAfterClose(t *testing.T) {
	q := NewQueue(zap.NewNop())
	q.Close()

	assert.ErrorIs(t, q.Send([]byte("late")), ErrQueueClosed)
	assert.ErrorIs(t, q.SendClose(KickCloseCode, "kick"), ErrQueueClosed)
}

// TestQueueTransportFailureKillsForwarder verifies that a transport
// write error terminates the forwarder and that later sends report
// ErrQueueClosed instead of accumulating.
func TestQueueTransportFailureKillsForwarder(t *testing.T) {
	q := NewQueue(zap.NewNop())
	w := newRecordWriter()
	w.failAfter = 1
	go q.Forward(w)

	require.NoError(t, q.Send([]byte("delivered")))
	require.NoError(t, q.Send([]byte("dropped")))

	require.Eventually(t, q.isDead, time.Second, time.Millisecond)
	assert.ErrorIs(t, q.Send([]byte("late")), ErrQueueClosed)

	data, _ := w.snapshot()
	require.Len(t, data, 1)
	assert.Equal(t, "delivered", string(data[0]))
}

// TestQueueCloseDirective verifies that an enqueued close directive is
// written with its application code and reason.
func TestQueueCloseDirective(t *testing.T) {
	q := NewQueue(zap.NewNop())
	w := newRecordWriter()
	go q.Forward(w)

	require.NoError(t, q.Send([]byte("before")))
	require.NoError(t, q.SendClose(KickCloseCode, "kick"))
	q.Close()

	require.Eventually(t, q.isDead, time.Second, time.Millisecond)

	data, closes := w.snapshot()
	require.Len(t, data, 1)
	require.GreaterOrEqual(t, len(closes), 1)
	assert.Equal(t, KickCloseCode, closes[0].code)
	assert.Equal(t, "kick", closes[0].reason)
}
