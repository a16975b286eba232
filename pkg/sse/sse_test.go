package sse

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeWriter is a bytes.Buffer that also satisfies Writer; Flush is a no-op
// since there is no real network flusher to observe in a unit test.
type fakeWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (f *fakeWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Write(p)
}

func (f *fakeWriter) Flush() {}

func (f *fakeWriter) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.String()
}

func TestHub_BroadcastDeliversFramesInOrder(t *testing.T) {
	h := NewHub()
	w := &fakeWriter{}
	done := make(chan struct{})

	go func() {
		require.NoError(t, h.Connect("agent-1", 0, w, done))
	}()

	require.Eventually(t, func() bool { return h.ConnectionCount("agent-1") == 1 }, time.Second, time.Millisecond)

	h.Broadcast("agent-1", "status", map[string]string{"state": "READY"})
	h.Broadcast("agent-1", "status", map[string]string{"state": "EXECUTING"})

	require.Eventually(t, func() bool {
		return strings.Count(w.String(), "event: status") == 2
	}, time.Second, time.Millisecond)

	close(done)

	out := w.String()
	firstIdx := strings.Index(out, "id: 1")
	secondIdx := strings.Index(out, "id: 2")
	require.Greater(t, firstIdx, -1)
	require.Greater(t, secondIdx, firstIdx)
}

func TestHub_ConnectReplaysBufferedEventsSinceLastEventID(t *testing.T) {
	h := NewHub()
	h.Broadcast("agent-1", "status", map[string]string{"state": "BOOTING"})
	h.Broadcast("agent-1", "status", map[string]string{"state": "HYDRATING"})
	h.Broadcast("agent-1", "status", map[string]string{"state": "READY"})

	w := &fakeWriter{}
	done := make(chan struct{})
	go func() {
		require.NoError(t, h.Connect("agent-1", 1, w, done))
	}()

	require.Eventually(t, func() bool {
		return strings.Count(w.String(), "event: status") == 2
	}, time.Second, time.Millisecond)
	close(done)

	out := w.String()
	require.NotContains(t, out, `"state":"BOOTING"`)
	require.Contains(t, out, `"state":"HYDRATING"`)
	require.Contains(t, out, `"state":"READY"`)
}

func TestHub_BroadcastIsScopedPerAgent(t *testing.T) {
	h := NewHub()
	w1 := &fakeWriter{}
	w2 := &fakeWriter{}
	done1 := make(chan struct{})
	done2 := make(chan struct{})

	go func() { _ = h.Connect("agent-1", 0, w1, done1) }()
	go func() { _ = h.Connect("agent-2", 0, w2, done2) }()

	require.Eventually(t, func() bool {
		return h.ConnectionCount("agent-1") == 1 && h.ConnectionCount("agent-2") == 1
	}, time.Second, time.Millisecond)

	h.Broadcast("agent-1", "status", "only-for-agent-1")

	require.Eventually(t, func() bool { return w1.String() != "" }, time.Second, time.Millisecond)
	close(done1)
	close(done2)

	require.Empty(t, w2.String())
}

// blockingWriter accepts exactly one Write and then hangs forever, so the
// reader goroutine can drain at most one queued event before stalling
// permanently. With a queue size of 1, that makes overflow deterministic
// regardless of scheduling: the channel can hold at most one further event
// before a send has to fall through to the overflow path.
type blockingWriter struct {
	first chan struct{}
	block chan struct{}
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{first: make(chan struct{}, 1), block: make(chan struct{})}
}

func (b *blockingWriter) Write(p []byte) (int, error) {
	select {
	case b.first <- struct{}{}:
		return len(p), nil
	default:
		<-b.block
		return 0, nil
	}
}

func (b *blockingWriter) Flush() {}

func TestHub_SlowSubscriberIsDisconnectedOnOverflow(t *testing.T) {
	h := NewHub().WithQueueSize(1)
	w := newBlockingWriter()
	done := make(chan struct{})
	defer close(done)

	errCh := make(chan error, 1)
	go func() { errCh <- h.Connect("agent-1", 0, w, done) }()

	require.Eventually(t, func() bool { return h.ConnectionCount("agent-1") == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 10; i++ {
		h.Broadcast("agent-1", "status", i)
	}

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected overflowed subscriber to be disconnected")
	}
}

func TestHub_HeartbeatWritesCommentFrame(t *testing.T) {
	h := NewHub().WithHeartbeatInterval(5 * time.Millisecond)
	w := &fakeWriter{}
	done := make(chan struct{})
	defer close(done)

	go func() { _ = h.Connect("agent-1", 0, w, done) }()
	require.Eventually(t, func() bool { return h.ConnectionCount("agent-1") == 1 }, time.Second, time.Millisecond)

	h.StartHeartbeat()
	defer h.Shutdown()

	require.Eventually(t, func() bool {
		return strings.Contains(w.String(), ": heartbeat\n\n")
	}, time.Second, time.Millisecond)
}

func TestHub_ShutdownClosesAllConnections(t *testing.T) {
	h := NewHub()
	w := &fakeWriter{}
	done := make(chan struct{})

	errCh := make(chan error, 1)
	go func() { errCh <- h.Connect("agent-1", 0, w, done) }()
	require.Eventually(t, func() bool { return h.ConnectionCount("agent-1") == 1 }, time.Second, time.Millisecond)

	h.Shutdown()

	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("expected shutdown to end the connection")
	}
}
