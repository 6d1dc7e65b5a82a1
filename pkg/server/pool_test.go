package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu        sync.Mutex
	frames    []string
	failing   bool
	closed    bool
	deadlines int
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing || s.closed {
		return errors.New("broken pipe")
	}
	s.frames = append(s.frames, string(data))
	return nil
}

func (s *stubConn) SetWriteDeadline(time.Time) error {
	s.mu.Lock()
	s.deadlines++
	s.mu.Unlock()
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubConn) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func (s *stubConn) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubConn) deadlineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadlines
}

// hungConn never returns from WriteMessage, like a peer whose TCP window
// stays closed.
type hungConn struct {
	stubConn
	entered chan struct{}
	once    sync.Once
}

func newHungConn() *hungConn {
	return &hungConn{entered: make(chan struct{})}
}

func (h *hungConn) WriteMessage(int, []byte) error {
	h.once.Do(func() { close(h.entered) })
	select {}
}

func TestConnectionPoolBroadcastDropsBrokenConnections(t *testing.T) {
	pool := NewConnectionPool("tab-7", time.Second, 0, nil)
	good := &stubConn{}
	bad := &stubConn{failing: true}
	pool.Add(good)
	pool.Add(bad)

	pool.Broadcast([]byte("one"))
	require.Eventually(t, bad.isClosed, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, pool.Count())

	require.Equal(t, 1, pool.Broadcast([]byte("two")))
	require.Eventually(t, func() bool { return len(good.written()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"one", "two"}, good.written())
	require.Equal(t, 2, good.deadlineCount())
}

func TestConnectionPoolHungConnectionDoesNotBlockOthers(t *testing.T) {
	pool := NewConnectionPool("control", 50*time.Millisecond, 0, nil)
	hung := newHungConn()
	good := &stubConn{}
	pool.Add(hung)
	pool.Add(good)

	pool.Broadcast([]byte("first"))
	select {
	case <-hung.entered:
	case <-time.After(time.Second):
		t.Fatal("writer never reached the hung connection")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// one more frame than the hung peer can queue
		for i := 0; i <= defaultSendQueue; i++ {
			pool.Broadcast([]byte("next"))
			for len(good.written()) < i+2 {
				time.Sleep(time.Millisecond)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("a connection that never finishes writing held up the others")
	}

	// the hung peer overflowed its queue and was dropped
	require.Eventually(t, hung.isClosed, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, pool.Count())
	require.Len(t, good.written(), defaultSendQueue+2)
	require.Equal(t, "first", good.written()[0])
}

func TestConnectionPoolSendToOneIgnoresStrangers(t *testing.T) {
	pool := NewConnectionPool("control", 0, 0, nil)
	member := &stubConn{}
	stranger := &stubConn{}
	pool.Add(member)

	pool.SendToOne(stranger, []byte("x"))
	pool.SendToOne(member, []byte("y"))

	require.Eventually(t, func() bool { return len(member.written()) == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, stranger.written())
	require.Equal(t, []string{"y"}, member.written())
}

func TestConnectionPoolIdleCallback(t *testing.T) {
	idle := make(chan struct{}, 1)
	pool := NewConnectionPool("tab-3", 0, 20*time.Millisecond, func() { idle <- struct{}{} })
	conn := &stubConn{}
	pool.Add(conn)
	pool.Remove(conn)
	require.True(t, conn.isClosed())

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle callback did not run")
	}
}

func TestConnectionPoolAddCancelsIdle(t *testing.T) {
	idle := make(chan struct{}, 1)
	pool := NewConnectionPool("tab-3", 0, 30*time.Millisecond, func() { idle <- struct{}{} })
	first := &stubConn{}
	pool.Add(first)
	pool.Remove(first)
	pool.Add(&stubConn{})

	select {
	case <-idle:
		t.Fatal("idle callback ran although the pool has a connection")
	case <-time.After(100 * time.Millisecond):
	}
	pool.CloseAll()
	require.True(t, pool.IsEmpty())
}
