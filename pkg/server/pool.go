package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultSendQueue    = 64
)

// wsConn is the part of *websocket.Conn a pool writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// member is one connection of a pool with its send queue. Only its writer
// goroutine calls WriteMessage.
type member struct {
	conn  wsConn
	queue chan []byte
}

// ConnectionPool fans frames out to the websocket connections of one peer.
//
// The hub keeps two kinds of pools. An observer pool belongs to one browsing
// tab: it is created when the first observer of that tab connects, receives
// the instructions addressed to the tab, and is dropped by the hub once it
// stayed empty for the idle timeout. The control pool is shared by every
// control connection: it exists for the lifetime of the hub, is never
// dropped when empty, and carries the REPLY frames of all control requests.
//
// Broadcast and SendToOne never wait on the network. Each connection owns a
// bounded queue drained by its own writer goroutine, and every write carries
// a deadline. A connection whose queue overflows or whose write fails is
// closed and removed, so one stuck peer never delays the others.
type ConnectionPool struct {
	name         string
	writeTimeout time.Duration
	queueSize    int

	mu          sync.Mutex
	conns       map[wsConn]*member
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
}

// NewConnectionPool returns an empty pool. writeTimeout bounds every write
// (zero picks a default). When idleTimeout is positive and onIdle is set,
// onIdle runs once the pool stayed empty for idleTimeout.
func NewConnectionPool(name string, writeTimeout, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &ConnectionPool{
		name:         name,
		writeTimeout: writeTimeout,
		queueSize:    defaultSendQueue,
		conns:        map[wsConn]*member{},
		idleTimeout:  idleTimeout,
		onIdle:       onIdle,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.stopIdleTimerLocked()
	if _, ok := cp.conns[conn]; ok {
		return
	}
	m := &member{conn: conn, queue: make(chan []byte, cp.queueSize)}
	cp.conns[conn] = m
	go cp.writeLoop(m)
}

// Remove drops conn from the pool and closes it.
func (cp *ConnectionPool) Remove(conn wsConn) {
	if conn == nil {
		return
	}
	if cp != nil {
		cp.mu.Lock()
		cp.removeLocked(conn)
		cp.scheduleIdleTimerLocked()
		cp.mu.Unlock()
	}
	_ = conn.Close()
}

// Broadcast queues data for every connection. It returns how many
// connections accepted the frame.
func (cp *ConnectionPool) Broadcast(data []byte) int {
	if cp == nil || len(data) == 0 {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	sent := 0
	for _, m := range cp.conns {
		if cp.enqueueLocked(m, data) {
			sent++
		}
	}
	cp.scheduleIdleTimerLocked()
	return sent
}

// SendToOne queues data for a single member of the pool.
func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	m, ok := cp.conns[conn]
	if !ok {
		return
	}
	if !cp.enqueueLocked(m, data) {
		cp.scheduleIdleTimerLocked()
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		cp.removeLocked(conn)
		_ = conn.Close()
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

// enqueueLocked hands data to the writer of m. A full queue means the peer
// stopped reading; the connection is closed instead of blocking the caller.
func (cp *ConnectionPool) enqueueLocked(m *member, data []byte) bool {
	select {
	case m.queue <- data:
		return true
	default:
	}
	log.Warn().Str("component", "server").Str("pool", cp.name).Int("queue", cap(m.queue)).Msg("ws send queue full, dropping connection")
	cp.removeLocked(m.conn)
	go func() { _ = m.conn.Close() }()
	return false
}

// removeLocked forgets conn and stops its writer. It does not close conn.
func (cp *ConnectionPool) removeLocked(conn wsConn) {
	m, ok := cp.conns[conn]
	if !ok {
		return
	}
	delete(cp.conns, conn)
	close(m.queue)
}

func (cp *ConnectionPool) writeLoop(m *member) {
	for data := range m.queue {
		if err := m.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout)); err == nil {
			err = m.conn.WriteMessage(websocket.TextMessage, data)
			if err == nil {
				continue
			}
			log.Warn().Err(err).Str("component", "server").Str("pool", cp.name).Msg("ws write failed, dropping connection")
		}
		cp.Remove(m.conn)
		return
	}
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	cp.stopIdleTimerLocked()
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		return
	}
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
