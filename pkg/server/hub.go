package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tabtrail/pkg/bus"
)

// Frame is the JSON shape of a websocket message in both directions. ID is
// optional on inbound frames; control replies quote it back as replyTo.
type Frame struct {
	ID     string          `json:"id,omitempty"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

const (
	frameActionError = "ERROR"
	frameActionPong  = "PONG"
)

// Hub bridges websocket peers and the bus. Inbound frames become coordinator
// messages; observer and control deliveries are written to the matching pools.
type Hub struct {
	bus          *bus.Bus
	writeTimeout time.Duration
	idleTimeout  time.Duration

	mu        sync.Mutex
	observers map[int]*ConnectionPool
	control   *ConnectionPool
}

// NewHub returns a hub with an empty control pool. writeTimeout bounds each
// websocket write; idleTimeout drops observer pools that stayed empty.
func NewHub(b *bus.Bus, writeTimeout, idleTimeout time.Duration) *Hub {
	return &Hub{
		bus:          b,
		writeTimeout: writeTimeout,
		idleTimeout:  idleTimeout,
		observers:    map[int]*ConnectionPool{},
		control:      NewConnectionPool("control", writeTimeout, 0, nil),
	}
}

// Start subscribes to observer and control deliveries and fans them out
// until ctx is done.
func (h *Hub) Start(ctx context.Context, group string) error {
	observer, err := h.bus.Subscribe(ctx, bus.EndpointObserver, group+"-observer")
	if err != nil {
		return err
	}
	control, err := h.bus.Subscribe(ctx, bus.EndpointControl, group+"-control")
	if err != nil {
		return err
	}
	go h.forward(observer, h.deliverObserver)
	go h.forward(control, h.deliverControl)
	return nil
}

// forward drains a bus subscription. Pools only queue frames, so a slow
// peer never holds up the subscription.
func (h *Hub) forward(in <-chan bus.Envelope, deliver func(bus.Envelope)) {
	for env := range in {
		deliver(env)
	}
}

func (h *Hub) deliverObserver(env bus.Envelope) {
	h.mu.Lock()
	pool := h.observers[env.Sender.TabID]
	h.mu.Unlock()

	l := log.With().Str("component", "server").Int("tab_id", env.Sender.TabID).Str("action", env.Message.Action).Logger()
	if pool == nil {
		l.Debug().Msg("no observer connected, dropping delivery")
		return
	}
	b, err := json.Marshal(Frame{ID: env.ID, Action: env.Message.Action, Data: env.Message.Data})
	if err != nil {
		l.Error().Err(err).Msg("could not encode observer frame")
		return
	}
	if pool.Broadcast(b) == 0 {
		l.Debug().Msg("observer delivery reached no connection")
	}
}

func (h *Hub) deliverControl(env bus.Envelope) {
	b, err := json.Marshal(Frame{ID: env.ID, Action: env.Message.Action, Data: env.Message.Data})
	if err != nil {
		log.Error().Err(err).Str("component", "server").Msg("could not encode control frame")
		return
	}
	h.control.Broadcast(b)
}

// ObserverPool returns the pool of a tab, if any connection was seen.
func (h *Hub) ObserverPool(tabID int) *ConnectionPool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.observers[tabID]
}

func (h *Hub) ControlPool() *ConnectionPool { return h.control }

func (h *Hub) addObserver(tabID int, conn wsConn) *ConnectionPool {
	h.mu.Lock()
	defer h.mu.Unlock()
	pool, ok := h.observers[tabID]
	if !ok {
		var created *ConnectionPool
		created = NewConnectionPool(fmt.Sprintf("tab-%d", tabID), h.writeTimeout, h.idleTimeout, func() {
			h.dropObserverPool(tabID, created)
		})
		pool = created
		h.observers[tabID] = pool
	}
	pool.Add(conn)
	return pool
}

func (h *Hub) dropObserverPool(tabID int, pool *ConnectionPool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.observers[tabID] == pool && pool.IsEmpty() {
		delete(h.observers, tabID)
		log.Debug().Str("component", "server").Int("tab_id", tabID).Msg("observer pool idle, removed")
	}
}

// AttachObserver serves one observer connection of a tab until it closes.
func (h *Hub) AttachObserver(ctx context.Context, conn *websocket.Conn, sender bus.Sender) {
	pool := h.addObserver(sender.TabID, conn)
	l := log.With().Str("component", "server").Str("peer", "observer").Int("tab_id", sender.TabID).Logger()
	l.Info().Msg("ws connected")
	h.readLoop(ctx, conn, pool, sender, l)
}

// AttachControl serves one control connection until it closes.
func (h *Hub) AttachControl(ctx context.Context, conn *websocket.Conn) {
	h.control.Add(conn)
	l := log.With().Str("component", "server").Str("peer", "control").Logger()
	l.Info().Msg("ws connected")
	h.readLoop(ctx, conn, h.control, bus.Sender{Origin: bus.EndpointControl}, l)
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, pool *ConnectionPool, sender bus.Sender, l zerolog.Logger) {
	defer pool.Remove(conn)
	defer l.Info().Msg("ws disconnected")
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			l.Debug().Err(err).Msg("ws read loop end")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(string(data)), "ping") {
			h.sendFrame(pool, conn, Frame{Action: frameActionPong})
			continue
		}
		if err := h.publish(ctx, sender, data); err != nil {
			l.Warn().Err(err).Msg("rejected inbound frame")
			h.sendError(pool, conn, err)
		}
	}
}

func (h *Hub) publish(ctx context.Context, sender bus.Sender, data []byte) error {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return errors.Wrap(err, "invalid frame")
	}
	if f.Action == "" {
		return errors.New("frame has no action")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return h.bus.Send(ctx, bus.Envelope{
		ID:      f.ID,
		To:      bus.EndpointCoordinator,
		Sender:  sender,
		Message: bus.Message{Action: f.Action, Data: f.Data},
	})
}

func (h *Hub) sendFrame(pool *ConnectionPool, conn wsConn, f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	pool.SendToOne(conn, b)
}

func (h *Hub) sendError(pool *ConnectionPool, conn wsConn, err error) {
	data, mErr := json.Marshal(map[string]string{"error": err.Error()})
	if mErr != nil {
		return
	}
	h.sendFrame(pool, conn, Frame{Action: frameActionError, Data: data})
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	pools := make([]*ConnectionPool, 0, len(h.observers))
	for _, p := range h.observers {
		pools = append(pools, p)
	}
	h.mu.Unlock()
	for _, p := range pools {
		p.CloseAll()
	}
	h.control.CloseAll()
}
