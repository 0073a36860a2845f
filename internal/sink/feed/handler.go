// Package feed streams combat events and world snapshots to websocket
// clients.
package feed

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"firestige.xyz/dpslens/internal/core"
	"firestige.xyz/dpslens/internal/emitter"
	"firestige.xyz/dpslens/internal/log"
	"firestige.xyz/dpslens/internal/world"
)

// Message types sent to clients.
const (
	TypeSnapshot = "snapshot"
	TypeEvent    = "event"
)

// Message is the JSON envelope of every frame written to a client.
type Message struct {
	Type     string            `json:"type"`
	Snapshot *world.View       `json:"snapshot,omitempty"`
	Event    *core.CombatEvent `json:"event,omitempty"`
}

// HandlerConfig tunes the websocket handler.
type HandlerConfig struct {
	// WriteTimeout bounds each write to a client. A client that cannot
	// keep up is disconnected.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	Logger       log.Logger    `mapstructure:"-" yaml:"-"`
}

// Handler upgrades requests and streams the emitter to each client.
type Handler struct {
	emitter  *emitter.Emitter
	logger   log.Logger
	timeout  time.Duration
	upgrader websocket.Upgrader
	clients  atomic.Int64
}

// NewHandler creates a feed handler over em.
func NewHandler(em *emitter.Emitter, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Discard()
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Handler{
		emitter: em,
		logger:  logger,
		timeout: timeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Clients returns the number of connected clients.
func (h *Handler) Clients() int64 { return h.clients.Load() }

// ServeHTTP sends the current snapshot, then every event and snapshot
// published until the client goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).WithField("remote", r.RemoteAddr).Warn("feed upgrade failed")
		return
	}
	defer conn.Close()

	h.clients.Add(1)
	defer h.clients.Add(-1)

	logger := h.logger.WithField("remote", r.RemoteAddr)
	sub := h.emitter.Subscribe("feed " + r.RemoteAddr)
	defer sub.Unsubscribe()
	logger.Info("feed client connected")

	var initial *world.Snapshot
	select {
	case initial = <-sub.Snapshots():
	default:
		initial = h.emitter.Snapshot()
	}
	if err := h.write(conn, snapshotMessage(initial)); err != nil {
		logger.WithError(err).Debug("feed write failed")
		return
	}

	// Clients only talk to close; reading is required to see it.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	events, snapshots := sub.Events(), sub.Snapshots()
	for {
		var msg Message
		select {
		case <-gone:
			logger.Info("feed client disconnected")
			return
		case ev, ok := <-events:
			if !ok {
				h.close(conn)
				return
			}
			msg = Message{Type: TypeEvent, Event: &ev}
		case snap, ok := <-snapshots:
			if !ok {
				h.close(conn)
				return
			}
			msg = snapshotMessage(snap)
		}
		if err := h.write(conn, msg); err != nil {
			logger.WithError(err).Info("feed client dropped")
			return
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(h.timeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Handler) close(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.timeout))
}

func snapshotMessage(snap *world.Snapshot) Message {
	view := world.View{Entities: []world.EntityState{}}
	if snap != nil {
		view = snap.View()
	}
	return Message{Type: TypeSnapshot, Snapshot: &view}
}
