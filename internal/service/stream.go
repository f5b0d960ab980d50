package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/transitlabs/sirihub/config"
	"github.com/transitlabs/sirihub/internal/delivery"
	"github.com/transitlabs/sirihub/models"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
)

// StreamDispatcher routes deliveries for slots with a live websocket session
// through that session; everything else falls back to HTTP push. It satisfies
// delivery.Dispatcher so the engine stays agnostic of the transport.
type StreamDispatcher struct {
	logger   *slog.Logger
	fallback delivery.Dispatcher
	sessions config.SessionsConfig

	mu      sync.RWMutex
	streams map[string]*deltaSession
	active  int
}

func NewStreamDispatcher(logger *slog.Logger, fallback delivery.Dispatcher, sessions config.SessionsConfig) *StreamDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamDispatcher{
		logger:   logger.WithGroup("streams"),
		fallback: fallback,
		sessions: sessions,
		streams:  make(map[string]*deltaSession),
	}
}

func (d *StreamDispatcher) Dispatch(ctx context.Context, sub models.OutboundSubscription, delivery models.Delivery) error {
	d.mu.RLock()
	session := d.streams[sub.SlotKey()]
	d.mu.RUnlock()

	if session == nil {
		return d.fallback.Dispatch(ctx, sub, delivery)
	}

	message, err := json.Marshal(delivery)
	if err != nil {
		return err
	}
	select {
	case session.send <- message:
		return nil
	default:
		d.logger.Warn("session send channel full, message dropped", "slot", sub.SlotKey())
		return nil
	}
}

func (d *StreamDispatcher) register(session *deltaSession) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active >= d.sessions.MaxConnections {
		return false
	}
	if previous, ok := d.streams[session.slotKey]; ok {
		// A reconnect displaces the old session.
		go previous.conn.Close()
	} else {
		d.active++
	}
	d.streams[session.slotKey] = session
	d.logger.Info("delta stream attached", "slot", session.slotKey, "remote_addr", session.conn.RemoteAddr().String())
	return true
}

func (d *StreamDispatcher) unregister(session *deltaSession) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if current, ok := d.streams[session.slotKey]; ok && current == session {
		delete(d.streams, session.slotKey)
		d.active--
		close(session.send)
		d.logger.Info("delta stream detached", "slot", session.slotKey)
	}
}

// deltaSession is one consumer's websocket attachment to its subscription
// slot. One reader and one writer goroutine per connection.
type deltaSession struct {
	conn       *websocket.Conn
	slotKey    string
	send       chan []byte
	dispatcher *StreamDispatcher
	appCtx     context.Context
}

func (s *deltaSession) readPump() {
	defer func() {
		s.dispatcher.unregister(s)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.dispatcher.logger.Error("websocket read error", "slot", s.slotKey, "error", err)
			}
			return
		}
	}
}

func (s *deltaSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.dispatcher.logger.Error("websocket write error", "slot", s.slotKey, "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.appCtx.Done():
			return
		}
	}
}

// streamHandler upgrades a consumer connection and binds it to its
// subscription slot. The slot must already exist; the stream replaces HTTP
// push for as long as it stays attached.
func (s *Service) streamHandler(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	id := r.URL.Query().Get("subscriptionId")
	category, err := models.ParseCategory(r.URL.Query().Get("category"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if id == "" {
		http.Error(w, "Missing subscriptionId parameter", http.StatusBadRequest)
		return
	}

	slotKey := id + ":" + string(category)
	subs, err := s.engine.List()
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	known := false
	for _, sub := range subs {
		if sub.SlotKey() == slotKey {
			known = true
			break
		}
	}
	if !known {
		http.Error(w, "No subscription bound for this slot", http.StatusNotFound)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.cfg.Sessions.WebSocketReadBufferSize,
		WriteBufferSize: s.cfg.Sessions.WebSocketWriteBufferSize,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade stream connection", "slot", slotKey, "error", err)
		return
	}

	session := &deltaSession{
		conn:       conn,
		slotKey:    slotKey,
		send:       make(chan []byte, s.cfg.Sessions.DeliveryChannelSize),
		dispatcher: s.streams,
		appCtx:     s.appCtx,
	}
	if !s.streams.register(session) {
		s.logger.Warn("max stream connections reached, rejecting", "slot", slotKey)
		conn.Close()
		return
	}

	go session.writePump()
	go session.readPump()
}
