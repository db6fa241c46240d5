// Package api exposes the operator surface of the gateway: a JSON HTTP API
// over the registry and commander, health and metrics endpoints, and a
// websocket feed of gateway lifecycle events.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"gb28181-gateway/pkg/messaging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	hub      *EventHub
	conn     *websocket.Conn
	send     chan []byte
	logger   *logrus.Logger
	deviceID string // non-empty when subscribed to a single device
}

// EventHub fans gateway lifecycle events out to connected websocket
// clients. It implements messaging.Publisher so it can sit next to the
// AMQP publisher behind the same interface.
type EventHub struct {
	logger     *logrus.Logger
	clients    map[*client]bool
	broadcast  chan messaging.Event
	register   chan *client
	unregister chan *client
	mutex      sync.RWMutex
}

// NewEventHub creates an event hub. Run must be started before events flow.
func NewEventHub(logger *logrus.Logger) *EventHub {
	return &EventHub{
		logger:     logger,
		clients:    make(map[*client]bool),
		broadcast:  make(chan messaging.Event, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// PublishEvent implements messaging.Publisher. Drops the event when the
// hub's buffer is full rather than blocking signaling paths.
func (h *EventHub) PublishEvent(event messaging.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.WithField("type", event.Type).Debug("Event hub buffer full, dropping event")
	}
}

// Run drives registration and broadcast until the context is cancelled
func (h *EventHub) Run(ctx context.Context) {
	h.logger.Info("Starting websocket event hub")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Shutting down websocket event hub")
			h.mutex.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mutex.Unlock()
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = true
			h.mutex.Unlock()
			h.logger.WithField("device_id", c.deviceID).Info("Websocket client connected")

		case c := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mutex.Unlock()
			h.logger.Info("Websocket client disconnected")

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.WithError(err).Error("Failed to marshal event")
				continue
			}

			h.mutex.Lock()
			for c := range h.clients {
				if c.deviceID != "" && c.deviceID != event.DeviceID {
					continue
				}
				select {
				case c.send <- data:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// ClientCount reports the number of connected websocket clients
func (h *EventHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ServeWs upgrades the connection and attaches it to the hub. An optional
// device_id query parameter narrows the feed to one device.
func (h *EventHub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade connection to websocket")
		return
	}

	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 256),
		logger:   h.logger,
		deviceID: r.URL.Query().Get("device_id"),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// writePump pumps hub messages to the connection and keeps it alive with
// pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames; its job is pong handling and noticing
// the peer going away.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
