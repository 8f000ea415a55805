// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

// Package websocket bridges gorilla websocket connections to the realtime
// broadcast manager. Each client runs a read pump for liveness tracking and a
// write pump draining a bounded send queue.
package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/appbeat-io/appbeat/internal/logging"
	"github.com/appbeat-io/appbeat/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024 // 16 KB; subscribers only send control frames

	// sendQueueSize bounds the per-client outgoing queue. A full queue fails
	// the manager's send, which evicts the subscriber.
	sendQueueSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboards authenticate at the API layer; origin is not enforced.
		return true
	},
}

// Client is one dashboard subscriber bound to a websocket connection.
type Client struct {
	conn        *websocket.Conn
	manager     *realtime.Manager
	appID       string
	send        chan []byte
	unsubscribe func()
	connID      uint64
}

// Serve upgrades the request and runs the subscriber until the connection
// drops. It blocks for the connection's lifetime; the HTTP handler calls it
// directly.
func Serve(w http.ResponseWriter, r *http.Request, manager *realtime.Manager, appID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &Client{
		conn:    conn,
		manager: manager,
		appID:   appID,
		send:    make(chan []byte, sendQueueSize),
	}

	rc, unsubscribe := manager.AddConnection(appID, c.enqueue)
	c.connID = rc.ID
	c.unsubscribe = unsubscribe

	go c.writePump()
	c.readPump()
	return nil
}

// enqueue is the SendFunc the manager calls on each broadcast tick. A full
// queue means the client is not draining; failing the send lets the manager
// evict it rather than block the tick.
func (c *Client) enqueue(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		return websocket.ErrCloseSent
	}
}

// readPump consumes control frames until the connection drops, refreshing
// the manager's liveness tracking on every pong.
func (c *Client) readPump() {
	defer func() {
		c.unsubscribe()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("websocket: set read deadline failed")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		c.manager.Touch(c.appID, c.connID)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Str("app_id", c.appID).Msg("websocket: unexpected close")
			}
			return
		}
		// Any inbound frame counts as client activity.
		c.manager.Touch(c.appID, c.connID)
	}
}

// writePump drains the send queue to the connection and pings on a fixed
// period to keep the read deadline alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("websocket: set write deadline failed")
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
