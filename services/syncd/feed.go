package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ndolo/messenger/internal/docstore"
	"github.com/ndolo/messenger/internal/logger"
)

const (
	feedWriteWait   = 10 * time.Second
	feedPongWait    = 60 * time.Second
	feedPingPeriod  = (feedPongWait * 9) / 10
	feedSendBufSize = 256
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser origins are filtered by the CORS layer on the REST routes;
	// the feed carries no credentials, so accept any origin here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// feedHub fans change events out to every connected feed client.
type feedHub struct {
	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

type feedClient struct {
	hub  *feedHub
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func newFeedHub() *feedHub {
	return &feedHub{clients: make(map[*feedClient]struct{})}
}

func (h *feedHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("feed upgrade: %v", err)
		return
	}
	c := &feedClient{hub: h, conn: conn, send: make(chan []byte, feedSendBufSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	logger.Infof("feed client connected (%d active)", n)
	go c.writePump()
	go c.readPump()
}

// broadcast sends the event to every client. Clients whose send buffer
// is full are dropped: a reader that slow has effectively stalled, and
// it will reconnect and resync.
func (h *feedHub) broadcast(ev docstore.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("feed marshal: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			go c.close()
		}
	}
}

func (h *feedHub) closeAll() {
	h.mu.Lock()
	clients := make([]*feedClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *feedHub) unregister(c *feedClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (c *feedClient) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		c.conn.Close()
	})
}

// readPump discards inbound frames; the feed is one-way. It exists to
// service ping/pong and to detect the peer going away.
func (c *feedClient) readPump() {
	defer c.close()
	c.conn.SetReadLimit(512)
	if err := c.conn.SetReadDeadline(time.Now().Add(feedPongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	c.conn.SetPingHandler(func(appData string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(feedPongWait)); err != nil {
			return err
		}
		return c.conn.WriteControl(websocket.PongMessage,
			[]byte(appData), time.Now().Add(feedWriteWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warnf("feed read: %v", err)
			}
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
