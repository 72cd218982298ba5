// Package realtime delivers document change events and routes them to
// channel subscriptions. The feed is a WebSocket client on the sync
// service; subscriptions are keyed so screens can swap them without
// leaking old ones.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ndolo/messenger/internal/docstore"
	"github.com/ndolo/messenger/internal/logger"
)

const (
	feedWriteWait = 10 * time.Second
	feedPongWait  = 60 * time.Second
	feedPingEvery = (feedPongWait * 9) / 10
)

// Feed is a WebSocket change feed. It implements docstore.Watcher and
// docstore.DisconnectNotifier; reconnection policy belongs to the
// Dispatcher, the feed only reports the drop.
type Feed struct {
	url string

	mu         sync.Mutex
	conn       *websocket.Conn
	watchers   map[string]map[int]func(docstore.Event)
	nextID     int
	disconnect []func()
	closed     bool
	stop       chan struct{}
}

func NewFeed(url string) *Feed {
	return &Feed{
		url:      url,
		watchers: make(map[string]map[int]func(docstore.Event)),
	}
}

// Connect dials the feed and starts the read loop. Call again after a
// disconnect to re-establish.
func (f *Feed) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("realtime.Connect: %w", err)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return fmt.Errorf("realtime.Connect: feed closed")
	}
	if f.conn != nil {
		f.conn.Close()
	}
	if f.stop != nil {
		close(f.stop)
	}
	stop := make(chan struct{})
	f.conn = conn
	f.stop = stop
	f.mu.Unlock()

	go f.readLoop(conn, stop)
	go f.pingLoop(conn, stop)
	return nil
}

// Watch registers fn for changes in one collection. An empty
// collection matches everything.
func (f *Feed) Watch(collection string, fn func(docstore.Event)) (cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	if f.watchers[collection] == nil {
		f.watchers[collection] = make(map[int]func(docstore.Event))
	}
	f.watchers[collection][id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.watchers[collection], id)
	}
}

// OnDisconnect registers fn to run once each time the feed drops.
func (f *Feed) OnDisconnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnect = append(f.disconnect, fn)
}

// Close tears the feed down for good; no disconnect callbacks fire.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	if f.stop != nil {
		close(f.stop)
		f.stop = nil
	}
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

func (f *Feed) readLoop(conn *websocket.Conn, stop chan struct{}) {
	conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})

	for {
		var ev docstore.Event
		if err := conn.ReadJSON(&ev); err != nil {
			select {
			case <-stop:
				// Deliberate shutdown or superseded by a reconnect.
			default:
				logger.Errorf("realtime feed read: %v", err)
				f.reportDisconnect(conn)
			}
			return
		}
		f.dispatch(ev)
	}
}

func (f *Feed) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(feedPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Feed) dispatch(ev docstore.Event) {
	f.mu.Lock()
	fns := make([]func(docstore.Event), 0, 4)
	for _, fn := range f.watchers[ev.Collection] {
		fns = append(fns, fn)
	}
	for _, fn := range f.watchers[""] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *Feed) reportDisconnect(conn *websocket.Conn) {
	f.mu.Lock()
	if f.closed || f.conn != conn {
		f.mu.Unlock()
		return
	}
	f.conn = nil
	fns := append([]func(){}, f.disconnect...)
	f.mu.Unlock()
	conn.Close()
	for _, fn := range fns {
		fn()
	}
}
