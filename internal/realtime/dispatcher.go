package realtime

import (
	"sync"
	"time"

	"github.com/ndolo/messenger/internal/docstore"
	"github.com/ndolo/messenger/internal/logger"
)

// Channel keys used by the messaging core. Message subscriptions are
// per conversation; use MessagesKey.
const (
	KeyConversations = "conversations"
	KeyCalls         = "calls"
	KeyPresence      = "presence"
)

// MessagesKey is the subscription key for one conversation's messages.
func MessagesKey(conversationID string) string {
	return "messages:" + conversationID
}

const reconnectDelay = 5 * time.Second

// Dispatcher owns the channel subscriptions on top of a watcher. One
// key holds at most one subscription: subscribing again under the same
// key replaces the old one, so switching conversations cannot leak the
// previous message stream. On a watcher disconnect it schedules a
// single delayed reconnect; further drops while the timer is pending
// are absorbed.
type Dispatcher struct {
	watcher docstore.Watcher

	mu   sync.Mutex
	subs map[string]func()

	reconnectMu    sync.Mutex
	reconnectTimer *time.Timer
	onReconnect    func()
	closed         bool
}

func NewDispatcher(w docstore.Watcher) *Dispatcher {
	d := &Dispatcher{
		watcher: w,
		subs:    make(map[string]func()),
	}
	if notifier, ok := w.(docstore.DisconnectNotifier); ok {
		notifier.OnDisconnect(d.handleDisconnect)
	}
	return d
}

// OnReconnect sets the callback invoked after the reconnect delay. The
// callback re-establishes the connection and resubscribes what the
// current screen needs.
func (d *Dispatcher) OnReconnect(fn func()) {
	d.reconnectMu.Lock()
	defer d.reconnectMu.Unlock()
	d.onReconnect = fn
}

// Subscribe routes collection events to fn under the given key,
// replacing any subscription already held by that key.
func (d *Dispatcher) Subscribe(key, collection string, fn func(docstore.Event)) {
	cancel := d.watcher.Watch(collection, fn)

	d.mu.Lock()
	old := d.subs[key]
	d.subs[key] = cancel
	d.mu.Unlock()

	if old != nil {
		old()
	}
}

// Unsubscribe drops the subscription held by key, if any.
func (d *Dispatcher) Unsubscribe(key string) {
	d.mu.Lock()
	cancel := d.subs[key]
	delete(d.subs, key)
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// UnsubscribeAll drops every subscription. Called on sign-out.
func (d *Dispatcher) UnsubscribeAll() {
	d.mu.Lock()
	cancels := make([]func(), 0, len(d.subs))
	for _, c := range d.subs {
		cancels = append(cancels, c)
	}
	d.subs = make(map[string]func())
	d.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Keys returns the currently held subscription keys. The reconnect
// callback uses this to know what to re-establish.
func (d *Dispatcher) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.subs))
	for k := range d.subs {
		keys = append(keys, k)
	}
	return keys
}

// Close stops reconnect scheduling and drops all subscriptions.
func (d *Dispatcher) Close() {
	d.reconnectMu.Lock()
	d.closed = true
	if d.reconnectTimer != nil {
		d.reconnectTimer.Stop()
		d.reconnectTimer = nil
	}
	d.reconnectMu.Unlock()
	d.UnsubscribeAll()
}

// ScheduleReconnect arms the reconnect timer as if the watcher had
// dropped. The reconnect callback calls this when re-dialing fails, so
// the attempt repeats instead of dying after one try.
func (d *Dispatcher) ScheduleReconnect() {
	d.handleDisconnect()
}

func (d *Dispatcher) handleDisconnect() {
	d.reconnectMu.Lock()
	defer d.reconnectMu.Unlock()
	if d.closed || d.reconnectTimer != nil {
		return
	}
	logger.Infof("realtime disconnected, reconnecting in %s", reconnectDelay)
	d.reconnectTimer = time.AfterFunc(reconnectDelay, func() {
		d.reconnectMu.Lock()
		d.reconnectTimer = nil
		fn := d.onReconnect
		closed := d.closed
		d.reconnectMu.Unlock()
		if closed || fn == nil {
			return
		}
		fn()
	})
}
