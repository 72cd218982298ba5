// Package notify delivers push notifications and in-app alerts for
// incoming messages and calls. Delivery is best effort: a failed push
// never fails the message send that triggered it.
package notify

import (
	"context"

	"github.com/ndolo/messenger/internal/logger"
)

// Notification kinds used as the "type" entry of the push data payload.
const (
	KindMessage     = "message"
	KindCallRequest = "call_request"
)

// Notifier sends a push notification to every registered device of a
// user. Implementations must not block the caller on network failures
// longer than their own timeout.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, kind, title, body string, data map[string]string)
}

// Alerter surfaces in-app feedback: toasts for errors, sounds for
// incoming messages, the ringtone loop for incoming calls.
type Alerter interface {
	Alert(message string)
	PlaySound(name string)
	StartRingtone()
	StopRingtone()
}

// Nop discards notifications. Used in tests and headless runs.
type Nop struct{}

func (Nop) NotifyUser(context.Context, string, string, string, string, map[string]string) {}

// LogAlerter writes alerts to the log instead of a UI. The agent
// service runs with this; an embedding app supplies its own Alerter.
type LogAlerter struct{}

func (LogAlerter) Alert(message string) { logger.Infof("alert: %s", message) }
func (LogAlerter) PlaySound(name string) {
	logger.Infof("sound: %s", name)
}
func (LogAlerter) StartRingtone() { logger.Info("ringtone: start") }
func (LogAlerter) StopRingtone()  { logger.Info("ringtone: stop") }
