package services

import "log"

// Notifier delivers fire-and-forget user notifications. Delivery mechanics
// (push tokens, channels, permissions) live outside the core; failures are
// the sink's problem and are never surfaced to callers.
type Notifier interface {
	Notify(title, message, kind string)
}

// LogNotifier writes notifications to the log. It stands in for the push
// pipeline in development and in tests.
type LogNotifier struct{}

func (LogNotifier) Notify(title, message, kind string) {
	log.Printf("Notification [%s] %s: %s", kind, title, message)
}
