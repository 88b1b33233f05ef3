// Package notification provides alert delivery to external channels for
// ingestion pipeline events: permanent worker failures, sidecar restart
// exhaustion, venue stream loss.
package notification

import (
	"context"
	"log"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent. Venue and Symbol scope the
// alert to a market when it concerns one; process-level alerts leave them
// empty.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Venue   string     `json:"venue,omitempty"`
	Symbol  string     `json:"symbol,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	if alert.Symbol != "" {
		log.Printf("[notify] [%s] %s/%s %s: %s", alert.Level, alert.Venue, alert.Symbol, alert.Title, alert.Message)
		return nil
	}
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Multi fans an alert out to several notifiers, returning the first error.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var firstErr error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
