// Package notify holds reference adapters for the notification collaborator.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/liamcoop/gamification/dispatch"
	"github.com/liamcoop/gamification/internal/logger"
	"github.com/nats-io/nats.go"
)

// DefaultSubject is used when no subject is configured
const DefaultSubject = "gamification.notifications"

// ErrNotConnected is returned when the NATS connection is down
var ErrNotConnected = errors.New("not connected to NATS")

// Publisher is the subset of *nats.Conn the notifier needs
type Publisher interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
}

// Connect dials NATS with reconnect options suited to a long-running server
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return conn, nil
}

// NATSNotifier publishes each notification as JSON on a subject. A delivery
// service subscribed to the subject renders and sends it.
type NATSNotifier struct {
	pub     Publisher
	subject string
}

// NewNATSNotifier creates a notifier publishing on subject
func NewNATSNotifier(pub Publisher, subject string) *NATSNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSNotifier{pub: pub, subject: subject}
}

// Notify publishes n. It fails fast when the connection is down.
func (n *NATSNotifier) Notify(ctx context.Context, msg dispatch.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.pub.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", n.subject, err)
	}
	return nil
}

// LogNotifier writes notifications to the structured log. Used when no
// message broker is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, msg dispatch.Notification) error {
	logger.Info("notification",
		"user_email", msg.UserEmail,
		"template", msg.Template,
		"rule_id", msg.RuleID,
		"event_id", msg.EventID,
	)
	return nil
}
