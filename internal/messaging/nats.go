// Package messaging provides a NATS client wrapper for pub/sub messaging
// across SafeTalk server instances. It handles connection lifecycle,
// subject-based subscriptions, and convenience methods for the per-user
// event channels used to route deliveries to whichever instance holds a
// user's connection.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across SafeTalk services.
const (
	SubjectUserEvents = "events.user"     // + .<user_id>: deliveries for one user
	SubjectPresence   = "events.presence" // presence transitions, broadcast
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "safetalk",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup. Subscribing to a subject that
// already has a subscription replaces it, so a reconnecting user's rebind
// never leaves two live subscriptions delivering duplicates.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[subject]; ok {
		if err := old.Unsubscribe(); err != nil {
			log.Printf("[nats] replace subscription %s: %v", subject, err)
		}
	}
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishUserEvent publishes an event payload to the events.user.<userID>
// subject. The instance holding the user's live connection picks it up and
// enqueues it on the connection's outbound queue.
func (c *NATSClient) PublishUserEvent(userID string, data []byte) error {
	return c.Publish(SubjectUserEvents+"."+userID, data)
}

// SubscribeUserEvents subscribes to deliveries for a specific user. Called
// when the user's connection registers on this instance, so only the
// instance that owns the connection receives the user's events.
func (c *NATSClient) SubscribeUserEvents(userID string, handler func(data []byte)) error {
	subject := SubjectUserEvents + "." + userID
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeUserEvents drops the per-user event subscription when the
// user's connection on this instance goes away.
func (c *NATSClient) UnsubscribeUserEvents(userID string) error {
	return c.unsubscribe(SubjectUserEvents + "." + userID)
}

// PublishPresenceEvent publishes a presence transition to the shared
// presence subject. All instances receive it and fan it out to connected
// contacts of the affected user.
func (c *NATSClient) PublishPresenceEvent(data []byte) error {
	return c.Publish(SubjectPresence, data)
}

// SubscribePresenceEvents subscribes to presence transitions from all
// instances.
func (c *NATSClient) SubscribePresenceEvents(handler func(data []byte)) error {
	return c.Subscribe(SubjectPresence, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
