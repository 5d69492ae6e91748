// Package notify fans domain events out to interested listeners. Delivery
// is fire-and-forget: failures are logged, never propagated, so notification
// loss cannot roll back state changes already committed.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"csms/internal/queue"

	"github.com/sirupsen/logrus"
)

const publishTimeout = 3 * time.Second

type envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher fans out to the notification exchange and the websocket hub.
type Publisher struct {
	mq  *queue.Publisher // nil disables queue fan-out (tests, tooling)
	hub *Hub
	log *logrus.Logger
}

func NewPublisher(mq *queue.Publisher, hub *Hub, log *logrus.Logger) *Publisher {
	return &Publisher{mq: mq, hub: hub, log: log}
}

// Publish broadcasts a domain event to all listeners.
func (p *Publisher) Publish(eventType string, data any) {
	p.send(eventType, data, "")
}

// PublishTo targets one customer's UI channels; the queue copy still goes
// out on the topic so other services can subscribe.
func (p *Publisher) PublishTo(customerId, eventType string, data any) {
	p.send(eventType, data, customerId)
}

func (p *Publisher) send(eventType string, data any, customerId string) {
	env := envelope{Type: eventType, Data: data, Timestamp: time.Now().UTC()}

	if p.mq != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := p.mq.PublishJSON(ctx, "notify."+eventType, env); err != nil {
			p.log.WithError(err).WithField("type", eventType).Warn("notification publish failed")
		}
		cancel()
	}

	if p.hub != nil {
		msg, err := json.Marshal(env)
		if err != nil {
			return
		}
		if customerId != "" {
			p.hub.Send(customerId, msg)
		} else {
			p.hub.Broadcast(msg)
		}
	}
}
