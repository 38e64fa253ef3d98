package rabbitmq

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// invalidation is the message the admin backend sends after editing a record
type invalidation struct {
	Reason string `json:"reason"`
	Kind   string `json:"kind"`
	Code   string `json:"code"`
}

// ConsumeInvalidations listens on the invalidation queue until ctx is done
func (b *EventBus) ConsumeInvalidations(ctx context.Context, handler func(reason string)) error {
	qName := b.invalidationQueue

	_, err := b.ch.QueueDeclare(
		qName, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return err
	}

	msgs, err := b.ch.ConsumeWithContext(ctx,
		qName, // queue
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return err
	}

	b.log.Info("Started consuming config invalidations", zap.String("queue", qName))

	go func() {
		for d := range msgs {
			handler(reasonOf(d.Body))
			if err := d.Ack(false); err != nil {
				b.log.Warn("Failed to ack invalidation", zap.Error(err))
			}
		}
		b.log.Info("Stopped consuming config invalidations", zap.String("queue", qName))
	}()

	return nil
}

// reasonOf accepts a JSON envelope or a plain text body
func reasonOf(body []byte) string {
	var msg invalidation
	if err := json.Unmarshal(body, &msg); err == nil {
		switch {
		case msg.Reason != "":
			return msg.Reason
		case msg.Kind != "" && msg.Code != "":
			return msg.Kind + ":" + msg.Code
		case msg.Kind != "":
			return msg.Kind
		}
	}
	if len(body) == 0 {
		return "admin change"
	}
	return string(body)
}
