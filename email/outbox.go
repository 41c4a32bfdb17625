package email

import (
	"context"
	"sync"
)

// Outbox is a Sender that keeps every message in memory. FailFor lets a
// caller make delivery to specific addresses fail.
type Outbox struct {
	mu       sync.Mutex
	messages []OutgoingMessage
	FailFor  map[string]error
}

func NewOutbox() *Outbox {
	return &Outbox{FailFor: map[string]error{}}
}

func (o *Outbox) Send(ctx context.Context, msg OutgoingMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, to := range msg.To {
		if err, ok := o.FailFor[to]; ok {
			return err
		}
	}
	o.messages = append(o.messages, msg)
	return nil
}

func (o *Outbox) Messages() []OutgoingMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]OutgoingMessage, len(o.messages))
	copy(out, o.messages)
	return out
}

// SentTo returns the messages delivered to address.
func (o *Outbox) SentTo(address string) []OutgoingMessage {
	var out []OutgoingMessage
	for _, m := range o.Messages() {
		for _, to := range m.To {
			if to == address {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

func (o *Outbox) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = nil
}
