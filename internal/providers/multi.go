package providers

import (
	"context"
	"errors"
	"fmt"

	"protocol-notifier/internal/delivery"
)

type namedSender struct {
	name   string
	sender delivery.Sender
}

// MultiSender fans a notification out to every configured channel. Delivery
// succeeds when at least one channel accepts it.
type MultiSender struct {
	senders []namedSender
}

func NewMultiSender() *MultiSender {
	return &MultiSender{}
}

// Add registers a channel under name.
func (m *MultiSender) Add(name string, s delivery.Sender) {
	m.senders = append(m.senders, namedSender{name: name, sender: s})
}

func (m *MultiSender) Len() int {
	return len(m.senders)
}

func (m *MultiSender) Send(ctx context.Context, content delivery.Content) error {
	if len(m.senders) == 0 {
		return errors.New("no delivery channels configured")
	}
	var errs []error
	for _, s := range m.senders {
		if err := s.sender.Send(ctx, content); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	if len(errs) == len(m.senders) {
		return errors.Join(errs...)
	}
	return nil
}
