package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker"

	"github.com/rishik-ashili/email-outbox/pkg/models"
)

// Channel is one outbound notification target
type Channel interface {
	Name() string
	Send(ctx context.Context, email *models.Email, category models.Category) error
}

type breakerChannel struct {
	channel Channel
	breaker *gobreaker.CircuitBreaker
}

// Notifier fans an alert out to every configured channel. Each channel sits
// behind its own circuit breaker: after three consecutive failures the
// channel is skipped for a cooldown instead of being hammered.
type Notifier struct {
	channels []*breakerChannel
	logger   *slog.Logger
}

// New creates a notifier over the given channels
func New(logger *slog.Logger, channels ...Channel) *Notifier {
	n := &Notifier{logger: logger.With("component", "notifier")}
	for _, ch := range channels {
		ch := ch
		settings := gobreaker.Settings{
			Name:        ch.Name(),
			MaxRequests: 1,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				n.logger.Warn("notification channel state changed",
					"channel", name, "from", from.String(), "to", to.String())
			},
		}
		n.channels = append(n.channels, &breakerChannel{
			channel: ch,
			breaker: gobreaker.NewCircuitBreaker(settings),
		})
	}
	return n
}

// Notify sends the alert through every channel; per-channel failures are
// collected, a single healthy channel is enough for partial success.
func (n *Notifier) Notify(ctx context.Context, email *models.Email, category models.Category) error {
	if len(n.channels) == 0 {
		return nil
	}

	var errs []error
	for _, bc := range n.channels {
		_, err := bc.breaker.Execute(func() (interface{}, error) {
			return nil, bc.channel.Send(ctx, email, category)
		})
		if err != nil {
			n.logger.Warn("notification failed",
				"channel", bc.channel.Name(), "message_id", email.MessageID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", bc.channel.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Status reports each channel's breaker state for health output
func (n *Notifier) Status() map[string]string {
	out := make(map[string]string, len(n.channels))
	for _, bc := range n.channels {
		out[bc.channel.Name()] = bc.breaker.State().String()
	}
	return out
}
