package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/waypoint/internal/db"
)

// Sender mirrors delivery.Sender to avoid an import cycle.
type Sender interface {
	Deliver(ctx context.Context, msg *db.ScheduledMessage) error
	SupportsChannel(channel string) bool
}

// ProtectedSender wraps a Sender with a CircuitBreaker. While the circuit is
// open, Deliver returns ErrCircuitOpen without calling the transport.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Wrap is shorthand for a ProtectedSender with a default-configured breaker.
func Wrap(name string, sender Sender, onStateChange func(string, State, State), logger *zap.Logger) *ProtectedSender {
	cfg := DefaultConfig(name)
	cfg.OnStateChange = onStateChange
	return NewProtectedSender(sender, New(cfg, logger), logger)
}

func (p *ProtectedSender) Deliver(ctx context.Context, msg *db.ScheduledMessage) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.Name()),
			zap.String("scheduled_message_id", msg.ID.String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	err := p.sender.Deliver(ctx, msg)
	if err != nil {
		// a cancelled run says nothing about the transport's health
		if ctx.Err() == nil {
			p.breaker.RecordFailure()
		}
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
