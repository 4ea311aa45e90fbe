package nats

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/infrastructure/resilience"
)

// transientErrors are connection-level failures a later attempt may not see.
var transientErrors = []error{
	nats.ErrNoServers,
	nats.ErrTimeout,
	nats.ErrConnectionClosed,
	nats.ErrDisconnected,
	nats.ErrNoResponders,
	jetstream.ErrNoStreamResponse,
}

func isTransient(err error) bool {
	for _, target := range transientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func classifyNATSError(err error) resilience.ErrorClassification {
	switch {
	case err == nil:
		return resilience.ErrorClassification{}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return resilience.ErrorClassification{}
	case isTransient(err):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	default:
		// Open circuits land here too: the executor already waited them out.
		return resilience.ErrorClassification{RecordFailure: true}
	}
}

// asTemporary marks broker failures as ErrTemporary so callers nak and retry
// instead of dead-lettering.
func asTemporary(operation string, err error) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if isTransient(err) || resilience.IsCircuitOpen(err) || errors.Is(err, resilience.ErrRetriesExhausted) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
