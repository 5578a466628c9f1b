package port

import (
	"context"

	"github.com/rl1809/lab-store/internal/core/domain"
)

type EventPublisher interface {
	Publish(ctx context.Context, event domain.RequestEvent) error
	Close() error
}
