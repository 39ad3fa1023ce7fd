package notify

import (
	"context"
	"errors"

	"kanban-api/domain"
)

// Fanout publishes every change to all sinks and joins their errors.
type Fanout []domain.Publisher

func (f Fanout) Publish(ctx context.Context, ch domain.Change) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
