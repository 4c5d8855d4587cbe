package servicebus

import (
	"context"
	"errors"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

// BatchOptions controls PublishBatch execution.
// OnProgress is called after each event is handed to the transport, successfully or not.
// OnError is called with the index, the event and the error of each failed publish.
type BatchOptions struct {
	OnProgress func(done, total int)
	OnError    func(index int, e cbus.Event, err error)
}

// BatchOpt configures BatchOptions.
type BatchOpt func(*BatchOptions)

// WithBatchProgress sets the progress callback.
func WithBatchProgress(fn func(done, total int)) BatchOpt {
	return func(o *BatchOptions) { o.OnProgress = fn }
}

// WithBatchOnError sets the error callback.
func WithBatchOnError(fn func(index int, e cbus.Event, err error)) BatchOpt {
	return func(o *BatchOptions) { o.OnError = fn }
}

// PublishBatch publishes events sequentially. It stops when ctx is done, reports progress,
// and returns every publish error joined.
func (b *Bus) PublishBatch(ctx context.Context, events []cbus.Event, opts ...BatchOpt) error {
	var o BatchOptions
	for _, f := range opts {
		f(&o)
	}

	total := len(events)

	var errs []error

	for i, e := range events {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		if err := b.Publish(ctx, e); err != nil {
			if o.OnError != nil {
				o.OnError(i, e, err)
			}

			errs = append(errs, err)
		}

		if o.OnProgress != nil {
			o.OnProgress(i+1, total)
		}
	}

	return errors.Join(errs...)
}
