package accel

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
)

// Launch builds an argument list from args, acquires an instance of kind and
// starts it. Arguments are interpreted as by ArgumentList.Append.
//
// Launch waits for a free instance like AcquirePE, bounded by
// WithAcquireTimeout when set. If the launch fails after the PE was acquired,
// the PE is released before returning.
func (d *Device) Launch(ctx context.Context, kind PEKind, args ...any) (*CompletionHandle, error) {
	list := d.NewArgumentList()
	for i, a := range args {
		if err := list.Append(a); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return d.LaunchList(ctx, kind, list)
}

// LaunchList acquires an instance of kind and starts it with list.
func (d *Device) LaunchList(ctx context.Context, kind PEKind, list *ArgumentList) (*CompletionHandle, error) {
	acquireCtx := ctx
	if d.opts.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, d.opts.acquireTimeout)
		defer cancel()
	}

	job, err := d.AcquirePE(acquireCtx, kind)
	if err != nil {
		return nil, err
	}
	h, err := job.Start(list)
	if err != nil {
		if rerr := job.Release(); rerr != nil {
			err = multierr.Append(err, rerr)
		}
		return nil, err
	}
	return h, nil
}
