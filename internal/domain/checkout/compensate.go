package checkout

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/multierr"
)

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// compensations undo the steps of a failed commit in reverse order. Every
// step is idempotent, so running them after a storage rollback is safe.
type compensations []compensation

func (c *compensations) push(name string, fn func(ctx context.Context) error) {
	*c = append(*c, compensation{name: name, fn: fn})
}

func (c compensations) run(ctx context.Context) error {
	var err error
	for i := len(c) - 1; i >= 0; i-- {
		if cerr := c[i].fn(ctx); cerr != nil {
			err = multierr.Append(err, errors.Wrap(cerr, c[i].name))
		}
	}
	return err
}
