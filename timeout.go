package keybridge

import (
	"context"
	"errors"
	"time"
)

type raceResult[T any] struct {
	val T
	err error
}

// raceTimeout runs fn against a deadline of d. fn gets a context carrying the
// deadline but is not required to honour it: if it returns late the result is
// dropped, and the buffered channel lets its goroutine exit.
func raceTimeout[T any](ctx context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	done := make(chan raceResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- raceResult[T]{err: PanicError(op, r)}
			}
		}()
		v, err := fn(ctx)
		done <- raceResult[T]{val: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) {
			return zero, NewAuthError(KindTimeout, ErrCodeTimeout, op+" timed out", res.err)
		}
		return res.val, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, NewAuthError(KindTimeout, ErrCodeTimeout, op+" timed out", ctx.Err())
		}
		return zero, NewAuthError(KindTimeout, ErrCodeTimeout, op+" cancelled", ctx.Err())
	}
}

// sleepContext waits d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
