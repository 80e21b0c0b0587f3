package dfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/smbclient/internal/logger"
)

// Kind tells the three outcomes of a DFS-aware operation apart.
type Kind uint8

const (
	KindOk Kind = iota
	KindRedirect
	KindErr
)

func (k Kind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindRedirect:
		return "redirect"
	case KindErr:
		return "error"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Outcome is the result of an operation on a share that may live in a DFS
// namespace: a value, a referral to retry against, or an error.
type Outcome[T any] struct {
	kind     Kind
	value    T
	referral *Referral
	err      error
}

// Ok wraps a successful result.
func Ok[T any](v T) Outcome[T] {
	return Outcome[T]{kind: KindOk, value: v}
}

// Redirect wraps a referral the caller should retry against.
func Redirect[T any](ref *Referral) Outcome[T] {
	return Outcome[T]{kind: KindRedirect, referral: ref}
}

// Err wraps a failure.
func Err[T any](err error) Outcome[T] {
	return Outcome[T]{kind: KindErr, err: err}
}

func (o Outcome[T]) Kind() Kind          { return o.kind }
func (o Outcome[T]) Value() T            { return o.value }
func (o Outcome[T]) Referral() *Referral { return o.referral }
func (o Outcome[T]) Err() error          { return o.err }
func (o Outcome[T]) IsRedirect() bool    { return o.kind == KindRedirect }

// Result collapses the outcome for callers that do not follow referrals;
// a redirect becomes a *RedirectError.
func (o Outcome[T]) Result() (T, error) {
	switch o.kind {
	case KindOk:
		return o.value, nil
	case KindRedirect:
		var zero T
		return zero, &RedirectError{Referral: o.referral}
	}
	var zero T
	return zero, o.err
}

// RedirectError reports a referral that was not followed.
type RedirectError struct {
	Referral *Referral
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("dfs: path %q redirected to %s", e.Referral.Prefix, e.Referral.Target().UNC())
}

// ErrTooManyHops is returned by Retry when redirects exceed the hop limit.
var ErrTooManyHops = errors.New("dfs: too many referral hops")

// Retry runs op against path and re-runs it against each redirect target
// until it yields a value or an error, following at most maxHops redirects.
func Retry[T any](ctx context.Context, maxHops int, path string, op func(ctx context.Context, path string) Outcome[T]) (T, error) {
	var zero T
	for hop := 0; ; hop++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		out := op(ctx, path)
		switch out.Kind() {
		case KindOk:
			return out.Value(), nil
		case KindErr:
			return zero, out.Err()
		}

		if hop >= maxHops {
			return zero, fmt.Errorf("%w: %d following %q", ErrTooManyHops, maxHops, path)
		}
		next, err := out.Referral().Resolve(path)
		if err != nil {
			return zero, err
		}
		logger.DebugCtx(ctx, "DFS redirect", logger.KeyPath, path, "target", next, logger.KeyAttempt, hop+1)
		path = next
	}
}
