package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// TxFunc is the body of a Firestore transaction. It may run more than once.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxPolicy bounds a transaction. Attempts counts whole runs of the body, Timeout caps the
// context handed to it (an earlier caller deadline wins).
type TxPolicy struct {
	Attempts int
	Timeout  time.Duration
}

// DefaultTxPolicy applies when no TxOption overrides it.
var DefaultTxPolicy = TxPolicy{Attempts: 5, Timeout: 15 * time.Second}

type TxOption func(*TxPolicy)

func WithTxAttempts(attempts int) TxOption {
	return func(p *TxPolicy) {
		if attempts > 0 {
			p.Attempts = attempts
		}
	}
}

func WithTxTimeout(timeout time.Duration) TxOption {
	return func(p *TxPolicy) {
		if timeout > 0 {
			p.Timeout = timeout
		}
	}
}

func policyFor(opts []TxOption) TxPolicy {
	p := DefaultTxPolicy
	for _, opt := range opts {
		if opt != nil {
			opt(&p)
		}
	}
	return p
}

// bound derives the transaction context. The returned cancel is always safe to call.
func (p TxPolicy) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.Timeout <= 0 {
		return ctx, func() {}
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= p.Timeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.Timeout)
}

// RunTransaction runs fn on client under the policy built from opts. Errors come back as *Error.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	switch {
	case client == nil:
		return WrapError("transaction", errors.New("firestore: client is nil"))
	case fn == nil:
		return WrapError("transaction", errors.New("firestore: nil transaction body"))
	}
	policy := policyFor(opts)
	txCtx, cancel := policy.bound(ctx)
	defer cancel()

	var native []firestore.TransactionOption
	if policy.Attempts > 0 {
		native = append(native, firestore.MaxAttempts(policy.Attempts))
	}
	return WrapError("transaction", client.RunTransaction(txCtx, fn, native...))
}

type txKey struct{}

// WithTransaction marks ctx as running inside tx so repositories read and write through it.
func WithTransaction(ctx context.Context, tx *firestore.Transaction) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey{}, tx)
}

// TransactionFromContext returns the transaction opened by an enclosing UnitOfWork.
func TransactionFromContext(ctx context.Context) (*firestore.Transaction, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, _ := ctx.Value(txKey{}).(*firestore.Transaction)
	return tx, tx != nil
}

// UnitOfWork groups repository calls into one Firestore transaction. Firestore itself retries
// aborted commits; what it cannot retry is a conflict reported after commit, such as two Creates
// of the same document, so those are retried here within the same attempt budget.
type UnitOfWork struct {
	provider *Provider
	policy   TxPolicy
	opts     []TxOption
}

func NewUnitOfWork(provider *Provider, opts ...TxOption) *UnitOfWork {
	return &UnitOfWork{
		provider: provider,
		policy:   policyFor(opts),
		opts:     append([]TxOption(nil), opts...),
	}
}

// RunInTx runs fn inside a transaction; when ctx already carries one, fn joins it.
func (u *UnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: nil transaction body"))
	}
	if _, nested := TransactionFromContext(ctx); nested {
		return fn(ctx)
	}
	if u == nil || u.provider == nil {
		return WrapError("transaction", errors.New("firestore: provider is nil"))
	}

	var err error
	for remaining := max(u.policy.Attempts, 1); remaining > 0; remaining-- {
		var bodyErr error
		err = u.provider.RunTransaction(ctx, func(txCtx context.Context, tx *firestore.Transaction) error {
			bodyErr = fn(WithTransaction(txCtx, tx))
			return bodyErr
		}, u.opts...)

		switch {
		case bodyErr != nil && errors.Is(err, bodyErr):
			// the body's own error, returned unwrapped so services can match sentinels
			return bodyErr
		case err == nil || !conflicted(err):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		}
	}
	return err
}

func conflicted(err error) bool {
	var fsErr *Error
	return errors.As(err, &fsErr) && fsErr.IsConflict()
}
