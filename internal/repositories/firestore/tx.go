package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/campusdash/api/internal/platform/firestore"
)

var errProviderRequired = errors.New("firestore repository: provider is required")

// write joins the transaction carried by ctx, or runs fn in a transaction of its own.
func write(ctx context.Context, provider *pfirestore.Provider, fn pfirestore.TxFunc) error {
	if tx, ok := pfirestore.TransactionFromContext(ctx); ok {
		return fn(ctx, tx)
	}
	return provider.RunTransaction(ctx, fn)
}

// get reads through the surrounding transaction when present so the document is locked until commit.
func get(ctx context.Context, ref *firestore.DocumentRef) (*firestore.DocumentSnapshot, error) {
	if tx, ok := pfirestore.TransactionFromContext(ctx); ok {
		return tx.Get(ref)
	}
	return ref.Get(ctx)
}

func documents(ctx context.Context, query firestore.Query) *firestore.DocumentIterator {
	if tx, ok := pfirestore.TransactionFromContext(ctx); ok {
		return tx.Documents(query)
	}
	return query.Documents(ctx)
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func notFoundError(message string) error {
	return status.Error(codes.NotFound, message)
}
