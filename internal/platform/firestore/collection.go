package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Snapshot is a decoded document together with its server update time.
type Snapshot[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// Collection binds a document type to a named collection on the shared provider.
type Collection[T any] struct {
	provider *Provider
	name     string
}

// NewCollection returns a typed handle on the named collection.
func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// Ref resolves the collection reference, connecting the client on first use.
func (c *Collection[T]) Ref(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, WrapError("firestore.collection", errors.New("firestore: provider is nil"))
	}
	if c.name == "" {
		return nil, WrapError("firestore.collection", errors.New("firestore: collection name is required"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

// Doc resolves the reference for id. Blank ids are rejected before any RPC.
func (c *Collection[T]) Doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, WrapError(c.op("doc"), errors.New("firestore: document id is required"))
	}
	ref, err := c.Ref(ctx)
	if err != nil {
		return nil, err
	}
	return ref.Doc(id), nil
}

// Create writes value under id and fails with a conflict when the document already exists.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, value); err != nil {
		return WrapError(c.op("create"), err)
	}
	return nil
}

// Get reads and decodes the document stored under id.
func (c *Collection[T]) Get(ctx context.Context, id string) (Snapshot[T], error) {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return Snapshot[T]{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Snapshot[T]{}, WrapError(c.op("get"), err)
	}
	return decodeSnapshot[T](snap)
}

// Find runs the query built on top of the collection and decodes every match.
func (c *Collection[T]) Find(ctx context.Context, build func(firestore.Query) firestore.Query) ([]Snapshot[T], error) {
	ref, err := c.Ref(ctx)
	if err != nil {
		return nil, err
	}
	query := ref.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []Snapshot[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(c.op("find"), err)
		}
		decoded, err := decodeSnapshot[T](snap)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
}

func (c *Collection[T]) op(action string) string {
	if c == nil || c.name == "" {
		return "firestore." + action
	}
	return c.name + "." + action
}

func decodeSnapshot[T any](snap *firestore.DocumentSnapshot) (Snapshot[T], error) {
	var data T
	if err := snap.DataTo(&data); err != nil {
		return Snapshot[T]{}, fmt.Errorf("firestore: decode %s: %w", snap.Ref.Path, err)
	}
	return Snapshot[T]{ID: snap.Ref.ID, Data: data, UpdateTime: snap.UpdateTime}, nil
}
