package triage

import "context"

// Store holds the triaged item collection. Items are never deleted.
type Store interface {
	Get(ctx context.Context, id string) (*Item, bool, error)
	Put(ctx context.Context, item *Item) error
	// List returns every item in first-insertion order.
	List(ctx context.Context) ([]*Item, error)
}
