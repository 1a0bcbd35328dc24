// Package plan exposes the billing collaborator's one relevant fact: the
// messages-per-minute ceiling of an owner's active plan.
package plan

import (
	"context"

	"blast/internal/storage"
)

// Resolver looks up an owner's plan rate. A zero rate means "no ceiling";
// the dispatch worker then falls back to the job's speed-tier default.
type Resolver interface {
	MessagesPerMinute(ctx context.Context, ownerID string) (int, error)
}

// StoreResolver reads plan rates from the primary store.
type StoreResolver struct {
	Store *storage.Store
}

func NewStoreResolver(store *storage.Store) *StoreResolver {
	return &StoreResolver{Store: store}
}

func (r *StoreResolver) MessagesPerMinute(ctx context.Context, ownerID string) (int, error) {
	return r.Store.PlanRate(ownerID)
}

// Static is a fixed-rate resolver for tests and single-tenant deployments.
type Static int

func (s Static) MessagesPerMinute(context.Context, string) (int, error) { return int(s), nil }
