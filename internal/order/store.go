package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/drluca/shopflow/internal/store"
)

// ErrNotFound is returned for unknown order IDs.
var ErrNotFound = errors.New("order not found")

const keyPrefix = "order:"

// Store persists orders in the shared KV under "order:<id>".
type Store struct {
	kv store.KV
}

func NewStore(kv store.KV) *Store {
	return &Store{kv: kv}
}

func key(orderID string) string { return keyPrefix + orderID }

// Create inserts the order only if its ID is unclaimed. Returns false
// when another writer got there first.
func (s *Store) Create(ctx context.Context, o *Order) (bool, error) {
	value, err := json.Marshal(o)
	if err != nil {
		return false, fmt.Errorf("marshaling order %s: %w", o.OrderID, err)
	}
	inserted, err := s.kv.SetNX(ctx, key(o.OrderID), value)
	if err != nil {
		return false, fmt.Errorf("inserting order %s: %w", o.OrderID, err)
	}
	return inserted, nil
}

// Save overwrites the order record.
func (s *Store) Save(ctx context.Context, o *Order) error {
	value, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshaling order %s: %w", o.OrderID, err)
	}
	if err := s.kv.Set(ctx, key(o.OrderID), value); err != nil {
		return fmt.Errorf("saving order %s: %w", o.OrderID, err)
	}
	return nil
}

// Get loads one order.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	value, err := s.kv.Get(ctx, key(orderID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading order %s: %w", orderID, err)
	}
	var o Order
	if err := json.Unmarshal(value, &o); err != nil {
		return nil, fmt.Errorf("decoding order %s: %w", orderID, err)
	}
	return &o, nil
}

// Delete removes the order record. Used only to roll back a partially
// applied creation; settled orders are never deleted.
func (s *Store) Delete(ctx context.Context, orderID string) error {
	return s.kv.Delete(ctx, key(orderID))
}

// List returns all orders, newest first, optionally filtered by status
// ("" matches all).
func (s *Store) List(ctx context.Context, status Status) ([]*Order, error) {
	values, err := s.kv.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}

	orders := make([]*Order, 0, len(values))
	for _, value := range values {
		var o Order
		if err := json.Unmarshal(value, &o); err != nil {
			return nil, fmt.Errorf("decoding order record: %w", err)
		}
		if status != "" && o.Status != status {
			continue
		}
		orders = append(orders, &o)
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// ListByUser returns one user's orders, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*Order, error) {
	all, err := s.List(ctx, "")
	if err != nil {
		return nil, err
	}
	orders := make([]*Order, 0)
	for _, o := range all {
		if o.UserID == userID {
			orders = append(orders, o)
		}
	}
	return orders, nil
}
