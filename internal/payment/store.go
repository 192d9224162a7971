package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/drluca/shopflow/internal/store"
)

const keyPrefix = "payment:"

// Store keeps payment records in the shared KV state store, one entry
// per payment attempt.
type Store struct {
	kv store.KV
}

func NewStore(kv store.KV) *Store {
	return &Store{kv: kv}
}

func (s *Store) Save(ctx context.Context, p *Payment) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding payment %s: %w", p.PaymentID, err)
	}
	if err := s.kv.Set(ctx, keyPrefix+p.PaymentID, raw); err != nil {
		return fmt.Errorf("saving payment %s: %w", p.PaymentID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, paymentID string) (*Payment, error) {
	raw, err := s.kv.Get(ctx, keyPrefix+paymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading payment %s: %w", paymentID, err)
	}
	var p Payment
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding payment %s: %w", paymentID, err)
	}
	return &p, nil
}

// Delete removes a payment record. Deleting an unknown ID is not an
// error; the processor uses Delete to unwind a record it just wrote.
func (s *Store) Delete(ctx context.Context, paymentID string) error {
	return s.kv.Delete(ctx, keyPrefix+paymentID)
}

// List returns stored payments, newest first, optionally filtered by
// status ("" means all).
func (s *Store) List(ctx context.Context, status Status) ([]*Payment, error) {
	raws, err := s.kv.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	payments := make([]*Payment, 0, len(raws))
	for _, raw := range raws {
		var p Payment
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decoding stored payment: %w", err)
		}
		if status != "" && p.Status != status {
			continue
		}
		payments = append(payments, &p)
	}
	sort.Slice(payments, func(i, j int) bool {
		if payments[i].CreatedAt.Equal(payments[j].CreatedAt) {
			return payments[i].PaymentID < payments[j].PaymentID
		}
		return payments[i].CreatedAt.After(payments[j].CreatedAt)
	})
	return payments, nil
}

// ListByOrder returns every attempt against one order, newest first.
// A declined attempt followed by a manual retry leaves two records.
func (s *Store) ListByOrder(ctx context.Context, orderID string) ([]*Payment, error) {
	all, err := s.List(ctx, "")
	if err != nil {
		return nil, err
	}
	matched := all[:0]
	for _, p := range all {
		if p.OrderID == orderID {
			matched = append(matched, p)
		}
	}
	return matched, nil
}
