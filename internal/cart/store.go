package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/drluca/shopflow/internal/store"
)

const keyPrefix = "cart:"

// Store keeps carts in the shared KV state store, one entry per user.
type Store struct {
	kv store.KV
}

func NewStore(kv store.KV) *Store {
	return &Store{kv: kv}
}

// GetOrCreate returns the user's cart, materializing an empty one on
// first contact the way the original storefront did.
func (s *Store) GetOrCreate(ctx context.Context, userID string) (*Cart, error) {
	raw, err := s.kv.Get(ctx, keyPrefix+userID)
	if errors.Is(err, store.ErrNotFound) {
		c := newCart(userID)
		if err := s.Save(ctx, c); err != nil {
			return nil, err
		}
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading cart for %s: %w", userID, err)
	}

	var c Cart
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decoding cart for %s: %w", userID, err)
	}
	return &c, nil
}

// Get returns the cart or store.ErrNotFound, for callers that must not
// materialize one.
func (s *Store) Get(ctx context.Context, userID string) (*Cart, error) {
	raw, err := s.kv.Get(ctx, keyPrefix+userID)
	if err != nil {
		return nil, err
	}
	var c Cart
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decoding cart for %s: %w", userID, err)
	}
	return &c, nil
}

func (s *Store) Save(ctx context.Context, c *Cart) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding cart for %s: %w", c.UserID, err)
	}
	if err := s.kv.Set(ctx, keyPrefix+c.UserID, raw); err != nil {
		return fmt.Errorf("saving cart for %s: %w", c.UserID, err)
	}
	return nil
}

// All returns every stored cart. The product.updated price sync walks
// them; cart counts stay small enough that a scan is fine.
func (s *Store) All(ctx context.Context) ([]*Cart, error) {
	raws, err := s.kv.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing carts: %w", err)
	}
	carts := make([]*Cart, 0, len(raws))
	for _, raw := range raws {
		var c Cart
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decoding stored cart: %w", err)
		}
		carts = append(carts, &c)
	}
	return carts, nil
}
